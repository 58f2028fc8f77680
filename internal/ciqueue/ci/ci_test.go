package ci

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferFrom(t *testing.T) {
	tests := map[string]struct {
		env      map[string]string
		expected Defaults
	}{
		"buildkite": {
			env: map[string]string{
				"BUILDKITE_BUILD_ID":     "0184",
				"BUILDKITE_PARALLEL_JOB": "3",
				"BUILDKITE_COMMIT":       "abc123",
			},
			expected: Defaults{Provider: "buildkite", BuildId: "0184", WorkerId: "3", Seed: "abc123"},
		},
		"circleci": {
			env: map[string]string{
				"CIRCLE_BUILD_URL":  "https://circleci.com/gh/org/repo/42",
				"CIRCLE_NODE_INDEX": "1",
				"CIRCLE_SHA1":       "def456",
			},
			expected: Defaults{Provider: "circleci", BuildId: "https://circleci.com/gh/org/repo/42", WorkerId: "1", Seed: "def456"},
		},
		"heroku": {
			env: map[string]string{
				"HEROKU_TEST_RUN_ID":             "run-7",
				"CI_NODE_INDEX":                  "0",
				"HEROKU_TEST_RUN_COMMIT_VERSION": "fff",
			},
			expected: Defaults{Provider: "heroku", BuildId: "run-7", WorkerId: "0", Seed: "fff"},
		},
		"travis": {
			env: map[string]string{
				"TRAVIS_BUILD_ID":   "99",
				"TRAVIS_JOB_NUMBER": "99.2",
				"TRAVIS_COMMIT":     "aaa",
			},
			expected: Defaults{Provider: "travis", BuildId: "99", WorkerId: "99.2", Seed: "aaa"},
		},
		"github actions with attempt": {
			env: map[string]string{
				"GITHUB_RUN_ID":      "1234",
				"GITHUB_RUN_ATTEMPT": "2",
				"GITHUB_SHA":         "bbb",
			},
			expected: Defaults{Provider: "github-actions", BuildId: "1234-2", Seed: "bbb"},
		},
		"no provider": {
			env:      map[string]string{"HOME": "/root"},
			expected: Defaults{},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			lookup := func(key string) string {
				return tc.env[key]
			}
			assert.Equal(t, tc.expected, InferFrom(lookup))
		})
	}
}
