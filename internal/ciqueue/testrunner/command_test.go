package testrunner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

func TestCommandRunner_Run(t *testing.T) {
	tests := map[string]struct {
		template       string
		testId         string
		expectedStatus Status
		expectedOutput string
	}{
		"passing command": {
			template:       "echo running {test}",
			testId:         "a",
			expectedStatus: Passed,
			expectedOutput: "running a\n",
		},
		"failing command": {
			template:       "echo broken {test} >&2; exit 3",
			testId:         "b",
			expectedStatus: Failed,
			expectedOutput: "broken b\n",
		},
		"test id is quoted": {
			template:       "printf '%s' {test}",
			testId:         "it's; exit 1",
			expectedStatus: Passed,
			expectedOutput: "it's; exit 1",
		},
		"test id in environment": {
			template:       `test "$CIQUEUE_TEST" = c`,
			testId:         "c",
			expectedStatus: Passed,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			runner := NewCommandRunner(tc.template, nil, clock.RealClock{})
			result, err := runner.Run(queuecontext.Background(), tc.testId)
			require.NoError(t, err)
			assert.Equal(t, tc.testId, result.TestId)
			assert.Equal(t, tc.expectedStatus, result.Status)
			assert.Equal(t, tc.expectedOutput, result.Output)
		})
	}
}

func TestCommandRunner_LoadPaths(t *testing.T) {
	runner := NewCommandRunner(`printf '%s' "$CIQUEUE_LOAD_PATH"`, []string{"lib", "test"}, clock.RealClock{})
	result, err := runner.Run(queuecontext.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "lib:test", result.Output)
}

func TestCommandRunner_CancelledContext(t *testing.T) {
	ctx, cancel := queuecontext.WithCancel(queuecontext.Background())
	cancel()
	runner := NewCommandRunner("sleep 5", nil, clock.RealClock{})
	_, err := runner.Run(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCommandRunner_RunSequence(t *testing.T) {
	ctx := queuecontext.Background()

	batch := NewCommandRunner(`for t in {tests}; do printf '%s,' "$t"; done; test "$CIQUEUE_TEST" = c`, nil, clock.RealClock{})
	assert.True(t, batch.RunsSequenceInOneProcess())
	result, err := batch.RunSequence(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, "c", result.TestId)
	assert.Equal(t, Passed, result.Status)
	assert.Equal(t, "a,b,c,", result.Output)

	single := NewCommandRunner(`test {test} != b`, nil, clock.RealClock{})
	assert.False(t, single.RunsSequenceInOneProcess())
	result, err = single.RunSequence(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "b", result.TestId)
	assert.Equal(t, Failed, result.Status)
}

func TestInOrder(t *testing.T) {
	var ran []string
	runner := RunnerFunc(func(ctx *queuecontext.Context, testId string) (Result, error) {
		ran = append(ran, testId)
		return Result{TestId: testId, Status: Passed}, nil
	})
	result, err := InOrder(runner).RunSequence(queuecontext.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	assert.Equal(t, "z", result.TestId)
	assert.Equal(t, []string{"x", "y", "z"}, ran)
}
