// Package ci infers the identity of a build from the environment of well known CI providers,
// so that workers of one build agree on build id and seed without any flags.
package ci

import (
	"os"
)

// Defaults are the values inferred from a CI provider. Empty fields could not be inferred.
type Defaults struct {
	Provider string
	BuildId  string
	WorkerId string
	Seed     string
}

type provider struct {
	name   string
	detect string
	build  func(lookup func(string) string) string
	worker string
	seed   string
}

func env(name string) func(lookup func(string) string) string {
	return func(lookup func(string) string) string {
		return lookup(name)
	}
}

var providers = []provider{
	{
		name:   "buildkite",
		detect: "BUILDKITE_BUILD_ID",
		build:  env("BUILDKITE_BUILD_ID"),
		worker: "BUILDKITE_PARALLEL_JOB",
		seed:   "BUILDKITE_COMMIT",
	},
	{
		name:   "circleci",
		detect: "CIRCLE_BUILD_URL",
		build:  env("CIRCLE_BUILD_URL"),
		worker: "CIRCLE_NODE_INDEX",
		seed:   "CIRCLE_SHA1",
	},
	{
		name:   "heroku",
		detect: "HEROKU_TEST_RUN_ID",
		build:  env("HEROKU_TEST_RUN_ID"),
		worker: "CI_NODE_INDEX",
		seed:   "HEROKU_TEST_RUN_COMMIT_VERSION",
	},
	{
		name:   "travis",
		detect: "TRAVIS_BUILD_ID",
		build:  env("TRAVIS_BUILD_ID"),
		worker: "TRAVIS_JOB_NUMBER",
		seed:   "TRAVIS_COMMIT",
	},
	{
		name:   "github-actions",
		detect: "GITHUB_RUN_ID",
		build: func(lookup func(string) string) string {
			if attempt := lookup("GITHUB_RUN_ATTEMPT"); attempt != "" {
				return lookup("GITHUB_RUN_ID") + "-" + attempt
			}
			return lookup("GITHUB_RUN_ID")
		},
		worker: "CIQUEUE_WORKER_INDEX",
		seed:   "GITHUB_SHA",
	},
}

// Infer returns the defaults of the first provider detected in the process environment.
func Infer() Defaults {
	return InferFrom(os.Getenv)
}

// InferFrom is Infer over an arbitrary environment.
func InferFrom(lookup func(string) string) Defaults {
	for _, p := range providers {
		if lookup(p.detect) == "" {
			continue
		}
		return Defaults{
			Provider: p.name,
			BuildId:  p.build(lookup),
			WorkerId: lookup(p.worker),
			Seed:     lookup(p.seed),
		}
	}
	return Defaults{}
}
