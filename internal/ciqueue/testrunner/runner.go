package testrunner

import (
	"time"

	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

type Status string

const (
	Passed Status = "passed"
	Failed Status = "failed"
)

// Result is the outcome of one execution of one test.
type Result struct {
	TestId   string
	Status   Status
	Duration time.Duration
	// Combined output of the execution, truncated to its tail.
	Output string
}

func (r Result) Passed() bool {
	return r.Status == Passed
}

// Runner executes a single test.
// A test that ran and failed is a Result with status Failed and a nil error; an error means the test could not be run.
type Runner interface {
	Run(ctx *queuecontext.Context, testId string) (Result, error)
}

// SequenceRunner executes tests in order within one environment, so that state leaked by earlier tests is visible
// to later ones. It returns the result of the last test.
type SequenceRunner interface {
	RunSequence(ctx *queuecontext.Context, testIds []string) (Result, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx *queuecontext.Context, testId string) (Result, error)

func (f RunnerFunc) Run(ctx *queuecontext.Context, testId string) (Result, error) {
	return f(ctx, testId)
}

// InOrder runs a sequence by running each test in turn with runner.
func InOrder(runner Runner) SequenceRunner {
	return inOrder{runner: runner}
}

type inOrder struct {
	runner Runner
}

func (s inOrder) RunSequence(ctx *queuecontext.Context, testIds []string) (Result, error) {
	var result Result
	for _, testId := range testIds {
		var err error
		if result, err = s.runner.Run(ctx, testId); err != nil {
			return result, err
		}
	}
	return result, nil
}
