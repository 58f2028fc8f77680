package bisect

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/ciqueue/internal/ciqueue/testrunner"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

type Verdict int

const (
	// A single preceding test makes the failing test fail.
	Culprit Verdict = iota
	// The failing test fails even when run on its own, so it does not depend on a leak.
	FailsAlone
	// The failing test passes after the full preceding list.
	NotReproduced
	// The search narrowed to one test, but that test alone does not reproduce the failure,
	// e.g. because several tests leak together or the failure is intermittent.
	Inconclusive
)

func (v Verdict) String() string {
	switch v {
	case Culprit:
		return "culprit"
	case FailsAlone:
		return "fails alone"
	case NotReproduced:
		return "not reproduced"
	case Inconclusive:
		return "inconclusive"
	}
	return "unknown"
}

type Result struct {
	Verdict Verdict
	// Set when Verdict is Culprit.
	Culprit string
	// The shortest order observed to reproduce the failure, ending with the failing test.
	Order []string
	// Number of sequences executed.
	Runs int
}

func (r Result) Err() error {
	if r.Verdict == Culprit {
		return nil
	}
	return &queueerrors.ErrTestFailures{Count: 1}
}

// Search isolates the earlier test that leaks state into a failing test.
type Search struct {
	runner testrunner.SequenceRunner
}

func NewSearch(runner testrunner.SequenceRunner) *Search {
	return &Search{runner: runner}
}

// Run bisects the tests preceding failingTest in testIds. Each step runs the first half of the remaining candidates
// followed by failingTest: a failure narrows the search to that half, a pass to the other one. Testing the first half
// first means that the earliest culprit wins when several would reproduce the failure.
func (s *Search) Run(ctx *queuecontext.Context, testIds []string, failingTest string) (Result, error) {
	position := slices.Index(testIds, failingTest)
	if position < 0 {
		return Result{}, &queueerrors.ErrInvalidArgument{
			Name:    "failing-test",
			Value:   failingTest,
			Message: "the test is not in the test list",
		}
	}
	ctx = queuecontext.WithLogField(ctx, "failingTest", failingTest)
	result := Result{}

	fails, err := s.fails(ctx, &result, nil, failingTest)
	if err != nil {
		return result, err
	}
	if fails {
		result.Verdict = FailsAlone
		result.Order = []string{failingTest}
		ctx.Log.Info("The test fails on its own")
		return result, nil
	}

	candidates := testIds[:position]
	fails, err = s.fails(ctx, &result, candidates, failingTest)
	if err != nil {
		return result, err
	}
	if !fails {
		result.Verdict = NotReproduced
		ctx.Log.Infof("The test passes after all %d preceding tests", len(candidates))
		return result, nil
	}
	result.Order = withFailing(candidates, failingTest)

	for len(candidates) > 1 {
		half := candidates[:len(candidates)/2]
		fails, err := s.fails(ctx, &result, half, failingTest)
		if err != nil {
			return result, err
		}
		if fails {
			candidates = half
			result.Order = withFailing(half, failingTest)
		} else {
			candidates = candidates[len(candidates)/2:]
		}
		ctx.Log.Infof("%d candidates left", len(candidates))
	}

	// A culprit reached by elimination has not been run on its own yet.
	if len(result.Order) > 2 {
		fails, err := s.fails(ctx, &result, candidates, failingTest)
		if err != nil {
			return result, err
		}
		if !fails {
			result.Verdict = Inconclusive
			return result, nil
		}
		result.Order = withFailing(candidates, failingTest)
	}
	result.Verdict = Culprit
	result.Culprit = candidates[0]
	return result, nil
}

func (s *Search) fails(ctx *queuecontext.Context, result *Result, prefix []string, failingTest string) (bool, error) {
	order := withFailing(prefix, failingTest)
	result.Runs++
	outcome, err := s.runner.RunSequence(ctx, order)
	if err != nil {
		return false, errors.Wrapf(err, "running a sequence of %d tests", len(order))
	}
	return !outcome.Passed(), nil
}

func withFailing(prefix []string, failingTest string) []string {
	order := make([]string, 0, len(prefix)+1)
	order = append(order, prefix...)
	return append(order, failingTest)
}
