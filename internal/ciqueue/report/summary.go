package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

// TestResult is the merged result of one test over every worker that ran it.
type TestResult struct {
	TestId string
	// passed if any worker passed the test, failed if it failed without ever passing,
	// and requeued if it never reached a final result.
	Status   queue.OutcomeStatus
	Attempts int
	Workers  []string
}

type Summary struct {
	State    queue.RunState
	Tests    []TestResult
	Failures []queue.FailureRecord
	Workers  []string
	// Set if the build did not complete within the report timeout.
	Truncated bool
	Timeout   time.Duration
	Waited    time.Duration
	// Set if the results of some workers could not be read.
	ReadErr error
}

func (s Summary) count(status queue.OutcomeStatus) int {
	n := 0
	for _, test := range s.Tests {
		if test.Status == status {
			n++
		}
	}
	return n
}

func (s Summary) Passed() int {
	return s.count(queue.OutcomePassed)
}

// Failed returns the number of final failures. Failure records are authoritative since anonymous workers record
// failures but no outcomes.
func (s Summary) Failed() int {
	return len(s.Failures)
}

func (s Summary) Err() error {
	if s.ReadErr != nil {
		return s.ReadErr
	}
	if s.Truncated {
		return &queueerrors.ErrTimeBudgetExceeded{Budget: s.Timeout, Elapsed: s.Waited}
	}
	if n := s.Failed(); n > 0 {
		return &queueerrors.ErrTestFailures{Count: n}
	}
	return nil
}

// Merge combines the outcomes recorded by each worker into one result per test, sorted by test id.
func Merge(outcomes map[string][]queue.Outcome) []TestResult {
	merged := map[string]*TestResult{}
	workers := map[string]map[string]bool{}
	for worker, recorded := range outcomes {
		for _, outcome := range recorded {
			test, ok := merged[outcome.TestId]
			if !ok {
				test = &TestResult{TestId: outcome.TestId, Status: queue.OutcomeRequeued}
				merged[outcome.TestId] = test
				workers[outcome.TestId] = map[string]bool{}
			}
			test.Attempts++
			workers[outcome.TestId][worker] = true
			switch outcome.Status {
			case queue.OutcomePassed:
				test.Status = queue.OutcomePassed
			case queue.OutcomeFailed:
				if test.Status != queue.OutcomePassed {
					test.Status = queue.OutcomeFailed
				}
			}
		}
	}

	results := make([]TestResult, 0, len(merged))
	for testId, test := range merged {
		test.Workers = maps.Keys(workers[testId])
		slices.Sort(test.Workers)
		results = append(results, *test)
	}
	slices.SortFunc(results, func(a, b TestResult) bool {
		return a.TestId < b.TestId
	})
	return results
}

// Write prints a human readable summary followed by the output of every failure.
func (s Summary) Write(w io.Writer) error {
	var b strings.Builder
	if s.ReadErr != nil {
		fmt.Fprintf(&b, "Some results could not be read and are missing from this summary: %s\n", s.ReadErr)
	}
	if s.Truncated {
		fmt.Fprintf(&b, "Build did not complete within %s; the summary is partial (%d pending, %d leased)\n",
			s.Timeout, s.State.Pending, s.State.Leased)
	}
	fmt.Fprintf(&b, "Ran %d tests on %d workers: %d passed, %d failed, %d requeued\n",
		s.State.Total, len(s.Workers), s.Passed(), s.Failed(), s.State.Requeued)
	for _, failure := range s.Failures {
		fmt.Fprintf(&b, "\nFAILED %s (attempt %d", failure.TestId, failure.Attempts)
		if failure.WorkerId != "" {
			fmt.Fprintf(&b, ", worker %s", failure.WorkerId)
		}
		fmt.Fprintf(&b, ", %s)\n", failure.Duration.Round(time.Millisecond))
		for _, line := range strings.Split(strings.TrimRight(failure.Output, "\n"), "\n") {
			if line != "" {
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
