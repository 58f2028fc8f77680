package grind

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testrunner"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

// Stats aggregates every run of one test.
type Stats struct {
	TestId   string
	Runs     int
	Passed   int
	Failed   int
	Duration time.Duration
}

// Flaky returns true if the test both passed and failed.
func (s Stats) Flaky() bool {
	return s.Passed > 0 && s.Failed > 0
}

type Report struct {
	// One entry per distinct test, in list order.
	Stats    []Stats
	Failures []queue.FailureRecord
	// Number of completed rounds over the whole list.
	Rounds    int
	Truncated bool
	Budget    time.Duration
	Elapsed   time.Duration
}

// FailedRuns returns the number of runs that failed, over all tests.
func (r Report) FailedRuns() int {
	return len(r.Failures)
}

func (r Report) Err() error {
	if r.Truncated {
		return &queueerrors.ErrTimeBudgetExceeded{Budget: r.Budget, Elapsed: r.Elapsed}
	}
	if n := r.FailedRuns(); n > 0 {
		return &queueerrors.ErrTestFailures{Count: n}
	}
	return nil
}

// Grinder repeatedly runs a fixed list of tests in this process to surface intermittent failures.
// It uses neither the shared queue nor leader election, and never requeues.
type Grinder struct {
	runner   testrunner.Runner
	count    int
	workerId string
	clock    clock.Clock
	// Zero means unbounded.
	MaxDuration time.Duration
}

func NewGrinder(runner testrunner.Runner, count int, workerId string, clock clock.Clock) *Grinder {
	return &Grinder{
		runner:   runner,
		count:    count,
		workerId: workerId,
		clock:    clock,
	}
}

// Run executes the list count times. Each round runs every test once, in order, so that a failure that depends on
// the preceding test is exercised in the same context each time.
func (g *Grinder) Run(ctx *queuecontext.Context, testIds []string) (Report, error) {
	start := g.clock.Now()
	report := Report{Budget: g.MaxDuration}
	index := make(map[string]int, len(testIds))
	for _, testId := range testIds {
		if _, ok := index[testId]; !ok {
			index[testId] = len(report.Stats)
			report.Stats = append(report.Stats, Stats{TestId: testId})
		}
	}

	for round := 1; round <= g.count; round++ {
		for _, testId := range testIds {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if g.MaxDuration > 0 && g.clock.Since(start) >= g.MaxDuration {
				report.Truncated = true
				report.Elapsed = g.clock.Since(start)
				ctx.Log.Warnf("Time budget of %s exhausted after %d rounds", g.MaxDuration, report.Rounds)
				return report, nil
			}

			result, err := g.runner.Run(ctx, testId)
			if err != nil {
				if ctx.Err() != nil {
					return report, ctx.Err()
				}
				result = testrunner.Result{TestId: testId, Status: testrunner.Failed, Duration: result.Duration, Output: err.Error()}
			}
			stats := &report.Stats[index[testId]]
			stats.Runs++
			stats.Duration += result.Duration
			if result.Passed() {
				stats.Passed++
				continue
			}
			stats.Failed++
			now := g.clock.Now()
			report.Failures = append(report.Failures, queue.FailureRecord{
				Id:         queue.NewFailureId(now),
				TestId:     testId,
				WorkerId:   g.workerId,
				Attempts:   round,
				Duration:   result.Duration,
				Output:     result.Output,
				RecordedAt: now.UTC(),
			})
			ctx.Log.WithField(queuecontext.TestField, testId).Infof("Failed in round %d", round)
		}
		report.Rounds = round
	}
	report.Elapsed = g.clock.Since(start)
	return report, nil
}
