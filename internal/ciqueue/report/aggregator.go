package report

import (
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

// Number of workers whose outcomes are fetched concurrently.
const fetchConcurrency = 8

// Aggregator waits for a build to complete and summarises what its workers recorded.
type Aggregator struct {
	client       *queue.Client
	clock        clock.Clock
	pollInterval time.Duration
	timeout      time.Duration
}

func NewAggregator(client *queue.Client, clock clock.Clock, pollInterval time.Duration, timeout time.Duration) *Aggregator {
	return &Aggregator{
		client:       client,
		clock:        clock,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Run waits for completion and builds the summary. A build that does not complete within the timeout still gets a
// summary of what was recorded so far, marked as truncated.
func (a *Aggregator) Run(ctx *queuecontext.Context) (Summary, error) {
	start := a.clock.Now()
	state, complete, err := a.Wait(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary, err := a.Summarize(ctx, state)
	if err != nil {
		return Summary{}, err
	}
	summary.Truncated = !complete
	summary.Timeout = a.timeout
	summary.Waited = a.clock.Since(start)
	return summary, nil
}

// Wait polls the run state until the build completes or the timeout elapses, whichever is first.
func (a *Aggregator) Wait(ctx *queuecontext.Context) (queue.RunState, bool, error) {
	start := a.clock.Now()
	for {
		state, err := a.client.State(ctx)
		if err != nil {
			return queue.RunState{}, false, err
		}
		if state.Complete() {
			return state, true, nil
		}
		if a.clock.Since(start) >= a.timeout {
			ctx.Log.Warnf("Build incomplete after %s: %d pending, %d leased", a.timeout, state.Pending, state.Leased)
			return state, false, nil
		}
		select {
		case <-ctx.Done():
			return state, false, ctx.Err()
		case <-a.clock.After(a.pollInterval):
		}
	}
}

// Summarize merges the outcomes of every worker and the recorded failures. Results that cannot be read are left
// out of the summary and reported in its ReadErr.
func (a *Aggregator) Summarize(ctx *queuecontext.Context, state queue.RunState) (Summary, error) {
	summary := Summary{State: state}
	workers, err := a.client.Workers(ctx)
	if err != nil {
		return summary, err
	}
	summary.Workers = workers

	var mu sync.Mutex
	var result *multierror.Error
	outcomes := make(map[string][]queue.Outcome, len(workers))
	g, gctx := queuecontext.ErrGroup(ctx)
	g.SetLimit(fetchConcurrency)
	for _, worker := range workers {
		worker := worker
		g.Go(func() error {
			recorded, err := a.client.Outcomes(gctx, worker)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, errors.WithMessagef(err, "reading outcomes of worker %s", worker))
				return nil
			}
			outcomes[worker] = recorded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	summary.Tests = Merge(outcomes)

	failures, err := a.client.Failures(ctx)
	if err != nil {
		result = multierror.Append(result, errors.WithMessage(err, "reading failures"))
	}
	summary.Failures = failures
	summary.ReadErr = result.ErrorOrNil()
	return summary, nil
}
