package worker

import (
	"time"

	"github.com/renstrom/shortuuid"
	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/ciqueue/circuitbreaker"
	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/requeue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testrunner"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

type Config struct {
	// Identity of the worker. Outcomes are only recorded, and can only be retried, when set.
	WorkerId string
	// Lease owner. Defaults to WorkerId, or to a random anonymous id when that is empty too.
	Owner string
	// Lease duration of each claim.
	LeaseTimeout time.Duration
	// Zero means unbounded.
	MaxDuration time.Duration
	// Delay between claims while other workers hold the remaining leases.
	PollInterval time.Duration
}

// Recorder stores the results of resolved tests. *queue.Client is a Recorder.
type Recorder interface {
	RecordOutcome(ctx *queuecontext.Context, workerId string, outcome queue.Outcome) error
	RecordFailure(ctx *queuecontext.Context, record queue.FailureRecord) error
	ClearFailure(ctx *queuecontext.Context, testId string) error
}

// Result summarises one run of the worker loop.
type Result struct {
	WorkerId string
	State    State
	// Number of claims, including claims whose result was discarded.
	Claimed int
	Passed  int
	Failed  int
	// Number of failed attempts pushed back to the queue.
	Requeued int
	// Number of results dropped because another worker reclaimed the lease first.
	Discarded int
	// Number of tests returned unresolved when the circuit breaker tripped.
	Released            int
	ConsecutiveFailures int
	Budget              time.Duration
	Elapsed             time.Duration
}

// Err converts the terminal state and final failures into the error determining the exit status of the worker.
func (r Result) Err() error {
	switch r.State {
	case Unhealthy:
		return &queueerrors.ErrWorkerUnhealthy{Worker: r.WorkerId, ConsecutiveFailures: r.ConsecutiveFailures}
	case Expired:
		return &queueerrors.ErrTimeBudgetExceeded{Budget: r.Budget, Elapsed: r.Elapsed}
	}
	if r.Failed > 0 {
		return &queueerrors.ErrTestFailures{Count: r.Failed}
	}
	return nil
}

// Worker claims tests from the queue and runs them until the queue is drained, the circuit breaker trips or the
// time budget elapses. A Worker is not safe for concurrent use; a process runs a single worker.
type Worker struct {
	config   Config
	owner    string
	queue    *queue.Client
	recorder Recorder
	runner   testrunner.Runner
	policy   requeue.Policy
	breaker  *circuitbreaker.CircuitBreaker
	metrics  *metrics.Metrics
	clock    clock.Clock

	state  State
	lease  *queue.Item
	start  time.Time
	result Result
}

func New(
	config Config,
	client *queue.Client,
	recorder Recorder,
	runner testrunner.Runner,
	policy requeue.Policy,
	breaker *circuitbreaker.CircuitBreaker,
	metrics *metrics.Metrics,
	clock clock.Clock,
) *Worker {
	owner := config.Owner
	if owner == "" {
		owner = config.WorkerId
	}
	if owner == "" {
		owner = "anonymous-" + shortuuid.New()
	}
	return &Worker{
		config:   config,
		owner:    owner,
		queue:    client,
		recorder: recorder,
		runner:   runner,
		policy:   policy,
		breaker:  breaker,
		metrics:  metrics,
		clock:    clock,
		state:    Idle,
		result:   Result{WorkerId: owner, Budget: config.MaxDuration},
	}
}

func (w *Worker) State() State {
	return w.state
}

// Lease returns the item currently held by the worker, if any.
func (w *Worker) Lease() *queue.Item {
	return w.lease
}

// Run executes the worker loop. The returned error is only set if the loop could not complete, e.g. because the
// store became unavailable; test failures and terminal states are reported through Result.Err.
func (w *Worker) Run(ctx *queuecontext.Context) (Result, error) {
	ctx = queuecontext.WithWorker(ctx, w.owner)
	w.start = w.clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return w.finish(), err
		}
		if w.config.MaxDuration > 0 && w.clock.Since(w.start) >= w.config.MaxDuration {
			w.transition(Expired)
			ctx.Log.Warnf("Time budget of %s exhausted; no more tests will be claimed", w.config.MaxDuration)
			return w.finish(), nil
		}

		w.transition(Claiming)
		claim, err := w.queue.Claim(ctx, w.owner, w.config.LeaseTimeout)
		if err != nil {
			return w.finish(), err
		}
		switch claim.Status {
		case queue.Exhausted:
			w.transition(Drained)
			ctx.Log.Info("Queue exhausted")
			return w.finish(), nil
		case queue.Wait:
			w.transition(Idle)
			select {
			case <-ctx.Done():
				return w.finish(), ctx.Err()
			case <-w.clock.After(w.config.PollInterval):
			}
			continue
		}

		w.result.Claimed++
		if err := w.process(ctx, claim.Item); err != nil {
			return w.finish(), err
		}
		if w.state == Unhealthy {
			return w.finish(), nil
		}
		w.transition(Idle)
	}
}

func (w *Worker) process(ctx *queuecontext.Context, item queue.Item) error {
	ctx = queuecontext.WithTest(ctx, item.TestId, item.Attempts)
	w.lease = &item
	defer func() { w.lease = nil }()

	w.transition(Running)
	result, err := w.runner.Run(ctx, item.TestId)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ctx.Log.WithError(err).Warn("Test could not be run")
		result = testrunner.Result{
			TestId:   item.TestId,
			Status:   testrunner.Failed,
			Duration: result.Duration,
			Output:   err.Error(),
		}
	}
	breached := item.Expired(w.clock.Now())
	if breached {
		ctx.Log.Warnf("Test ran past its lease of %s", w.config.LeaseTimeout)
	}

	if result.Passed() && !breached {
		w.breaker.RecordSuccess()
	} else {
		w.breaker.RecordFailure()
		if w.breaker.Open() {
			return w.trip(ctx, item)
		}
		w.transition(Requeuing)
		outcome, err := w.queue.Requeue(ctx, item, w.policy.Allows)
		if err != nil {
			return err
		}
		switch outcome {
		case queue.Requeued:
			ctx.Log.Infof("Requeued after %s", result.Status)
			w.result.Requeued++
			w.metrics.RecordRequeue(result.Duration)
			return w.record(ctx, item, result, queue.OutcomeRequeued)
		case queue.LeaseLost:
			return w.discard(ctx, item)
		}
	}

	w.transition(Acking)
	acked, err := w.queue.Ack(ctx, item)
	if err != nil {
		return err
	}
	if !acked {
		return w.discard(ctx, item)
	}
	status := queue.OutcomePassed
	if !result.Passed() {
		status = queue.OutcomeFailed
		ctx.Log.Info("Test failed")
	}
	w.metrics.RecordAck(string(status), result.Duration)
	return w.record(ctx, item, result, status)
}

func (w *Worker) record(ctx *queuecontext.Context, item queue.Item, result testrunner.Result, status queue.OutcomeStatus) error {
	switch status {
	case queue.OutcomePassed:
		w.result.Passed++
	case queue.OutcomeFailed:
		w.result.Failed++
	}
	if w.config.WorkerId != "" {
		outcome := queue.Outcome{
			TestId:   item.TestId,
			Status:   status,
			Attempt:  item.Attempts,
			Duration: result.Duration,
		}
		if err := w.recorder.RecordOutcome(ctx, w.config.WorkerId, outcome); err != nil {
			return err
		}
	}
	switch status {
	case queue.OutcomeFailed:
		now := w.clock.Now()
		return w.recorder.RecordFailure(ctx, queue.FailureRecord{
			Id:         queue.NewFailureId(now),
			TestId:     item.TestId,
			WorkerId:   w.config.WorkerId,
			Attempts:   item.Attempts,
			Duration:   result.Duration,
			Output:     result.Output,
			RecordedAt: now.UTC(),
		})
	case queue.OutcomePassed:
		return w.recorder.ClearFailure(ctx, item.TestId)
	}
	return nil
}

func (w *Worker) discard(ctx *queuecontext.Context, item queue.Item) error {
	w.result.Discarded++
	w.metrics.RecordLeaseConflict()
	ctx.Log.Info((&queueerrors.ErrLeaseConflict{TestId: item.TestId, Owner: w.owner}).Error() + "; discarding result")
	return nil
}

// trip returns the held item to the queue unresolved and marks the worker unhealthy.
func (w *Worker) trip(ctx *queuecontext.Context, item queue.Item) error {
	released, err := w.queue.Release(ctx, item)
	if err != nil {
		return err
	}
	if released {
		w.result.Released++
		w.metrics.RecordRelease()
	}
	w.transition(Unhealthy)
	ctx.Log.Errorf("%d consecutive test failures; worker is unhealthy and stops claiming", w.breaker.ConsecutiveFailures())
	return nil
}

func (w *Worker) transition(state State) {
	w.state = state
	w.metrics.Status().SetState(state.String())
}

func (w *Worker) finish() Result {
	w.result.State = w.state
	w.result.ConsecutiveFailures = w.breaker.ConsecutiveFailures()
	w.result.Elapsed = w.clock.Since(w.start)
	return w.result
}
