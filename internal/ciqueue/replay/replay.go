package replay

import (
	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/ciqueue/circuitbreaker"
	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/requeue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testrunner"
	"github.com/armadaproject/ciqueue/internal/ciqueue/worker"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

// FailedInOrder returns the tests whose last final outcome is a failure, in the order they first appear.
func FailedInOrder(outcomes []queue.Outcome) []string {
	var order []string
	final := map[string]queue.OutcomeStatus{}
	for _, outcome := range outcomes {
		if _, seen := final[outcome.TestId]; !seen {
			order = append(order, outcome.TestId)
			final[outcome.TestId] = queue.OutcomeRequeued
		}
		if outcome.Status != queue.OutcomeRequeued {
			final[outcome.TestId] = outcome.Status
		}
	}
	failed := make([]string, 0, len(order))
	for _, testId := range order {
		if final[testId] == queue.OutcomeFailed {
			failed = append(failed, testId)
		}
	}
	return failed
}

type Result struct {
	Replayed []string
	Worker   worker.Result
}

func (r Result) Err() error {
	return r.Worker.Err()
}

// Replayer runs the tests a worker failed again, in their original order, through a worker loop over a private
// in-memory queue. Outcomes and failures go to the shared build so that a later report reflects the retry.
type Replayer struct {
	shared  *queue.Client
	config  worker.Config
	runner  testrunner.Runner
	policy  requeue.Policy
	breaker *circuitbreaker.CircuitBreaker
	metrics *metrics.Metrics
	clock   clock.Clock
}

func NewReplayer(
	shared *queue.Client,
	config worker.Config,
	runner testrunner.Runner,
	policy requeue.Policy,
	breaker *circuitbreaker.CircuitBreaker,
	metrics *metrics.Metrics,
	clock clock.Clock,
) *Replayer {
	return &Replayer{
		shared:  shared,
		config:  config,
		runner:  runner,
		policy:  policy,
		breaker: breaker,
		metrics: metrics,
		clock:   clock,
	}
}

func (r *Replayer) Run(ctx *queuecontext.Context) (Result, error) {
	workerId := r.config.WorkerId
	if workerId == "" {
		return Result{}, &queueerrors.ErrInvalidArgument{Name: "worker", Value: workerId, Message: "retry needs the id of the worker to replay"}
	}
	ctx = queuecontext.WithWorker(ctx, workerId)

	outcomes, err := r.shared.Outcomes(ctx, workerId)
	if err != nil {
		return Result{}, err
	}
	failed := FailedInOrder(outcomes)
	if len(failed) == 0 {
		ctx.Log.Infof("Nothing to retry: none of the %d recorded outcomes is a failure", len(outcomes))
		return Result{Worker: worker.Result{WorkerId: workerId, State: worker.Drained}}, nil
	}
	ctx.Log.Infof("Retrying %d failed tests", len(failed))

	local, err := r.populate(ctx, failed)
	if err != nil {
		return Result{}, err
	}
	defer local.Close()

	w := worker.New(r.config, local, r.shared, r.runner, r.policy, r.breaker, r.metrics, r.clock)
	result, err := w.Run(ctx)
	return Result{Replayed: failed, Worker: result}, err
}

// populate creates a fresh queue holding testIds in the given order.
func (r *Replayer) populate(ctx *queuecontext.Context, testIds []string) (*queue.Client, error) {
	db, err := queue.NewMemoryDb()
	if err != nil {
		return nil, err
	}
	store := queue.NewMemoryStore(db, queue.Partition{BuildId: "retry"})
	local := queue.NewClient(store, r.clock, r.metrics, 1, 0)
	owner := r.config.WorkerId
	if _, err := local.AcquireLeadership(ctx, owner); err != nil {
		return nil, err
	}
	if err := local.Enqueue(ctx, owner, testIds...); err != nil {
		return nil, err
	}
	if err := local.MarkReady(ctx, owner); err != nil {
		return nil, err
	}
	return local, nil
}
