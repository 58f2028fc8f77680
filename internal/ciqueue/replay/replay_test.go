package replay

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func outcome(testId string, status queue.OutcomeStatus) queue.Outcome {
	return queue.Outcome{TestId: testId, Status: status, Attempt: 1}
}

func TestFailedInOrder(t *testing.T) {
	tests := map[string]struct {
		outcomes []queue.Outcome
		expected []string
	}{
		"failures in recorded order": {
			outcomes: []queue.Outcome{
				outcome("A", queue.OutcomeFailed),
				outcome("B", queue.OutcomePassed),
				outcome("C", queue.OutcomeFailed),
			},
			expected: []string{"A", "C"},
		},
		"requeued before failing": {
			outcomes: []queue.Outcome{
				outcome("A", queue.OutcomeRequeued),
				outcome("B", queue.OutcomeFailed),
				outcome("A", queue.OutcomeFailed),
			},
			expected: []string{"A", "B"},
		},
		"passed on a previous retry": {
			outcomes: []queue.Outcome{
				outcome("A", queue.OutcomeFailed),
				outcome("B", queue.OutcomeFailed),
				outcome("A", queue.OutcomePassed),
			},
			expected: []string{"B"},
		},
		"requeued and never resolved": {
			outcomes: []queue.Outcome{outcome("A", queue.OutcomeRequeued)},
			expected: []string{},
		},
		"nothing recorded": {
			expected: []string{},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.expected, FailedInOrder(tc.outcomes))
		})
	}
}

type recordingRunner struct {
	mu     sync.Mutex
	runs   []string
	failed map[string]bool
}

func (r *recordingRunner) Run(ctx *queuecontext.Context, testId string) (testrunner.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, testId)
	status := testrunner.Passed
	if r.failed[testId] {
		status = testrunner.Failed
	}
	return testrunner.Result{TestId: testId, Status: status}, nil
}

func sharedBuild(t *testing.T) *queue.Client {
	db, err := queue.NewMemoryDb()
	require.NoError(t, err)
	store := queue.NewMemoryStore(db, queue.Partition{BuildId: "build-1"})
	client := queue.NewClient(store, clock.RealClock{}, metrics.New("w1"), 1, time.Millisecond)

	ctx := queuecontext.Background()
	for _, o := range []queue.Outcome{
		outcome("A", queue.OutcomeFailed),
		outcome("B", queue.OutcomePassed),
		outcome("C", queue.OutcomeFailed),
	} {
		require.NoError(t, client.RecordOutcome(ctx, "w1", o))
		if o.Status == queue.OutcomeFailed {
			require.NoError(t, client.RecordFailure(ctx, queue.FailureRecord{Id: queue.NewFailureId(time.Now()), TestId: o.TestId, WorkerId: "w1"}))
		}
	}
	return client
}

func newReplayer(shared *queue.Client, workerId string, runner testrunner.Runner) *Replayer {
	config := worker.Config{WorkerId: workerId, LeaseTimeout: time.Minute, PollInterval: time.Millisecond}
	return NewReplayer(shared, config, runner, requeue.NewPolicy(0, 0), circuitbreaker.New(0), metrics.New(workerId), clock.RealClock{})
}

func TestReplayer_ReplaysFailedTestsInOrder(t *testing.T) {
	shared := sharedBuild(t)
	runner := &recordingRunner{}

	result, err := newReplayer(shared, "w1", runner).Run(queuecontext.Background())
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, []string{"A", "C"}, runner.runs)
	assert.Equal(t, []string{"A", "C"}, result.Replayed)
	assert.Equal(t, worker.Drained, result.Worker.State)
	assert.Equal(t, 2, result.Worker.Passed)

	ctx := queuecontext.Background()
	failures, err := shared.Failures(ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)

	outcomes, err := shared.Outcomes(ctx, "w1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 5)
	assert.Empty(t, FailedInOrder(outcomes))
}

func TestReplayer_StillFailing(t *testing.T) {
	shared := sharedBuild(t)
	runner := &recordingRunner{failed: map[string]bool{"C": true}}

	result, err := newReplayer(shared, "w1", runner).Run(queuecontext.Background())
	require.NoError(t, err)

	var failures *queueerrors.ErrTestFailures
	require.ErrorAs(t, result.Err(), &failures)
	assert.Equal(t, 1, failures.Count)

	records, err := shared.Failures(queuecontext.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "C", records[0].TestId)
}

func TestReplayer_NothingToRetry(t *testing.T) {
	shared := sharedBuild(t)
	runner := &recordingRunner{}

	result, err := newReplayer(shared, "w2", runner).Run(queuecontext.Background())
	require.NoError(t, err)
	assert.NoError(t, result.Err())
	assert.Empty(t, runner.runs)
	assert.Equal(t, worker.Drained, result.Worker.State)
}

func TestReplayer_RequiresWorkerId(t *testing.T) {
	_, err := newReplayer(sharedBuild(t), "", &recordingRunner{}).Run(queuecontext.Background())
	var invalid *queueerrors.ErrInvalidArgument
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "worker", invalid.Name)
}
