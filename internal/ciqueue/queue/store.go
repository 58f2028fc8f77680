package queue

import (
	"time"

	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
)

// Store is the shared queue of one partition. Every method is atomic with respect to every other method called on any
// Store bound to the same partition, including Stores in other processes.
//
// Implementations return *queueerrors.ErrNotLeader from the leader-only methods when owner does not hold leadership.
// Any other error is considered transient by the Client.
type Store interface {
	// AcquireLeadership creates the leader record for owner if no record exists. Returns true if owner won.
	AcquireLeadership(ctx *queuecontext.Context, owner string, now time.Time) (bool, error)
	// Leader returns the current leader record; Status is LeaderNone if nobody has acquired leadership yet.
	Leader(ctx *queuecontext.Context) (LeaderRecord, error)
	// TakeOverLeadership replaces a stalled leader. It succeeds only if the record still equals stale and is still
	// populating, in which case the partially populated queue is discarded.
	TakeOverLeadership(ctx *queuecontext.Context, stale LeaderRecord, owner string, now time.Time) (bool, error)
	// Enqueue appends testIds to the tail of the queue and refreshes the leader heartbeat.
	Enqueue(ctx *queuecontext.Context, owner string, now time.Time, testIds ...string) error
	// MarkReady publishes the queue to followers.
	MarkReady(ctx *queuecontext.Context, owner string) error

	// Claim pops the head of the queue or, if the queue is empty, reclaims the item whose lease expired first.
	Claim(ctx *queuecontext.Context, owner string, token string, now time.Time, timeout time.Duration) (ClaimResult, error)
	// Ack resolves item. Returns false if the lease was lost to another worker.
	Ack(ctx *queuecontext.Context, item Item) (bool, error)
	// Requeue pushes item to the tail of the queue if decide allows it on the current state.
	Requeue(ctx *queuecontext.Context, item Item, decide Decider) (RequeueOutcome, error)
	// Release returns item to the head of the queue without counting the attempt. Returns false if the lease was lost.
	Release(ctx *queuecontext.Context, item Item) (bool, error)
	State(ctx *queuecontext.Context) (RunState, error)

	RecordOutcome(ctx *queuecontext.Context, workerId string, outcome Outcome) error
	Outcomes(ctx *queuecontext.Context, workerId string) ([]Outcome, error)
	// Workers returns the ids of every worker which recorded at least one outcome, sorted.
	Workers(ctx *queuecontext.Context) ([]string, error)
	RecordFailure(ctx *queuecontext.Context, record FailureRecord) error
	ClearFailure(ctx *queuecontext.Context, testId string) error
	// Failures returns the final failures of the build sorted by test id.
	Failures(ctx *queuecontext.Context) ([]FailureRecord, error)

	Close() error
}
