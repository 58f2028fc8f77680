package queue

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid"
)

// Partition identifies one logical build. Two runs with the same partition observe the same queue.
type Partition struct {
	BuildId   string
	Namespace string
}

// Key is the store prefix of the partition, namespace first so that one CI build can run several suites.
func (p Partition) Key() string {
	if p.Namespace == "" {
		return p.BuildId
	}
	return p.Namespace + ":" + p.BuildId
}

// Lease is a time-bounded exclusive claim on a queue item.
// Token fences ack and requeue: once another worker reclaims the item, the old token no longer matches.
type Lease struct {
	Owner  string
	Token  string
	Expiry time.Time
}

// Item is a worker's transient view of a claimed test. The canonical record lives in the Store and is only ever
// changed through Store operations.
type Item struct {
	TestId string
	// Number of times the test has been claimed, including the current claim.
	Attempts int
	Lease    Lease
}

// Expired returns true if the lease deadline has passed at now.
func (item Item) Expired(now time.Time) bool {
	return !now.Before(item.Lease.Expiry)
}

type LeaderStatus string

const (
	LeaderNone  LeaderStatus = ""
	LeaderSetup LeaderStatus = "setup"
	LeaderReady LeaderStatus = "ready"
)

// LeaderRecord is the shared leader-election record of a build.
type LeaderRecord struct {
	Status LeaderStatus
	Owner  string
	// Last time the owner acquired leadership or made population progress.
	Since time.Time
}

// RunState is the shared, per build, state of the run.
type RunState struct {
	// Number of tests enqueued by the leader.
	Total int
	// Number of requeues granted across all workers.
	Requeued int
	// Number of distinct tests acknowledged.
	Processed int
	// Number of tests waiting in the queue.
	Pending int
	// Number of tests currently under lease, expired or not.
	Leased int
	Leader LeaderStatus
}

func (s RunState) LeaderElected() bool {
	return s.Leader != LeaderNone
}

// Complete returns true once the queue has been populated and drained and no lease is outstanding.
func (s RunState) Complete() bool {
	return s.Leader == LeaderReady && s.Pending == 0 && s.Leased == 0
}

type ClaimStatus int

const (
	// Claimed means the result carries a leased item.
	Claimed ClaimStatus = iota
	// Wait means nothing is claimable right now but live leases (or an unfinished population) may still yield work.
	Wait
	// Exhausted means the queue is empty and no leases are outstanding.
	Exhausted
)

func (s ClaimStatus) String() string {
	switch s {
	case Claimed:
		return "claimed"
	case Wait:
		return "wait"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

type ClaimResult struct {
	Status ClaimStatus
	Item   Item
}

type RequeueOutcome int

const (
	Requeued RequeueOutcome = iota
	// Denied means the decider refused; the caller still holds the lease.
	Denied
	// LeaseLost means another worker reclaimed the item.
	LeaseLost
)

func (o RequeueOutcome) String() string {
	switch o {
	case Requeued:
		return "requeued"
	case Denied:
		return "denied"
	case LeaseLost:
		return "lease-lost"
	}
	return "unknown"
}

// Decider decides whether item may be requeued given a consistent snapshot of the run state.
// Stores call it inside their compare-and-update so the decision and the update are atomic.
type Decider func(item Item, state RunState) bool

type OutcomeStatus string

const (
	OutcomePassed   OutcomeStatus = "passed"
	OutcomeFailed   OutcomeStatus = "failed"
	OutcomeRequeued OutcomeStatus = "requeued"
)

// Outcome is one resolved attempt of a test, as recorded by the worker which ran it.
type Outcome struct {
	TestId   string        `json:"test_id"`
	Status   OutcomeStatus `json:"status"`
	Attempt  int           `json:"attempt"`
	Duration time.Duration `json:"duration"`
}

// FailureRecord is a final test failure.
type FailureRecord struct {
	Id         string        `json:"id"`
	TestId     string        `json:"test_id"`
	WorkerId   string        `json:"worker_id,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Output     string        `json:"output,omitempty"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// NewFailureId returns a unique, time ordered identifier for a failure recorded at now.
func NewFailureId(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
