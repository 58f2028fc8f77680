package queue

import (
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

// Client is the worker-facing view of a Store. It reads time from its clock, mints lease tokens and retries
// transient store failures with exponential backoff. Once the retry bound is exhausted the operation fails with
// *queueerrors.ErrStoreUnavailable.
type Client struct {
	store    Store
	clock    clock.Clock
	metrics  *metrics.Metrics
	attempts uint
	delay    time.Duration
}

func NewClient(store Store, clock clock.Clock, metrics *metrics.Metrics, attempts uint, delay time.Duration) *Client {
	if attempts < 1 {
		attempts = 1
	}
	return &Client{
		store:    store,
		clock:    clock,
		metrics:  metrics,
		attempts: attempts,
		delay:    delay,
	}
}

func (c *Client) Now() time.Time {
	return c.clock.Now()
}

func (c *Client) do(ctx *queuecontext.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := retry.Do(
		fn,
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(queueerrors.IsTransient),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.metrics.RecordStoreRetry(op)
			ctx.Log.WithError(err).Warnf("queue store %s failed (attempt %d of %d)", op, n+1, c.attempts)
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if queueerrors.IsTransient(err) {
		return &queueerrors.ErrStoreUnavailable{Op: op, Attempts: c.attempts, Err: err}
	}
	return err
}

func (c *Client) AcquireLeadership(ctx *queuecontext.Context, owner string) (bool, error) {
	var won bool
	err := c.do(ctx, "acquire-leadership", func() (err error) {
		won, err = c.store.AcquireLeadership(ctx, owner, c.clock.Now())
		return
	})
	return won, err
}

func (c *Client) Leader(ctx *queuecontext.Context) (LeaderRecord, error) {
	var record LeaderRecord
	err := c.do(ctx, "leader", func() (err error) {
		record, err = c.store.Leader(ctx)
		return
	})
	return record, err
}

func (c *Client) TakeOverLeadership(ctx *queuecontext.Context, stale LeaderRecord, owner string) (bool, error) {
	var won bool
	err := c.do(ctx, "take-over-leadership", func() (err error) {
		won, err = c.store.TakeOverLeadership(ctx, stale, owner, c.clock.Now())
		return
	})
	return won, err
}

// Enqueue appends testIds to the queue. Only the leader may enqueue.
func (c *Client) Enqueue(ctx *queuecontext.Context, owner string, testIds ...string) error {
	return c.do(ctx, "enqueue", func() error {
		return c.store.Enqueue(ctx, owner, c.clock.Now(), testIds...)
	})
}

func (c *Client) MarkReady(ctx *queuecontext.Context, owner string) error {
	return c.do(ctx, "mark-ready", func() error {
		return c.store.MarkReady(ctx, owner)
	})
}

// Claim leases the next test to owner for timeout. Expired leases are reclaimed here, lazily.
func (c *Client) Claim(ctx *queuecontext.Context, owner string, timeout time.Duration) (ClaimResult, error) {
	var result ClaimResult
	err := c.do(ctx, "claim", func() (err error) {
		result, err = c.store.Claim(ctx, owner, uuid.NewString(), c.clock.Now(), timeout)
		return
	})
	if err == nil && result.Status == Claimed {
		c.metrics.RecordClaim()
	}
	return result, err
}

func (c *Client) Ack(ctx *queuecontext.Context, item Item) (bool, error) {
	var acked bool
	err := c.do(ctx, "ack", func() (err error) {
		acked, err = c.store.Ack(ctx, item)
		return
	})
	return acked, err
}

func (c *Client) Requeue(ctx *queuecontext.Context, item Item, decide Decider) (RequeueOutcome, error) {
	var outcome RequeueOutcome
	err := c.do(ctx, "requeue", func() (err error) {
		outcome, err = c.store.Requeue(ctx, item, decide)
		return
	})
	return outcome, err
}

func (c *Client) Release(ctx *queuecontext.Context, item Item) (bool, error) {
	var released bool
	err := c.do(ctx, "release", func() (err error) {
		released, err = c.store.Release(ctx, item)
		return
	})
	return released, err
}

func (c *Client) State(ctx *queuecontext.Context) (RunState, error) {
	var state RunState
	err := c.do(ctx, "state", func() (err error) {
		state, err = c.store.State(ctx)
		return
	})
	return state, err
}

func (c *Client) RecordOutcome(ctx *queuecontext.Context, workerId string, outcome Outcome) error {
	return c.do(ctx, "record-outcome", func() error {
		return c.store.RecordOutcome(ctx, workerId, outcome)
	})
}

func (c *Client) Outcomes(ctx *queuecontext.Context, workerId string) ([]Outcome, error) {
	var outcomes []Outcome
	err := c.do(ctx, "outcomes", func() (err error) {
		outcomes, err = c.store.Outcomes(ctx, workerId)
		return
	})
	return outcomes, err
}

func (c *Client) Workers(ctx *queuecontext.Context) ([]string, error) {
	var workers []string
	err := c.do(ctx, "workers", func() (err error) {
		workers, err = c.store.Workers(ctx)
		return
	})
	return workers, err
}

func (c *Client) RecordFailure(ctx *queuecontext.Context, record FailureRecord) error {
	return c.do(ctx, "record-failure", func() error {
		return c.store.RecordFailure(ctx, record)
	})
}

func (c *Client) ClearFailure(ctx *queuecontext.Context, testId string) error {
	return c.do(ctx, "clear-failure", func() error {
		return c.store.ClearFailure(ctx, testId)
	})
}

func (c *Client) Failures(ctx *queuecontext.Context) ([]FailureRecord, error) {
	var records []FailureRecord
	err := c.do(ctx, "failures", func() (err error) {
		records, err = c.store.Failures(ctx)
		return
	})
	return records, err
}

func (c *Client) Close() error {
	return c.store.Close()
}
