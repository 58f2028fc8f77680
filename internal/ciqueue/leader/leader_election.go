package leader

import (
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testlist"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

type Role int

const (
	Follower Role = iota
	Leader
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

const defaultBatchSize = 1000

// LeaderElection decides which worker of a build populates the queue.
// The first worker to create the leader record shuffles and enqueues the tests; every other worker waits until the
// queue is marked ready. A follower which sees a population make no progress for Timeout takes over and repopulates.
type LeaderElection struct {
	client *queue.Client
	// Identity of this worker in the leader record.
	Id string
	// Interval between reads of the leader record while following.
	Interval time.Duration
	// Time without population progress after which a follower takes over.
	Timeout time.Duration
	// Number of tests enqueued per store operation. Each batch refreshes the leader heartbeat.
	BatchSize int
	clock     clock.Clock
	status    *metrics.WorkerStatusCollector
}

func NewLeaderElection(client *queue.Client, id string, interval time.Duration, timeout time.Duration, clock clock.Clock, status *metrics.WorkerStatusCollector) *LeaderElection {
	return &LeaderElection{
		client:    client,
		Id:        id,
		Interval:  interval,
		Timeout:   timeout,
		BatchSize: defaultBatchSize,
		clock:     clock,
		status:    status,
	}
}

// Run returns once the queue of the build is ready to be consumed, along with the role this worker played.
func (srv *LeaderElection) Run(ctx *queuecontext.Context, testIds []string, seed string) (Role, error) {
	for {
		record, err := srv.client.Leader(ctx)
		if err != nil {
			return Follower, err
		}
		switch record.Status {
		case queue.LeaderReady:
			ctx.Log.Infof("Queue populated by %s", record.Owner)
			return Follower, nil
		case queue.LeaderNone:
			won, err := srv.client.AcquireLeadership(ctx, srv.Id)
			if err != nil {
				return Follower, err
			}
			if won {
				ctx.Log.Infof("Elected leader; populating queue with %d tests", len(testIds))
				if populated, err := srv.populate(ctx, testIds, seed); err != nil || populated {
					return Leader, err
				}
			}
			continue
		case queue.LeaderSetup:
			if stalled := srv.clock.Since(record.Since); stalled > srv.Timeout {
				won, err := srv.client.TakeOverLeadership(ctx, record, srv.Id)
				if err != nil {
					return Follower, err
				}
				if won {
					ctx.Log.Warnf("Leader %s made no progress for %s; took over population", record.Owner, stalled)
					if populated, err := srv.populate(ctx, testIds, seed); err != nil || populated {
						return Leader, err
					}
				}
				continue
			}
		}

		select {
		case <-ctx.Done():
			return Follower, ctx.Err()
		case <-srv.clock.After(srv.Interval):
		}
	}
}

// populate returns false if leadership was lost to a takeover before the queue was marked ready.
func (srv *LeaderElection) populate(ctx *queuecontext.Context, testIds []string, seed string) (bool, error) {
	shuffled := testlist.Shuffle(testIds, seed)
	batchSize := srv.BatchSize
	if batchSize < 1 {
		batchSize = defaultBatchSize
	}
	for start := 0; start < len(shuffled); start += batchSize {
		end := start + batchSize
		if end > len(shuffled) {
			end = len(shuffled)
		}
		if err := srv.client.Enqueue(ctx, srv.Id, shuffled[start:end]...); err != nil {
			return lostLeadership(ctx, err)
		}
	}
	if err := srv.client.MarkReady(ctx, srv.Id); err != nil {
		return lostLeadership(ctx, err)
	}
	if srv.status != nil {
		srv.status.SetLeader(true)
	}
	ctx.Log.Infof("Queue populated with %d tests", len(shuffled))
	return true, nil
}

func lostLeadership(ctx *queuecontext.Context, err error) (bool, error) {
	var notLeader *queueerrors.ErrNotLeader
	if errors.As(err, &notLeader) {
		ctx.Log.Warn("Lost leadership while populating the queue")
		return false, nil
	}
	return false, err
}
