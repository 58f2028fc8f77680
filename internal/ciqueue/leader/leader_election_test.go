package leader

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/armadaproject/ciqueue/internal/ciqueue/metrics"
	"github.com/armadaproject/ciqueue/internal/ciqueue/queue"
	"github.com/armadaproject/ciqueue/internal/ciqueue/testlist"
	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

var partition = queue.Partition{BuildId: "build-1"}

var testIds = []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}

func withRedisStores(action func(newStore func() queue.Store)) {
	db, err := miniredis.Run()
	if err != nil {
		panic(err)
	}
	defer db.Close()

	action(func() queue.Store {
		return queue.NewRedisStore(redis.NewClient(&redis.Options{Addr: db.Addr()}), partition, time.Hour)
	})
}

func withMemoryStores(action func(newStore func() queue.Store)) {
	db, err := queue.NewMemoryDb()
	if err != nil {
		panic(err)
	}
	action(func() queue.Store {
		return queue.NewMemoryStore(db, partition)
	})
}

var backends = map[string]func(action func(newStore func() queue.Store)){
	"redis":  withRedisStores,
	"memory": withMemoryStores,
}

func newElection(store queue.Store, id string, c clock.Clock) *LeaderElection {
	client := queue.NewClient(store, c, metrics.New(id), 1, time.Millisecond)
	election := NewLeaderElection(client, id, time.Second, 30*time.Second, c, metrics.NewWorkerStatusCollector(id))
	election.BatchSize = 3
	return election
}

// drain claims every test of the queue in order.
func drain(t *testing.T, store queue.Store) []string {
	client := queue.NewClient(store, clock.RealClock{}, metrics.New("drain"), 1, time.Millisecond)
	ctx := queuecontext.Background()
	var claimed []string
	for {
		result, err := client.Claim(ctx, "drain", time.Hour)
		require.NoError(t, err)
		if result.Status != queue.Claimed {
			return claimed
		}
		claimed = append(claimed, result.Item.TestId)
		_, err = client.Ack(ctx, result.Item)
		require.NoError(t, err)
	}
}

func TestLeaderElection_PopulatesExactlyOnce(t *testing.T) {
	for name, with := range backends {
		t.Run(name, func(t *testing.T) {
			with(func(newStore func() queue.Store) {
				roles := make([]Role, 5)
				g, ctx := queuecontext.ErrGroup(queuecontext.Background())
				for i := range roles {
					i := i
					election := newElection(newStore(), fmt.Sprintf("worker-%d", i), clock.RealClock{})
					election.Interval = 5 * time.Millisecond
					g.Go(func() error {
						role, err := election.Run(ctx, testIds, "seed")
						roles[i] = role
						return err
					})
				}
				require.NoError(t, g.Wait())

				leaders := 0
				for _, role := range roles {
					if role == Leader {
						leaders++
					}
				}
				assert.Equal(t, 1, leaders)

				store := newStore()
				state, err := store.State(queuecontext.Background())
				require.NoError(t, err)
				assert.Equal(t, len(testIds), state.Total)
				assert.Equal(t, len(testIds), state.Pending)
				assert.Equal(t, queue.LeaderReady, state.Leader)

				assert.Equal(t, testlist.Shuffle(testIds, "seed"), drain(t, store))
			})
		})
	}
}

// runInBackground runs the election on its own goroutine.
func runInBackground(election *LeaderElection) (chan Role, chan error) {
	roles := make(chan Role, 1)
	errs := make(chan error, 1)
	go func() {
		role, err := election.Run(queuecontext.Background(), testIds, "seed")
		roles <- role
		errs <- err
	}()
	return roles, errs
}

// stepUntilDone steps the fake clock whenever the election waits on it, until the election returns.
func stepUntilDone(t *testing.T, fakeClock *clocktesting.FakeClock, roles chan Role, step time.Duration) Role {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case role := <-roles:
			return role
		default:
		}
		if fakeClock.HasWaiters() {
			fakeClock.Step(step)
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("election did not finish")
	return Follower
}

func TestLeaderElection_TakesOverStalledLeader(t *testing.T) {
	for name, with := range backends {
		t.Run(name, func(t *testing.T) {
			with(func(newStore func() queue.Store) {
				ctx := queuecontext.Background()
				fakeClock := clocktesting.NewFakeClock(time.Unix(1600000000, 0))

				// A leader which died half way through population.
				stalled := newStore()
				won, err := stalled.AcquireLeadership(ctx, "dead-worker", fakeClock.Now())
				require.NoError(t, err)
				require.True(t, won)
				require.NoError(t, stalled.Enqueue(ctx, "dead-worker", fakeClock.Now(), "a", "b"))

				follower := newElection(newStore(), "worker-2", fakeClock)
				roles, errs := runInBackground(follower)
				role := stepUntilDone(t, fakeClock, roles, time.Second)
				require.NoError(t, <-errs)
				assert.Equal(t, Leader, role)
				assert.GreaterOrEqual(t, fakeClock.Since(time.Unix(1600000000, 0)), 30*time.Second)

				record, err := stalled.Leader(ctx)
				require.NoError(t, err)
				assert.Equal(t, queue.LeaderReady, record.Status)
				assert.Equal(t, "worker-2", record.Owner)

				state, err := stalled.State(ctx)
				require.NoError(t, err)
				assert.Equal(t, len(testIds), state.Total)
				assert.Equal(t, testlist.Shuffle(testIds, "seed"), drain(t, stalled))

				var notLeader *queueerrors.ErrNotLeader
				assert.ErrorAs(t, stalled.Enqueue(ctx, "dead-worker", fakeClock.Now(), "c"), &notLeader)
			})
		})
	}
}

func TestLeaderElection_FollowerWaitsForLiveLeader(t *testing.T) {
	withMemoryStores(func(newStore func() queue.Store) {
		ctx := queuecontext.Background()
		fakeClock := clocktesting.NewFakeClock(time.Unix(1600000000, 0))

		leaderStore := newStore()
		won, err := leaderStore.AcquireLeadership(ctx, "worker-1", fakeClock.Now())
		require.NoError(t, err)
		require.True(t, won)

		follower := newElection(newStore(), "worker-2", fakeClock)
		roles, errs := runInBackground(follower)

		// Well within the takeover timeout, the follower keeps waiting.
		for i := 0; i < 10; i++ {
			require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
			fakeClock.Step(time.Second)
		}
		select {
		case <-roles:
			t.Fatal("follower returned before the queue was ready")
		default:
		}

		require.NoError(t, leaderStore.Enqueue(ctx, "worker-1", fakeClock.Now(), testIds...))
		require.NoError(t, leaderStore.MarkReady(ctx, "worker-1"))

		role := stepUntilDone(t, fakeClock, roles, time.Second)
		require.NoError(t, <-errs)
		assert.Equal(t, Follower, role)
	})
}

func TestLeaderElection_CancelledWhileFollowing(t *testing.T) {
	withMemoryStores(func(newStore func() queue.Store) {
		ctx := queuecontext.Background()
		fakeClock := clocktesting.NewFakeClock(time.Unix(1600000000, 0))
		_, err := newStore().AcquireLeadership(ctx, "worker-1", fakeClock.Now())
		require.NoError(t, err)

		cancellable, cancel := queuecontext.WithCancel(ctx)
		follower := newElection(newStore(), "worker-2", fakeClock)
		done := make(chan error, 1)
		go func() {
			_, err := follower.Run(cancellable, testIds, "seed")
			done <- err
		}()
		require.Eventually(t, fakeClock.HasWaiters, time.Second, time.Millisecond)
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("election ignored cancellation")
		}
	})
}
