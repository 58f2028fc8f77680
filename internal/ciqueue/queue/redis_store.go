package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

const (
	buildKeyPrefix = "build:"
	// Bound on optimistic transactions aborted by a concurrent writer before a requeue gives up.
	maxRequeueTransactions = 32
)

type redisKeys struct {
	prefix    string
	leader    string
	queue     string
	enqueued  string
	running   string
	owners    string
	attempts  string
	processed string
	state     string
	failures  string
	workers   string
}

func newRedisKeys(partition Partition) redisKeys {
	prefix := buildKeyPrefix + partition.Key()
	return redisKeys{
		prefix:    prefix,
		leader:    prefix + ":leader",
		queue:     prefix + ":queue",
		enqueued:  prefix + ":enqueued",
		running:   prefix + ":running",
		owners:    prefix + ":owners",
		attempts:  prefix + ":attempts",
		processed: prefix + ":processed",
		state:     prefix + ":state",
		failures:  prefix + ":failures",
		workers:   prefix + ":workers",
	}
}

func (k redisKeys) outcomes(workerId string) string {
	return fmt.Sprintf("%s:worker:%s:outcomes", k.prefix, workerId)
}

// RedisStore is a Store shared by every worker which can reach the same redis server.
// Multi-key invariants are kept by lua scripts, except for Requeue which needs to consult a Decider
// and therefore uses WATCH/MULTI/EXEC.
type RedisStore struct {
	db   *redis.Client
	keys redisKeys
	ttl  time.Duration
}

func NewRedisStore(db *redis.Client, partition Partition, ttl time.Duration) *RedisStore {
	return &RedisStore{
		db:   db,
		keys: newRedisKeys(partition),
		ttl:  ttl,
	}
}

func (r *RedisStore) ttlSeconds() string {
	seconds := int64(r.ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return strconv.FormatInt(seconds, 10)
}

func (r *RedisStore) AcquireLeadership(ctx *queuecontext.Context, owner string, now time.Time) (bool, error) {
	won, err := acquireLeadershipScript.Run(r.db, []string{r.keys.leader}, owner, toMillis(now), r.ttlSeconds()).Int64()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return won == 1, nil
}

func (r *RedisStore) Leader(ctx *queuecontext.Context) (LeaderRecord, error) {
	values, err := r.db.HMGet(r.keys.leader, "status", "owner", "since").Result()
	if err != nil {
		return LeaderRecord{}, errors.WithStack(err)
	}
	record := LeaderRecord{
		Status: LeaderStatus(stringOrEmpty(values[0])),
		Owner:  stringOrEmpty(values[1]),
	}
	if since := stringOrEmpty(values[2]); since != "" {
		ms, err := strconv.ParseInt(since, 10, 64)
		if err != nil {
			return LeaderRecord{}, errors.Wrapf(err, "malformed leader record for %s", r.keys.prefix)
		}
		record.Since = fromMillis(ms)
	}
	return record, nil
}

func (r *RedisStore) TakeOverLeadership(ctx *queuecontext.Context, stale LeaderRecord, owner string, now time.Time) (bool, error) {
	keys := []string{r.keys.leader, r.keys.queue, r.keys.state, r.keys.enqueued}
	won, err := takeOverLeadershipScript.Run(r.db, keys, stale.Owner, toMillis(stale.Since), owner, toMillis(now), r.ttlSeconds()).Int64()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return won == 1, nil
}

func (r *RedisStore) Enqueue(ctx *queuecontext.Context, owner string, now time.Time, testIds ...string) error {
	args := make([]interface{}, 0, len(testIds)+3)
	args = append(args, owner, toMillis(now), r.ttlSeconds())
	for _, testId := range testIds {
		args = append(args, testId)
	}
	keys := []string{r.keys.leader, r.keys.queue, r.keys.state, r.keys.enqueued}
	total, err := enqueueScript.Run(r.db, keys, args...).Int64()
	if err != nil {
		return errors.WithStack(err)
	}
	if total < 0 {
		return &queueerrors.ErrNotLeader{Owner: owner}
	}
	return nil
}

func (r *RedisStore) MarkReady(ctx *queuecontext.Context, owner string) error {
	ok, err := markReadyScript.Run(r.db, []string{r.keys.leader}, owner).Int64()
	if err != nil {
		return errors.WithStack(err)
	}
	if ok != 1 {
		return &queueerrors.ErrNotLeader{Owner: owner}
	}
	return nil
}

func (r *RedisStore) Claim(ctx *queuecontext.Context, owner string, token string, now time.Time, timeout time.Duration) (ClaimResult, error) {
	expiry := now.Add(timeout)
	keys := []string{r.keys.leader, r.keys.queue, r.keys.running, r.keys.owners, r.keys.attempts}
	result, err := claimScript.Run(r.db, keys, toMillis(now), toMillis(expiry), token, r.ttlSeconds()).Result()
	if err != nil {
		return ClaimResult{}, errors.WithStack(err)
	}
	values, ok := result.([]interface{})
	if !ok || len(values) == 0 {
		return ClaimResult{}, errors.Errorf("unexpected claim result %v", result)
	}
	switch values[0] {
	case "wait":
		return ClaimResult{Status: Wait}, nil
	case "exhausted":
		return ClaimResult{Status: Exhausted}, nil
	case "claimed":
		if len(values) != 3 {
			return ClaimResult{}, errors.Errorf("unexpected claim result %v", values)
		}
		testId, ok := values[1].(string)
		if !ok {
			return ClaimResult{}, errors.Errorf("unexpected test id %v", values[1])
		}
		attempts, ok := values[2].(int64)
		if !ok {
			return ClaimResult{}, errors.Errorf("unexpected attempt count %v", values[2])
		}
		return ClaimResult{
			Status: Claimed,
			Item: Item{
				TestId:   testId,
				Attempts: int(attempts),
				Lease: Lease{
					Owner:  owner,
					Token:  token,
					Expiry: expiry,
				},
			},
		}, nil
	}
	return ClaimResult{}, errors.Errorf("unexpected claim status %v", values[0])
}

func (r *RedisStore) Ack(ctx *queuecontext.Context, item Item) (bool, error) {
	keys := []string{r.keys.running, r.keys.owners, r.keys.processed, r.keys.state}
	ok, err := ackScript.Run(r.db, keys, item.TestId, item.Lease.Token, r.ttlSeconds()).Int64()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return ok == 1, nil
}

func (r *RedisStore) Release(ctx *queuecontext.Context, item Item) (bool, error) {
	keys := []string{r.keys.queue, r.keys.running, r.keys.owners, r.keys.attempts}
	ok, err := releaseScript.Run(r.db, keys, item.TestId, item.Lease.Token, r.ttlSeconds()).Int64()
	if err != nil {
		return false, errors.WithStack(err)
	}
	return ok == 1, nil
}

func (r *RedisStore) Requeue(ctx *queuecontext.Context, item Item, decide Decider) (RequeueOutcome, error) {
	for i := 0; i < maxRequeueTransactions; i++ {
		outcome, err := r.tryRequeue(item, decide)
		if err == redis.TxFailedErr {
			ctx.Log.Debugf("requeue of %s raced with another writer; retrying", item.TestId)
			continue
		}
		return outcome, err
	}
	return Denied, errors.Errorf("requeue of %s aborted by %d concurrent writes", item.TestId, maxRequeueTransactions)
}

func (r *RedisStore) tryRequeue(item Item, decide Decider) (RequeueOutcome, error) {
	outcome := Denied
	err := r.db.Watch(func(tx *redis.Tx) error {
		token, err := tx.HGet(r.keys.owners, item.TestId).Result()
		if err == redis.Nil || (err == nil && token != item.Lease.Token) {
			outcome = LeaseLost
			return nil
		}
		if err != nil {
			return err
		}
		attempts, err := tx.HGet(r.keys.attempts, item.TestId).Int()
		if err != nil && err != redis.Nil {
			return err
		}
		counters, pending, leased, leader := stateCmds(tx, r.keys)
		state, err := parseState(counters, pending, leased, leader)
		if err != nil {
			return err
		}
		current := item
		current.Attempts = attempts
		if !decide(current, state) {
			return nil
		}
		_, err = tx.Pipelined(func(pipe redis.Pipeliner) error {
			pipe.ZRem(r.keys.running, item.TestId)
			pipe.HDel(r.keys.owners, item.TestId)
			pipe.RPush(r.keys.queue, item.TestId)
			pipe.HIncrBy(r.keys.state, "requeued", 1)
			pipe.Expire(r.keys.queue, r.ttl)
			pipe.Expire(r.keys.state, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		outcome = Requeued
		return nil
	}, r.keys.owners, r.keys.state)
	if err == redis.TxFailedErr {
		return Denied, err
	}
	if err != nil {
		return Denied, errors.WithStack(err)
	}
	return outcome, nil
}

func (r *RedisStore) State(ctx *queuecontext.Context) (RunState, error) {
	var counters *redis.SliceCmd
	var pending, leased *redis.IntCmd
	var leader *redis.SliceCmd
	_, err := r.db.TxPipelined(func(pipe redis.Pipeliner) error {
		counters, pending, leased, leader = stateCmds(pipe, r.keys)
		return nil
	})
	if err != nil {
		return RunState{}, errors.WithStack(err)
	}
	return parseState(counters, pending, leased, leader)
}

type stateReader interface {
	HMGet(key string, fields ...string) *redis.SliceCmd
	LLen(key string) *redis.IntCmd
	ZCard(key string) *redis.IntCmd
}

func stateCmds(db stateReader, keys redisKeys) (*redis.SliceCmd, *redis.IntCmd, *redis.IntCmd, *redis.SliceCmd) {
	return db.HMGet(keys.state, "total", "requeued", "processed"),
		db.LLen(keys.queue),
		db.ZCard(keys.running),
		db.HMGet(keys.leader, "status")
}

func parseState(counters *redis.SliceCmd, pending *redis.IntCmd, leased *redis.IntCmd, leader *redis.SliceCmd) (RunState, error) {
	values, err := counters.Result()
	if err != nil {
		return RunState{}, errors.WithStack(err)
	}
	numbers := make([]int, len(values))
	for i, value := range values {
		s := stringOrEmpty(value)
		if s == "" {
			continue
		}
		if numbers[i], err = strconv.Atoi(s); err != nil {
			return RunState{}, errors.Wrapf(err, "malformed run state counter %q", s)
		}
	}
	pendingCount, err := pending.Result()
	if err != nil {
		return RunState{}, errors.WithStack(err)
	}
	leasedCount, err := leased.Result()
	if err != nil {
		return RunState{}, errors.WithStack(err)
	}
	status, err := leader.Result()
	if err != nil {
		return RunState{}, errors.WithStack(err)
	}
	return RunState{
		Total:     numbers[0],
		Requeued:  numbers[1],
		Processed: numbers[2],
		Pending:   int(pendingCount),
		Leased:    int(leasedCount),
		Leader:    LeaderStatus(stringOrEmpty(status[0])),
	}, nil
}

func (r *RedisStore) RecordOutcome(ctx *queuecontext.Context, workerId string, outcome Outcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return errors.WithStack(err)
	}
	key := r.keys.outcomes(workerId)
	_, err = r.db.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.RPush(key, data)
		pipe.SAdd(r.keys.workers, workerId)
		pipe.Expire(key, r.ttl)
		pipe.Expire(r.keys.workers, r.ttl)
		return nil
	})
	return errors.WithStack(err)
}

func (r *RedisStore) Outcomes(ctx *queuecontext.Context, workerId string) ([]Outcome, error) {
	values, err := r.db.LRange(r.keys.outcomes(workerId), 0, -1).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	outcomes := make([]Outcome, 0, len(values))
	for _, value := range values {
		var outcome Outcome
		if err := json.Unmarshal([]byte(value), &outcome); err != nil {
			return nil, errors.Wrapf(err, "malformed outcome recorded by %s", workerId)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

func (r *RedisStore) Workers(ctx *queuecontext.Context) ([]string, error) {
	workers, err := r.db.SMembers(r.keys.workers).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	slices.Sort(workers)
	return workers, nil
}

func (r *RedisStore) RecordFailure(ctx *queuecontext.Context, record FailureRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = r.db.TxPipelined(func(pipe redis.Pipeliner) error {
		pipe.HSet(r.keys.failures, record.TestId, data)
		pipe.Expire(r.keys.failures, r.ttl)
		return nil
	})
	return errors.WithStack(err)
}

func (r *RedisStore) ClearFailure(ctx *queuecontext.Context, testId string) error {
	return errors.WithStack(r.db.HDel(r.keys.failures, testId).Err())
}

func (r *RedisStore) Failures(ctx *queuecontext.Context) ([]FailureRecord, error) {
	values, err := r.db.HGetAll(r.keys.failures).Result()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records := make([]FailureRecord, 0, len(values))
	for testId, value := range values {
		var record FailureRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			return nil, errors.Wrapf(err, "malformed failure record for %s", testId)
		}
		records = append(records, record)
	}
	sortFailures(records)
	return records, nil
}

func (r *RedisStore) Close() error {
	return r.db.Close()
}

func toMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixNano()/int64(time.Millisecond), 10)
}

func fromMillis(ms int64) time.Time {
	return time.Unix(0, ms*int64(time.Millisecond))
}

func stringOrEmpty(value interface{}) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func sortFailures(records []FailureRecord) {
	slices.SortFunc(records, func(a, b FailureRecord) bool {
		return a.TestId < b.TestId
	})
}
