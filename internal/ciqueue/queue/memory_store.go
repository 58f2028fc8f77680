package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/armadaproject/ciqueue/internal/common/queuecontext"
	"github.com/armadaproject/ciqueue/internal/common/queueerrors"
)

const (
	buildsTable   = "builds"
	itemsTable    = "items"
	outcomesTable = "outcomes"
	failuresTable = "failures"
	idIndex       = "id"    // index for looking up records by primary key
	buildIndex    = "build" // index for looking up every record of a build
)

// MemoryDb holds every partition of one in-process queue.
// It is implemented on top of https://github.com/hashicorp/go-memdb; each Store operation is one write transaction,
// which gives the same atomicity the redis scripts give.
type MemoryDb struct {
	Db *memdb.MemDB
}

func NewMemoryDb() (*MemoryDb, error) {
	db, err := memdb.NewMemDB(memoryDbSchema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &MemoryDb{Db: db}, nil
}

var (
	sharedMemoryDbsMu sync.Mutex
	sharedMemoryDbs   = make(map[string]*MemoryDb)
)

// SharedMemoryDb returns the process-wide database registered under name, creating it on first use.
func SharedMemoryDb(name string) (*MemoryDb, error) {
	sharedMemoryDbsMu.Lock()
	defer sharedMemoryDbsMu.Unlock()
	if db, ok := sharedMemoryDbs[name]; ok {
		return db, nil
	}
	db, err := NewMemoryDb()
	if err != nil {
		return nil, err
	}
	sharedMemoryDbs[name] = db
	return db, nil
}

// buildRecord is the per-partition state. Records stored in the db must not be modified in place.
type buildRecord struct {
	Key       string
	Leader    LeaderRecord
	Pending   []string
	Total     int
	Requeued  int
	Processed int
	Leased    int
}

func (b *buildRecord) copy() *buildRecord {
	c := *b
	c.Pending = slices.Clone(b.Pending)
	return &c
}

func (b *buildRecord) state() RunState {
	return RunState{
		Total:     b.Total,
		Requeued:  b.Requeued,
		Processed: b.Processed,
		Pending:   len(b.Pending),
		Leased:    b.Leased,
		Leader:    b.Leader.Status,
	}
}

type itemRecord struct {
	Build     string
	TestId    string
	Attempts  int
	Leased    bool
	Lease     Lease
	Processed bool
}

type outcomeLog struct {
	Build    string
	WorkerId string
	Outcomes []Outcome
}

type failureEntry struct {
	Build  string
	TestId string
	Record FailureRecord
}

// MemoryStore is a Store over a MemoryDb. Stores built on the same MemoryDb and partition share one queue.
type MemoryStore struct {
	db  *MemoryDb
	key string
}

func NewMemoryStore(db *MemoryDb, partition Partition) *MemoryStore {
	return &MemoryStore{
		db:  db,
		key: partition.Key(),
	}
}

// update runs fn in a write transaction against the build record, committing only if fn succeeds.
func (m *MemoryStore) update(fn func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error)) error {
	txn := m.db.Db.Txn(true)
	defer txn.Abort()
	build, err := m.build(txn)
	if err != nil {
		return err
	}
	updated, err := fn(txn, build)
	if err != nil {
		return err
	}
	if updated != nil {
		if err := txn.Insert(buildsTable, updated); err != nil {
			return errors.WithStack(err)
		}
	}
	txn.Commit()
	return nil
}

// build returns the build record of this store, or an empty one if nothing was written yet.
func (m *MemoryStore) build(txn *memdb.Txn) (*buildRecord, error) {
	obj, err := txn.First(buildsTable, idIndex, m.key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return &buildRecord{Key: m.key}, nil
	}
	return obj.(*buildRecord), nil
}

func (m *MemoryStore) item(txn *memdb.Txn, testId string) (*itemRecord, error) {
	obj, err := txn.First(itemsTable, idIndex, m.key, testId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return nil, nil
	}
	return obj.(*itemRecord), nil
}

func (m *MemoryStore) AcquireLeadership(ctx *queuecontext.Context, owner string, now time.Time) (bool, error) {
	won := false
	err := m.update(func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error) {
		if build.Leader.Status != LeaderNone {
			return nil, nil
		}
		updated := build.copy()
		updated.Leader = LeaderRecord{Status: LeaderSetup, Owner: owner, Since: now}
		won = true
		return updated, nil
	})
	return won, err
}

func (m *MemoryStore) Leader(ctx *queuecontext.Context) (LeaderRecord, error) {
	txn := m.db.Db.Txn(false)
	defer txn.Abort()
	build, err := m.build(txn)
	if err != nil {
		return LeaderRecord{}, err
	}
	return build.Leader, nil
}

func (m *MemoryStore) TakeOverLeadership(ctx *queuecontext.Context, stale LeaderRecord, owner string, now time.Time) (bool, error) {
	won := false
	err := m.update(func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error) {
		current := build.Leader
		if current.Status != LeaderSetup || current.Owner != stale.Owner || !current.Since.Equal(stale.Since) {
			return nil, nil
		}
		for _, testId := range build.Pending {
			if err := txn.Delete(itemsTable, &itemRecord{Build: m.key, TestId: testId}); err != nil && err != memdb.ErrNotFound {
				return nil, errors.WithStack(err)
			}
		}
		updated := build.copy()
		updated.Leader = LeaderRecord{Status: LeaderSetup, Owner: owner, Since: now}
		updated.Pending = nil
		updated.Total = 0
		won = true
		return updated, nil
	})
	return won, err
}

func (m *MemoryStore) Enqueue(ctx *queuecontext.Context, owner string, now time.Time, testIds ...string) error {
	return m.update(func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error) {
		if build.Leader.Status != LeaderSetup || build.Leader.Owner != owner {
			return nil, &queueerrors.ErrNotLeader{Owner: owner}
		}
		updated := build.copy()
		for _, testId := range testIds {
			existing, err := m.item(txn, testId)
			if err != nil {
				return nil, err
			}
			if existing != nil {
				continue
			}
			if err := txn.Insert(itemsTable, &itemRecord{Build: m.key, TestId: testId}); err != nil {
				return nil, errors.WithStack(err)
			}
			updated.Pending = append(updated.Pending, testId)
			updated.Total++
		}
		updated.Leader.Since = now
		return updated, nil
	})
}

func (m *MemoryStore) MarkReady(ctx *queuecontext.Context, owner string) error {
	return m.update(func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error) {
		if build.Leader.Owner != owner {
			return nil, &queueerrors.ErrNotLeader{Owner: owner}
		}
		updated := build.copy()
		updated.Leader.Status = LeaderReady
		return updated, nil
	})
}

func (m *MemoryStore) Claim(ctx *queuecontext.Context, owner string, token string, now time.Time, timeout time.Duration) (ClaimResult, error) {
	result := ClaimResult{Status: Wait}
	err := m.update(func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error) {
		if build.Leader.Status != LeaderReady {
			return nil, nil
		}
		updated := build.copy()
		var claimed *itemRecord
		if len(updated.Pending) > 0 {
			testId := updated.Pending[0]
			updated.Pending = updated.Pending[1:]
			item, err := m.item(txn, testId)
			if err != nil {
				return nil, err
			}
			if item == nil {
				return nil, errors.Errorf("queued test %s has no item record", testId)
			}
			claimed = item
		} else {
			expired, err := m.oldestExpired(txn, now)
			if err != nil {
				return nil, err
			}
			if expired == nil {
				if build.Leased == 0 {
					result.Status = Exhausted
				}
				return nil, nil
			}
			claimed = expired
		}
		item := *claimed
		if !item.Leased {
			updated.Leased++
		}
		item.Attempts++
		item.Leased = true
		item.Lease = Lease{Owner: owner, Token: token, Expiry: now.Add(timeout)}
		if err := txn.Insert(itemsTable, &item); err != nil {
			return nil, errors.WithStack(err)
		}
		result = ClaimResult{
			Status: Claimed,
			Item: Item{
				TestId:   item.TestId,
				Attempts: item.Attempts,
				Lease:    item.Lease,
			},
		}
		return updated, nil
	})
	if err != nil {
		return ClaimResult{}, err
	}
	return result, nil
}

// oldestExpired returns the leased item whose lease expired first, or nil if every lease is live.
func (m *MemoryStore) oldestExpired(txn *memdb.Txn, now time.Time) (*itemRecord, error) {
	it, err := txn.Get(itemsTable, buildIndex, m.key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var oldest *itemRecord
	for obj := it.Next(); obj != nil; obj = it.Next() {
		item := obj.(*itemRecord)
		if !item.Leased || now.Before(item.Lease.Expiry) {
			continue
		}
		if oldest == nil || item.Lease.Expiry.Before(oldest.Lease.Expiry) {
			oldest = item
		}
	}
	return oldest, nil
}

// leased returns the stored record of item if its lease token is still current.
func (m *MemoryStore) leased(txn *memdb.Txn, item Item) (*itemRecord, error) {
	record, err := m.item(txn, item.TestId)
	if err != nil || record == nil {
		return nil, err
	}
	if !record.Leased || record.Lease.Token != item.Lease.Token {
		return nil, nil
	}
	return record, nil
}

func (m *MemoryStore) Ack(ctx *queuecontext.Context, item Item) (bool, error) {
	acked := false
	err := m.update(func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error) {
		record, err := m.leased(txn, item)
		if err != nil || record == nil {
			return nil, err
		}
		updated := build.copy()
		updated.Leased--
		resolved := *record
		resolved.Leased = false
		resolved.Lease = Lease{}
		if !resolved.Processed {
			resolved.Processed = true
			updated.Processed++
		}
		if err := txn.Insert(itemsTable, &resolved); err != nil {
			return nil, errors.WithStack(err)
		}
		acked = true
		return updated, nil
	})
	return acked, err
}

func (m *MemoryStore) Requeue(ctx *queuecontext.Context, item Item, decide Decider) (RequeueOutcome, error) {
	outcome := LeaseLost
	err := m.update(func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error) {
		record, err := m.leased(txn, item)
		if err != nil || record == nil {
			return nil, err
		}
		current := item
		current.Attempts = record.Attempts
		if !decide(current, build.state()) {
			outcome = Denied
			return nil, nil
		}
		updated := build.copy()
		updated.Leased--
		updated.Requeued++
		updated.Pending = append(updated.Pending, item.TestId)
		requeued := *record
		requeued.Leased = false
		requeued.Lease = Lease{}
		if err := txn.Insert(itemsTable, &requeued); err != nil {
			return nil, errors.WithStack(err)
		}
		outcome = Requeued
		return updated, nil
	})
	return outcome, err
}

func (m *MemoryStore) Release(ctx *queuecontext.Context, item Item) (bool, error) {
	released := false
	err := m.update(func(txn *memdb.Txn, build *buildRecord) (*buildRecord, error) {
		record, err := m.leased(txn, item)
		if err != nil || record == nil {
			return nil, err
		}
		updated := build.copy()
		updated.Leased--
		updated.Pending = append([]string{item.TestId}, updated.Pending...)
		returned := *record
		returned.Attempts--
		returned.Leased = false
		returned.Lease = Lease{}
		if err := txn.Insert(itemsTable, &returned); err != nil {
			return nil, errors.WithStack(err)
		}
		released = true
		return updated, nil
	})
	return released, err
}

func (m *MemoryStore) State(ctx *queuecontext.Context) (RunState, error) {
	txn := m.db.Db.Txn(false)
	defer txn.Abort()
	build, err := m.build(txn)
	if err != nil {
		return RunState{}, err
	}
	return build.state(), nil
}

func (m *MemoryStore) RecordOutcome(ctx *queuecontext.Context, workerId string, outcome Outcome) error {
	txn := m.db.Db.Txn(true)
	defer txn.Abort()
	obj, err := txn.First(outcomesTable, idIndex, m.key, workerId)
	if err != nil {
		return errors.WithStack(err)
	}
	log := &outcomeLog{Build: m.key, WorkerId: workerId}
	if obj != nil {
		existing := obj.(*outcomeLog)
		log.Outcomes = slices.Clone(existing.Outcomes)
	}
	log.Outcomes = append(log.Outcomes, outcome)
	if err := txn.Insert(outcomesTable, log); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) Outcomes(ctx *queuecontext.Context, workerId string) ([]Outcome, error) {
	txn := m.db.Db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(outcomesTable, idIndex, m.key, workerId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		return []Outcome{}, nil
	}
	return slices.Clone(obj.(*outcomeLog).Outcomes), nil
}

func (m *MemoryStore) Workers(ctx *queuecontext.Context) ([]string, error) {
	txn := m.db.Db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(outcomesTable, buildIndex, m.key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	workers := make([]string, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		workers = append(workers, obj.(*outcomeLog).WorkerId)
	}
	slices.Sort(workers)
	return workers, nil
}

func (m *MemoryStore) RecordFailure(ctx *queuecontext.Context, record FailureRecord) error {
	txn := m.db.Db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(failuresTable, &failureEntry{Build: m.key, TestId: record.TestId, Record: record}); err != nil {
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) ClearFailure(ctx *queuecontext.Context, testId string) error {
	txn := m.db.Db.Txn(true)
	defer txn.Abort()
	if err := txn.Delete(failuresTable, &failureEntry{Build: m.key, TestId: testId}); err != nil {
		if err == memdb.ErrNotFound {
			return nil
		}
		return errors.WithStack(err)
	}
	txn.Commit()
	return nil
}

func (m *MemoryStore) Failures(ctx *queuecontext.Context) ([]FailureRecord, error) {
	txn := m.db.Db.Txn(false)
	defer txn.Abort()
	it, err := txn.Get(failuresTable, buildIndex, m.key)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	records := make([]FailureRecord, 0)
	for obj := it.Next(); obj != nil; obj = it.Next() {
		records = append(records, obj.(*failureEntry).Record)
	}
	sortFailures(records)
	return records, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) String() string {
	return fmt.Sprintf("memory store for %s", m.key)
}

// memoryDbSchema creates the database schema.
// Every table but builds is keyed by build and one more string field, with a build index for per-build scans.
func memoryDbSchema() *memdb.DBSchema {
	perBuild := func(name string, field string) *memdb.TableSchema {
		return &memdb.TableSchema{
			Name: name,
			Indexes: map[string]*memdb.IndexSchema{
				idIndex: {
					Name:   idIndex,
					Unique: true,
					Indexer: &memdb.CompoundIndex{
						Indexes: []memdb.Indexer{
							&memdb.StringFieldIndex{Field: "Build"},
							&memdb.StringFieldIndex{Field: field},
						},
					},
				},
				buildIndex: {
					Name:    buildIndex,
					Unique:  false,
					Indexer: &memdb.StringFieldIndex{Field: "Build"},
				},
			},
		}
	}
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			buildsTable: {
				Name: buildsTable,
				Indexes: map[string]*memdb.IndexSchema{
					idIndex: {
						Name:    idIndex,
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Key"},
					},
				},
			},
			itemsTable:    perBuild(itemsTable, "TestId"),
			outcomesTable: perBuild(outcomesTable, "WorkerId"),
			failuresTable: perBuild(failuresTable, "TestId"),
		},
	}
}
