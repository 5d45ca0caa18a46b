package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	future "github.com/jizhuozhi/go-future"

	"github.com/maxpert/repubsub/telemetry"
)

type upsertOp struct {
	table   string
	rec     Record
	promise *future.Promise[UpsertResult]
	res     UpsertResult
	err     error
}

// batchCommitter groups concurrent upserts into single SQLite transactions,
// amortizing the commit fsync across the batch. Callers block on a promise
// that resolves when their write commits. Ops apply in enqueue order, so
// the log's sequence order matches publish order.
type batchCommitter struct {
	store         *sqliteStore
	path          string
	busyTimeoutMS int
	db            *sql.DB

	maxBatchSize int
	maxWait      time.Duration

	mu      sync.Mutex
	pending []*upsertOp
	total   uint64

	kick    chan struct{}
	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

func newBatchCommitter(store *sqliteStore, path string, busyTimeoutMS, maxBatchSize int, maxWait time.Duration) *batchCommitter {
	return &batchCommitter{
		store:         store,
		path:          path,
		busyTimeoutMS: busyTimeoutMS,
		maxBatchSize:  maxBatchSize,
		maxWait:       maxWait,
		kick:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

func (bc *batchCommitter) start() error {
	db, err := bc.openOptimizedConnection()
	if err != nil {
		return fmt.Errorf("failed to open batch committer connection: %w", err)
	}
	bc.db = db

	bc.wg.Add(1)
	go bc.flushLoop()
	return nil
}

// openOptimizedConnection opens the committer's dedicated write connection
// with batch-friendly settings. synchronous=OFF skips the per-commit fsync;
// a crash can lose the tail of the WAL, which the change feed contract
// already tolerates.
func (bc *batchCommitter) openOptimizedConnection() (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", bc.path, bc.busyTimeoutMS)
	db, err := sql.Open(sqliteDriverName, dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA synchronous = OFF",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA wal_autocheckpoint = 10000",
		"PRAGMA journal_size_limit = 67108864",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
		}
	}
	return db, nil
}

func (bc *batchCommitter) stop() {
	if !bc.stopped.CompareAndSwap(false, true) {
		return
	}
	close(bc.stopCh)
	bc.wg.Wait()

	// Anything enqueued after the final flush can never commit.
	bc.mu.Lock()
	rest := bc.pending
	bc.pending = nil
	bc.mu.Unlock()
	for _, op := range rest {
		op.promise.Set(UpsertResult{}, ErrClosed)
	}

	if bc.db != nil {
		bc.db.Close()
	}
}

func (bc *batchCommitter) enqueue(table string, rec Record) *future.Future[UpsertResult] {
	p := future.NewPromise[UpsertResult]()
	if bc.stopped.Load() {
		p.Set(UpsertResult{}, ErrClosed)
		return p.Future()
	}

	bc.mu.Lock()
	bc.pending = append(bc.pending, &upsertOp{table: table, rec: rec, promise: p})
	n := len(bc.pending)
	bc.mu.Unlock()

	if n >= bc.maxBatchSize {
		select {
		case bc.kick <- struct{}{}:
		default:
		}
	}
	return p.Future()
}

func (bc *batchCommitter) flushLoop() {
	defer bc.wg.Done()

	ticker := time.NewTicker(bc.maxWait)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bc.tryFlush()
		case <-bc.kick:
			bc.tryFlush()
		case <-bc.stopCh:
			bc.tryFlush()
			return
		}
	}
}

func (bc *batchCommitter) tryFlush() {
	bc.mu.Lock()
	if len(bc.pending) == 0 {
		bc.mu.Unlock()
		return
	}
	ops := bc.pending
	bc.pending = nil
	bc.total += uint64(len(ops))
	total := bc.total
	bc.mu.Unlock()

	bc.flush(ops, total)
}

func (bc *batchCommitter) flush(ops []*upsertOp, total uint64) {
	start := time.Now()
	now := start.UnixMilli()

	tx, err := bc.db.BeginTx(context.Background(), nil)
	if err != nil {
		for _, op := range ops {
			op.promise.Set(UpsertResult{}, err)
		}
		return
	}

	touched := make(map[string]struct{})
	for _, op := range ops {
		op.res, op.err = bc.store.applyUpsert(tx, op.table, op.rec, now)
		if op.err == nil {
			touched[op.table] = struct{}{}
		}
	}

	// Single fsync for the entire batch.
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		for _, op := range ops {
			op.promise.Set(UpsertResult{}, err)
		}
		return
	}

	for _, op := range ops {
		op.promise.Set(op.res, op.err)
	}
	telemetry.BatchCommitSize.Observe(float64(len(ops)))
	telemetry.BatchCommitDuration.Observe(time.Since(start).Seconds())

	bc.store.maybePrune(touched, len(ops), total)
}
