package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/mattn/go-sqlite3"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	sqliteDriverName = "sqlite3"

	// Each exchange table {t} has a companion append-only log {t}__log that
	// change streams poll by sequence number.
	logTableSuffix = "__log"

	readPoolSize   = 4
	pollBatchLimit = 512

	// Log retention runs opportunistically, roughly every 64 writes.
	retentionCheckInterval = 64
)

// sqliteStore is the durable multi-process backend. The latest record per
// topic lives in the exchange table; every upsert also appends to the
// companion log, which subscribers poll past their cursor. Writes flow
// through a group-commit batcher on a dedicated connection; reads use a
// small WAL pool.
type sqliteStore struct {
	opts      Options
	path      string
	writeDB   *sql.DB
	readDB    *sql.DB
	dialect   goqu.DialectWrapper
	filter    *keyFilter
	comp      *compressor
	committer *batchCommitter

	tables   *xsync.MapOf[string, struct{}]
	streams  *xsync.MapOf[string, *atomic.Int64]
	createMu sync.Mutex
	closed   atomic.Bool
}

// NewSQLite opens or creates a SQLite-backed store at path.
func NewSQLite(path string, opts Options) (Store, error) {
	opts = opts.withDefaults()
	busyMS := int(opts.BusyTimeout / time.Millisecond)

	// Single write connection with immediate transactions avoids writer
	// deadlocks; reads never take write locks so they get a small pool.
	writeDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d&_txlock=immediate", path, busyMS)
	writeDB, err := sql.Open(sqliteDriverName, writeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)
	writeDB.SetMaxIdleConns(1)
	writeDB.SetConnMaxLifetime(0)

	readDSN := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", path, busyMS)
	readDB, err := sql.Open(sqliteDriverName, readDSN)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("failed to open read connection: %w", err)
	}
	readDB.SetMaxOpenConns(readPoolSize)

	for _, db := range []*sql.DB{writeDB, readDB} {
		for _, pragma := range []string{
			"PRAGMA synchronous = NORMAL",
			"PRAGMA cache_size = -16000",
			"PRAGMA temp_store = MEMORY",
		} {
			if _, err := db.Exec(pragma); err != nil {
				writeDB.Close()
				readDB.Close()
				return nil, fmt.Errorf("failed to set %s: %w", pragma, err)
			}
		}
	}

	s := &sqliteStore{
		opts:    opts,
		path:    path,
		writeDB: writeDB,
		readDB:  readDB,
		dialect: goqu.Dialect("sqlite3"),
		filter:  newKeyFilter(),
		comp:    newCompressor(opts.CompressThreshold),
		tables:  xsync.NewMapOf[string, struct{}](),
		streams: xsync.NewMapOf[string, *atomic.Int64](),
	}
	if err := s.warmup(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, fmt.Errorf("failed to warm up store: %w", err)
	}

	s.committer = newBatchCommitter(s, path, busyMS, opts.BatchSize, opts.BatchWait)
	if err := s.committer.start(); err != nil {
		writeDB.Close()
		readDB.Close()
		return nil, err
	}
	return s, nil
}

// warmup discovers existing exchange tables and seeds the key filter with
// their topics, so the insert-first fast path works from the first write.
func (s *sqliteStore) warmup() error {
	start := time.Now()
	names, err := s.listTables(context.Background())
	if err != nil {
		return err
	}

	records := 0
	for _, table := range names {
		s.tables.Store(table, struct{}{})
		query, _, err := s.dialect.From(table).Select("topic").ToSQL()
		if err != nil {
			return err
		}
		rows, err := s.readDB.Query(query)
		if err != nil {
			return err
		}
		for rows.Next() {
			var topic []byte
			if err := rows.Scan(&topic); err != nil {
				rows.Close()
				return err
			}
			s.filter.add(table, topic)
			records++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()
	}

	log.Info().
		Int("tables", len(names)).
		Int("records", records).
		Dur("duration", time.Since(start)).
		Msg("Warmed up key filter")
	return nil
}

func (s *sqliteStore) EnsureTable(ctx context.Context, table string) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}
	if err := ValidateTableName(table); err != nil {
		return false, err
	}
	if _, ok := s.tables.Load(table); ok {
		return false, nil
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()
	if _, ok := s.tables.Load(table); ok {
		return false, nil
	}

	// Another process may have created the table since we opened.
	existed, err := s.tableExists(ctx, table)
	if err != nil {
		return false, err
	}
	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			topic BLOB PRIMARY KEY,
			payload BLOB NOT NULL,
			changed TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`, quoteIdent(table)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			topic BLOB NOT NULL,
			payload BLOB NOT NULL,
			changed TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`, quoteIdent(table+logTableSuffix)),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (created_at)`,
			quoteIdent(table+logTableSuffix+"_created_at"), quoteIdent(table+logTableSuffix)),
	}
	for _, stmt := range ddl {
		if _, err := s.writeDB.ExecContext(ctx, stmt); err != nil {
			return false, fmt.Errorf("failed to create table %s: %w", table, err)
		}
	}
	s.tables.Store(table, struct{}{})
	return !existed, nil
}

func (s *sqliteStore) Upsert(ctx context.Context, table string, rec Record) (UpsertResult, error) {
	if s.closed.Load() {
		return UpsertResult{}, ErrClosed
	}
	known, err := s.knownTable(ctx, table)
	if err != nil {
		return UpsertResult{}, err
	}
	if !known {
		return UpsertResult{}, ErrNoTable
	}

	rec.Payload = s.comp.pack(rec.Payload)
	// Get blocks until the batcher's next flush resolves the promise,
	// bounded by BatchWait plus the transaction itself.
	return s.committer.enqueue(table, rec).Get()
}

// applyUpsert runs one upsert inside the committer's transaction. The key
// filter only picks which statement to try first: a miss means the topic is
// new to this process, so insert directly; a hit means update first and
// insert only when no row matched. Either way the unique constraint on
// topic keeps concurrent first publishes down to exactly one row.
func (s *sqliteStore) applyUpsert(tx *sql.Tx, table string, rec Record, now int64) (UpsertResult, error) {
	created := false
	if !s.filter.mightContain(table, rec.Topic) {
		query, args, err := s.insertSQL(table, rec, now)
		if err != nil {
			return UpsertResult{}, err
		}
		if _, err := tx.Exec(query, args...); err == nil {
			created = true
		} else if !isConstraintErr(err) {
			return UpsertResult{}, err
		}
		// Constraint violation: another process inserted this topic first.
		// Fall through to the update path.
	}

	if !created {
		query, args, err := s.updateSQL(table, rec, now)
		if err != nil {
			return UpsertResult{}, err
		}
		res, err := tx.Exec(query, args...)
		if err != nil {
			return UpsertResult{}, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return UpsertResult{}, err
		}
		if affected == 0 {
			query, args, err := s.insertSQL(table, rec, now)
			if err != nil {
				return UpsertResult{}, err
			}
			if _, err := tx.Exec(query, args...); err != nil {
				return UpsertResult{}, err
			}
			created = true
		}
	}
	if created {
		s.filter.add(table, rec.Topic)
	}

	query, args, err := s.logInsertSQL(table, rec, now)
	if err != nil {
		return UpsertResult{}, err
	}
	if _, err := tx.Exec(query, args...); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Created: created}, nil
}

func (s *sqliteStore) Changes(ctx context.Context, table string, f Filter) (ChangeStream, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	known, err := s.knownTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrNoTable
	}

	// Start past the current tail; a stream only sees writes that commit
	// after it was opened.
	cursor, err := s.maxSeq(ctx, table)
	if err != nil {
		return nil, err
	}
	s.streamCounter(table).Add(1)
	return &sqliteStream{
		store:    s,
		table:    table,
		filter:   f,
		cursor:   cursor,
		ticker:   time.NewTicker(s.opts.PollInterval),
		closedCh: make(chan struct{}),
	}, nil
}

func (s *sqliteStore) Scan(ctx context.Context, table string, limit int) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	known, err := s.knownTable(ctx, table)
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrNoTable
	}

	ds := s.dialect.From(table).Select("topic", "payload", "changed").Order(goqu.C("topic").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.readDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan table %s: %w", table, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Topic, &rec.Payload, &rec.Changed); err != nil {
			return nil, err
		}
		payload, err := s.comp.unpack(rec.Payload)
		if err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Skipping corrupted record")
			continue
		}
		rec.Payload = payload
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *sqliteStore) Tables(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	names, err := s.listTables(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		s.tables.Store(name, struct{}{})
	}
	sort.Strings(names)
	return names, nil
}

func (s *sqliteStore) Stats(ctx context.Context, table string) (TableStats, error) {
	if s.closed.Load() {
		return TableStats{}, ErrClosed
	}
	known, err := s.knownTable(ctx, table)
	if err != nil {
		return TableStats{}, err
	}
	if !known {
		return TableStats{}, ErrNoTable
	}

	query, _, err := s.dialect.From(table).Select(goqu.COUNT("*")).ToSQL()
	if err != nil {
		return TableStats{}, err
	}
	var records int64
	if err := s.readDB.QueryRowContext(ctx, query).Scan(&records); err != nil {
		return TableStats{}, err
	}
	return TableStats{
		Records: records,
		Streams: int(s.streamCounter(table).Load()),
	}, nil
}

func (s *sqliteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.committer.stop()
	werr := s.writeDB.Close()
	rerr := s.readDB.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// maybePrune deletes log rows older than the retention window, roughly
// every retentionCheckInterval writes. Subscribers lagging past retention
// silently lose those messages, which the change feed contract allows.
func (s *sqliteStore) maybePrune(tables map[string]struct{}, writes int, total uint64) {
	if total%retentionCheckInterval >= uint64(writes) {
		return
	}
	cutoff := time.Now().Add(-s.opts.LogRetention).UnixMilli()
	for table := range tables {
		query, args, err := s.dialect.Delete(table + logTableSuffix).Prepared(true).
			Where(goqu.C("created_at").Lt(cutoff)).
			ToSQL()
		if err != nil {
			continue
		}
		res, err := s.writeDB.Exec(query, args...)
		if err != nil {
			log.Warn().Err(err).Str("table", table).Msg("Failed to prune change log")
			continue
		}
		if pruned, err := res.RowsAffected(); err == nil && pruned > 0 {
			log.Debug().Str("table", table).Int64("rows", pruned).Msg("Pruned change log")
		}
	}
}

func (s *sqliteStore) knownTable(ctx context.Context, table string) (bool, error) {
	if _, ok := s.tables.Load(table); ok {
		return true, nil
	}
	existed, err := s.tableExists(ctx, table)
	if err != nil {
		return false, err
	}
	if existed {
		s.tables.Store(table, struct{}{})
	}
	return existed, nil
}

func (s *sqliteStore) tableExists(ctx context.Context, table string) (bool, error) {
	var one int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) listTables(ctx context.Context) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if strings.HasPrefix(name, "sqlite_") || strings.HasSuffix(name, logTableSuffix) {
			continue
		}
		if ValidateTableName(name) != nil {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *sqliteStore) maxSeq(ctx context.Context, table string) (int64, error) {
	query, _, err := s.dialect.From(table + logTableSuffix).Select(goqu.MAX("seq")).ToSQL()
	if err != nil {
		return 0, err
	}
	var seq sql.NullInt64
	if err := s.readDB.QueryRowContext(ctx, query).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

type logRecord struct {
	seq int64
	rec Record
}

// readLog returns committed log rows past the cursor in sequence order.
// Rows with corrupted payloads are skipped, not returned as errors.
func (s *sqliteStore) readLog(ctx context.Context, table string, cursor int64, limit int) ([]logRecord, error) {
	query, args, err := s.dialect.From(table+logTableSuffix).Prepared(true).
		Select("seq", "topic", "payload", "changed").
		Where(goqu.C("seq").Gt(cursor)).
		Order(goqu.C("seq").Asc()).
		Limit(uint(limit)).
		ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []logRecord
	for rows.Next() {
		var lr logRecord
		if err := rows.Scan(&lr.seq, &lr.rec.Topic, &lr.rec.Payload, &lr.rec.Changed); err != nil {
			return nil, err
		}
		payload, err := s.comp.unpack(lr.rec.Payload)
		if err != nil {
			log.Warn().Err(err).Str("table", table).Int64("seq", lr.seq).Msg("Skipping corrupted log entry")
			continue
		}
		lr.rec.Payload = payload
		out = append(out, lr)
	}
	return out, rows.Err()
}

func (s *sqliteStore) streamCounter(table string) *atomic.Int64 {
	c, _ := s.streams.LoadOrCompute(table, func() *atomic.Int64 {
		return &atomic.Int64{}
	})
	return c
}

func (s *sqliteStore) updateSQL(table string, rec Record, now int64) (string, []any, error) {
	return s.dialect.Update(table).Prepared(true).
		Set(goqu.Record{"payload": rec.Payload, "changed": rec.Changed, "updated_at": now}).
		Where(goqu.Ex{"topic": rec.Topic}).
		ToSQL()
}

func (s *sqliteStore) insertSQL(table string, rec Record, now int64) (string, []any, error) {
	return s.dialect.Insert(table).Prepared(true).
		Rows(goqu.Record{"topic": rec.Topic, "payload": rec.Payload, "changed": rec.Changed, "updated_at": now}).
		ToSQL()
}

func (s *sqliteStore) logInsertSQL(table string, rec Record, now int64) (string, []any, error) {
	return s.dialect.Insert(table+logTableSuffix).Prepared(true).
		Rows(goqu.Record{"topic": rec.Topic, "payload": rec.Payload, "changed": rec.Changed, "created_at": now}).
		ToSQL()
}

func isConstraintErr(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}

// sqliteStream polls the table's change log past its cursor. Single
// consumer; Next must not be called concurrently.
type sqliteStream struct {
	store    *sqliteStore
	table    string
	filter   Filter
	cursor   int64
	buf      []Record
	ticker   *time.Ticker
	closed   atomic.Bool
	closedCh chan struct{}
}

func (st *sqliteStream) Next(ctx context.Context) (Record, error) {
	for {
		if st.closed.Load() {
			return Record{}, ErrStreamClosed
		}
		if st.store.closed.Load() {
			return Record{}, ErrClosed
		}
		if len(st.buf) > 0 {
			rec := st.buf[0]
			st.buf = st.buf[1:]
			return rec, nil
		}

		entries, err := st.store.readLog(ctx, st.table, st.cursor, pollBatchLimit)
		if err != nil {
			if st.store.closed.Load() {
				return Record{}, ErrClosed
			}
			if ctx.Err() != nil {
				return Record{}, ctx.Err()
			}
			return Record{}, fmt.Errorf("failed to poll change log: %w", err)
		}
		for _, lr := range entries {
			st.cursor = lr.seq
			if st.filter == nil || st.filter.Match(&lr.rec) {
				st.buf = append(st.buf, lr.rec)
			}
		}
		if len(st.buf) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-st.closedCh:
			return Record{}, ErrStreamClosed
		case <-st.ticker.C:
		}
	}
}

func (st *sqliteStream) Close() error {
	if !st.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(st.closedCh)
	st.ticker.Stop()
	st.store.streamCounter(st.table).Add(-1)
	return nil
}
