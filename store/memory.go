package store

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

// memoryStore keeps the latest record per topic in concurrent maps and
// delivers notifications through an in-process Hub. It exists for tests,
// the demo and ephemeral runs; nothing survives a restart.
type memoryStore struct {
	opts   Options
	tables *xsync.MapOf[string, *memoryTable]
	hub    *Hub
	closed atomic.Bool
}

type memoryTable struct {
	// mu serializes upserts so hub delivery order equals write order.
	mu   sync.Mutex
	recs *xsync.MapOf[string, Record]
}

// NewMemory returns an in-memory Store.
func NewMemory(opts Options) Store {
	return &memoryStore{
		opts:   opts.withDefaults(),
		tables: xsync.NewMapOf[string, *memoryTable](),
		hub:    NewHub(),
	}
}

func (m *memoryStore) EnsureTable(_ context.Context, table string) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	if err := ValidateTableName(table); err != nil {
		return false, err
	}
	_, loaded := m.tables.LoadOrStore(table, &memoryTable{recs: xsync.NewMapOf[string, Record]()})
	return !loaded, nil
}

func (m *memoryStore) Upsert(_ context.Context, table string, rec Record) (UpsertResult, error) {
	if m.closed.Load() {
		return UpsertResult{}, ErrClosed
	}
	tbl, ok := m.tables.Load(table)
	if !ok {
		return UpsertResult{}, ErrNoTable
	}

	tbl.mu.Lock()
	defer tbl.mu.Unlock()
	key := string(rec.Topic)
	_, existed := tbl.recs.Load(key)
	tbl.recs.Store(key, rec)
	m.hub.Publish(table, rec)
	return UpsertResult{Created: !existed}, nil
}

func (m *memoryStore) Changes(_ context.Context, table string, f Filter) (ChangeStream, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := m.tables.Load(table); !ok {
		return nil, ErrNoTable
	}
	return m.hub.Subscribe(table, f, m.opts.MaxBuffered)
}

func (m *memoryStore) Scan(_ context.Context, table string, limit int) ([]Record, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	tbl, ok := m.tables.Load(table)
	if !ok {
		return nil, ErrNoTable
	}
	var recs []Record
	tbl.recs.Range(func(_ string, rec Record) bool {
		recs = append(recs, rec)
		return true
	})
	sort.Slice(recs, func(i, j int) bool {
		return bytes.Compare(recs[i].Topic, recs[j].Topic) < 0
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *memoryStore) Tables(_ context.Context) ([]string, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	var names []string
	m.tables.Range(func(name string, _ *memoryTable) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names, nil
}

func (m *memoryStore) Stats(_ context.Context, table string) (TableStats, error) {
	if m.closed.Load() {
		return TableStats{}, ErrClosed
	}
	tbl, ok := m.tables.Load(table)
	if !ok {
		return TableStats{}, ErrNoTable
	}
	return TableStats{
		Records: int64(tbl.recs.Size()),
		Streams: m.hub.Streams(table),
	}, nil
}

func (m *memoryStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.hub.Close()
	return nil
}
