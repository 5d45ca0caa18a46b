package store

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/encoding"
)

// Key prefixes for Pebble storage
const (
	prefixTable  = "/tbl/" // /tbl/{table} -> empty marker
	prefixRecord = "/rec/" // /rec/{table}/{topic-bytes} -> packed record
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// storedRecord is the value half of a record; the topic lives in the key.
type storedRecord struct {
	Payload []byte `msgpack:"p"`
	Changed string `msgpack:"c"`
}

// pebbleStore is the persistent single-node backend. Records live under
// /rec/, one key per topic, latest value wins; change notifications fan
// out through an in-process Hub, so feeds do not survive the process.
type pebbleStore struct {
	opts   Options
	db     *pebble.DB
	hub    *Hub
	filter *keyFilter
	comp   *compressor
	tables *xsync.MapOf[string, struct{}]

	// writeMu serializes upserts so hub delivery order equals write order.
	writeMu  sync.Mutex
	createMu sync.Mutex
	closed   atomic.Bool
}

// NewPebble opens or creates a Pebble-backed store at dir.
func NewPebble(dir string, opts Options) (Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %s: %w", dir, err)
	}

	opts = opts.withDefaults()
	s := &pebbleStore{
		opts:   opts,
		db:     db,
		hub:    NewHub(),
		filter: newKeyFilter(),
		comp:   newCompressor(opts.CompressThreshold),
		tables: xsync.NewMapOf[string, struct{}](),
	}
	if err := s.warmup(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to warm up store: %w", err)
	}
	return s, nil
}

// warmup loads table markers and seeds the key filter from existing
// records, so the insert-first fast path works from the first write.
func (s *pebbleStore) warmup() error {
	start := time.Now()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixTable),
		UpperBound: prefixUpperBound([]byte(prefixTable)),
	})
	if err != nil {
		return err
	}
	tableCount := 0
	for iter.First(); iter.Valid(); iter.Next() {
		s.tables.Store(string(iter.Key()[len(prefixTable):]), struct{}{})
		tableCount++
	}
	if err := iter.Close(); err != nil {
		return err
	}

	iter, err = s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixRecord),
		UpperBound: prefixUpperBound([]byte(prefixRecord)),
	})
	if err != nil {
		return err
	}
	recordCount := 0
	for iter.First(); iter.Valid(); iter.Next() {
		table, topic, ok := splitRecordKey(iter.Key())
		if !ok {
			log.Warn().Bytes("key", iter.Key()).Msg("Skipping malformed record key during warmup")
			continue
		}
		s.filter.add(table, topic)
		recordCount++
	}
	if err := iter.Close(); err != nil {
		return err
	}

	log.Info().
		Int("tables", tableCount).
		Int("records", recordCount).
		Dur("duration", time.Since(start)).
		Msg("Warmed up key filter")
	return nil
}

func (s *pebbleStore) EnsureTable(_ context.Context, table string) (bool, error) {
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
	if err := s.db.Set(tableKey(table), nil, pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	s.tables.Store(table, struct{}{})
	return true, nil
}

func (s *pebbleStore) Upsert(_ context.Context, table string, rec Record) (UpsertResult, error) {
	if s.closed.Load() {
		return UpsertResult{}, ErrClosed
	}
	if _, ok := s.tables.Load(table); !ok {
		return UpsertResult{}, ErrNoTable
	}

	encoded, err := encoding.Marshal(storedRecord{Payload: rec.Payload, Changed: rec.Changed})
	if err != nil {
		return UpsertResult{}, fmt.Errorf("failed to encode record: %w", err)
	}
	value := s.comp.pack(encoded)
	key := recordKey(table, rec.Topic)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	created := true
	if s.filter.mightContain(table, rec.Topic) {
		_, closer, err := s.db.Get(key)
		switch err {
		case nil:
			created = false
			closer.Close()
		case pebble.ErrNotFound:
			// Filter false positive, the key really is new.
		default:
			return UpsertResult{}, fmt.Errorf("failed to read record: %w", err)
		}
	}

	if err := s.db.Set(key, value, pebble.Sync); err != nil {
		return UpsertResult{}, fmt.Errorf("failed to write record: %w", err)
	}
	if created {
		s.filter.add(table, rec.Topic)
	}
	s.hub.Publish(table, rec)
	return UpsertResult{Created: created}, nil
}

func (s *pebbleStore) Changes(_ context.Context, table string, f Filter) (ChangeStream, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := s.tables.Load(table); !ok {
		return nil, ErrNoTable
	}
	return s.hub.Subscribe(table, f, s.opts.MaxBuffered)
}

func (s *pebbleStore) Scan(_ context.Context, table string, limit int) ([]Record, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if _, ok := s.tables.Load(table); !ok {
		return nil, ErrNoTable
	}

	prefix := recordKey(table, nil)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var recs []Record
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(recs) >= limit {
			break
		}
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("failed to read record value: %w", err)
		}
		rec, err := s.decodeRecord(iter.Key()[len(prefix):], value)
		if err != nil {
			// Skip corrupted entries instead of failing the whole scan.
			log.Warn().Err(err).Str("table", table).Msg("Skipping corrupted record")
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *pebbleStore) decodeRecord(topic, value []byte) (Record, error) {
	unpacked, err := s.comp.unpack(value)
	if err != nil {
		return Record{}, err
	}
	var stored storedRecord
	if err := encoding.Unmarshal(unpacked, &stored); err != nil {
		return Record{}, fmt.Errorf("failed to decode record: %w", err)
	}
	topicCopy := make([]byte, len(topic))
	copy(topicCopy, topic)
	return Record{Topic: topicCopy, Payload: stored.Payload, Changed: stored.Changed}, nil
}

func (s *pebbleStore) Tables(_ context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var names []string
	s.tables.Range(func(name string, _ struct{}) bool {
		names = append(names, name)
		return true
	})
	sort.Strings(names)
	return names, nil
}

func (s *pebbleStore) Stats(_ context.Context, table string) (TableStats, error) {
	if s.closed.Load() {
		return TableStats{}, ErrClosed
	}
	if _, ok := s.tables.Load(table); !ok {
		return TableStats{}, ErrNoTable
	}

	prefix := recordKey(table, nil)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return TableStats{}, fmt.Errorf("failed to create iterator: %w", err)
	}
	defer iter.Close()

	var records int64
	for iter.First(); iter.Valid(); iter.Next() {
		records++
	}
	return TableStats{Records: records, Streams: s.hub.Streams(table)}, nil
}

func (s *pebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.hub.Close()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

func tableKey(table string) []byte {
	return []byte(prefixTable + table)
}

func recordKey(table string, topic []byte) []byte {
	key := make([]byte, 0, len(prefixRecord)+len(table)+1+len(topic))
	key = append(key, prefixRecord...)
	key = append(key, table...)
	key = append(key, '/')
	key = append(key, topic...)
	return key
}

// splitRecordKey recovers (table, topic) from a /rec/ key. Table names
// cannot contain '/', so the first separator after the prefix is
// unambiguous even though topic bytes may contain any byte.
func splitRecordKey(key []byte) (string, []byte, bool) {
	rest := key[len(prefixRecord):]
	i := bytes.IndexByte(rest, '/')
	if i < 0 {
		return "", nil, false
	}
	return string(rest[:i]), rest[i+1:], true
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
