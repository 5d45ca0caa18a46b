// Package store persists the latest record per topic key and streams change
// notifications to subscribers. Exchanges in the pubsub package map 1:1 onto
// store tables; a publish is an upsert and a subscription is a filtered
// change stream.
//
// Backends differ in how notifications travel (in-process hub for memory and
// Pebble, change-log polling for SQLite) but share the same guarantees: each
// table serializes its writes, and every stream observes post-write records
// in that write order until it is closed or fails.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
)

// Record is the stored unit for one topic key: the canonical key bytes, the
// most recent payload and the change marker of the last write. The marker
// changes on every write so identical payloads still produce notifications.
type Record struct {
	Topic   []byte
	Payload []byte
	Changed string
}

// UpsertResult reports whether an upsert created the record or replaced an
// existing one.
type UpsertResult struct {
	Created bool
}

// TableStats summarizes one table for diagnostics.
type TableStats struct {
	Records int64
	Streams int
}

// Filter selects which change notifications reach a stream. Filters run on
// the notification path before buffering, so they must be fast and must not
// retain the record. A nil Filter matches everything.
type Filter interface {
	Match(rec *Record) bool
}

// FilterFunc adapts a plain function to the Filter interface.
type FilterFunc func(rec *Record) bool

func (f FilterFunc) Match(rec *Record) bool { return f(rec) }

// ChangeStream is a lazy sequence of post-write records. Next blocks until a
// matching record arrives, the context is cancelled, or the stream ends.
// After Close, Next returns ErrStreamClosed; after an unexpected termination
// (store closed, buffer overflow) it returns the terminal error. Streams are
// not restartable.
type ChangeStream interface {
	Next(ctx context.Context) (Record, error)
	Close() error
}

// Store is the collaborator contract the pubsub layer builds on.
//
// EnsureTable is idempotent: it reports created=false when the table already
// exists and only errors on real failures. Upsert atomically writes the
// record under its topic key and reports created-vs-replaced. Changes opens
// a stream over records written after the call; records written before it
// are never delivered.
type Store interface {
	EnsureTable(ctx context.Context, table string) (created bool, err error)
	Upsert(ctx context.Context, table string, rec Record) (UpsertResult, error)
	Changes(ctx context.Context, table string, f Filter) (ChangeStream, error)
	Scan(ctx context.Context, table string, limit int) ([]Record, error)
	Tables(ctx context.Context) ([]string, error)
	Stats(ctx context.Context, table string) (TableStats, error)
	Close() error
}

var (
	// ErrClosed is returned by every operation after Close, and surfaces as
	// the terminal error of streams the close orphaned.
	ErrClosed = errors.New("store closed")

	// ErrNoTable is returned when an operation references a table that was
	// never ensured.
	ErrNoTable = errors.New("no such table")

	// ErrStreamClosed is the terminal error of a voluntarily closed stream.
	ErrStreamClosed = errors.New("change stream closed")

	// ErrBufferOverflow is the terminal error of a stream whose subscriber
	// fell further behind than the configured buffer allows. The stream is
	// dead; reading clients must resubscribe and accept the gap.
	ErrBufferOverflow = errors.New("notification buffer overflow")
)

// Table names double as SQLite identifiers and Pebble key components, so the
// accepted alphabet is deliberately narrow.
var tableNameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,127}$`)

// ValidateTableName reports whether name is usable as a table name.
func ValidateTableName(name string) error {
	if !tableNameRe.MatchString(name) {
		return fmt.Errorf("invalid table name %q: must start with a letter and contain only letters, digits and underscores", name)
	}
	return nil
}

// Defaults applied by Options.withDefaults.
const (
	// DefaultMaxBuffered gives a slow subscriber ample slack before it is
	// dropped; a stream this far behind is effectively dead anyway.
	DefaultMaxBuffered = 100000

	DefaultPollInterval      = 100 * time.Millisecond
	DefaultLogRetention      = 60 * time.Second
	DefaultBusyTimeout       = 5 * time.Second
	DefaultCompressThreshold = 1024
	DefaultBatchSize         = 64
	DefaultBatchWait         = 5 * time.Millisecond
)

// Options tune backend behavior. The zero value is usable; every field falls
// back to its default.
type Options struct {
	// MaxBuffered caps the per-stream notification queue for hub-backed
	// stores. A stream that exceeds it fails with ErrBufferOverflow.
	MaxBuffered int

	// PollInterval is the change-log poll cadence of the SQLite backend.
	PollInterval time.Duration

	// LogRetention bounds how long the SQLite change log keeps entries.
	// Streams lagging past it lose the pruned entries.
	LogRetention time.Duration

	// BusyTimeout is the SQLite busy handler timeout.
	BusyTimeout time.Duration

	// CompressThreshold is the value size, in bytes, above which the Pebble
	// backend compresses record values. Zero keeps the default; negative
	// disables compression.
	CompressThreshold int

	// BatchSize and BatchWait bound the SQLite group commit: a flush happens
	// when BatchSize publishes are pending or BatchWait elapsed, whichever
	// comes first.
	BatchSize int
	BatchWait time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxBuffered <= 0 {
		o.MaxBuffered = DefaultMaxBuffered
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.LogRetention <= 0 {
		o.LogRetention = DefaultLogRetention
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = DefaultBusyTimeout
	}
	if o.CompressThreshold == 0 {
		o.CompressThreshold = DefaultCompressThreshold
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchWait <= 0 {
		o.BatchWait = DefaultBatchWait
	}
	return o
}
