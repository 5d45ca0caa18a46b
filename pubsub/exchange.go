package pubsub

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/encoding"
	"github.com/maxpert/repubsub/store"
	"github.com/maxpert/repubsub/telemetry"
)

// Exchange is a named routing point backed by one store table. Publishing
// upserts the topic's record with a fresh change marker; subscribing opens
// a filtered change stream over the same table. Exchanges are cheap
// handles: the table is asserted lazily on first use and never on
// construction.
type Exchange struct {
	name  string
	store store.Store

	mu       sync.Mutex
	ready    bool
	shape    Shape
	hasShape bool
}

// NewExchange builds an exchange over the given store. The name doubles as
// the table name and must satisfy the store's naming rules. No I/O happens
// here.
func NewExchange(st store.Store, name string) (*Exchange, error) {
	if err := store.ValidateTableName(name); err != nil {
		return nil, fmt.Errorf("invalid exchange name: %w", err)
	}
	return &Exchange{name: name, store: st}, nil
}

// Name returns the exchange name.
func (e *Exchange) Name() string { return e.name }

// Topic returns a flat topic handle on this exchange.
func (e *Exchange) Topic(name string) (*Topic, error) {
	key, err := StringKey(name)
	if err != nil {
		return nil, err
	}
	return &Topic{key: key, exchange: e}, nil
}

// TagTopic returns a tag-set topic handle on this exchange.
func (e *Exchange) TagTopic(tags ...string) (*Topic, error) {
	key, err := TagKey(tags...)
	if err != nil {
		return nil, err
	}
	return &Topic{key: key, exchange: e}, nil
}

// TreeTopic returns a hierarchical topic handle on this exchange.
func (e *Exchange) TreeTopic(tree map[string]map[string][]string) (*Topic, error) {
	key, err := TreeKey(tree)
	if err != nil {
		return nil, err
	}
	return &Topic{key: key, exchange: e}, nil
}

// Queue returns a queue on this exchange bound to the given patterns.
func (e *Exchange) Queue(patterns ...string) (*Queue, error) {
	q := &Queue{exchange: e}
	if err := q.Bind(patterns...); err != nil {
		return nil, err
	}
	return q, nil
}

// ensureReady asserts the backing table exactly once per exchange instance.
// Failures are not latched, so a store that comes back later can still
// succeed on retry.
func (e *Exchange) ensureReady(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ready {
		return nil
	}
	created, err := e.store.EnsureTable(ctx, e.name)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
	if created {
		log.Info().Str("exchange", e.name).Msg("Created exchange table")
	}
	e.ready = true
	return nil
}

// checkShape locks the exchange to the shape of the first published key and
// rejects later publishes of a different shape. Mixing shapes in one table
// would make pattern bindings silently skip part of the traffic.
func (e *Exchange) checkShape(s Shape) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasShape {
		e.shape = s
		e.hasShape = true
		return nil
	}
	if e.shape != s {
		return fmt.Errorf("%w: exchange %q carries %s topics, got %s", ErrShapeMismatch, e.name, e.shape, s)
	}
	return nil
}

// Publish encodes the payload and upserts it under the key with a fresh
// change marker. Republishing an identical payload still notifies
// subscribers, because the marker changes on every call. Concurrent first
// publishes of the same key are safe: the store upserts atomically, so
// exactly one record per key exists afterwards.
func (e *Exchange) Publish(ctx context.Context, key Key, payload any) error {
	if !key.Valid() {
		return fmt.Errorf("%w: zero key", ErrInvalidTopic)
	}
	if err := e.checkShape(key.shape); err != nil {
		return err
	}
	if err := e.ensureReady(ctx); err != nil {
		telemetry.PublishesTotal.With(e.name, "error").Inc()
		return err
	}

	body, err := encoding.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	rec := store.Record{
		Topic:   key.Bytes(),
		Payload: body,
		Changed: uuid.NewString(),
	}

	start := time.Now()
	res, err := e.store.Upsert(ctx, e.name, rec)
	if err != nil {
		telemetry.PublishesTotal.With(e.name, "error").Inc()
		return fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
	result := "replaced"
	if res.Created {
		result = "created"
	}
	telemetry.PublishesTotal.With(e.name, result).Inc()
	telemetry.PublishDuration.With(e.name).Observe(time.Since(start).Seconds())
	log.Debug().
		Str("exchange", e.name).
		Stringer("topic", key).
		Bool("created", res.Created).
		Int("payload_bytes", len(body)).
		Msg("Published")
	return nil
}

// Subscribe opens a raw subscription delivering every record whose key
// matches the predicate. A nil predicate matches everything. Most callers
// want Queue; Subscribe is the escape hatch for custom routing.
func (e *Exchange) Subscribe(ctx context.Context, pred Predicate) (*Subscription, error) {
	if err := e.ensureReady(ctx); err != nil {
		return nil, err
	}
	stream, err := e.store.Changes(ctx, e.name, recordFilter(pred))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
	telemetry.SubscriptionsActive.Inc()
	return &Subscription{exchange: e.name, stream: stream}, nil
}

// recordFilter lifts a key predicate to a store-level record filter.
// Records whose key fails to decode never match, so they are dropped
// before they reach a subscriber's buffer.
func recordFilter(pred Predicate) store.Filter {
	return store.FilterFunc(func(rec *store.Record) bool {
		key, err := KeyFromBytes(rec.Topic)
		if err != nil {
			return false
		}
		return pred == nil || pred.Match(key)
	})
}
