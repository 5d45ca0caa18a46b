package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/encoding"
	"github.com/maxpert/repubsub/store"
	"github.com/maxpert/repubsub/telemetry"
)

// Message is one delivered publication.
type Message struct {
	// Exchange names the exchange the message arrived on.
	Exchange string
	// Topic is the decoded topic key the publisher used.
	Topic Key
	// Payload is the encoded payload; use Decode to unpack it.
	Payload []byte
	// Changed is the publish marker, unique per Publish call. Consumers
	// that may see the same publication twice can deduplicate on it.
	Changed string
}

// Decode unpacks the payload into v.
func (m Message) Decode(v any) error {
	return encoding.Unmarshal(m.Payload, v)
}

// Subscription is a live change feed over an exchange. Next blocks for the
// next matching message; Close releases the feed. Subscriptions do not
// replay: a consumer only sees what is published while it is connected.
type Subscription struct {
	exchange string
	stream   store.ChangeStream
	closed   atomic.Bool
}

// Next blocks until a message arrives, the context ends, or the feed dies.
// Context errors pass through untouched. A closed subscription reports
// ErrSubscriptionClosed; any other feed failure reports ErrSubscriptionLost
// wrapping the cause, and the subscription is dead from then on.
func (s *Subscription) Next(ctx context.Context) (Message, error) {
	for {
		rec, err := s.stream.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				return Message{}, err
			case errors.Is(err, store.ErrStreamClosed):
				return Message{}, ErrSubscriptionClosed
			default:
				return Message{}, fmt.Errorf("%w: %w", ErrSubscriptionLost, err)
			}
		}
		key, err := KeyFromBytes(rec.Topic)
		if err != nil {
			log.Warn().Err(err).Str("exchange", s.exchange).Msg("Skipping record with undecodable topic")
			continue
		}
		telemetry.MessagesDelivered.With(s.exchange).Inc()
		return Message{
			Exchange: s.exchange,
			Topic:    key,
			Payload:  rec.Payload,
			Changed:  rec.Changed,
		}, nil
	}
}

// Close releases the subscription. Safe to call more than once and
// concurrently with Next, which then returns ErrSubscriptionClosed.
func (s *Subscription) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	telemetry.SubscriptionsActive.Dec()
	return s.stream.Close()
}
