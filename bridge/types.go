package bridge

import (
	"github.com/maxpert/repubsub/pubsub"
)

// SinkMessage is one publication handed to a sink.
type SinkMessage struct {
	Subject string // Outgoing subject, dot separated, prefix already applied
	Key     string // Routing key; same topic always yields the same key
	ID      string // Change marker of the publication, unique per publish
	Payload []byte // Transformed payload
}

// Sink represents a destination for forwarded publications (e.g. Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(msg SinkMessage) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer converts delivered messages to sink-specific payloads
type Transformer interface {
	// Transform converts a message to bytes for publishing
	Transform(msg pubsub.Message) ([]byte, error)
}

// Filter determines whether a publication should be forwarded
type Filter interface {
	// Match returns true if the message should be forwarded
	Match(exchange, subject string) bool
}
