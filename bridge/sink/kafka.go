package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/maxpert/repubsub/bridge"
	"github.com/maxpert/repubsub/cfg"
)

const (
	DefaultKafkaBatchSize  = 100
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	// Register kafka sink factory
	bridge.RegisterSink("kafka", func(config cfg.SinkConfiguration) (bridge.Sink, error) {
		kafkaConfig := KafkaConfig{
			Brokers:          config.Brokers,
			Topic:            config.Topic,
			BatchSize:        DefaultKafkaBatchSize,
			BatchBytes:       DefaultKafkaBatchBytes,
			RequiredAcks:     -1,   // RequireAll for durability
			AutoCreateTopics: true, // Auto-create topics by default
		}
		return NewKafkaSink(kafkaConfig)
	})
}

// KafkaSink implements the Sink interface for Kafka publishing
type KafkaSink struct {
	writer *kafka.Writer
	topic  string
}

// KafkaConfig holds configuration for KafkaSink
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	Topic            string             // Fixed topic; empty publishes to the message subject
	BatchSize        int                // Batch size for async writes (default: 100)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaSink creates a new KafkaSink with the given configuration
func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	// Set defaults if not provided
	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Partition by key for consistent routing
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false, // Sync writes for durability
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaSink{writer: writer, topic: config.Topic}, nil
}

// Publish sends a message to Kafka. Messages for the same topic key land on
// the same partition, so per-topic ordering survives partitioning. The
// change marker rides a header for consumer-side deduplication.
//
// Note: Uses context.Background() because the bridge worker manages timeouts
// and retries at a higher level. The worker's retry logic ensures messages
// are eventually published or the worker shuts down gracefully.
func (k *KafkaSink) Publish(msg bridge.SinkMessage) error {
	topic := k.topic
	if topic == "" {
		topic = msg.Subject
	}

	m := kafka.Message{
		Topic: topic,
		Key:   []byte(msg.Key),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "changed", Value: []byte(msg.ID)},
		},
	}

	return k.writer.WriteMessages(context.Background(), m)
}

// Close releases resources held by the KafkaSink
func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
