package sink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/maxpert/repubsub/bridge"
	"github.com/maxpert/repubsub/cfg"
)

func init() {
	bridge.RegisterSink("nats", func(config cfg.SinkConfiguration) (bridge.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL, config.StreamName, config.SubjectPrefix)
	})
}

// NatsSink implements the Sink interface for NATS JetStream publishing
type NatsSink struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  string
	filter  string
	mu      sync.Mutex
	ensured bool
}

// NewNatsSink creates a new NATS JetStream sink. The stream is created or
// updated lazily on first publish, covering every subject under the prefix
// (or all subjects when the prefix is empty).
func NewNatsSink(url, streamName, subjectPrefix string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	filter := ">"
	if subjectPrefix != "" {
		filter = subjectPrefix + ".>"
	}
	if streamName == "" {
		if subjectPrefix != "" {
			streamName = sanitizeStreamName(subjectPrefix)
		} else {
			streamName = "REPUBSUB"
		}
	}

	return &NatsSink{nc: nc, js: js, stream: streamName, filter: filter}, nil
}

// ensureStream creates or updates the JetStream stream. The latch only
// flips on success, so a sink created while the server is unreachable keeps
// trying on each publish until it lands.
func (n *NatsSink) ensureStream(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ensured {
		return nil
	}

	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      n.stream,
		Subjects:  []string{n.filter},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", n.stream, err)
	}

	n.ensured = true
	return nil
}

// Publish sends a message to NATS JetStream. The change marker rides the
// Nats-Msg-Id header so JetStream drops duplicates inside its dedup window
// when a retried publish double-sends.
func (n *NatsSink) Publish(msg bridge.SinkMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.ensureStream(ctx); err != nil {
		return err
	}

	m := &nats.Msg{
		Subject: msg.Subject,
		Data:    msg.Payload,
		Header: nats.Header{
			"key":         []string{msg.Key},
			nats.MsgIdHdr: []string{msg.ID},
		},
	}

	_, err := n.js.PublishMsg(ctx, m)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}

	return nil
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject prefix to a valid JetStream stream name
// JetStream stream names can't contain "." so we replace with "_"
func sanitizeStreamName(prefix string) string {
	result := make([]byte, len(prefix))
	for i, c := range prefix {
		if c == '.' {
			result[i] = '_'
		} else {
			result[i] = byte(c)
		}
	}
	return string(result)
}
