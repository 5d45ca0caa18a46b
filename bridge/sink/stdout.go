package sink

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/maxpert/repubsub/bridge"
	"github.com/maxpert/repubsub/cfg"
)

func init() {
	bridge.RegisterSink("stdout", func(config cfg.SinkConfiguration) (bridge.Sink, error) {
		return NewStdoutSink(os.Stdout), nil
	})
}

// StdoutSink writes each publication as one line, mainly for development
// and for wiring the bridge into shell pipelines
type StdoutSink struct {
	w  io.Writer
	mu sync.Mutex
}

// NewStdoutSink creates a sink writing to w
func NewStdoutSink(w io.Writer) *StdoutSink {
	return &StdoutSink{w: w}
}

// Publish writes "subject payload" as a single line
func (s *StdoutSink) Publish(msg bridge.SinkMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, "%s %s\n", msg.Subject, msg.Payload); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close is a no-op; the sink does not own the writer
func (s *StdoutSink) Close() error {
	return nil
}
