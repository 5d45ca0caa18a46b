package sink

import (
	"fmt"
	"sync"

	"github.com/maxpert/repubsub/bridge"
)

// MockSink is a mock implementation of Sink for testing
type MockSink struct {
	PublishErr error // Returned by every Publish when set
	FailFirst  int   // Number of initial publishes to fail, for retry tests

	mu       sync.Mutex
	messages []bridge.SinkMessage
	attempts int
}

// Publish records a message for later inspection in tests
func (m *MockSink) Publish(msg bridge.SinkMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts++
	if m.PublishErr != nil {
		return m.PublishErr
	}
	if m.attempts <= m.FailFirst {
		return fmt.Errorf("transient failure %d", m.attempts)
	}

	m.messages = append(m.messages, msg)
	return nil
}

// Close is a no-op for MockSink
func (m *MockSink) Close() error {
	return nil
}

// Messages returns a copy of all recorded messages
func (m *MockSink) Messages() []bridge.SinkMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]bridge.SinkMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

// Attempts reports how many publish attempts the sink has seen
func (m *MockSink) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Reset clears all recorded messages and attempt counts
func (m *MockSink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.attempts = 0
}
