package sink

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/maxpert/repubsub/bridge"
)

func TestStdoutSinkWritesOneLinePerMessage(t *testing.T) {
	var buf bytes.Buffer
	snk := NewStdoutSink(&buf)

	if err := snk.Publish(bridge.SinkMessage{Subject: "weather.us", Payload: []byte(`{"temp":21}`)}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := snk.Publish(bridge.SinkMessage{Subject: "weather.uk", Payload: []byte(`{"temp":12}`)}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	want := "weather.us {\"temp\":21}\nweather.uk {\"temp\":12}\n"
	if got := buf.String(); got != want {
		t.Errorf("output mismatch:\n got %q\nwant %q", got, want)
	}

	if err := snk.Close(); err != nil {
		t.Errorf("close failed: %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, bytes.ErrTooLarge
}

func TestStdoutSinkReportsWriteFailure(t *testing.T) {
	snk := NewStdoutSink(failingWriter{})
	err := snk.Publish(bridge.SinkMessage{Subject: "s", Payload: []byte("p")})
	if err == nil {
		t.Fatal("expected write error")
	}
	if !strings.Contains(err.Error(), "failed to write message") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStdoutSinkConcurrentWritesStayWhole(t *testing.T) {
	var buf bytes.Buffer
	snk := NewStdoutSink(&buf)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				snk.Publish(bridge.SinkMessage{Subject: "concurrent.topic", Payload: []byte("payload")})
			}
		}()
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	if len(lines) != 400 {
		t.Fatalf("expected 400 lines, got %d", len(lines))
	}
	for _, line := range lines {
		if line != "concurrent.topic payload" {
			t.Fatalf("interleaved line: %q", line)
		}
	}
}
