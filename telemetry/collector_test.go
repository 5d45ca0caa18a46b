package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeStatsSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeStatsSource) ExchangeCounts(ctx context.Context) (map[string]ExchangeCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return map[string]ExchangeCounts{
		"messages": {Records: 3, Streams: 1},
	}, nil
}

func (f *fakeStatsSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestMetricsCollectorPollsSource(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	source := &fakeStatsSource{}
	collector := NewMetricsCollector(source, 10*time.Millisecond)
	collector.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && source.callCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	collector.Stop()

	if got := source.callCount(); got < 3 {
		t.Fatalf("expected at least 3 collections, got %d", got)
	}
}

func TestMetricsCollectorStopsPromptly(t *testing.T) {
	source := &fakeStatsSource{}
	collector := NewMetricsCollector(source, time.Hour)
	collector.Start()

	// One collection happens immediately, before the first tick
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && source.callCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if source.callCount() != 1 {
		t.Fatalf("expected exactly 1 immediate collection, got %d", source.callCount())
	}

	done := make(chan struct{})
	go func() {
		collector.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop before the first tick")
	}
}

func TestMetricsCollectorToleratesSourceErrors(t *testing.T) {
	source := &fakeStatsSource{err: errors.New("stats unavailable")}
	collector := NewMetricsCollector(source, 5*time.Millisecond)
	collector.Start()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && source.callCount() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	collector.Stop()

	// Errors are skipped, not fatal; the loop keeps polling
	if got := source.callCount(); got < 3 {
		t.Fatalf("expected the collector to keep polling, got %d calls", got)
	}
}
