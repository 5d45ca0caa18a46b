package telemetry

import (
	"context"
	"sync"
	"time"
)

// ExchangeCounts is one exchange's gauge snapshot.
type ExchangeCounts struct {
	Records int64
	Streams int
}

// StatsSource provides per-exchange counts for the collector. The store
// package implements the underlying calls; an adapter keeps this package
// free of a dependency on it.
type StatsSource interface {
	ExchangeCounts(ctx context.Context) (map[string]ExchangeCounts, error)
}

// MetricsCollector periodically snapshots store stats into gauges.
type MetricsCollector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMetricsCollector creates a collector polling the source at interval.
func NewMetricsCollector(source StatsSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection.
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector.
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), mc.interval)
	defer cancel()

	counts, err := mc.source.ExchangeCounts(ctx)
	if err != nil {
		return
	}
	for exchange, c := range counts {
		ExchangeRecords.With(exchange).Set(float64(c.Records))
		ExchangeStreams.With(exchange).Set(float64(c.Streams))
	}
}
