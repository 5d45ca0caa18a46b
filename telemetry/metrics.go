package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// PublishBuckets for local upserts (memory/Pebble) and group commits (SQLite)
	PublishBuckets = []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25}

	// CommitBuckets for batched SQLite transactions
	CommitBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}

	// BatchSizeBuckets for upserts per group commit
	BatchSizeBuckets = []float64{1, 2, 4, 8, 16, 32, 64, 128, 256}
)

// Exchange Metrics
var (
	// PublishesTotal counts publishes by exchange and result (created, replaced, error)
	PublishesTotal CounterVec = noopCounterVec{}

	// PublishDuration measures publish latency per exchange
	PublishDuration HistogramVec = noopHistogramVec{}

	// MessagesDelivered counts messages handed to subscribers per exchange
	MessagesDelivered CounterVec = noopCounterVec{}

	// SubscriptionsActive tracks currently open subscriptions
	SubscriptionsActive Gauge = NoopStat{}

	// PatternCacheHits counts compiled pattern cache hits
	PatternCacheHits Counter = NoopStat{}

	// PatternCacheMisses counts compiled pattern cache misses
	PatternCacheMisses Counter = NoopStat{}
)

// Store Metrics
var (
	// NotificationsDropped counts subscribers dropped for buffer overflow, per table
	NotificationsDropped CounterVec = noopCounterVec{}

	// KeyFilterChecks counts key filter checks by result (hit, miss)
	KeyFilterChecks CounterVec = noopCounterVec{}

	// KeyFilterSize tracks current number of entries in the key filter
	KeyFilterSize Gauge = NoopStat{}

	// BatchCommitSize measures upserts per group commit
	BatchCommitSize Histogram = NoopStat{}

	// BatchCommitDuration measures group commit latency
	BatchCommitDuration Histogram = NoopStat{}

	// ExchangeRecords tracks stored records per exchange
	ExchangeRecords GaugeVec = noopGaugeVec{}

	// ExchangeStreams tracks open change streams per exchange
	ExchangeStreams GaugeVec = noopGaugeVec{}
)

// Bridge Metrics
var (
	// SinkMessagesTotal counts bridge deliveries by sink and result (published, dropped, error)
	SinkMessagesTotal CounterVec = noopCounterVec{}

	// SinkRetriesTotal counts publish retries per sink
	SinkRetriesTotal CounterVec = noopCounterVec{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Exchange Metrics
	PublishesTotal = NewCounterVec(
		"publishes_total",
		"Publishes by exchange and result",
		[]string{"exchange", "result"},
	)
	PublishDuration = NewHistogramVec(
		"publish_duration_seconds",
		"Publish latency in seconds",
		[]string{"exchange"},
		PublishBuckets,
	)
	MessagesDelivered = NewCounterVec(
		"messages_delivered_total",
		"Messages handed to subscribers",
		[]string{"exchange"},
	)
	SubscriptionsActive = NewGauge(
		"subscriptions_active",
		"Currently open subscriptions",
	)
	PatternCacheHits = NewCounter(
		"pattern_cache_hits_total",
		"Compiled binding pattern cache hits",
	)
	PatternCacheMisses = NewCounter(
		"pattern_cache_misses_total",
		"Compiled binding pattern cache misses",
	)

	// Store Metrics
	NotificationsDropped = NewCounterVec(
		"notifications_dropped_total",
		"Subscribers dropped for buffer overflow",
		[]string{"table"},
	)
	KeyFilterChecks = NewCounterVec(
		"key_filter_checks_total",
		"Key filter checks by result",
		[]string{"result"},
	)
	KeyFilterSize = NewGauge(
		"key_filter_size",
		"Current number of entries in the key filter",
	)
	BatchCommitSize = NewHistogramWithBuckets(
		"batch_commit_size",
		"Upserts per group commit",
		BatchSizeBuckets,
	)
	BatchCommitDuration = NewHistogramWithBuckets(
		"batch_commit_duration_seconds",
		"Group commit duration in seconds",
		CommitBuckets,
	)
	ExchangeRecords = NewGaugeVec(
		"exchange_records",
		"Stored records per exchange",
		[]string{"exchange"},
	)
	ExchangeStreams = NewGaugeVec(
		"exchange_streams",
		"Open change streams per exchange",
		[]string{"exchange"},
	)

	// Bridge Metrics
	SinkMessagesTotal = NewCounterVec(
		"sink_messages_total",
		"Bridge deliveries by sink and result",
		[]string{"sink", "result"},
	)
	SinkRetriesTotal = NewCounterVec(
		"sink_retries_total",
		"Bridge publish retries",
		[]string{"sink"},
	)
}
