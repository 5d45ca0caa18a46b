package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/cfg"
	"github.com/maxpert/repubsub/pubsub"
	"github.com/maxpert/repubsub/store"
)

// RegistryConfig configures the bridge registry
type RegistryConfig struct {
	Store           store.Store             // Backing store for exchanges
	DefaultExchange string                  // Exchange for sinks that name none
	SinkConfigs     []cfg.SinkConfiguration // From config
}

// Registry manages the lifecycle of all bridge workers
type Registry struct {
	store           store.Store
	defaultExchange string
	workers         []*Worker
	running         atomic.Bool
	mu              sync.Mutex
}

// NewRegistry creates a new bridge registry
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	registry := &Registry{
		store:           config.Store,
		defaultExchange: config.DefaultExchange,
		workers:         make([]*Worker, 0, len(config.SinkConfigs)),
	}

	// Create workers for each sink configuration
	for _, sinkCfg := range config.SinkConfigs {
		if err := registry.AddSink(sinkCfg); err != nil {
			// Cleanup on error: close all worker sinks
			for _, worker := range registry.workers {
				if worker.config.Sink != nil {
					worker.config.Sink.Close()
				}
			}
			return nil, fmt.Errorf("failed to add sink %q: %w", sinkCfg.Name, err)
		}
	}

	log.Info().
		Int("workers", len(registry.workers)).
		Msg("Bridge registry initialized")

	return registry, nil
}

// AddSink creates and adds a new worker for the given sink configuration
func (r *Registry) AddSink(config cfg.SinkConfiguration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Create sink based on config.Type
	snk, err := createSink(config)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	// Create transformer based on config.Format (stateless, no cleanup needed)
	trans, err := createTransformer(config.Format)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create transformer: %w", err)
	}

	// Create filter from config.FilterExchanges, config.FilterSubjects
	filter, err := NewGlobFilter(config.FilterExchanges, config.FilterSubjects)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create filter: %w", err)
	}

	// Bind a queue on the configured exchange. No patterns means the
	// worker sees every publication on the exchange.
	exchangeName := config.Exchange
	if exchangeName == "" {
		exchangeName = r.defaultExchange
	}
	exchange, err := pubsub.NewExchange(r.store, exchangeName)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to open exchange: %w", err)
	}
	queue, err := exchange.Queue(config.Patterns...)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to bind patterns: %w", err)
	}
	if queue.Bindings() == 0 {
		queue.BindFunc(func(pubsub.Key) bool { return true })
	}

	// Create WorkerConfig with all parameters
	workerConfig := WorkerConfig{
		Name:            config.Name,
		Queue:           queue,
		Sink:            snk,
		Transformer:     trans,
		Filter:          filter,
		SubjectPrefix:   config.SubjectPrefix,
		RetryInitial:    time.Duration(config.RetryInitialMS) * time.Millisecond,
		RetryMax:        time.Duration(config.RetryMaxMS) * time.Millisecond,
		RetryMultiplier: config.RetryMultiplier,
		MaxRetries:      config.MaxRetries,
		ResubscribeWait: time.Duration(config.ResubscribeDelayMS) * time.Millisecond,
	}

	// Create Worker
	worker, err := NewWorker(workerConfig)
	if err != nil {
		snk.Close()
		return fmt.Errorf("failed to create worker: %w", err)
	}

	// Add to workers slice
	r.workers = append(r.workers, worker)

	log.Info().
		Str("sink", config.Name).
		Str("type", config.Type).
		Str("format", config.Format).
		Str("exchange", exchangeName).
		Msg("Added bridge sink")

	return nil
}

// Start starts all workers
func (r *Registry) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("registry already running")
	}

	log.Info().Int("workers", len(r.workers)).Msg("Starting bridge registry")

	// Start all workers
	for _, worker := range r.workers {
		worker.Start()
	}

	r.running.Store(true)

	return nil
}

// Stop stops all workers and closes their sinks
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running.Swap(false) {
		return // Already stopped
	}

	log.Info().Msg("Stopping bridge registry")

	for _, worker := range r.workers {
		worker.Stop()
		if err := worker.config.Sink.Close(); err != nil {
			log.Warn().
				Err(err).
				Str("worker", worker.config.Name).
				Msg("Failed to close sink")
		}
	}

	log.Info().Msg("Bridge registry stopped")
}

// Workers reports how many workers the registry holds
func (r *Registry) Workers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// SinkFactory is a function that creates a Sink from a configuration
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

// TransformerFactory is a function that creates a Transformer
type TransformerFactory func() Transformer

var (
	sinkFactories        = make(map[string]SinkFactory)
	transformerFactories = make(map[string]TransformerFactory)
	factoryMu            sync.RWMutex
)

// RegisterSink registers a sink factory for a type
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

// RegisterTransformer registers a transformer factory for a format
func RegisterTransformer(format string, factory TransformerFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	transformerFactories[format] = factory
}

// createSink creates a sink based on the configuration
func createSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, exists := sinkFactories[config.Type]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown sink type: %s", config.Type)
	}

	return factory(config)
}

// createTransformer creates a transformer based on the format
func createTransformer(format string) (Transformer, error) {
	factoryMu.RLock()
	factory, exists := transformerFactories[format]
	factoryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return factory(), nil
}
