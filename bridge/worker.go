package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/pubsub"
	"github.com/maxpert/repubsub/telemetry"
)

const (
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of publish attempts before dropping a message
	DefaultMaxRetries = 100
	// Default wait before reopening a lost subscription
	DefaultResubscribeWait = time.Second
)

// WorkerConfig configures a bridge worker
type WorkerConfig struct {
	Name            string        // Sink name (for logs and metrics)
	Queue           *pubsub.Queue // Bound queue to consume from
	Sink            Sink          // Destination sink
	Transformer     Transformer   // Payload transformer
	Filter          Filter        // Forwarding filter
	SubjectPrefix   string        // Subject prefix (e.g. "repubsub.events")
	RetryInitial    time.Duration // Initial retry delay
	RetryMax        time.Duration // Max retry delay
	RetryMultiplier float64       // Backoff multiplier
	MaxRetries      int           // Maximum publish attempts (0 = default)
	ResubscribeWait time.Duration // Wait before reopening a lost subscription
}

// Worker consumes a queue subscription and forwards matching publications
// to a sink.
//
// Delivery semantics: the worker rides a live change feed, so forwarding is
// best effort. Publications made while the worker is stopped, or while a
// lost subscription is being reopened, are not replayed. A message that
// still fails after MaxRetries publish attempts stops the worker.
type Worker struct {
	config      WorkerConfig
	stopCh      chan struct{} // Stop signal
	doneCh      chan struct{} // Done signal
	cancel      context.CancelFunc
	running     atomic.Bool
	lifecycleMu sync.Mutex // Protects Start/Stop lifecycle operations
}

// NewWorker creates a new bridge worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	// Validate config
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Transformer == nil {
		return nil, fmt.Errorf("transformer is required")
	}
	if config.Filter == nil {
		return nil, fmt.Errorf("filter is required")
	}
	if config.Queue.Bindings() == 0 {
		return nil, fmt.Errorf("queue has no bindings")
	}

	// Set defaults
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 0 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.ResubscribeWait <= 0 {
		config.ResubscribeWait = DefaultResubscribeWait
	}

	return &Worker{config: config}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return // Already running
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	log.Info().
		Str("worker", w.config.Name).
		Msg("Starting bridge worker")

	go w.run(ctx)
}

// Stop stops the worker gracefully
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return // Not running
	}

	log.Info().Str("worker", w.config.Name).Msg("Stopping bridge worker")

	close(w.stopCh)
	w.cancel()
	<-w.doneCh // Wait for goroutine to finish
	w.running.Store(false)

	log.Info().Str("worker", w.config.Name).Msg("Bridge worker stopped")
}

// run is the main worker loop: open a subscription, drain it, and reopen
// when the feed is lost
func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		sub, err := w.config.Queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Msg("Failed to open bridge subscription")
			if !w.sleep(w.config.ResubscribeWait) {
				return
			}
			continue
		}

		err = w.consume(ctx, sub)
		sub.Close()

		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, pubsub.ErrSubscriptionLost):
			log.Warn().
				Err(err).
				Str("worker", w.config.Name).
				Dur("wait", w.config.ResubscribeWait).
				Msg("Bridge subscription lost, reopening")
			if !w.sleep(w.config.ResubscribeWait) {
				return
			}
		case errors.Is(err, pubsub.ErrSubscriptionClosed):
			return
		case err != nil:
			log.Error().
				Err(err).
				Str("worker", w.config.Name).
				Msg("Bridge worker giving up")
			return
		}
	}
}

// consume forwards messages until the subscription or the worker dies
func (w *Worker) consume(ctx context.Context, sub *pubsub.Subscription) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := w.forward(msg); err != nil {
			return err
		}
	}
}

// forward filters, transforms and publishes a single message
func (w *Worker) forward(msg pubsub.Message) error {
	subject := msg.Topic.Subject()
	if !w.config.Filter.Match(msg.Exchange, subject) {
		return nil
	}

	data, err := w.config.Transformer.Transform(msg)
	if err != nil {
		// A payload the transformer cannot handle never becomes
		// publishable; drop it instead of wedging the feed
		log.Error().
			Err(err).
			Str("worker", w.config.Name).
			Str("subject", subject).
			Msg("Failed to transform message, dropping")
		telemetry.SinkMessagesTotal.With(w.config.Name, "dropped").Inc()
		return nil
	}

	return w.publishWithRetry(SinkMessage{
		Subject: w.buildSubject(subject),
		Key:     subject,
		ID:      msg.Changed,
		Payload: data,
	})
}

// buildSubject builds the outgoing subject for a publication
func (w *Worker) buildSubject(subject string) string {
	if w.config.SubjectPrefix == "" {
		return subject
	}
	return fmt.Sprintf("%s.%s", w.config.SubjectPrefix, subject)
}

// publishWithRetry publishes a message with exponential backoff retry
// Returns error if max retries exhausted or worker stopped
func (w *Worker) publishWithRetry(msg SinkMessage) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(msg)
		if err == nil {
			telemetry.SinkMessagesTotal.With(w.config.Name, "published").Inc()
			return nil
		}

		attempts++

		if w.config.MaxRetries > 0 && attempts >= w.config.MaxRetries {
			telemetry.SinkMessagesTotal.With(w.config.Name, "error").Inc()
			return fmt.Errorf("exhausted max retries (%d) for subject %s: %w", w.config.MaxRetries, msg.Subject, err)
		}

		telemetry.SinkRetriesTotal.With(w.config.Name).Inc()
		log.Warn().
			Err(err).
			Str("worker", w.config.Name).
			Str("subject", msg.Subject).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish message, retrying")

		// Sleep with stop check
		if !w.sleep(delay) {
			return fmt.Errorf("worker stopped during retry")
		}

		// Exponential backoff
		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// sleep sleeps for the given duration, checking stopCh
// Returns true if sleep completed, false if stopped
func (w *Worker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-w.stopCh:
		return false
	case <-timer.C:
		return true
	}
}
