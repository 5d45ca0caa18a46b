package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/repubsub/admin"
	"github.com/maxpert/repubsub/bridge"
	_ "github.com/maxpert/repubsub/bridge/sink"
	"github.com/maxpert/repubsub/cfg"
	"github.com/maxpert/repubsub/demo"
	"github.com/maxpert/repubsub/pubsub"
	"github.com/maxpert/repubsub/store"
	"github.com/maxpert/repubsub/telemetry"
)

const usageText = `Usage: repubsub [flags] <command>

Commands:
  send <topic> <payload...>           Publish a message on a topic
  recv <pattern>...                   Bind patterns and print matches forever
  demo <regex|tags|hierarchy> <publish|subscribe>
                                      Run one side of a topic-shape demo
  serve                               Run headless: admin API, metrics, bridge sinks

Examples:

  Broadcast the temperature in Mountain View
    repubsub send weather.us.ca.mountainview 74

  Broadcast the conditions in the UK
    repubsub send weather.uk.conditions "A bit rainy"

  Get all messages for any state in the US named Springfield
    repubsub recv 'weather.us.*.springfield'

  Get all temperature messages no matter where they're from
    repubsub recv 'weather.#.temp'

Flags:
`

func usage() {
	fmt.Fprint(flag.CommandLine.Output(), usageText)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}
	command, args := args[0], args[1:]

	st, err := openStore()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
		return
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch command {
	case "send":
		err = runSend(ctx, st, args)
	case "recv":
		err = runRecv(ctx, st, args)
	case "demo":
		err = runDemo(ctx, st, args)
	case "serve":
		err = runServe(ctx, st)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		usage()
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Str("command", command).Msg("Command failed")
	}
}

// openStore builds the configured storage backend
func openStore() (store.Store, error) {
	opts := store.Options{
		MaxBuffered:       cfg.Config.Store.MaxBufferedPerStream,
		PollInterval:      cfg.PollInterval(),
		LogRetention:      cfg.LogRetention(),
		BusyTimeout:       cfg.BusyTimeout(),
		CompressThreshold: cfg.Config.Store.CompressThresholdBytes,
		BatchSize:         cfg.Config.Store.BatchSize,
		BatchWait:         cfg.BatchWait(),
	}

	switch cfg.Config.Store.Driver {
	case "memory":
		return store.NewMemory(opts), nil
	case "pebble":
		return store.NewPebble(filepath.Join(cfg.Config.DataDir, "pebble"), opts)
	case "sqlite":
		return store.NewSQLite(filepath.Join(cfg.Config.DataDir, "repubsub.db"), opts)
	default:
		return nil, fmt.Errorf("unknown store driver: %s", cfg.Config.Store.Driver)
	}
}

// runSend publishes one message on the configured exchange
func runSend(ctx context.Context, st store.Store, args []string) error {
	flags := flag.NewFlagSet("send", flag.ExitOnError)
	tags := flags.String("tags", "", "Comma separated tags to publish on instead of a topic")
	asJSON := flags.Bool("json", false, "Parse the payload as JSON instead of a string")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()

	exchange, err := pubsub.NewExchange(st, cfg.Config.Exchange.Default)
	if err != nil {
		return err
	}

	var topic *pubsub.Topic
	if *tags != "" {
		topic, err = exchange.TagTopic(strings.Split(*tags, ",")...)
	} else {
		if len(rest) == 0 {
			return fmt.Errorf("send requires a topic, e.g. repubsub send weather.us.ca.mountainview 74")
		}
		topic, err = exchange.Topic(rest[0])
		rest = rest[1:]
	}
	if err != nil {
		return err
	}

	if len(rest) == 0 {
		return fmt.Errorf("send requires a payload")
	}
	raw := strings.Join(rest, " ")

	var payload any = raw
	if *asJSON {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return fmt.Errorf("invalid JSON payload: %w", err)
		}
	}

	if err := topic.Publish(ctx, payload); err != nil {
		return err
	}

	fmt.Printf("Published on %s : %s\n", topic.Key(), raw)
	return nil
}

// runRecv binds patterns and prints matching messages until interrupted
func runRecv(ctx context.Context, st store.Store, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("recv requires at least one pattern, e.g. repubsub recv 'weather.#.temp'")
	}

	exchange, err := pubsub.NewExchange(st, cfg.Config.Exchange.Default)
	if err != nil {
		return err
	}
	queue, err := exchange.Queue(args...)
	if err != nil {
		return err
	}

	for {
		sub, err := queue.Consume(ctx)
		if err != nil {
			return err
		}
		err = printMessages(ctx, sub)
		sub.Close()

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, pubsub.ErrSubscriptionLost):
			log.Warn().Err(err).Msg("Subscription lost, reopening")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		default:
			return err
		}
	}
}

func printMessages(ctx context.Context, sub *pubsub.Subscription) error {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		var payload any
		if err := msg.Decode(&payload); err != nil {
			payload = string(msg.Payload)
		}
		fmt.Printf("[%s] received:\n", msg.Topic)
		fmt.Printf("    %v\n", payload)
	}
}

// runDemo runs one side of a topic-shape demo pair
func runDemo(ctx context.Context, st store.Store, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: repubsub demo <regex|tags|hierarchy> <publish|subscribe>")
	}
	return demo.Run(ctx, st, args[0], args[1])
}

// runServe runs headless: bridge sinks, stats collection and the admin API
func runServe(ctx context.Context, st store.Store) error {
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	registry, err := bridge.NewRegistry(bridge.RegistryConfig{
		Store:           st,
		DefaultExchange: cfg.Config.Exchange.Default,
		SinkConfigs:     cfg.Config.Sinks,
	})
	if err != nil {
		return err
	}
	if err := registry.Start(); err != nil {
		return err
	}
	defer registry.Stop()

	collector := telemetry.NewMetricsCollector(statsSource{st: st}, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	if cfg.Config.Admin.Enabled {
		addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
		server := admin.NewServer(addr, st, cfg.Config.NodeID)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := server.Stop(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("Admin server shutdown failed")
			}
		}()
	}

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("store", cfg.Config.Store.Driver).
		Str("data_dir", cfg.Config.DataDir).
		Int("sinks", registry.Workers()).
		Msg("Node is operational")

	<-ctx.Done()
	return nil
}

// statsSource adapts the store to the metrics collector
type statsSource struct {
	st store.Store
}

func (s statsSource) ExchangeCounts(ctx context.Context) (map[string]telemetry.ExchangeCounts, error) {
	names, err := s.st.Tables(ctx)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]telemetry.ExchangeCounts, len(names))
	for _, name := range names {
		stats, err := s.st.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		counts[name] = telemetry.ExchangeCounts{Records: stats.Records, Streams: stats.Streams}
	}
	return counts, nil
}
