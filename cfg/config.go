package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreConfiguration selects and tunes the storage backend
type StoreConfiguration struct {
	Driver                 string `toml:"driver"`                   // "sqlite", "pebble" or "memory"
	MaxBufferedPerStream   int    `toml:"max_buffered_per_stream"`  // Records buffered per change stream before it is dropped
	PollIntervalMS         int    `toml:"poll_interval_ms"`         // SQLite change log poll cadence
	LogRetentionSeconds    int    `toml:"log_retention_seconds"`    // How long SQLite change log rows are kept
	BusyTimeoutMS          int    `toml:"busy_timeout_ms"`          // SQLite busy timeout
	CompressThresholdBytes int    `toml:"compress_threshold_bytes"` // Payloads at or above this size are compressed
	BatchSize              int    `toml:"batch_size"`               // Upserts per group commit
	BatchWaitMS            int    `toml:"batch_wait_ms"`            // Max wait before a group commit flushes
}

// ExchangeConfiguration controls exchange defaults
type ExchangeConfiguration struct {
	Default string `toml:"default"` // Exchange used when none is named
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP admin/metrics server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// SinkConfiguration describes one bridge worker forwarding matched
// publications to an external system
type SinkConfiguration struct {
	Name     string   `toml:"name"`     // Unique worker name, used in logs and metrics
	Type     string   `toml:"type"`     // "nats", "kafka" or "stdout"
	Format   string   `toml:"format"`   // "json" or "raw" payload transform
	Exchange string   `toml:"exchange"` // Exchange to consume from
	Patterns []string `toml:"patterns"` // Binding patterns; empty means everything

	SubjectPrefix      string   `toml:"subject_prefix"`       // Prepended to outgoing subjects
	FilterExchanges    []string `toml:"filter_exchanges"`     // Glob filters on exchange name
	FilterSubjects     []string `toml:"filter_subjects"`      // Glob filters on outgoing subject
	NatsURL            string   `toml:"nats_url"`             // NATS server URL
	StreamName         string   `toml:"stream_name"`          // JetStream stream to create or update
	Brokers            []string `toml:"brokers"`              // Kafka bootstrap brokers
	Topic              string   `toml:"topic"`                // Kafka topic; empty uses the subject
	RetryInitialMS     int      `toml:"retry_initial_ms"`     // First retry backoff
	RetryMaxMS         int      `toml:"retry_max_ms"`         // Backoff ceiling
	RetryMultiplier    float64  `toml:"retry_multiplier"`     // Backoff growth factor
	MaxRetries         int      `toml:"max_retries"`          // Publish attempts before dropping a message
	ResubscribeDelayMS int      `toml:"resubscribe_delay_ms"` // Wait before reopening a lost subscription
}

// Configuration is the root config
type Configuration struct {
	NodeID  uint64 `toml:"node_id"`
	DataDir string `toml:"data_dir"`

	Store      StoreConfiguration      `toml:"store"`
	Exchange   ExchangeConfiguration   `toml:"exchange"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
	Admin      AdminConfiguration      `toml:"admin"`
	Sinks      []SinkConfiguration     `toml:"sink"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	StoreFlag      = flag.String("store", "", "Storage driver: sqlite, pebble or memory (overrides config)")
	ExchangeFlag   = flag.String("exchange", "", "Default exchange name (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./repubsub-data",

	Store: StoreConfiguration{
		Driver:                 "sqlite",
		MaxBufferedPerStream:   100000,
		PollIntervalMS:         100,
		LogRetentionSeconds:    60,
		BusyTimeoutMS:          5000,
		CompressThresholdBytes: 1024,
		BatchSize:              64,
		BatchWaitMS:            5,
	},

	Exchange: ExchangeConfiguration{
		Default: "messages",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Debug().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *StoreFlag != "" {
		Config.Store.Driver = *StoreFlag
	}
	if *ExchangeFlag != "" {
		Config.Exchange.Default = *ExchangeFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Debug().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("repubsub")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Driver {
	case "sqlite", "pebble", "memory":
	default:
		return fmt.Errorf("unknown store driver: %s", Config.Store.Driver)
	}

	if Config.Store.MaxBufferedPerStream < 1 {
		return fmt.Errorf("max_buffered_per_stream must be >= 1")
	}
	if Config.Store.PollIntervalMS < 1 {
		return fmt.Errorf("poll_interval_ms must be >= 1")
	}
	if Config.Store.LogRetentionSeconds < 1 {
		return fmt.Errorf("log_retention_seconds must be >= 1")
	}
	if Config.Store.BatchSize < 1 {
		return fmt.Errorf("batch_size must be >= 1")
	}
	if Config.Store.BatchWaitMS < 1 {
		return fmt.Errorf("batch_wait_ms must be >= 1")
	}

	if Config.Exchange.Default == "" {
		return fmt.Errorf("default exchange must not be empty")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	switch Config.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown logging format: %s", Config.Logging.Format)
	}

	seen := make(map[string]bool)
	for i := range Config.Sinks {
		sink := &Config.Sinks[i]
		if sink.Name == "" {
			return fmt.Errorf("sink %d: name must not be empty", i)
		}
		if seen[sink.Name] {
			return fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		seen[sink.Name] = true
		if sink.Exchange == "" {
			sink.Exchange = Config.Exchange.Default
		}
		if sink.Format == "" {
			sink.Format = "json"
		}
	}

	return nil
}

// PollInterval returns the SQLite poll cadence as a duration
func PollInterval() time.Duration {
	return time.Duration(Config.Store.PollIntervalMS) * time.Millisecond
}

// LogRetention returns the change log retention window as a duration
func LogRetention() time.Duration {
	return time.Duration(Config.Store.LogRetentionSeconds) * time.Second
}

// BusyTimeout returns the SQLite busy timeout as a duration
func BusyTimeout() time.Duration {
	return time.Duration(Config.Store.BusyTimeoutMS) * time.Millisecond
}

// BatchWait returns the group commit window as a duration
func BatchWait() time.Duration {
	return time.Duration(Config.Store.BatchWaitMS) * time.Millisecond
}
