package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the daemon and CLI configuration, loaded from a YAML file
// with sane defaults for every field.
type Config struct {
	// Database configures the SQLite store.
	Database DatabaseConfig `yaml:"database"`

	// Engine configures scan orchestration and the maintenance passes.
	Engine EngineConfig `yaml:"engine"`

	// Sources configures where workflow definitions are read from.
	Sources SourcesConfig `yaml:"sources"`

	// Logging configures structured log output.
	Logging LoggingConfig `yaml:"logging"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Tracing configures OpenTelemetry trace export.
	Tracing TracingConfig `yaml:"tracing"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	// Path is the SQLite database file path. ":memory:" is accepted for
	// throwaway runs.
	Path string `yaml:"path" validate:"required"`
}

// EngineConfig configures the drift engine.
type EngineConfig struct {
	// MaxParallel bounds the per-environment scan worker pool.
	MaxParallel int `yaml:"max_parallel" validate:"min=1"`

	// LeaseTTL is how long a scan lease is held before it can be stolen.
	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"min=1s"`

	// FetchTimeout bounds each workflow definition fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" validate:"min=1s"`

	// SweepInterval is how often the daemon runs the TTL sweeper.
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=1s"`

	// PurgeInterval is how often the daemon runs the retention purger.
	PurgeInterval time.Duration `yaml:"purge_interval" validate:"min=1s"`

	// SweepBatchSize caps the incidents examined per sweeper pass.
	SweepBatchSize int `yaml:"sweep_batch_size" validate:"min=1"`

	// PurgeBatchSize caps the rows deleted per table per purger pass.
	PurgeBatchSize int `yaml:"purge_batch_size" validate:"min=1"`
}

// SourcesConfig configures the workflow definition source trees.
type SourcesConfig struct {
	// CanonicalRoot is the directory holding version-controlled
	// definitions, laid out <root>/<tenant>/<workflow id>.yaml.
	CanonicalRoot string `yaml:"canonical_root"`

	// LiveRoot is the directory holding deployed definitions, laid out
	// <root>/<tenant>/<environment id>/<provider id>.yaml.
	LiveRoot string `yaml:"live_root"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`

	// Format specifies the log format (console, json).
	Format string `yaml:"format" validate:"oneof=console json"`

	// Output specifies where logs are written (stdout, stderr, file path).
	Output string `yaml:"output" validate:"required"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served.
	Enabled bool `yaml:"enabled"`

	// ListenAddress is the address for the metrics HTTP endpoint.
	ListenAddress string `yaml:"listen_address" validate:"required_if=Enabled true"`

	// Path is the HTTP path for metrics.
	Path string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Enabled controls whether tracing is active.
	Enabled bool `yaml:"enabled"`

	// Exporter specifies the trace exporter (otlp, stdout, none).
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC endpoint.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the trace sampling rate (0.0 to 1.0).
	SamplingRate float64 `yaml:"sampling_rate" validate:"min=0,max=1"`

	// Insecure disables TLS for the exporter connection.
	Insecure bool `yaml:"insecure"`
}

var validate = validator.New()

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "driftwatch.db",
		},
		Engine: EngineConfig{
			MaxParallel:    4,
			LeaseTTL:       10 * time.Minute,
			FetchTimeout:   30 * time.Second,
			SweepInterval:  time.Minute,
			PurgeInterval:  time.Hour,
			SweepBatchSize: 500,
			PurgeBatchSize: 200,
		},
		Sources: SourcesConfig{
			CanonicalRoot: "workflows",
			LiveRoot:      "live",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: ":9090",
			Path:          "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "stdout",
			SamplingRate: 1.0,
			Insecure:     true,
		},
	}
}

// Load reads a configuration file and merges it over the defaults. An
// empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for structural and range errors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
