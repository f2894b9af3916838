// Package config loads loom service configuration from a YAML file with
// LOOM_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces loom environment variables.
const envPrefix = "LOOM_"

// Config is the full service configuration.
type Config struct {
	// DataDir is the base directory for results, full-data and batch status.
	DataDir string `koanf:"data_dir"`

	Provider  ProviderConfig  `koanf:"provider"`
	Batch     BatchConfig     `koanf:"batch"`
	Events    EventsConfig    `koanf:"events"`
	Storage   StorageConfig   `koanf:"storage"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Reporting ReportingConfig `koanf:"reporting"`
}

// ProviderConfig configures the synchronous completion provider.
type ProviderConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
}

// BatchConfig configures the asynchronous batch path.
type BatchConfig struct {
	BaseURL      string        `koanf:"base_url"`
	APIKey       string        `koanf:"api_key"`
	PollInterval time.Duration `koanf:"poll_interval"`
	MaxWait      time.Duration `koanf:"max_wait"`
}

// EventsConfig configures the optional NATS lifecycle publisher.
type EventsConfig struct {
	// URL enables publishing when non-empty.
	URL string `koanf:"url"`
}

// StorageConfig configures the optional blob archive.
type StorageConfig struct {
	// ConnectionString enables archiving when non-empty.
	ConnectionString string `koanf:"connection_string"`
	Container        string `koanf:"container"`
}

// TracingConfig configures the optional OTLP trace exporter.
type TracingConfig struct {
	Enabled      bool    `koanf:"enabled"`
	OTLPEndpoint string  `koanf:"otlp_endpoint"`
	Environment  string  `koanf:"environment"`
	SampleRatio  float64 `koanf:"sample_ratio"`
}

// ReportingConfig configures optional Sentry error capture.
type ReportingConfig struct {
	DSN         string `koanf:"dsn"`
	Environment string `koanf:"environment"`
}

// Load reads configuration with precedence: environment variables over the
// YAML file over defaults. A missing file is not an error; env-only setups
// are common in containers.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
			}
		} else {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
			}
		}
	}

	// LOOM_PROVIDER_API_KEY -> provider.api_key, LOOM_DATA_DIR -> data_dir.
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		switch parts[0] {
		case "provider", "batch", "events", "storage", "tracing", "reporting":
			return parts[0] + "." + parts[1]
		}
		return lower
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills zero values with working defaults.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}
	if cfg.Batch.PollInterval == 0 {
		cfg.Batch.PollInterval = 30 * time.Second
	}
	if cfg.Batch.MaxWait == 0 {
		cfg.Batch.MaxWait = 24 * time.Hour
	}
	if cfg.Batch.APIKey == "" {
		cfg.Batch.APIKey = cfg.Provider.APIKey
	}
	if cfg.Storage.Container == "" {
		cfg.Storage.Container = "loom-batch-files"
	}
	if cfg.Tracing.OTLPEndpoint == "" {
		cfg.Tracing.OTLPEndpoint = "127.0.0.1:4318"
	}
	if cfg.Tracing.SampleRatio == 0 {
		cfg.Tracing.SampleRatio = 1.0
	}
	if cfg.Tracing.Environment == "" {
		cfg.Tracing.Environment = "development"
	}
}

// Validate checks invariants a run cannot start without.
func (c *Config) Validate() error {
	if c.Batch.PollInterval < time.Second {
		return fmt.Errorf("batch poll interval must be at least 1s, got %s", c.Batch.PollInterval)
	}
	if c.Batch.MaxWait < c.Batch.PollInterval {
		return fmt.Errorf("batch max wait %s is shorter than the poll interval %s",
			c.Batch.MaxWait, c.Batch.PollInterval)
	}
	return nil
}
