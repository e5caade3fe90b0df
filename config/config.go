// Package config provides configuration loading and management for exportd.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/exportd/job"
)

// Config represents the complete exportd configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	NATS      NATSConfig      `yaml:"nats"`
	Provider  ProviderConfig  `yaml:"provider"`
	Storage   StorageConfig   `yaml:"storage"`
	Pool      PoolConfig      `yaml:"pool"`
	Polling   PollingConfig   `yaml:"polling"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// LogConfig configures structured logging
type LogConfig struct {
	// Level is the minimum level to emit (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format selects the handler (json or text)
	Format string `yaml:"format"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// ProviderConfig configures the export provider API
type ProviderConfig struct {
	// BaseURL is the provider API root
	BaseURL string `yaml:"base_url"`
	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `yaml:"api_key_env"`
	// Timeout bounds one provider API call
	Timeout time.Duration `yaml:"timeout"`
}

// StorageConfig configures the object store destination
type StorageConfig struct {
	// Endpoint is the S3-compatible endpoint host:port
	Endpoint string `yaml:"endpoint"`
	// Bucket receives uploaded export artifacts
	Bucket string `yaml:"bucket"`
	// AccessKeyEnv names the environment variable holding the access key
	AccessKeyEnv string `yaml:"access_key_env"`
	// SecretKeyEnv names the environment variable holding the secret key
	SecretKeyEnv string `yaml:"secret_key_env"`
	// UseSSL enables TLS to the endpoint
	UseSSL bool `yaml:"use_ssl"`
}

// PoolConfig configures the download worker pool
type PoolConfig struct {
	// Size is the number of executors
	Size int `yaml:"size"`
	// MaxConcurrent caps executors plus backlog
	MaxConcurrent int `yaml:"max_concurrent"`
	// ShutdownGrace bounds the drain on stop
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// PollingConfig configures the export status poller
type PollingConfig struct {
	// Interval is the tick between polling rounds
	Interval time.Duration `yaml:"interval"`
	// MaxAttempts is the default per-job attempt budget
	MaxAttempts int `yaml:"max_attempts"`
}

// HeartbeatConfig configures the workflow heartbeat loop
type HeartbeatConfig struct {
	// Interval is the beat period; the engine-side timeout should be at
	// least twice this.
	Interval time.Duration `yaml:"interval"`
}

// TransferConfig configures the streaming download pipeline
type TransferConfig struct {
	// Timeout bounds one download-and-upload transfer
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig configures the Prometheus metrics listener
type MetricsConfig struct {
	// Addr is the listen address for /metrics (empty = disabled)
	Addr string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Provider: ProviderConfig{
			BaseURL:   "",
			APIKeyEnv: "EXPORTD_PROVIDER_API_KEY",
			Timeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Endpoint:     "localhost:9000",
			Bucket:       "exports",
			AccessKeyEnv: "EXPORTD_STORAGE_ACCESS_KEY",
			SecretKeyEnv: "EXPORTD_STORAGE_SECRET_KEY",
			UseSSL:       false,
		},
		Pool: PoolConfig{
			Size:          8,
			MaxConcurrent: 32,
			ShutdownGrace: 30 * time.Second,
		},
		Polling: PollingConfig{
			Interval:    5 * time.Second,
			MaxAttempts: job.DefaultMaxPollingAttempts,
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
		},
		Transfer: TransferConfig{
			Timeout: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// LogLevel parses the configured level, defaulting to info.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("provider.base_url is required")
	}
	if c.Storage.Endpoint == "" {
		return fmt.Errorf("storage.endpoint is required")
	}
	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive")
	}
	if c.Pool.MaxConcurrent < c.Pool.Size {
		return fmt.Errorf("pool.max_concurrent must be at least pool.size")
	}
	if c.Polling.Interval <= 0 {
		return fmt.Errorf("polling.interval must be positive")
	}
	if c.Polling.MaxAttempts <= 0 {
		return fmt.Errorf("polling.max_attempts must be positive")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}
	if c.Transfer.Timeout <= 0 {
		return fmt.Errorf("transfer.timeout must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Provider
	if other.Provider.BaseURL != "" {
		c.Provider.BaseURL = other.Provider.BaseURL
	}
	if other.Provider.APIKeyEnv != "" {
		c.Provider.APIKeyEnv = other.Provider.APIKeyEnv
	}
	if other.Provider.Timeout != 0 {
		c.Provider.Timeout = other.Provider.Timeout
	}

	// Storage
	if other.Storage.Endpoint != "" {
		c.Storage.Endpoint = other.Storage.Endpoint
	}
	if other.Storage.Bucket != "" {
		c.Storage.Bucket = other.Storage.Bucket
	}
	if other.Storage.AccessKeyEnv != "" {
		c.Storage.AccessKeyEnv = other.Storage.AccessKeyEnv
	}
	if other.Storage.SecretKeyEnv != "" {
		c.Storage.SecretKeyEnv = other.Storage.SecretKeyEnv
	}
	if other.Storage.UseSSL {
		c.Storage.UseSSL = true
	}

	// Pool
	if other.Pool.Size != 0 {
		c.Pool.Size = other.Pool.Size
	}
	if other.Pool.MaxConcurrent != 0 {
		c.Pool.MaxConcurrent = other.Pool.MaxConcurrent
	}
	if other.Pool.ShutdownGrace != 0 {
		c.Pool.ShutdownGrace = other.Pool.ShutdownGrace
	}

	// Polling
	if other.Polling.Interval != 0 {
		c.Polling.Interval = other.Polling.Interval
	}
	if other.Polling.MaxAttempts != 0 {
		c.Polling.MaxAttempts = other.Polling.MaxAttempts
	}

	// Heartbeat
	if other.Heartbeat.Interval != 0 {
		c.Heartbeat.Interval = other.Heartbeat.Interval
	}

	// Transfer
	if other.Transfer.Timeout != 0 {
		c.Transfer.Timeout = other.Transfer.Timeout
	}

	// Metrics
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
}
