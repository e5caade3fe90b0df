package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Log.Level)
	}
	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Pool.Size != 8 {
		t.Errorf("expected default pool size 8, got %d", cfg.Pool.Size)
	}
	if cfg.Pool.MaxConcurrent != 32 {
		t.Errorf("expected default max concurrent 32, got %d", cfg.Pool.MaxConcurrent)
	}
	if cfg.Heartbeat.Interval != 30*time.Second {
		t.Errorf("expected default heartbeat interval 30s, got %v", cfg.Heartbeat.Interval)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "unknown log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "missing provider url",
			modify:  func(c *Config) { c.Provider.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "missing storage bucket",
			modify:  func(c *Config) { c.Storage.Bucket = "" },
			wantErr: true,
		},
		{
			name:    "zero pool size",
			modify:  func(c *Config) { c.Pool.Size = 0 },
			wantErr: true,
		},
		{
			name:    "max concurrent below pool size",
			modify:  func(c *Config) { c.Pool.MaxConcurrent = c.Pool.Size - 1 },
			wantErr: true,
		},
		{
			name:    "zero polling interval",
			modify:  func(c *Config) { c.Polling.Interval = 0 },
			wantErr: true,
		},
		{
			name:    "zero transfer timeout",
			modify:  func(c *Config) { c.Transfer.Timeout = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Provider.BaseURL = "https://provider.example"
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.Log.Level = tt.level
		if got := cfg.LogLevel(); got != tt.want {
			t.Errorf("LogLevel(%q) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
log:
  level: debug
nats:
  url: "nats://test:4222"
provider:
  base_url: "https://provider.example/api"
  timeout: 10s
storage:
  endpoint: "minio:9000"
  bucket: "test-exports"
pool:
  size: 4
  max_concurrent: 16
polling:
  interval: 2s
transfer:
  timeout: 10m
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Provider.BaseURL != "https://provider.example/api" {
		t.Errorf("expected provider URL, got %s", cfg.Provider.BaseURL)
	}
	if cfg.Provider.Timeout != 10*time.Second {
		t.Errorf("expected provider timeout 10s, got %v", cfg.Provider.Timeout)
	}
	if cfg.Storage.Bucket != "test-exports" {
		t.Errorf("expected bucket test-exports, got %s", cfg.Storage.Bucket)
	}
	if cfg.Pool.Size != 4 || cfg.Pool.MaxConcurrent != 16 {
		t.Errorf("expected pool 4/16, got %d/%d", cfg.Pool.Size, cfg.Pool.MaxConcurrent)
	}
	if cfg.Transfer.Timeout != 10*time.Minute {
		t.Errorf("expected transfer timeout 10m, got %v", cfg.Transfer.Timeout)
	}
	// Unset sections keep defaults
	if cfg.Heartbeat.Interval != 30*time.Second {
		t.Errorf("expected default heartbeat interval, got %v", cfg.Heartbeat.Interval)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		Log: LogConfig{
			Level: "debug",
		},
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
		Pool: PoolConfig{
			Size: 16,
		},
	}

	base.Merge(override)

	if base.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", base.Log.Level)
	}
	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL override, got %s", base.NATS.URL)
	}
	// Setting a URL disables the embedded server
	if base.NATS.Embedded {
		t.Error("expected embedded NATS disabled after URL override")
	}
	if base.Pool.Size != 16 {
		t.Errorf("expected pool size 16, got %d", base.Pool.Size)
	}
	// Fields the override didn't set keep their base values
	if base.Pool.MaxConcurrent != 32 {
		t.Errorf("expected max concurrent to remain 32, got %d", base.Pool.MaxConcurrent)
	}
	if base.Storage.Bucket != "exports" {
		t.Errorf("expected bucket to remain default, got %s", base.Storage.Bucket)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.Storage.Bucket = "saved-bucket"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.Storage.Bucket != "saved-bucket" {
		t.Errorf("expected bucket saved-bucket, got %s", loaded.Storage.Bucket)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("EXPORTD_LOG_LEVEL", "error")
	t.Setenv("EXPORTD_NATS_URL", "nats://env:4222")
	t.Setenv("EXPORTD_POOL_SIZE", "3")
	t.Setenv("EXPORTD_TRANSFER_TIMEOUT", "90s")
	t.Setenv("EXPORTD_POLLING_INTERVAL", "not-a-duration")

	cfg := DefaultConfig()
	applyEnvOverrides(cfg)

	if cfg.Log.Level != "error" {
		t.Errorf("expected log level error, got %s", cfg.Log.Level)
	}
	if cfg.NATS.URL != "nats://env:4222" || cfg.NATS.Embedded {
		t.Errorf("expected NATS URL from env with embedded disabled, got %s/%v", cfg.NATS.URL, cfg.NATS.Embedded)
	}
	if cfg.Pool.Size != 3 {
		t.Errorf("expected pool size 3, got %d", cfg.Pool.Size)
	}
	if cfg.Transfer.Timeout != 90*time.Second {
		t.Errorf("expected transfer timeout 90s, got %v", cfg.Transfer.Timeout)
	}
	// Unparseable values are ignored
	if cfg.Polling.Interval != 5*time.Second {
		t.Errorf("expected polling interval to remain default, got %v", cfg.Polling.Interval)
	}
}
