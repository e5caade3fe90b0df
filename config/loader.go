package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// ServiceConfigFile is the name of the service-level config file
	ServiceConfigFile = "exportd.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/exportd"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// ConfigPathEnv overrides the service config file location
	ConfigPathEnv = "EXPORTD_CONFIG"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/exportd/config.yaml)
// 3. Service config (EXPORTD_CONFIG, or exportd.yaml in current or parent directories)
// 4. Environment variables (EXPORTD_*)
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
	}

	// Load service config
	serviceConfigPath := l.findServiceConfig()
	if serviceConfigPath != "" {
		if serviceConfig, err := LoadFromFile(serviceConfigPath); err == nil {
			l.logger.Debug("Loaded service config", slog.String("path", serviceConfigPath))
			config.Merge(serviceConfig)
		} else {
			l.logger.Warn("Failed to load service config", slog.String("path", serviceConfigPath), slog.String("error", err.Error()))
		}
	} else {
		l.logger.Debug("No service config found")
	}

	// Environment overrides win over files
	applyEnvOverrides(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findServiceConfig resolves EXPORTD_CONFIG, then searches for exportd.yaml
// in current and parent directories
func (l *Loader) findServiceConfig() string {
	if path := os.Getenv(ConfigPathEnv); path != "" {
		return path
	}

	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	dir := cwd
	for {
		configPath := filepath.Join(dir, ServiceConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}

// applyEnvOverrides layers EXPORTD_* variables over the loaded config.
func applyEnvOverrides(config *Config) {
	if v := os.Getenv("EXPORTD_LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("EXPORTD_NATS_URL"); v != "" {
		config.NATS.URL = v
		config.NATS.Embedded = false
	}
	if v := os.Getenv("EXPORTD_PROVIDER_URL"); v != "" {
		config.Provider.BaseURL = v
	}
	if v := os.Getenv("EXPORTD_STORAGE_ENDPOINT"); v != "" {
		config.Storage.Endpoint = v
	}
	if v := os.Getenv("EXPORTD_STORAGE_BUCKET"); v != "" {
		config.Storage.Bucket = v
	}
	if v := os.Getenv("EXPORTD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Pool.Size = n
		}
	}
	if v := os.Getenv("EXPORTD_POOL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.Pool.MaxConcurrent = n
		}
	}
	if v := os.Getenv("EXPORTD_POLLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.Polling.Interval = d
		}
	}
	if v := os.Getenv("EXPORTD_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.Heartbeat.Interval = d
		}
	}
	if v := os.Getenv("EXPORTD_TRANSFER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			config.Transfer.Timeout = d
		}
	}
}
