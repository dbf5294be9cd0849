// Package config loads replica's typed configuration.
//
// Values come from, in increasing precedence: built-in defaults, a YAML
// file, and REPLICA_* environment variables (REPLICA_SYNC_BATCH_SIZE maps
// to sync.batch_size). The file is the one passed to Load, or the first of
// .replica/replica.yaml walking up from the working directory and
// $XDG_CONFIG_HOME/replica/replica.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// FileName is the config file name searched for by Load.
const FileName = "replica.yaml"

// DirName is the per-project state directory.
const DirName = ".replica"

// Config is the complete replica configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Device     DeviceConfig     `mapstructure:"device"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Polling    PollingConfig    `mapstructure:"polling"`
	Encryption EncryptionConfig `mapstructure:"encryption"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`

	settings map[string]any
}

type ServerConfig struct {
	URL        string        `mapstructure:"url"`
	APIVersion string        `mapstructure:"api_version"`
	Token      string        `mapstructure:"token"`
	TokenFile  string        `mapstructure:"token_file"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type DeviceConfig struct {
	ID string `mapstructure:"id"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type SyncConfig struct {
	BatchSize            int           `mapstructure:"batch_size"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches"`
	MaxConcurrentPages   int           `mapstructure:"max_concurrent_pages"`
	Compression          bool          `mapstructure:"compression"`
	CompressionThreshold int           `mapstructure:"compression_threshold"`
	AdaptivePageSize     bool          `mapstructure:"adaptive_page_size"`
	PageSize             int           `mapstructure:"page_size"`
	SmartThreshold       int           `mapstructure:"smart_threshold"`
	InterPageDelay       time.Duration `mapstructure:"inter_page_delay"`
	FullSyncPageSize     int           `mapstructure:"full_sync_page_size"`
	FullSyncInterval     time.Duration `mapstructure:"full_sync_interval"`
	Debounce             time.Duration `mapstructure:"debounce"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`
	Retry                RetryConfig   `mapstructure:"retry"`
}

type PollingConfig struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxBackoff      time.Duration `mapstructure:"max_backoff"`
	ShrinkFactor    float64       `mapstructure:"shrink_factor"`
	GrowFactor      float64       `mapstructure:"grow_factor"`
}

type EncryptionConfig struct {
	KeyFile string `mapstructure:"key_file"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DashboardConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

type CatalogConfig struct {
	// Path to a TOML catalog. Empty uses the built-in catalog.
	Path string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.api_version", "v1")
	v.SetDefault("server.token", "")
	v.SetDefault("server.token_file", "")
	v.SetDefault("server.timeout", "30s")

	v.SetDefault("device.id", "")

	v.SetDefault("database.path", filepath.Join(DirName, "replica.db"))

	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.max_concurrent_batches", 3)
	v.SetDefault("sync.max_concurrent_pages", 2)
	v.SetDefault("sync.compression", true)
	v.SetDefault("sync.compression_threshold", 1024)
	v.SetDefault("sync.adaptive_page_size", true)
	v.SetDefault("sync.page_size", 200)
	v.SetDefault("sync.smart_threshold", 500)
	v.SetDefault("sync.inter_page_delay", "100ms")
	v.SetDefault("sync.full_sync_page_size", 100)
	v.SetDefault("sync.full_sync_interval", "1h")
	v.SetDefault("sync.debounce", "500ms")
	v.SetDefault("sync.shutdown_timeout", "10s")
	v.SetDefault("sync.retry.max_attempts", 3)
	v.SetDefault("sync.retry.initial_interval", "500ms")
	v.SetDefault("sync.retry.max_interval", "10s")

	v.SetDefault("polling.initial_interval", "30s")
	v.SetDefault("polling.min_interval", "10s")
	v.SetDefault("polling.max_interval", "5m")
	v.SetDefault("polling.max_backoff", "10m")
	v.SetDefault("polling.shrink_factor", 0.5)
	v.SetDefault("polling.grow_factor", 1.5)

	v.SetDefault("encryption.key_file", filepath.Join(DirName, "key"))

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", true)

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.host", "127.0.0.1")
	v.SetDefault("dashboard.port", 7777)

	v.SetDefault("catalog.path", "")
}

// Load reads the configuration. An explicit path must exist; without one
// the standard locations are searched and a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("REPLICA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	cfg.File = v.ConfigFileUsed()
	cfg.settings = v.AllSettings()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults always decode.
	_ = v.Unmarshal(&cfg)
	cfg.settings = v.AllSettings()
	return &cfg
}

// findConfigFile walks up from the working directory looking for
// .replica/replica.yaml, then tries the user config directory.
func findConfigFile() string {
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; ; dir = filepath.Dir(dir) {
			p := filepath.Join(dir, DirName, FileName)
			if _, err := os.Stat(p); err == nil {
				return p
			}
			if dir == filepath.Dir(dir) {
				break
			}
		}
	}
	if dir, err := os.UserConfigDir(); err == nil {
		p := filepath.Join(dir, "replica", FileName)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	if c.Server.URL != "" {
		check(strings.HasPrefix(c.Server.URL, "http://") || strings.HasPrefix(c.Server.URL, "https://"),
			"server.url %q must be http(s)", c.Server.URL)
	}
	check(c.Server.Timeout > 0, "server.timeout must be positive")
	check(c.Database.Path != "", "database.path is required")

	check(c.Sync.BatchSize > 0, "sync.batch_size must be positive")
	check(c.Sync.MaxConcurrentBatches > 0, "sync.max_concurrent_batches must be positive")
	check(c.Sync.MaxConcurrentPages > 0, "sync.max_concurrent_pages must be positive")
	check(c.Sync.PageSize > 0, "sync.page_size must be positive")
	check(c.Sync.FullSyncPageSize > 0, "sync.full_sync_page_size must be positive")
	check(c.Sync.FullSyncInterval > 0, "sync.full_sync_interval must be positive")
	check(c.Sync.Retry.MaxAttempts > 0, "sync.retry.max_attempts must be positive")

	check(c.Polling.MinInterval > 0, "polling.min_interval must be positive")
	check(c.Polling.MaxInterval >= c.Polling.MinInterval,
		"polling.max_interval (%s) is below polling.min_interval (%s)", c.Polling.MaxInterval, c.Polling.MinInterval)
	check(c.Polling.ShrinkFactor > 0 && c.Polling.ShrinkFactor < 1,
		"polling.shrink_factor must be in (0, 1), got %v", c.Polling.ShrinkFactor)
	check(c.Polling.GrowFactor > 1, "polling.grow_factor must be above 1, got %v", c.Polling.GrowFactor)

	check(IsValidLogLevel(c.Logging.Level), "logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	check(c.Logging.Format == "text" || c.Logging.Format == "json",
		"logging.format %q is not text or json", c.Logging.Format)

	check(c.Dashboard.Port >= 0 && c.Dashboard.Port <= 65535, "dashboard.port %d out of range", c.Dashboard.Port)

	return errors.Join(errs...)
}

// RequireServer checks the settings needed to talk to the server.
func (c *Config) RequireServer() error {
	if c.Server.URL == "" {
		return fmt.Errorf("%w: server.url is not set (use REPLICA_SERVER_URL or %s)", ErrInvalid, FileName)
	}
	if c.Server.Token == "" && c.Server.TokenFile == "" {
		return fmt.Errorf("%w: one of server.token or server.token_file is required", ErrInvalid)
	}
	return nil
}

// IsValidLogLevel reports whether level names a slog level.
func IsValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
