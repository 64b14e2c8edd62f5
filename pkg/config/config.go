package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete DittoCache configuration.
//
// This structure captures all configurable aspects of the cache
// including:
//   - Logging configuration
//   - Server-wide settings (shutdown, metrics)
//   - Blob store selection and configuration (store-specific)
//   - Meta store selection and configuration (store-specific)
//   - Cache index budget
//   - Session lifetime and quota
//   - Ingestion limits
//   - Backup target and schedule
//   - Maintenance (verification) schedule
//
// Configuration sources (in order of precedence):
//  1. Environment variables (DITTOCACHE_*)
//  2. Configuration file (YAML or TOML)
//  3. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each store implementation defines its own configuration shape. The
// Config struct carries type-specific sections (e.g. blob.filesystem,
// blob.memory) and only the section matching the selected type is used.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging"`

	// Server contains server-wide settings
	Server ServerConfig `mapstructure:"server"`

	// Blob specifies the blob store type and type-specific configuration
	Blob BlobConfig `mapstructure:"blob"`

	// Meta specifies the meta store type and type-specific configuration
	Meta MetaConfig `mapstructure:"meta"`

	// Index configures the cache index
	Index IndexConfig `mapstructure:"index"`

	// Content configures the content store
	Content ContentConfig `mapstructure:"content"`

	// Sessions configures the session manager
	Sessions SessionsConfig `mapstructure:"sessions"`

	// Ingest configures the ingestion pipeline
	Ingest IngestConfig `mapstructure:"ingest"`

	// Backup configures snapshots and retention
	Backup BackupConfig `mapstructure:"backup"`

	// Maintenance configures the background verification pass
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive)
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" validate:"required"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"required,gt=0"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig controls the metrics HTTP server.
type MetricsConfig struct {
	// Enabled turns metrics collection and the HTTP endpoint on
	Enabled bool `mapstructure:"enabled"`

	// Port for the metrics HTTP server
	Port int `mapstructure:"port" validate:"gte=0,lte=65535"`
}

// BlobConfig specifies blob store configuration.
//
// The Type field determines which store implementation is used.
// Only the corresponding type-specific section is used.
type BlobConfig struct {
	// Type specifies which blob store implementation to use
	// Valid values: filesystem, memory
	Type string `mapstructure:"type" validate:"required,oneof=filesystem memory"`

	// Filesystem contains filesystem-specific configuration
	// Only used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`
}

// MetaConfig specifies meta store configuration.
type MetaConfig struct {
	// Type specifies which meta store implementation to use
	// Valid values: badger, memory
	Type string `mapstructure:"type" validate:"required,oneof=badger memory"`

	// Badger contains BadgerDB-specific configuration
	// Only used when Type = "badger"
	Badger map[string]any `mapstructure:"badger"`

	// Memory contains memory-specific configuration
	// Only used when Type = "memory"
	Memory map[string]any `mapstructure:"memory"`
}

// IndexConfig configures the cache index.
type IndexConfig struct {
	// BudgetBytes is the total byte budget the index enforces by
	// least-recently-accessed eviction. Zero means unbounded.
	BudgetBytes int64 `mapstructure:"budget_bytes" validate:"gte=0"`
}

// ContentConfig configures the content store.
type ContentConfig struct {
	// MaxIORetries is how many times transient blob I/O errors are
	// retried before surfacing
	MaxIORetries int `mapstructure:"max_io_retries" validate:"gte=0"`

	// RetryBackoff is the delay between retries
	RetryBackoff time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`

	// RetentionAge is how old an unreferenced record must be before the
	// verification pass may remove it. Zero keeps unreferenced records
	// until evicted under budget pressure.
	RetentionAge time.Duration `mapstructure:"retention_age" validate:"gte=0"`

	// DriftGrace is how old a record must be before the verification
	// pass reconciles its refcount against persisted sessions
	DriftGrace time.Duration `mapstructure:"drift_grace" validate:"gte=0"`
}

// SessionsConfig configures the session manager.
type SessionsConfig struct {
	// IdleTimeout is the sliding session expiry window
	IdleTimeout time.Duration `mapstructure:"idle_timeout" validate:"required,gt=0"`

	// QuotaBytes caps attached content per session. Zero means unlimited.
	QuotaBytes int64 `mapstructure:"quota_bytes" validate:"gte=0"`

	// ReapInterval is how often expired sessions are swept
	ReapInterval time.Duration `mapstructure:"reap_interval" validate:"required,gt=0"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// MaxPayloadBytes is the hard payload ceiling. Zero disables it.
	MaxPayloadBytes int64 `mapstructure:"max_payload_bytes" validate:"gte=0"`

	// Timeout bounds one ingestion from first byte to terminal state
	Timeout time.Duration `mapstructure:"timeout" validate:"required,gt=0"`

	// RatePerOwner is the sustained ingestion rate per owner in requests
	// per second. Zero disables rate limiting.
	RatePerOwner float64 `mapstructure:"rate_per_owner" validate:"gte=0"`

	// RateBurst is the per-owner burst capacity
	RateBurst int `mapstructure:"rate_burst" validate:"gte=0"`
}

// BackupConfig configures snapshots and retention.
type BackupConfig struct {
	// Enabled turns scheduled backups on
	Enabled bool `mapstructure:"enabled"`

	// Target specifies which backup target implementation to use
	// Valid values: filesystem, s3
	Target string `mapstructure:"target" validate:"required,oneof=filesystem s3"`

	// Interval is how often a snapshot is taken
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`

	// RetentionAge is how old a manifest must be before pruning removes
	// it. The newest manifest is never pruned.
	RetentionAge time.Duration `mapstructure:"retention_age" validate:"required,gt=0"`

	// Filesystem contains filesystem-target configuration
	// Only used when Target = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem"`

	// S3 contains S3-target configuration
	// Only used when Target = "s3"
	S3 map[string]any `mapstructure:"s3"`
}

// MaintenanceConfig configures the background verification pass.
type MaintenanceConfig struct {
	// Enabled turns background verification on
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often a verification pass runs
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (DITTOCACHE_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file
// settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the DITTOCACHE_ prefix and underscores.
	// Example: DITTOCACHE_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("DITTOCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists. A missing
// file is acceptable; defaults and environment cover everything.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "dittocache")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "dittocache")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}
