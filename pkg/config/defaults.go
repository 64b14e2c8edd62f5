package config

import (
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration
// fields.
//
// Called after loading configuration from file and environment to fill
// in missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Store-specific defaults are handled by store implementations
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyBlobDefaults(&cfg.Blob)
	applyMetaDefaults(&cfg.Meta)
	applyIndexDefaults(&cfg.Index)
	applyContentDefaults(&cfg.Content)
	applySessionsDefaults(&cfg.Sessions)
	applyIngestDefaults(&cfg.Ingest)
	applyBackupDefaults(&cfg.Backup)
	applyMaintenanceDefaults(&cfg.Maintenance)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func applyBlobDefaults(cfg *BlobConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}
	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
}

func applyMetaDefaults(cfg *MetaConfig) {
	if cfg.Type == "" {
		cfg.Type = "badger"
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}
	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
}

func applyIndexDefaults(cfg *IndexConfig) {
	if cfg.BudgetBytes == 0 {
		cfg.BudgetBytes = 10 << 30 // 10 GiB
	}
}

func applyContentDefaults(cfg *ContentConfig) {
	if cfg.MaxIORetries == 0 {
		cfg.MaxIORetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 50 * time.Millisecond
	}
	if cfg.DriftGrace == 0 {
		cfg.DriftGrace = 5 * time.Minute
	}
	// RetentionAge zero is meaningful (keep until evicted); no default.
}

func applySessionsDefaults(cfg *SessionsConfig) {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.ReapInterval == 0 {
		cfg.ReapInterval = time.Minute
	}
}

func applyIngestDefaults(cfg *IngestConfig) {
	if cfg.MaxPayloadBytes == 0 {
		cfg.MaxPayloadBytes = 50 << 20 // 50 MiB
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.RatePerOwner != 0 && cfg.RateBurst == 0 {
		cfg.RateBurst = int(cfg.RatePerOwner * 2)
		if cfg.RateBurst < 1 {
			cfg.RateBurst = 1
		}
	}
}

func applyBackupDefaults(cfg *BackupConfig) {
	if cfg.Target == "" {
		cfg.Target = "filesystem"
	}
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.RetentionAge == 0 {
		cfg.RetentionAge = 30 * 24 * time.Hour
	}
	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.S3 == nil {
		cfg.S3 = make(map[string]any)
	}
}

func applyMaintenanceDefaults(cfg *MaintenanceConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = 24 * time.Hour
	}
}
