package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeConfigFile writes a YAML config into a temp dir and returns its
// path.
func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

// minimalConfig is the smallest valid configuration: memory stores need
// no paths.
const minimalConfig = `
blob:
  type: memory
meta:
  type: memory
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Blob.Type != "memory" {
		t.Errorf("Blob.Type = %s, want memory", cfg.Blob.Type)
	}
	if cfg.Meta.Type != "memory" {
		t.Errorf("Meta.Type = %s, want memory", cfg.Meta.Type)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Logging.Level = %s, want INFO", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Logging.Output = %s, want stdout", cfg.Logging.Output)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %s, want 30s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Server.Metrics.Port != 9090 {
		t.Errorf("Metrics.Port = %d, want 9090", cfg.Server.Metrics.Port)
	}
	if cfg.Index.BudgetBytes != 10<<30 {
		t.Errorf("Index.BudgetBytes = %d, want %d", cfg.Index.BudgetBytes, int64(10<<30))
	}
	if cfg.Sessions.IdleTimeout != 30*time.Minute {
		t.Errorf("Sessions.IdleTimeout = %s, want 30m", cfg.Sessions.IdleTimeout)
	}
	if cfg.Ingest.MaxPayloadBytes != 50<<20 {
		t.Errorf("Ingest.MaxPayloadBytes = %d, want %d", cfg.Ingest.MaxPayloadBytes, int64(50<<20))
	}
	if cfg.Ingest.Timeout != 2*time.Minute {
		t.Errorf("Ingest.Timeout = %s, want 2m", cfg.Ingest.Timeout)
	}
	if cfg.Backup.Target != "filesystem" {
		t.Errorf("Backup.Target = %s, want filesystem", cfg.Backup.Target)
	}
	if cfg.Backup.RetentionAge != 30*24*time.Hour {
		t.Errorf("Backup.RetentionAge = %s, want 720h", cfg.Backup.RetentionAge)
	}
	if cfg.Maintenance.Interval != 24*time.Hour {
		t.Errorf("Maintenance.Interval = %s, want 24h", cfg.Maintenance.Interval)
	}
}

func TestLoadNormalizesLogLevel(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, minimalConfig+`
logging:
  level: debug
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Logging.Level = %s, want DEBUG", cfg.Logging.Level)
	}
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("DITTOCACHE_LOGGING_LEVEL", "ERROR")

	cfg, err := Load(writeConfigFile(t, minimalConfig+`
logging:
  level: INFO
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Logging.Level = %s, want ERROR from environment", cfg.Logging.Level)
	}
}

func TestLoadMissingFileStillValidates(t *testing.T) {
	// A missing config file is tolerated, but the defaults select
	// filesystem and badger stores, which require paths; validation
	// must reject the incomplete result rather than starting blind.
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := Load(""); err == nil {
		t.Error("Expected validation error for default stores without paths")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr bool
	}{
		{
			name:    "valid",
			mutate:  func(cfg *Config) {},
			wantErr: false,
		},
		{
			name: "bad log level",
			mutate: func(cfg *Config) {
				cfg.Logging.Level = "VERBOSE"
			},
			wantErr: true,
		},
		{
			name: "bad blob type",
			mutate: func(cfg *Config) {
				cfg.Blob.Type = "tape"
			},
			wantErr: true,
		},
		{
			name: "filesystem blob without path",
			mutate: func(cfg *Config) {
				cfg.Blob.Type = "filesystem"
			},
			wantErr: true,
		},
		{
			name: "filesystem blob with path",
			mutate: func(cfg *Config) {
				cfg.Blob.Type = "filesystem"
				cfg.Blob.Filesystem["path"] = "/var/lib/dittocache/blobs"
			},
			wantErr: false,
		},
		{
			name: "badger meta without path",
			mutate: func(cfg *Config) {
				cfg.Meta.Type = "badger"
			},
			wantErr: true,
		},
		{
			name: "negative index budget",
			mutate: func(cfg *Config) {
				cfg.Index.BudgetBytes = -1
			},
			wantErr: true,
		},
		{
			name: "payload exceeds index budget",
			mutate: func(cfg *Config) {
				cfg.Index.BudgetBytes = 100
				cfg.Ingest.MaxPayloadBytes = 101
			},
			wantErr: true,
		},
		{
			name: "enabled fs backup without path",
			mutate: func(cfg *Config) {
				cfg.Backup.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "enabled fs backup with path",
			mutate: func(cfg *Config) {
				cfg.Backup.Enabled = true
				cfg.Backup.Filesystem["path"] = "/var/lib/dittocache/backups"
			},
			wantErr: false,
		},
		{
			name: "enabled s3 backup without bucket",
			mutate: func(cfg *Config) {
				cfg.Backup.Enabled = true
				cfg.Backup.Target = "s3"
				cfg.Backup.S3["region"] = "eu-west-1"
			},
			wantErr: true,
		},
		{
			name: "enabled s3 backup without region",
			mutate: func(cfg *Config) {
				cfg.Backup.Enabled = true
				cfg.Backup.Target = "s3"
				cfg.Backup.S3["bucket"] = "dittocache-backups"
			},
			wantErr: true,
		},
		{
			name: "enabled s3 backup complete",
			mutate: func(cfg *Config) {
				cfg.Backup.Enabled = true
				cfg.Backup.Target = "s3"
				cfg.Backup.S3["bucket"] = "dittocache-backups"
				cfg.Backup.S3["region"] = "eu-west-1"
			},
			wantErr: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{
				Blob: BlobConfig{Type: "memory"},
				Meta: MetaConfig{Type: "memory"},
			}
			ApplyDefaults(cfg)
			tc.mutate(cfg)

			err := Validate(cfg)
			if tc.wantErr && err == nil {
				t.Error("Expected validation error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}

func TestRateBurstDefaultDerivedFromRate(t *testing.T) {
	cfg := &Config{
		Blob:   BlobConfig{Type: "memory"},
		Meta:   MetaConfig{Type: "memory"},
		Ingest: IngestConfig{RatePerOwner: 5},
	}
	ApplyDefaults(cfg)

	if cfg.Ingest.RateBurst != 10 {
		t.Errorf("RateBurst = %d, want 10", cfg.Ingest.RateBurst)
	}

	// Fractional rates still get a usable burst.
	cfg = &Config{
		Blob:   BlobConfig{Type: "memory"},
		Meta:   MetaConfig{Type: "memory"},
		Ingest: IngestConfig{RatePerOwner: 0.2},
	}
	ApplyDefaults(cfg)
	if cfg.Ingest.RateBurst != 1 {
		t.Errorf("RateBurst = %d, want 1", cfg.Ingest.RateBurst)
	}
}
