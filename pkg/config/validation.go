package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags and custom
// rules.
//
// Struct tag validation is declarative via go-playground/validator;
// rules that cannot be expressed in tags live in validateCustomRules.
//
// Note: Log level normalization is handled in ApplyDefaults, not here.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	if cfg.Blob.Type == "filesystem" {
		if path, _ := cfg.Blob.Filesystem["path"].(string); path == "" {
			return fmt.Errorf("blob.filesystem: path is required")
		}
	}

	if cfg.Meta.Type == "badger" {
		if path, _ := cfg.Meta.Badger["path"].(string); path == "" {
			return fmt.Errorf("meta.badger: path is required")
		}
	}

	if cfg.Backup.Enabled {
		switch cfg.Backup.Target {
		case "filesystem":
			if path, _ := cfg.Backup.Filesystem["path"].(string); path == "" {
				return fmt.Errorf("backup.filesystem: path is required when backups are enabled")
			}
		case "s3":
			if bucket, _ := cfg.Backup.S3["bucket"].(string); bucket == "" {
				return fmt.Errorf("backup.s3: bucket is required when backups are enabled")
			}
			if region, _ := cfg.Backup.S3["region"].(string); region == "" {
				return fmt.Errorf("backup.s3: region is required when backups are enabled")
			}
		}
	}

	// A payload larger than the index budget could never be indexed:
	// every ingestion would fail with CapacityExceeded.
	if cfg.Index.BudgetBytes > 0 && cfg.Ingest.MaxPayloadBytes > cfg.Index.BudgetBytes {
		return fmt.Errorf("ingest.max_payload_bytes (%d) exceeds index.budget_bytes (%d)",
			cfg.Ingest.MaxPayloadBytes, cfg.Index.BudgetBytes)
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
