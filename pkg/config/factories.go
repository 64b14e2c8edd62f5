package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/backup"
	"github.com/marmos91/dittocache/pkg/store/blob"
	blobfs "github.com/marmos91/dittocache/pkg/store/blob/fs"
	blobmemory "github.com/marmos91/dittocache/pkg/store/blob/memory"
	"github.com/marmos91/dittocache/pkg/store/meta"
	metabadger "github.com/marmos91/dittocache/pkg/store/meta/badger"
	metamemory "github.com/marmos91/dittocache/pkg/store/meta/memory"
)

// CreateBlobStore creates a blob store based on configuration.
//
// This factory uses the Type field to pick the implementation, decodes
// the type-specific configuration from the corresponding map, and passes
// it to the store's constructor.
//
// Supported types:
//   - "filesystem": local filesystem storage with atomic commits
//   - "memory": in-memory storage (tests, ephemeral deployments)
func CreateBlobStore(ctx context.Context, cfg *BlobConfig) (blob.Store, error) {
	switch cfg.Type {
	case "filesystem":
		return createFilesystemBlobStore(ctx, cfg.Filesystem)
	case "memory":
		return blobmemory.NewMemoryBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown blob store type: %q", cfg.Type)
	}
}

// createFilesystemBlobStore creates a filesystem-based blob store.
func createFilesystemBlobStore(ctx context.Context, options map[string]any) (blob.Store, error) {
	type FilesystemBlobStoreConfig struct {
		Path string `mapstructure:"path"`
	}

	var storeCfg FilesystemBlobStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem blob store config: %w", err)
	}

	if storeCfg.Path == "" {
		return nil, fmt.Errorf("filesystem blob store: path is required")
	}

	store, err := blobfs.NewFSBlobStore(ctx, storeCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem blob store: %w", err)
	}

	logger.Info("Filesystem blob store initialized: path=%s", storeCfg.Path)
	return store, nil
}

// CreateMetaStore creates a meta store based on configuration.
//
// Supported types:
//   - "badger": embedded BadgerDB (durable, crash-consistent)
//   - "memory": in-memory maps (tests, ephemeral deployments)
func CreateMetaStore(ctx context.Context, cfg *MetaConfig) (meta.Store, error) {
	switch cfg.Type {
	case "badger":
		return createBadgerMetaStore(ctx, cfg.Badger)
	case "memory":
		return metamemory.NewMetaStore(), nil
	default:
		return nil, fmt.Errorf("unknown meta store type: %q", cfg.Type)
	}
}

// createBadgerMetaStore creates a BadgerDB-backed meta store.
func createBadgerMetaStore(ctx context.Context, options map[string]any) (meta.Store, error) {
	type BadgerMetaStoreConfig struct {
		Path             string `mapstructure:"path"`
		BlockCacheSizeMB int64  `mapstructure:"block_cache_size_mb"`
	}

	var storeCfg BadgerMetaStoreConfig
	if err := mapstructure.Decode(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger meta store config: %w", err)
	}

	if storeCfg.Path == "" {
		return nil, fmt.Errorf("badger meta store: path is required")
	}

	store, err := metabadger.NewMetaStore(ctx, metabadger.Config{
		DBPath:           storeCfg.Path,
		BlockCacheSizeMB: storeCfg.BlockCacheSizeMB,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create badger meta store: %w", err)
	}

	logger.Info("Badger meta store initialized: path=%s", storeCfg.Path)
	return store, nil
}

// CreateBackupTarget creates a backup target based on configuration.
//
// Supported targets:
//   - "filesystem": local directory tree with atomic renames
//   - "s3": Amazon S3 or compatible object storage (MinIO, Localstack)
func CreateBackupTarget(ctx context.Context, cfg *BackupConfig) (backup.Target, error) {
	switch cfg.Target {
	case "filesystem":
		return createFilesystemBackupTarget(cfg.Filesystem)
	case "s3":
		return createS3BackupTarget(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown backup target: %q", cfg.Target)
	}
}

// createFilesystemBackupTarget creates a directory-based backup target.
func createFilesystemBackupTarget(options map[string]any) (backup.Target, error) {
	type FilesystemTargetConfig struct {
		Path string `mapstructure:"path"`
	}

	var targetCfg FilesystemTargetConfig
	if err := mapstructure.Decode(options, &targetCfg); err != nil {
		return nil, fmt.Errorf("failed to decode filesystem backup target config: %w", err)
	}

	if targetCfg.Path == "" {
		return nil, fmt.Errorf("filesystem backup target: path is required")
	}

	target, err := backup.NewFSTarget(targetCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem backup target: %w", err)
	}

	logger.Info("Filesystem backup target initialized: path=%s", targetCfg.Path)
	return target, nil
}

// createS3BackupTarget creates an S3-based backup target.
func createS3BackupTarget(ctx context.Context, options map[string]any) (backup.Target, error) {
	type S3TargetConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var targetCfg S3TargetConfig
	if err := mapstructure.Decode(options, &targetCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 backup target config: %w", err)
	}

	if targetCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 backup target: bucket is required")
	}
	if targetCfg.Region == "" {
		return nil, fmt.Errorf("S3 backup target: region is required")
	}

	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(targetCfg.Region))

	// Custom endpoint for MinIO, Localstack, etc.
	if targetCfg.Endpoint != "" {
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
				return aws.Endpoint{
					URL:               targetCfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // TODO: migrate to BaseEndpoint when AWS SDK v2 stabilizes the new API
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials if provided, otherwise the default chain.
	if targetCfg.AccessKeyID != "" && targetCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			targetCfg.AccessKeyID,
			targetCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := targetCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Path-style addressing for MinIO/Localstack compatibility
		if targetCfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	})

	logger.Info("S3 backup target initialized: bucket=%s region=%s prefix=%s",
		targetCfg.Bucket, targetCfg.Region, targetCfg.KeyPrefix)
	return backup.NewS3Target(client, targetCfg.Bucket, targetCfg.KeyPrefix), nil
}
