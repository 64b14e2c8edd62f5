package config

import (
	"context"
	"testing"
)

func TestCreateBlobStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, err := CreateBlobStore(ctx, &BlobConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("CreateBlobStore failed: %v", err)
		}
		defer store.Close()

		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("filesystem", func(t *testing.T) {
		store, err := CreateBlobStore(ctx, &BlobConfig{
			Type:       "filesystem",
			Filesystem: map[string]any{"path": t.TempDir()},
		})
		if err != nil {
			t.Fatalf("CreateBlobStore failed: %v", err)
		}
		defer store.Close()

		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("filesystem without path", func(t *testing.T) {
		_, err := CreateBlobStore(ctx, &BlobConfig{Type: "filesystem", Filesystem: map[string]any{}})
		if err == nil {
			t.Error("Expected error for missing path")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := CreateBlobStore(ctx, &BlobConfig{Type: "tape"})
		if err == nil {
			t.Error("Expected error for unknown type")
		}
	})
}

func TestCreateMetaStore(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, err := CreateMetaStore(ctx, &MetaConfig{Type: "memory"})
		if err != nil {
			t.Fatalf("CreateMetaStore failed: %v", err)
		}
		defer store.Close()

		if _, err := store.CountRecords(ctx); err != nil {
			t.Errorf("CountRecords failed: %v", err)
		}
	})

	t.Run("badger", func(t *testing.T) {
		store, err := CreateMetaStore(ctx, &MetaConfig{
			Type:   "badger",
			Badger: map[string]any{"path": t.TempDir()},
		})
		if err != nil {
			t.Fatalf("CreateMetaStore failed: %v", err)
		}
		defer store.Close()

		if _, err := store.CountRecords(ctx); err != nil {
			t.Errorf("CountRecords failed: %v", err)
		}
	})

	t.Run("badger without path", func(t *testing.T) {
		_, err := CreateMetaStore(ctx, &MetaConfig{Type: "badger", Badger: map[string]any{}})
		if err == nil {
			t.Error("Expected error for missing path")
		}
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := CreateMetaStore(ctx, &MetaConfig{Type: "etcd"})
		if err == nil {
			t.Error("Expected error for unknown type")
		}
	})
}

func TestCreateBackupTarget(t *testing.T) {
	ctx := context.Background()

	t.Run("filesystem", func(t *testing.T) {
		target, err := CreateBackupTarget(ctx, &BackupConfig{
			Target:     "filesystem",
			Filesystem: map[string]any{"path": t.TempDir()},
		})
		if err != nil {
			t.Fatalf("CreateBackupTarget failed: %v", err)
		}
		if target.Name() == "" {
			t.Error("Target has no name")
		}
	})

	t.Run("filesystem without path", func(t *testing.T) {
		_, err := CreateBackupTarget(ctx, &BackupConfig{Target: "filesystem", Filesystem: map[string]any{}})
		if err == nil {
			t.Error("Expected error for missing path")
		}
	})

	t.Run("s3 without bucket", func(t *testing.T) {
		_, err := CreateBackupTarget(ctx, &BackupConfig{
			Target: "s3",
			S3:     map[string]any{"region": "eu-west-1"},
		})
		if err == nil {
			t.Error("Expected error for missing bucket")
		}
	})

	t.Run("unknown target", func(t *testing.T) {
		_, err := CreateBackupTarget(ctx, &BackupConfig{Target: "ftp"})
		if err == nil {
			t.Error("Expected error for unknown target")
		}
	})
}
