package badger

import (
	"context"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/dittocache/pkg/cache"
)

// AppendManifest appends a backup manifest to the manifest log.
//
// The log is append-only: writing a snapshot ID that already exists is
// rejected so a manifest can never be silently replaced.
func (s *MetaStore) AppendManifest(ctx context.Context, manifest cache.BackupManifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if manifest.SnapshotID == "" {
		return &cache.StoreError{Code: cache.ErrInvalidArgument, Message: "manifest snapshot ID is empty"}
	}

	data, err := encodeManifest(&manifest)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(keyManifest(manifest.SnapshotID))
		if err == nil {
			return &cache.StoreError{
				Code:    cache.ErrAlreadyExists,
				Message: "manifest already exists: " + manifest.SnapshotID,
			}
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		return txn.Set(keyManifest(manifest.SnapshotID), data)
	})
	if err != nil {
		if _, ok := err.(*cache.StoreError); ok {
			return err
		}
		return fmt.Errorf("failed to append manifest: %w", err)
	}
	return nil
}

// ListManifests returns all manifests ordered by TakenAt ascending.
func (s *MetaStore) ListManifests(ctx context.Context) ([]cache.BackupManifest, error) {
	var manifests []cache.BackupManifest

	err := s.listPrefix(ctx, prefixManifest, func(val []byte) error {
		manifest, err := decodeManifest(val)
		if err != nil {
			return err
		}
		manifests = append(manifests, *manifest)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list manifests: %w", err)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].TakenAt.Before(manifests[j].TakenAt)
	})

	return manifests, nil
}

// DeleteManifest removes a pruned manifest from the log.
func (s *MetaStore) DeleteManifest(ctx context.Context, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyManifest(snapshotID))
	})
	if err != nil {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}
