package badger

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/dittocache/pkg/cache"
)

// This file implements cache.IndexPersistence: the write-through backing
// for the in-memory cache index, plus the index version counter stamped
// into backup manifests.

// PutEntry upserts one persisted cache-index entry.
func (s *MetaStore) PutEntry(ctx context.Context, entry cache.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeEntry(&entry)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyEntry(entry.Fingerprint), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// DeleteEntry removes one persisted cache-index entry.
func (s *MetaStore) DeleteEntry(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyEntry(fp))
	})
	if err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// ListEntries returns all persisted cache-index entries.
func (s *MetaStore) ListEntries(ctx context.Context) ([]cache.CacheEntry, error) {
	var entries []cache.CacheEntry

	err := s.listPrefix(ctx, prefixEntry, func(val []byte) error {
		entry, err := decodeEntry(val)
		if err != nil {
			return err
		}
		entries = append(entries, *entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}

	return entries, nil
}

// IndexVersion returns the persisted index version counter (0 if never
// bumped).
func (s *MetaStore) IndexVersion(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var version uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyIndexVersion())
		if err == badger.ErrKeyNotFound {
			version = 0
			return nil
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			version, err = decodeVersion(val)
			return err
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to read index version: %w", err)
	}

	return version, nil
}

// BumpIndexVersion atomically increments and returns the version counter.
func (s *MetaStore) BumpIndexVersion(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var version uint64
	op := func(txn *badger.Txn) error {
		item, err := txn.Get(keyIndexVersion())
		if err == badger.ErrKeyNotFound {
			version = 0
		} else if err != nil {
			return err
		} else {
			if err := item.Value(func(val []byte) error {
				version, err = decodeVersion(val)
				return err
			}); err != nil {
				return err
			}
		}

		version++
		return txn.Set(keyIndexVersion(), encodeVersion(version))
	}

	for {
		err := s.db.Update(op)
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to bump index version: %w", err)
		}
		return version, nil
	}
}
