package badger

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/marmos91/dittocache/pkg/cache"
)

// PutRecord writes a content record, overwriting any existing one.
func (s *MetaStore) PutRecord(ctx context.Context, rec cache.ContentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeRecord(&rec)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyRecord(rec.Fingerprint), data)
	})
	if err != nil {
		return fmt.Errorf("failed to write content record: %w", err)
	}
	return nil
}

// GetRecord returns the record for fp, or ErrNotFound.
func (s *MetaStore) GetRecord(ctx context.Context, fp cache.Fingerprint) (*cache.ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *cache.ContentRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyRecord(fp))
		if err == badger.ErrKeyNotFound {
			return &cache.StoreError{
				Code:        cache.ErrNotFound,
				Message:     "content record not found",
				Fingerprint: fp,
			}
		}
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			rec, err = decodeRecord(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}

	return rec, nil
}

// AdjustRefCount atomically adds delta to the record's refcount.
//
// The read-modify-write runs inside a single badger transaction;
// conflicting concurrent adjustments on the same fingerprint are retried
// so no update is ever lost.
func (s *MetaStore) AdjustRefCount(ctx context.Context, fp cache.Fingerprint, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	var newCount int64
	op := func(txn *badger.Txn) error {
		item, err := txn.Get(keyRecord(fp))
		if err == badger.ErrKeyNotFound {
			return &cache.StoreError{
				Code:        cache.ErrNotFound,
				Message:     "content record not found",
				Fingerprint: fp,
			}
		}
		if err != nil {
			return err
		}

		var rec *cache.ContentRecord
		if err := item.Value(func(val []byte) error {
			rec, err = decodeRecord(val)
			return err
		}); err != nil {
			return err
		}

		if rec.RefCount+delta < 0 {
			return &cache.StoreError{
				Code:        cache.ErrInvalidArgument,
				Message:     fmt.Sprintf("refcount adjustment %d would drive count %d negative", delta, rec.RefCount),
				Fingerprint: fp,
			}
		}

		rec.RefCount += delta
		newCount = rec.RefCount

		data, err := encodeRecord(rec)
		if err != nil {
			return err
		}
		return txn.Set(keyRecord(fp), data)
	}

	// Retry on transaction conflict: concurrent pins on the same
	// fingerprint are expected under deduplicated ingestion.
	for {
		err := s.db.Update(op)
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			if _, ok := err.(*cache.StoreError); ok {
				return 0, err
			}
			return 0, fmt.Errorf("failed to adjust refcount: %w", err)
		}
		return newCount, nil
	}
}

// DeleteRecordIfUnreferenced deletes the record only if its refcount is
// zero, atomically with the check.
func (s *MetaStore) DeleteRecordIfUnreferenced(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	deleted := false
	op := func(txn *badger.Txn) error {
		deleted = false

		item, err := txn.Get(keyRecord(fp))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}

		var rec *cache.ContentRecord
		if err := item.Value(func(val []byte) error {
			rec, err = decodeRecord(val)
			return err
		}); err != nil {
			return err
		}

		if rec.RefCount > 0 {
			return nil
		}

		if err := txn.Delete(keyRecord(fp)); err != nil {
			return err
		}
		deleted = true
		return nil
	}

	for {
		err := s.db.Update(op)
		if err == badger.ErrConflict {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to delete record: %w", err)
		}
		return deleted, nil
	}
}

// DeleteRecord removes a record unconditionally. Missing records are
// ignored.
func (s *MetaStore) DeleteRecord(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyRecord(fp))
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// ListRecords returns all content records.
func (s *MetaStore) ListRecords(ctx context.Context) ([]cache.ContentRecord, error) {
	var records []cache.ContentRecord

	err := s.listPrefix(ctx, prefixRecord, func(val []byte) error {
		rec, err := decodeRecord(val)
		if err != nil {
			return err
		}
		records = append(records, *rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list content records: %w", err)
	}

	return records, nil
}

// CountRecords returns the number of content records.
func (s *MetaStore) CountRecords(ctx context.Context) (int64, error) {
	var count int64

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRecord)
		opts.PrefetchValues = false // Key-only scan

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count content records: %w", err)
	}

	return count, nil
}
