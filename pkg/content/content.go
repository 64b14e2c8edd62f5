// Package content implements the DittoCache content store: deduplicated,
// refcounted, content-addressed storage built from a blob store (bytes)
// and a meta store (records).
//
// The store guarantees:
//   - put is single-pass: the stream is hashed while it is staged, and
//     the staged bytes become addressable atomically or not at all
//   - two concurrent puts of identical content both succeed, exactly one
//     physical write wins, and both refcount units are accounted
//   - delete only happens at refcount zero
//   - corrupted content is quarantined, never served
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/store/blob"
	"github.com/marmos91/dittocache/pkg/store/meta"
)

// Config contains configuration for the content store.
type Config struct {
	// MaxIORetries is how many times transient blob I/O errors are
	// retried locally before surfacing (default: 3). Business logic
	// errors are never retried.
	MaxIORetries int

	// RetryBackoff is the delay between retries (default: 50ms).
	RetryBackoff time.Duration

	// RetentionAge is how old an unreferenced record must be before the
	// verification pass may remove it. Zero keeps unreferenced records
	// until evicted by the index under budget pressure.
	RetentionAge time.Duration

	// DriftGrace is how old a record must be before the verification
	// pass reconciles its refcount against persisted sessions
	// (default: 5m). The grace keeps units held by an ingestion still in
	// flight from reading as leaks.
	DriftGrace time.Duration
}

// Store is the content store service.
//
// Thread Safety: safe for concurrent use. Mutations for the same
// fingerprint are serialized on a striped lock; operations on unrelated
// fingerprints proceed without contention.
type Store struct {
	blobs   blob.Store
	meta    meta.Store
	config  Config
	metrics Metrics

	// locks serializes per-fingerprint mutations (commit + record write,
	// refcount-gated deletes). 256 stripes keyed by the fingerprint's
	// first byte.
	locks [256]sync.Mutex

	// clock is swappable for tests
	clock func() time.Time
}

// NewStore creates a content store over the given blob and meta stores.
//
// Parameters:
//   - blobs: Byte storage (filesystem or memory)
//   - metaStore: Durable record storage
//   - config: Retry and retention settings
//   - m: Optional metrics collector (can be nil)
func NewStore(blobs blob.Store, metaStore meta.Store, config Config, m Metrics) *Store {
	if config.MaxIORetries == 0 {
		config.MaxIORetries = 3
	}
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 50 * time.Millisecond
	}
	if config.DriftGrace == 0 {
		config.DriftGrace = 5 * time.Minute
	}
	if m == nil {
		m = noopMetrics{}
	}

	return &Store{
		blobs:   blobs,
		meta:    metaStore,
		config:  config,
		metrics: m,
		clock:   time.Now,
	}
}

// lockFor returns the stripe lock for a fingerprint.
func (s *Store) lockFor(fp cache.Fingerprint) *sync.Mutex {
	return &s.locks[fp[0]]
}

// Put streams content into the store and returns its fingerprint.
//
// The stream is written to a staging area and hashed in the same pass.
// Once the digest is final:
//   - if a record already exists, the staged copy is discarded and the
//     record's refcount is incremented (deduplication path)
//   - otherwise the staged bytes are atomically committed and a fresh
//     record with refcount 1 is written
//
// Either way the caller ends up holding exactly one refcount unit, which
// it must hand off to a session attach or release with Unpin.
//
// Cancellation: if the stream fails or ctx is cancelled mid-copy, the
// staging area is cleaned up and no record or refcount changes.
func (s *Store) Put(ctx context.Context, r io.Reader) (cache.Fingerprint, int64, error) {
	start := s.clock()

	var stage blob.Stage
	err := s.withRetry(ctx, func() error {
		var err error
		stage, err = s.blobs.NewStage(ctx)
		return err
	})
	if err != nil {
		return cache.Fingerprint{}, 0, fmt.Errorf("failed to open staging area: %w", err)
	}
	// Abort is a no-op after a successful Commit, so this cleans up every
	// error and cancellation path without special-casing.
	defer func() { _ = stage.Abort() }()

	digester := cache.NewDigester()
	size, err := copyWithContext(ctx, io.MultiWriter(stage, digester), r)
	if err != nil {
		return cache.Fingerprint{}, 0, err
	}

	fp := digester.Sum()

	lock := s.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()

	// Dedupe check against the record, not the blob: the record is the
	// unit of addressability.
	if _, err := s.meta.GetRecord(ctx, fp); err == nil {
		if _, err := s.meta.AdjustRefCount(ctx, fp, 1); err != nil {
			return cache.Fingerprint{}, 0, err
		}
		s.metrics.ObservePut(size, s.clock().Sub(start), true)
		logger.Debug("Put deduplicated: fingerprint=%s size=%d", fp, size)
		return fp, size, nil
	} else if !cache.IsCode(err, cache.ErrNotFound) {
		return cache.Fingerprint{}, 0, err
	}

	existed, err := stage.Commit(ctx, fp)
	if err != nil {
		return cache.Fingerprint{}, 0, fmt.Errorf("failed to commit content: %w", err)
	}
	if existed {
		// Blob present without a record: leftovers of a crash between
		// commit and record write. The bytes are identical, so adopting
		// them is safe.
		logger.Warn("Adopting recordless blob: fingerprint=%s", fp)
	}

	rec := cache.ContentRecord{
		Fingerprint:     fp,
		Size:            size,
		StorageLocation: s.blobs.Location(fp),
		CreatedAt:       s.clock(),
		RefCount:        1,
	}
	if err := s.meta.PutRecord(ctx, rec); err != nil {
		return cache.Fingerprint{}, 0, err
	}

	s.metrics.ObservePut(size, s.clock().Sub(start), false)
	logger.Debug("Put stored: fingerprint=%s size=%d", fp, size)
	return fp, size, nil
}

// Get returns a reader over the content for fp and its size.
//
// Returns ErrNotFound for unknown fingerprints; callers treat that as
// potentially recoverable (re-fetch from origin) rather than fatal.
func (s *Store) Get(ctx context.Context, fp cache.Fingerprint) (io.ReadCloser, int64, error) {
	start := s.clock()

	rec, err := s.meta.GetRecord(ctx, fp)
	if err != nil {
		return nil, 0, err
	}

	var rc io.ReadCloser
	err = s.withRetry(ctx, func() error {
		var err error
		rc, err = s.blobs.Open(ctx, fp)
		return err
	})
	if err != nil {
		if cache.IsCode(err, cache.ErrNotFound) {
			// Record without bytes: a consistency violation the
			// verification pass repairs. Surface as NotFound so the
			// caller can re-fetch from origin.
			logger.Error("Record without blob: fingerprint=%s", fp)
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to open content: %w", err)
	}

	s.metrics.ObserveGet(rec.Size, s.clock().Sub(start))
	return rc, rec.Size, nil
}

// Exists reports whether a record exists for fp. Used as the fallback
// check when the cache index misses on cold (evicted) content.
func (s *Store) Exists(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	_, err := s.meta.GetRecord(ctx, fp)
	if err == nil {
		return true, nil
	}
	if cache.IsCode(err, cache.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Stat returns the record for fp, or ErrNotFound.
func (s *Store) Stat(ctx context.Context, fp cache.Fingerprint) (*cache.ContentRecord, error) {
	return s.meta.GetRecord(ctx, fp)
}

// Pin increments the refcount for fp, returning the new count.
func (s *Store) Pin(ctx context.Context, fp cache.Fingerprint) (int64, error) {
	return s.meta.AdjustRefCount(ctx, fp, 1)
}

// Unpin decrements the refcount for fp, returning the new count. The
// content is not deleted at zero; it merely becomes eligible for
// deletion under eviction or retention.
func (s *Store) Unpin(ctx context.Context, fp cache.Fingerprint) (int64, error) {
	return s.meta.AdjustRefCount(ctx, fp, -1)
}

// DeleteIfUnreferenced removes the record and its bytes if and only if
// the refcount is zero. Returns true when the content was deleted.
//
// Called on index eviction: an evicted entry whose record is still
// referenced stays durably stored (cold), one with refcount zero is
// removed entirely.
func (s *Store) DeleteIfUnreferenced(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	lock := s.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()

	deleted, err := s.meta.DeleteRecordIfUnreferenced(ctx, fp)
	if err != nil {
		return false, err
	}
	if !deleted {
		return false, nil
	}

	err = s.withRetry(ctx, func() error {
		return s.blobs.Remove(ctx, fp)
	})
	if err != nil {
		// The record is gone, so the blob is unreachable either way; the
		// verification pass sweeps orphaned blobs.
		logger.Warn("Failed to remove blob after record delete: fingerprint=%s error=%v", fp, err)
	}

	logger.Debug("Deleted unreferenced content: fingerprint=%s", fp)
	return true, nil
}

// ListRecords returns all content records. Used by index rebuilds and
// the backup snapshotter.
func (s *Store) ListRecords(ctx context.Context) ([]cache.ContentRecord, error) {
	return s.meta.ListRecords(ctx)
}

// Ping verifies the durable medium is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.blobs.Ping(ctx)
}

// withRetry runs op, retrying transient failures a bounded number of
// times. Business logic errors (*cache.StoreError) and context
// cancellation surface immediately.
func (s *Store) withRetry(ctx context.Context, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.MaxIORetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = op()
		if lastErr == nil {
			return nil
		}
		var se *cache.StoreError
		if errors.As(lastErr, &se) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}

		logger.Debug("Transient I/O error (attempt %d/%d): %v", attempt+1, s.config.MaxIORetries+1, lastErr)
	}

	return lastErr
}

// copyWithContext copies r into w, checking for cancellation between
// chunks so an abandoned caller cannot keep an ingestion alive.
func copyWithContext(ctx context.Context, w io.Writer, r io.Reader) (int64, error) {
	buf := make([]byte, 64*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			wn, writeErr := w.Write(buf[:n])
			written += int64(wn)
			if writeErr != nil {
				return written, writeErr
			}
			if wn < n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
