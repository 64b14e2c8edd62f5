package content

import (
	"context"
	"fmt"
	"io"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/cache"
)

// VerifyStats summarizes one verification pass.
type VerifyStats struct {
	// Checked is how many records were rehashed.
	Checked int

	// Corrupted is how many records failed rehashing and were quarantined.
	Corrupted int

	// MissingBlobs is how many records pointed at bytes that no longer
	// exist. Their records were removed.
	MissingBlobs int

	// OrphanedBlobs is how many committed blobs had no record. They were
	// removed.
	OrphanedBlobs int

	// OrphanedEntries is how many index entries had no record. They were
	// dropped from the index.
	OrphanedEntries int

	// RefCountDrift is how many records held more refcount units than
	// persisted sessions account for. The surplus units were released.
	RefCountDrift int

	// Pruned is how many unreferenced records aged past retention and
	// were deleted together with their bytes.
	Pruned int

	// Errors is how many records could not be checked due to I/O errors.
	// They are left in place for the next pass.
	Errors int
}

// Verify walks every content record, rehashes its bytes and repairs
// inconsistencies:
//
//   - a record whose bytes no longer hash to its fingerprint is
//     quarantined: the blob leaves the addressable namespace, the record
//     and index entry are removed, and the bytes are preserved for
//     offline inspection
//   - a record without bytes is removed (the content is gone either way;
//     callers re-fetch from origin on the resulting NotFound)
//   - a committed blob without a record is swept
//   - an index entry without a record is dropped
//   - a record older than the drift grace holding more refcount units
//     than persisted sessions account for has the surplus released,
//     recovering pins leaked by interrupted rollbacks
//   - an unreferenced record older than the configured retention age is
//     deleted together with its bytes
//
// Pins held by an in-progress snapshot are not persisted and would read
// as drift; the pass must not overlap a running backup.
//
// index may be nil when no cache index is attached (offline repair
// tooling). Individual record failures are counted and skipped so one
// bad disk sector cannot abort the whole pass.
func (s *Store) Verify(ctx context.Context, index *cache.Index) (VerifyStats, error) {
	var stats VerifyStats

	records, err := s.meta.ListRecords(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to list records for verification: %w", err)
	}

	// Expected refcounts are recomputed from persisted sessions: each
	// session reference holds exactly one unit.
	expected, sessionsListed := s.expectedRefCounts(ctx)

	known := make(map[cache.Fingerprint]struct{}, len(records))
	now := s.clock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		known[rec.Fingerprint] = struct{}{}

		outcome := s.verifyRecord(ctx, rec, index)
		switch outcome {
		case verifyOK:
			stats.Checked++
		case verifyCorrupted:
			stats.Checked++
			stats.Corrupted++
		case verifyMissing:
			stats.MissingBlobs++
		case verifyError:
			stats.Errors++
		}

		if outcome == verifyOK && sessionsListed &&
			rec.RefCount > expected[rec.Fingerprint] &&
			now.Sub(rec.CreatedAt) > s.config.DriftGrace {
			if s.reconcileRefCount(ctx, rec.Fingerprint, expected[rec.Fingerprint]) {
				stats.RefCountDrift++
			}
		}

		if rec.RefCount == 0 && s.config.RetentionAge > 0 && now.Sub(rec.CreatedAt) > s.config.RetentionAge {
			deleted, err := s.DeleteIfUnreferenced(ctx, rec.Fingerprint)
			if err != nil {
				logger.Warn("Retention prune failed: fingerprint=%s error=%v", rec.Fingerprint, err)
				stats.Errors++
				continue
			}
			if deleted {
				if index != nil {
					_ = index.Remove(ctx, rec.Fingerprint)
				}
				stats.Pruned++
			}
		}
	}

	blobs, err := s.blobs.List(ctx)
	if err != nil {
		logger.Warn("Orphan sweep skipped, blob listing failed: %v", err)
		stats.Errors++
	} else {
		for _, fp := range blobs {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if _, ok := known[fp]; ok {
				continue
			}
			if s.sweepOrphanBlob(ctx, fp) {
				stats.OrphanedBlobs++
			}
		}
	}

	if index != nil {
		for _, entry := range index.Entries() {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			if _, ok := known[entry.Fingerprint]; ok {
				continue
			}
			if err := index.Remove(ctx, entry.Fingerprint); err == nil {
				stats.OrphanedEntries++
				logger.Warn("Dropped orphaned index entry: fingerprint=%s", entry.Fingerprint)
			}
		}
	}

	s.metrics.ObserveVerification(stats.Checked, stats.Corrupted)
	return stats, nil
}

type verifyOutcome int

const (
	verifyOK verifyOutcome = iota
	verifyCorrupted
	verifyMissing
	verifyError
)

// verifyRecord rehashes one record's bytes and repairs on mismatch.
func (s *Store) verifyRecord(ctx context.Context, rec cache.ContentRecord, index *cache.Index) verifyOutcome {
	lock := s.lockFor(rec.Fingerprint)
	lock.Lock()
	defer lock.Unlock()

	rc, err := s.blobs.Open(ctx, rec.Fingerprint)
	if err != nil {
		if cache.IsCode(err, cache.ErrNotFound) {
			logger.Error("Record without blob, removing: fingerprint=%s", rec.Fingerprint)
			if err := s.meta.DeleteRecord(ctx, rec.Fingerprint); err != nil {
				logger.Warn("Failed to remove blobless record: fingerprint=%s error=%v", rec.Fingerprint, err)
				return verifyError
			}
			if index != nil {
				_ = index.Remove(ctx, rec.Fingerprint)
			}
			return verifyMissing
		}
		logger.Warn("Verification open failed: fingerprint=%s error=%v", rec.Fingerprint, err)
		return verifyError
	}
	defer rc.Close()

	digester := cache.NewDigester()
	if _, err := io.Copy(digester, rc); err != nil {
		logger.Warn("Verification read failed: fingerprint=%s error=%v", rec.Fingerprint, err)
		return verifyError
	}

	if digester.Sum() == rec.Fingerprint {
		return verifyOK
	}

	logger.Error("Corruption detected, quarantining: fingerprint=%s", rec.Fingerprint)

	if err := s.blobs.Quarantine(ctx, rec.Fingerprint); err != nil {
		logger.Warn("Quarantine failed: fingerprint=%s error=%v", rec.Fingerprint, err)
		return verifyError
	}
	if err := s.meta.DeleteRecord(ctx, rec.Fingerprint); err != nil {
		logger.Warn("Failed to remove quarantined record: fingerprint=%s error=%v", rec.Fingerprint, err)
		return verifyError
	}
	if index != nil {
		_ = index.Remove(ctx, rec.Fingerprint)
	}
	return verifyCorrupted
}

// sweepOrphanBlob removes a committed blob that has no record, checking
// again under the fingerprint lock so an in-flight put cannot lose its
// freshly committed bytes.
func (s *Store) sweepOrphanBlob(ctx context.Context, fp cache.Fingerprint) bool {
	lock := s.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.meta.GetRecord(ctx, fp); err == nil {
		return false
	} else if !cache.IsCode(err, cache.ErrNotFound) {
		return false
	}

	if err := s.blobs.Remove(ctx, fp); err != nil {
		logger.Warn("Orphan blob removal failed: fingerprint=%s error=%v", fp, err)
		return false
	}

	logger.Info("Swept orphaned blob: fingerprint=%s", fp)
	return true
}

// expectedRefCounts sums the references persisted sessions hold, one
// unit per session per fingerprint. Reported false when sessions could
// not be listed, in which case reconciliation is skipped for the pass.
func (s *Store) expectedRefCounts(ctx context.Context) (map[cache.Fingerprint]int64, bool) {
	sessions, err := s.meta.ListSessions(ctx)
	if err != nil {
		logger.Warn("Refcount reconciliation skipped, session listing failed: %v", err)
		return nil, false
	}

	expected := make(map[cache.Fingerprint]int64)
	for _, sess := range sessions {
		for fp := range sess.ActiveReferences {
			expected[fp]++
		}
	}
	return expected, true
}

// reconcileRefCount releases refcount units exceeding what sessions
// hold. The record is re-read under the fingerprint lock so an attach
// racing the pass cannot lose a freshly acquired unit.
func (s *Store) reconcileRefCount(ctx context.Context, fp cache.Fingerprint, want int64) bool {
	lock := s.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()

	rec, err := s.meta.GetRecord(ctx, fp)
	if err != nil || rec.RefCount <= want {
		return false
	}

	surplus := rec.RefCount - want
	if _, err := s.meta.AdjustRefCount(ctx, fp, -surplus); err != nil {
		logger.Warn("Refcount reconciliation failed: fingerprint=%s error=%v", fp, err)
		return false
	}

	logger.Warn("Released leaked refcount units: fingerprint=%s surplus=%d", fp, surplus)
	return true
}
