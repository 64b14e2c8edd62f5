package backup

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/marmos91/dittocache/internal/logger"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/content"
	"github.com/marmos91/dittocache/pkg/store/meta"
)

// Config contains configuration for the backup manager.
type Config struct {
	// Enabled controls whether scheduled backups run (default: false;
	// RunNow works regardless)
	Enabled bool

	// Interval is how often a snapshot is taken (default: 24h)
	Interval time.Duration

	// RetentionAge is how old a manifest must be before pruning removes
	// it (default: 30 days). The newest manifest is never pruned.
	RetentionAge time.Duration

	// RunTimeout bounds a single snapshot run (default: 30m)
	RunTimeout time.Duration
}

// Manager takes snapshots of the content store and prunes aged
// manifests.
//
// Every record included in a snapshot is pinned for the duration of the
// copy, so eviction and retention cannot delete content out from under
// an in-progress backup. The pins are released whether the snapshot
// succeeds or fails.
//
// Thread Safety: Safe for concurrent use; snapshot runs themselves are
// serialized by the single worker goroutine.
type Manager struct {
	store  *content.Store
	index  *cache.Index
	meta   meta.Store
	target Target
	config Config
	stopCh chan struct{}
	doneCh chan struct{}

	// clock is swappable for tests
	clock func() time.Time
}

// NewManager creates a backup manager writing to the given target.
func NewManager(store *content.Store, index *cache.Index, metaStore meta.Store, target Target, config Config) *Manager {
	if config.Interval == 0 {
		config.Interval = 24 * time.Hour
	}
	if config.RetentionAge == 0 {
		config.RetentionAge = 30 * 24 * time.Hour
	}
	if config.RunTimeout == 0 {
		config.RunTimeout = 30 * time.Minute
	}

	return &Manager{
		store:  store,
		index:  index,
		meta:   metaStore,
		target: target,
		config: config,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		clock:  time.Now,
	}
}

// Snapshot copies every stored blob to the target and appends a
// manifest covering exactly the copied set.
//
// The manifest is written only after every blob copy is durable. Any
// failure aborts the whole snapshot with no manifest: copies already on
// the target stay (they are content-addressed and reusable by the next
// run), but nothing ever claims they form a complete snapshot.
func (m *Manager) Snapshot(ctx context.Context) (*cache.BackupManifest, error) {
	start := m.clock()
	logger.Info("Snapshot starting: target=%s", m.target.Name())

	records, err := m.store.ListRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for snapshot: %w", err)
	}

	// Pin first so nothing in the listed set can be deleted mid-copy.
	// Records deleted between the listing and the pin are skipped; they
	// were never promised to this snapshot.
	pinned := make([]cache.ContentRecord, 0, len(records))
	defer func() {
		// The run context may be cancelled or past its deadline at this
		// point; pins must be released regardless, or the records stay
		// undeletable forever.
		release := context.WithoutCancel(ctx)
		for _, rec := range pinned {
			if _, err := m.store.Unpin(release, rec.Fingerprint); err != nil && !cache.IsCode(err, cache.ErrNotFound) {
				logger.Warn("Failed to release snapshot pin: fingerprint=%s error=%v", rec.Fingerprint, err)
			}
		}
	}()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if _, err := m.store.Pin(ctx, rec.Fingerprint); err != nil {
			if cache.IsCode(err, cache.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to pin %s for snapshot: %w", rec.Fingerprint, err)
		}
		pinned = append(pinned, rec)
	}

	copied := 0
	for _, rec := range pinned {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		exists, err := m.target.Has(ctx, rec.Fingerprint)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		if err := m.copyOne(ctx, rec); err != nil {
			return nil, err
		}
		copied++
	}

	fingerprints := make([]cache.Fingerprint, len(pinned))
	for i, rec := range pinned {
		fingerprints[i] = rec.Fingerprint
	}
	sort.Slice(fingerprints, func(i, j int) bool {
		return bytes.Compare(fingerprints[i][:], fingerprints[j][:]) < 0
	})

	manifest := cache.BackupManifest{
		SnapshotID:           uuid.NewString(),
		TakenAt:              m.clock(),
		IncludedFingerprints: fingerprints,
		SourceIndexVersion:   m.index.Version(),
	}

	if err := m.target.StoreManifest(ctx, manifest); err != nil {
		return nil, err
	}
	if err := m.meta.AppendManifest(ctx, manifest); err != nil {
		// Keep target and log consistent: a manifest the store never
		// acknowledged must not survive on the target.
		if derr := m.target.DeleteManifest(ctx, manifest.SnapshotID); derr != nil {
			logger.Warn("Failed to remove unacknowledged manifest from target: snapshot=%s error=%v", manifest.SnapshotID, derr)
		}
		return nil, fmt.Errorf("failed to record manifest: %w", err)
	}

	logger.Info("Snapshot completed: snapshot=%s records=%d copied=%d duration=%s",
		manifest.SnapshotID, len(pinned), copied, m.clock().Sub(start))
	return &manifest, nil
}

// copyOne streams one record's bytes to the target.
func (m *Manager) copyOne(ctx context.Context, rec cache.ContentRecord) error {
	rc, size, err := m.store.Get(ctx, rec.Fingerprint)
	if err != nil {
		return fmt.Errorf("failed to open %s for snapshot: %w", rec.Fingerprint, err)
	}
	defer rc.Close()

	if err := m.target.Store(ctx, rec.Fingerprint, rc, size); err != nil {
		return fmt.Errorf("failed to copy %s to target: %w", rec.Fingerprint, err)
	}
	return nil
}

// Prune removes manifests older than the retention age, along with
// target copies no surviving manifest references. The newest manifest is
// always kept, however old, so a restorable snapshot exists as long as
// any backup ever completed.
//
// Returns how many manifests were pruned.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	manifests, err := m.meta.ListManifests(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list manifests: %w", err)
	}
	if len(manifests) == 0 {
		return 0, nil
	}

	cutoff := m.clock().Add(-m.config.RetentionAge)

	var pruned, surviving []cache.BackupManifest
	for i, manifest := range manifests {
		// manifests are ordered TakenAt ascending; the last one survives
		// unconditionally.
		if i < len(manifests)-1 && manifest.TakenAt.Before(cutoff) {
			pruned = append(pruned, manifest)
		} else {
			surviving = append(surviving, manifest)
		}
	}
	if len(pruned) == 0 {
		return 0, nil
	}

	referenced := make(map[cache.Fingerprint]struct{})
	for _, manifest := range surviving {
		for _, fp := range manifest.IncludedFingerprints {
			referenced[fp] = struct{}{}
		}
	}

	count := 0
	for _, manifest := range pruned {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		for _, fp := range manifest.IncludedFingerprints {
			if _, ok := referenced[fp]; ok {
				continue
			}
			if err := m.target.Delete(ctx, fp); err != nil {
				logger.Warn("Failed to delete pruned backup object: fingerprint=%s error=%v", fp, err)
				continue
			}
			// Another pruned manifest may reference it too; delete once.
			referenced[fp] = struct{}{}
		}

		if err := m.target.DeleteManifest(ctx, manifest.SnapshotID); err != nil {
			logger.Warn("Failed to delete pruned manifest from target: snapshot=%s error=%v", manifest.SnapshotID, err)
			continue
		}
		if err := m.meta.DeleteManifest(ctx, manifest.SnapshotID); err != nil {
			logger.Warn("Failed to delete pruned manifest record: snapshot=%s error=%v", manifest.SnapshotID, err)
			continue
		}
		count++
	}

	if count > 0 {
		logger.Info("Pruned %d aged manifests", count)
	}
	return count, nil
}

// LastBackupAt returns the completion time of the newest manifest, or
// nil if no backup ever completed.
func (m *Manager) LastBackupAt(ctx context.Context) (*time.Time, error) {
	manifests, err := m.meta.ListManifests(ctx)
	if err != nil {
		return nil, err
	}
	if len(manifests) == 0 {
		return nil, nil
	}

	t := manifests[len(manifests)-1].TakenAt
	return &t, nil
}

// RunNow triggers an immediate snapshot followed by retention pruning.
func (m *Manager) RunNow(ctx context.Context) (*cache.BackupManifest, error) {
	manifest, err := m.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if _, err := m.Prune(ctx); err != nil {
		logger.Warn("Retention pruning failed: %v", err)
	}
	return manifest, nil
}

// Start begins scheduled backups.
func (m *Manager) Start() {
	if !m.config.Enabled {
		logger.Info("Scheduled backups disabled")
		return
	}

	logger.Info("Starting backup scheduler: interval=%s retention=%s target=%s",
		m.config.Interval, m.config.RetentionAge, m.target.Name())

	go m.worker()
}

// Stop stops the scheduler and waits for an in-progress run to finish.
func (m *Manager) Stop(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	logger.Info("Stopping backup scheduler...")

	close(m.stopCh)

	select {
	case <-m.doneCh:
		logger.Info("Backup scheduler stopped")
		return nil
	case <-ctx.Done():
		logger.Warn("Backup scheduler shutdown timeout")
		return ctx.Err()
	}
}

// worker is the background goroutine that takes scheduled snapshots.
func (m *Manager) worker() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.config.RunTimeout)
			_, err := m.RunNow(ctx)
			cancel()

			if err != nil {
				logger.Error("Scheduled backup failed: %v", err)
			}

		case <-m.stopCh:
			return
		}
	}
}
