package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/content"
	blobmemory "github.com/marmos91/dittocache/pkg/store/blob/memory"
	metamemory "github.com/marmos91/dittocache/pkg/store/meta/memory"
)

// memTarget is an in-memory Target with per-operation fault injection.
type memTarget struct {
	mu        sync.Mutex
	objects   map[cache.Fingerprint][]byte
	manifests map[string]cache.BackupManifest

	// failAfter fails Store calls once the target holds this many
	// objects; negative disables fault injection.
	failAfter int

	// cancelOnStore, when set, cancels the run context on the next
	// Store call and fails it with the context error.
	cancelOnStore context.CancelFunc
}

func newMemTarget() *memTarget {
	return &memTarget{
		objects:   make(map[cache.Fingerprint][]byte),
		manifests: make(map[string]cache.BackupManifest),
		failAfter: -1,
	}
}

func (t *memTarget) Has(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.objects[fp]
	return ok, nil
}

func (t *memTarget) Store(ctx context.Context, fp cache.Fingerprint, r io.Reader, size int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failAfter >= 0 && len(t.objects) >= t.failAfter {
		return fmt.Errorf("injected target failure")
	}
	if t.cancelOnStore != nil {
		cancel := t.cancelOnStore
		t.cancelOnStore = nil
		cancel()
		return ctx.Err()
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	t.objects[fp] = data
	return nil
}

func (t *memTarget) Delete(ctx context.Context, fp cache.Fingerprint) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objects, fp)
	return nil
}

func (t *memTarget) StoreManifest(ctx context.Context, manifest cache.BackupManifest) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.manifests[manifest.SnapshotID] = manifest
	return nil
}

func (t *memTarget) DeleteManifest(ctx context.Context, snapshotID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.manifests, snapshotID)
	return nil
}

func (t *memTarget) Name() string {
	return "memory"
}

func (t *memTarget) objectCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

func (t *memTarget) manifestCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.manifests)
}

// testEnv bundles a manager with the components tests assert against.
type testEnv struct {
	manager *Manager
	store   *content.Store
	meta    *metamemory.MetaStore
	target  *memTarget
	index   *cache.Index
}

func newTestEnv(t *testing.T, config Config) *testEnv {
	t.Helper()

	metaStore := metamemory.NewMetaStore()
	store := content.NewStore(blobmemory.NewMemoryBlobStore(), metaStore, content.Config{}, nil)
	index := cache.NewIndex(0, metaStore)
	target := newMemTarget()

	return &testEnv{
		manager: NewManager(store, index, metaStore, target, config),
		store:   store,
		meta:    metaStore,
		target:  target,
		index:   index,
	}
}

func (env *testEnv) put(t *testing.T, data []byte) cache.Fingerprint {
	t.Helper()

	fp, _, err := env.store.Put(context.Background(), bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	return fp
}

func (env *testEnv) refCount(t *testing.T, fp cache.Fingerprint) int64 {
	t.Helper()

	rec, err := env.store.Stat(context.Background(), fp)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	return rec.RefCount
}

func TestSnapshotCopiesEverything(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	fp1 := env.put(t, []byte("backup one"))
	fp2 := env.put(t, []byte("backup two"))

	manifest, err := env.manager.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if len(manifest.IncludedFingerprints) != 2 {
		t.Errorf("Manifest covers %d fingerprints, want 2", len(manifest.IncludedFingerprints))
	}
	for _, fp := range []cache.Fingerprint{fp1, fp2} {
		if has, _ := env.target.Has(ctx, fp); !has {
			t.Errorf("Target missing %s", fp)
		}
	}

	// Pins released after the run.
	if got := env.refCount(t, fp1); got != 1 {
		t.Errorf("RefCount = %d after snapshot, want 1", got)
	}

	// The manifest is recorded in the log and on the target.
	manifests, err := env.meta.ListManifests(ctx)
	if err != nil {
		t.Fatalf("ListManifests failed: %v", err)
	}
	if len(manifests) != 1 || manifests[0].SnapshotID != manifest.SnapshotID {
		t.Error("Manifest log does not match the returned manifest")
	}
	if env.target.manifestCount() != 1 {
		t.Errorf("Target manifests = %d, want 1", env.target.manifestCount())
	}
}

func TestSnapshotSkipsAlreadyCopied(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.put(t, []byte("stable content"))
	if _, err := env.manager.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	env.put(t, []byte("new content"))

	// The second run copies only the new blob; no Store call may fail
	// even with fault injection armed at the current object count + 1.
	env.target.failAfter = env.target.objectCount() + 1

	manifest, err := env.manager.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Incremental snapshot failed: %v", err)
	}
	if len(manifest.IncludedFingerprints) != 2 {
		t.Errorf("Manifest covers %d fingerprints, want 2", len(manifest.IncludedFingerprints))
	}
}

func TestSnapshotFailureWritesNoManifest(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	env.put(t, []byte("copies fine"))
	env.put(t, []byte("never makes it"))

	env.target.failAfter = 1

	if _, err := env.manager.Snapshot(ctx); err == nil {
		t.Fatal("Expected snapshot failure")
	}

	// All-or-nothing: no manifest anywhere, pins released.
	manifests, err := env.meta.ListManifests(ctx)
	if err != nil {
		t.Fatalf("ListManifests failed: %v", err)
	}
	if len(manifests) != 0 {
		t.Errorf("Failed snapshot left %d manifests in the log", len(manifests))
	}
	if env.target.manifestCount() != 0 {
		t.Errorf("Failed snapshot left %d manifests on the target", env.target.manifestCount())
	}

	records, err := env.store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	for _, rec := range records {
		if rec.RefCount != 1 {
			t.Errorf("RefCount = %d for %s after failed snapshot, want 1", rec.RefCount, rec.Fingerprint)
		}
	}

	// Copies that landed stay for the next run to reuse.
	if env.target.objectCount() != 1 {
		t.Errorf("Target objects = %d, want 1", env.target.objectCount())
	}
}

func TestSnapshotPinsAgainstDeletion(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	fp := env.put(t, []byte("protected during copy"))
	if _, err := env.store.Unpin(ctx, fp); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}

	if _, err := env.manager.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if got := env.refCount(t, fp); got != 0 {
		t.Errorf("RefCount = %d after snapshot, want 0", got)
	}
	deleted, err := env.store.DeleteIfUnreferenced(ctx, fp)
	if err != nil {
		t.Fatalf("DeleteIfUnreferenced failed: %v", err)
	}
	if !deleted {
		t.Error("Record not deletable after snapshot released its pin")
	}
}

func TestSnapshotReleasesPinsAfterCancellation(t *testing.T) {
	env := newTestEnv(t, Config{})

	fp := env.put(t, []byte("cancelled mid-copy"))

	// The target cancels the run context during the copy, as a run
	// hitting its timeout would.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.target.cancelOnStore = cancel

	if _, err := env.manager.Snapshot(ctx); err == nil {
		t.Fatal("Expected snapshot failure")
	}

	// The pin taken for the snapshot must be released even though the
	// run context is dead; otherwise the record is undeletable forever.
	if got := env.refCount(t, fp); got != 1 {
		t.Errorf("RefCount = %d after cancelled snapshot, want 1", got)
	}

	if _, err := env.store.Unpin(context.Background(), fp); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	deleted, err := env.store.DeleteIfUnreferenced(context.Background(), fp)
	if err != nil {
		t.Fatalf("DeleteIfUnreferenced failed: %v", err)
	}
	if !deleted {
		t.Error("Record not deletable after cancelled snapshot")
	}
}

func TestPruneKeepsNewestManifest(t *testing.T) {
	env := newTestEnv(t, Config{RetentionAge: 24 * time.Hour})
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	// Three snapshots two days apart, all older than retention.
	env.put(t, []byte("snapshot subject"))
	for i := 0; i < 3; i++ {
		taken := base.Add(time.Duration(i) * 48 * time.Hour)
		env.manager.clock = func() time.Time { return taken }
		if _, err := env.manager.Snapshot(ctx); err != nil {
			t.Fatalf("Snapshot %d failed: %v", i, err)
		}
	}

	// Now, ten days later, everything is past retention.
	env.manager.clock = func() time.Time { return base.Add(10 * 24 * time.Hour) }

	pruned, err := env.manager.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 2 {
		t.Errorf("Pruned = %d, want 2", pruned)
	}

	manifests, err := env.meta.ListManifests(ctx)
	if err != nil {
		t.Fatalf("ListManifests failed: %v", err)
	}
	if len(manifests) != 1 {
		t.Fatalf("Surviving manifests = %d, want 1", len(manifests))
	}
	if env.target.manifestCount() != 1 {
		t.Errorf("Target manifests = %d, want 1", env.target.manifestCount())
	}

	// The survivor still references its objects; they must remain.
	if env.target.objectCount() != 1 {
		t.Errorf("Target objects = %d, want 1", env.target.objectCount())
	}
}

func TestPruneDeletesUnreferencedObjects(t *testing.T) {
	env := newTestEnv(t, Config{RetentionAge: 24 * time.Hour})
	ctx := context.Background()

	base := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// First snapshot covers content that is later deleted, so the second
	// snapshot no longer references it.
	old := env.put(t, []byte("only in the old snapshot"))
	env.manager.clock = func() time.Time { return base }
	if _, err := env.manager.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if _, err := env.store.Unpin(ctx, old); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if _, err := env.store.DeleteIfUnreferenced(ctx, old); err != nil {
		t.Fatalf("DeleteIfUnreferenced failed: %v", err)
	}

	env.put(t, []byte("current content"))
	env.manager.clock = func() time.Time { return base.Add(48 * time.Hour) }
	if _, err := env.manager.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	env.manager.clock = func() time.Time { return base.Add(10 * 24 * time.Hour) }

	pruned, err := env.manager.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("Pruned = %d, want 1", pruned)
	}

	if has, _ := env.target.Has(ctx, old); has {
		t.Error("Unreferenced object survived pruning")
	}
	if env.target.objectCount() != 1 {
		t.Errorf("Target objects = %d, want 1", env.target.objectCount())
	}
}

func TestPruneNothingToDo(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	pruned, err := env.manager.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if pruned != 0 {
		t.Errorf("Pruned = %d on empty log, want 0", pruned)
	}
}

func TestLastBackupAt(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()

	last, err := env.manager.LastBackupAt(ctx)
	if err != nil {
		t.Fatalf("LastBackupAt failed: %v", err)
	}
	if last != nil {
		t.Errorf("LastBackupAt = %v before any backup, want nil", last)
	}

	env.put(t, []byte("timestamped"))
	taken := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	env.manager.clock = func() time.Time { return taken }
	if _, err := env.manager.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	last, err = env.manager.LastBackupAt(ctx)
	if err != nil {
		t.Fatalf("LastBackupAt failed: %v", err)
	}
	if last == nil || !last.Equal(taken) {
		t.Errorf("LastBackupAt = %v, want %v", last, taken)
	}
}
