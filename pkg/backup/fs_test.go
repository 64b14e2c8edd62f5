package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/dittocache/pkg/cache"
)

func newFSTarget(t *testing.T) (*FSTarget, string) {
	t.Helper()

	root := t.TempDir()
	target, err := NewFSTarget(root)
	if err != nil {
		t.Fatalf("Failed to create fs target: %v", err)
	}
	return target, root
}

func TestFSTargetObjectRoundtrip(t *testing.T) {
	target, _ := newFSTarget(t)
	ctx := context.Background()

	content := []byte("backed up bytes")
	fp := cache.SumContent(content)

	has, err := target.Has(ctx, fp)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if has {
		t.Fatal("Has = true before store")
	}

	if err := target.Store(ctx, fp, bytes.NewReader(content), int64(len(content))); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	has, err = target.Has(ctx, fp)
	if err != nil {
		t.Fatalf("Has failed: %v", err)
	}
	if !has {
		t.Error("Has = false after store")
	}

	if err := target.Delete(ctx, fp); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if has, _ := target.Has(ctx, fp); has {
		t.Error("Has = true after delete")
	}

	// Deleting a missing object is not an error.
	if err := target.Delete(ctx, fp); err != nil {
		t.Errorf("Delete of missing object failed: %v", err)
	}
}

func TestFSTargetRejectsShortCopy(t *testing.T) {
	target, root := newFSTarget(t)
	ctx := context.Background()

	content := []byte("short")
	fp := cache.SumContent(content)

	err := target.Store(ctx, fp, bytes.NewReader(content), int64(len(content))+5)
	if err == nil {
		t.Fatal("Expected error for size mismatch")
	}
	if has, _ := target.Has(ctx, fp); has {
		t.Error("Short copy became visible")
	}

	// The failed write must not leave staging leftovers.
	entries, err := os.ReadDir(filepath.Join(root, "staging"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Staging holds %d leftovers after failed store", len(entries))
	}
}

func TestFSTargetManifestRoundtrip(t *testing.T) {
	target, root := newFSTarget(t)
	ctx := context.Background()

	manifest := cache.BackupManifest{
		SnapshotID:           "snap-test",
		TakenAt:              time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		IncludedFingerprints: []cache.Fingerprint{cache.SumContent([]byte("covered"))},
		SourceIndexVersion:   3,
	}

	if err := target.StoreManifest(ctx, manifest); err != nil {
		t.Fatalf("StoreManifest failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "manifests", "snap-test.json"))
	if err != nil {
		t.Fatalf("Manifest file unreadable: %v", err)
	}

	var got cache.BackupManifest
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Manifest is not valid JSON: %v", err)
	}
	if got.SnapshotID != manifest.SnapshotID || got.SourceIndexVersion != 3 {
		t.Errorf("Manifest roundtrip mismatch: %+v", got)
	}
	if len(got.IncludedFingerprints) != 1 || got.IncludedFingerprints[0] != manifest.IncludedFingerprints[0] {
		t.Error("Manifest fingerprints did not survive the roundtrip")
	}

	if err := target.DeleteManifest(ctx, "snap-test"); err != nil {
		t.Fatalf("DeleteManifest failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "manifests", "snap-test.json")); !os.IsNotExist(err) {
		t.Error("Manifest file survived deletion")
	}
}

func TestFSTargetCleansStaleStaging(t *testing.T) {
	root := t.TempDir()
	if _, err := NewFSTarget(root); err != nil {
		t.Fatalf("Failed to create fs target: %v", err)
	}

	stale := filepath.Join(root, "staging", "leftover.tmp")
	if err := os.WriteFile(stale, []byte("partial"), 0o644); err != nil {
		t.Fatalf("Failed to plant stale staging file: %v", err)
	}

	if _, err := NewFSTarget(root); err != nil {
		t.Fatalf("Failed to reopen fs target: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("Stale staging file survived startup cleanup")
	}
}

func TestFSTargetWithManager(t *testing.T) {
	root := t.TempDir()
	target, err := NewFSTarget(root)
	if err != nil {
		t.Fatalf("Failed to create fs target: %v", err)
	}

	env := newTestEnv(t, Config{})
	env.manager.target = target
	ctx := context.Background()

	content := []byte("end to end backup")
	fp := env.put(t, content)

	manifest, err := env.manager.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	hex := fp.String()
	copied, err := os.ReadFile(filepath.Join(root, "objects", hex[:2], hex))
	if err != nil {
		t.Fatalf("Backup object unreadable: %v", err)
	}
	if !bytes.Equal(copied, content) {
		t.Error("Backup object does not match source content")
	}
	if _, err := os.Stat(filepath.Join(root, "manifests", manifest.SnapshotID+".json")); err != nil {
		t.Errorf("Manifest missing on target: %v", err)
	}
}

var _ Target = (*FSTarget)(nil)
