package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/marmos91/dittocache/pkg/cache"
)

// FSTarget stores backups in a local directory tree:
//
//	<root>/objects/<aa>/<fingerprint>   copied blobs (aa = first hex byte)
//	<root>/manifests/<snapshot-id>.json manifest documents
//	<root>/staging/                     in-progress writes
//
// Writes go to staging first and are moved into place with an atomic
// rename, so a crash never leaves a partial object under a final path.
type FSTarget struct {
	root string
}

// NewFSTarget creates a filesystem backup target rooted at root,
// creating the directory layout if needed. Stale staging files from a
// previous crash are removed.
func NewFSTarget(root string) (*FSTarget, error) {
	for _, dir := range []string{
		filepath.Join(root, "objects"),
		filepath.Join(root, "manifests"),
		filepath.Join(root, "staging"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory %s: %w", dir, err)
		}
	}

	staging := filepath.Join(root, "staging")
	stale, err := os.ReadDir(staging)
	if err != nil {
		return nil, fmt.Errorf("failed to scan backup staging directory: %w", err)
	}
	for _, entry := range stale {
		_ = os.Remove(filepath.Join(staging, entry.Name()))
	}

	return &FSTarget{root: root}, nil
}

func (t *FSTarget) objectPath(fp cache.Fingerprint) string {
	hex := fp.String()
	return filepath.Join(t.root, "objects", hex[:2], hex)
}

func (t *FSTarget) manifestPath(snapshotID string) string {
	return filepath.Join(t.root, "manifests", snapshotID+".json")
}

// Has reports whether the target holds a copy of fp.
func (t *FSTarget) Has(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(t.objectPath(fp))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat backup object: %w", err)
}

// Store durably copies the content for fp into the target.
func (t *FSTarget) Store(ctx context.Context, fp cache.Fingerprint, r io.Reader, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	target := t.objectPath(fp)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create backup shard directory: %w", err)
	}

	return t.writeAtomic(target, func(w io.Writer) error {
		n, err := io.Copy(w, r)
		if err != nil {
			return err
		}
		if size >= 0 && n != size {
			return fmt.Errorf("short backup copy: wrote %d of %d bytes", n, size)
		}
		return nil
	})
}

// Delete removes the copy for fp.
func (t *FSTarget) Delete(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(t.objectPath(fp))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete backup object: %w", err)
	}
	return nil
}

// StoreManifest durably writes the manifest document.
func (t *FSTarget) StoreManifest(ctx context.Context, manifest cache.BackupManifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	return t.writeAtomic(t.manifestPath(manifest.SnapshotID), func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// DeleteManifest removes a manifest document.
func (t *FSTarget) DeleteManifest(ctx context.Context, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(t.manifestPath(snapshotID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete manifest: %w", err)
	}
	return nil
}

// Name identifies the target in logs.
func (t *FSTarget) Name() string {
	return "fs:" + t.root
}

// writeAtomic writes through a staging file, fsyncs, and renames into
// place.
func (t *FSTarget) writeAtomic(target string, write func(io.Writer) error) error {
	tmp := filepath.Join(t.root, "staging", uuid.NewString()+".tmp")

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open staging file: %w", err)
	}

	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write backup data: %w", err)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync backup data: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close staging file: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move backup data into place: %w", err)
	}
	return nil
}
