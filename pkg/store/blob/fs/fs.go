// Package fs implements filesystem-based blob storage for DittoCache.
//
// Layout under the base path:
//
//	blobs/<aa>/<fingerprint-hex>   committed content (aa = first hex byte, fan-out)
//	staging/<uuid>.tmp             in-progress writes
//	quarantine/<fingerprint-hex>   content that failed integrity verification
//
// Commits are write-to-staging-then-atomic-rename, so a crash at any
// point leaves either no blob or a complete one - never a partial blob
// visible under a fingerprint.
package fs

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/store/blob"
)

const (
	blobsDir      = "blobs"
	stagingDir    = "staging"
	quarantineDir = "quarantine"
)

// FSBlobStore implements blob.Store using the local filesystem.
//
// Thread Safety: safe for concurrent use. Staging files have unique
// names, and rename(2) is atomic on POSIX filesystems, so concurrent
// commits of the same fingerprint at worst replace a blob with an
// identical one. Readers holding an open file keep their inode across a
// concurrent replace or remove.
type FSBlobStore struct {
	basePath string
}

// NewFSBlobStore creates a filesystem blob store rooted at basePath,
// creating the directory layout if it does not exist.
//
// On startup any leftover staging files are removed: they are partial
// writes from a previous crash and must never become visible.
func NewFSBlobStore(ctx context.Context, basePath string) (*FSBlobStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for _, dir := range []string{blobsDir, stagingDir, quarantineDir} {
		if err := os.MkdirAll(filepath.Join(basePath, dir), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", dir, err)
		}
	}

	store := &FSBlobStore{basePath: basePath}

	if err := store.cleanStaging(); err != nil {
		return nil, err
	}

	return store, nil
}

// cleanStaging removes staging leftovers from a previous crash.
func (s *FSBlobStore) cleanStaging() error {
	dir := filepath.Join(s.basePath, stagingDir)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read staging directory: %w", err)
	}

	for _, entry := range entries {
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("failed to remove stale staging file: %w", err)
		}
	}
	return nil
}

// blobPath returns the committed path for a fingerprint.
//
// The first hex byte fans blobs out over 256 subdirectories so no single
// directory grows unboundedly large.
func (s *FSBlobStore) blobPath(fp cache.Fingerprint) string {
	hexStr := fp.String()
	return filepath.Join(s.basePath, blobsDir, hexStr[:2], hexStr)
}

// Location returns the committed path for fp relative to the base path.
func (s *FSBlobStore) Location(fp cache.Fingerprint) string {
	hexStr := fp.String()
	return filepath.Join(blobsDir, hexStr[:2], hexStr)
}

// NewStage opens a staging file for one incoming stream.
func (s *FSBlobStore) NewStage(ctx context.Context) (blob.Stage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := filepath.Join(s.basePath, stagingDir, uuid.NewString()+".tmp")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	return &fsStage{store: s, file: f, path: path}, nil
}

// Open returns a reader over the committed content for fp.
func (s *FSBlobStore) Open(ctx context.Context, fp cache.Fingerprint) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.blobPath(fp))
	if os.IsNotExist(err) {
		return nil, &cache.StoreError{
			Code:        cache.ErrNotFound,
			Message:     "blob not found",
			Fingerprint: fp,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	return f, nil
}

// Exists reports whether committed content exists for fp.
func (s *FSBlobStore) Exists(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	_, err := os.Stat(s.blobPath(fp))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// Remove deletes the committed content for fp.
func (s *FSBlobStore) Remove(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.blobPath(fp))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// Quarantine moves the content for fp into the quarantine directory.
func (s *FSBlobStore) Quarantine(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src := s.blobPath(fp)
	dst := filepath.Join(s.basePath, quarantineDir, fp.String())

	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return &cache.StoreError{
				Code:        cache.ErrNotFound,
				Message:     "blob not found",
				Fingerprint: fp,
			}
		}
		return fmt.Errorf("failed to quarantine blob: %w", err)
	}
	return nil
}

// List returns the fingerprints of all committed blobs.
func (s *FSBlobStore) List(ctx context.Context) ([]cache.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	root := filepath.Join(s.basePath, blobsDir)
	var fps []cache.Fingerprint

	fanouts, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read blobs directory: %w", err)
	}

	for _, fanout := range fanouts {
		if !fanout.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entries, err := os.ReadDir(filepath.Join(root, fanout.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read fanout directory: %w", err)
		}

		for _, entry := range entries {
			fp, err := cache.ParseFingerprint(entry.Name())
			if err != nil {
				// Not a blob; tooling droppings and the like are skipped.
				continue
			}
			fps = append(fps, fp)
		}
	}

	return fps, nil
}

// Ping verifies the blob root is reachable.
func (s *FSBlobStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(s.basePath, blobsDir)); err != nil {
		return fmt.Errorf("blob store unreachable: %w", err)
	}
	return nil
}

// Close releases resources. The filesystem store holds none beyond
// in-flight stages, which own their own file handles.
func (s *FSBlobStore) Close() error {
	return nil
}

// fsStage is one in-progress write backed by a staging file.
type fsStage struct {
	store     *FSBlobStore
	file      *os.File
	path      string
	committed bool
	aborted   bool
}

// Write appends bytes to the staging file.
func (st *fsStage) Write(p []byte) (int, error) {
	if st.committed || st.aborted {
		return 0, fmt.Errorf("write to spent stage")
	}
	return st.file.Write(p)
}

// Commit publishes the staged bytes under fp.
//
// The staging file is fsynced before the rename so the bytes are durable
// before they become addressable; the rename itself is atomic. If a blob
// for fp already exists (a concurrent writer won the race, or the content
// was ingested before), the staged copy is discarded and existed is true.
func (st *fsStage) Commit(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	if st.committed {
		return false, fmt.Errorf("stage already committed")
	}
	if st.aborted {
		return false, fmt.Errorf("stage already aborted")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	target := st.store.blobPath(fp)

	// Dedupe check. Racing writers may both miss here and both rename;
	// that is harmless - the digests match, so the bytes are identical
	// and the second rename replaces the blob with an equal copy.
	if _, err := os.Stat(target); err == nil {
		st.committed = true
		_ = st.file.Close()
		_ = os.Remove(st.path)
		return true, nil
	}

	if err := st.file.Sync(); err != nil {
		_ = st.Abort()
		return false, fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := st.file.Close(); err != nil {
		st.aborted = true
		_ = os.Remove(st.path)
		return false, fmt.Errorf("failed to close staging file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		st.aborted = true
		_ = os.Remove(st.path)
		return false, fmt.Errorf("failed to create fanout directory: %w", err)
	}
	if err := os.Rename(st.path, target); err != nil {
		st.aborted = true
		_ = os.Remove(st.path)
		return false, fmt.Errorf("failed to commit blob: %w", err)
	}

	st.committed = true
	return false, nil
}

// Abort discards the staged bytes. Idempotent, and a no-op after Commit.
func (st *fsStage) Abort() error {
	if st.committed || st.aborted {
		return nil
	}
	st.aborted = true

	_ = st.file.Close()
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove staging file: %w", err)
	}
	return nil
}
