// Package blob defines the content byte storage interface for DittoCache.
//
// A blob store holds only bytes, addressed by fingerprint. Everything
// else (sizes, refcounts, timestamps) lives in the meta store; the blob
// store's one hard job is crash-safe commits: content becomes visible
// under its fingerprint atomically or not at all.
package blob

import (
	"context"
	"io"

	"github.com/marmos91/dittocache/pkg/cache"
)

// Store is the content byte repository.
//
// Thread Safety: implementations must be safe for concurrent use. Two
// stages committing the same fingerprint concurrently must both succeed
// without corrupting the stored bytes (the content is identical by
// construction - the fingerprint is a cryptographic digest of it).
type Store interface {
	// NewStage opens a staging area for one incoming stream. Bytes
	// written to the stage are not visible under any fingerprint until
	// Commit; a stage abandoned on any exit path must be Aborted so no
	// partial content survives.
	NewStage(ctx context.Context) (Stage, error)

	// Open returns a reader over the committed content for fp, or
	// ErrNotFound. The reader remains valid even if the blob is removed
	// concurrently.
	Open(ctx context.Context, fp cache.Fingerprint) (io.ReadCloser, error)

	// Exists reports whether committed content exists for fp.
	Exists(ctx context.Context, fp cache.Fingerprint) (bool, error)

	// Remove deletes the committed content for fp. Removing a missing
	// blob is not an error; refcount policy is enforced above this layer.
	Remove(ctx context.Context, fp cache.Fingerprint) error

	// Quarantine moves the content for fp out of the addressable
	// namespace without deleting the bytes, so a corrupted record is
	// never served again but remains available for operator inspection.
	Quarantine(ctx context.Context, fp cache.Fingerprint) error

	// List returns the fingerprints of all committed blobs. Used for
	// index rebuilds and the verification pass.
	List(ctx context.Context) ([]cache.Fingerprint, error)

	// Location returns the opaque storage location (path or object key)
	// that would hold fp. Recorded in ContentRecord.StorageLocation;
	// never parsed back.
	Location(fp cache.Fingerprint) string

	// Ping verifies the durable medium is reachable. Used by the health
	// probe.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}

// Stage is one in-progress write.
//
// A Stage is single-use and not safe for concurrent use; each in-flight
// ingestion owns its own.
type Stage interface {
	io.Writer

	// Commit atomically publishes the staged bytes under fp. If content
	// for fp already exists the staged copy is discarded and existed is
	// true - the deduplication path. After Commit the stage is spent.
	Commit(ctx context.Context, fp cache.Fingerprint) (existed bool, err error)

	// Abort discards the staged bytes. Safe to call multiple times and
	// after Commit (where it is a no-op), so callers can defer it on
	// every path.
	Abort() error
}
