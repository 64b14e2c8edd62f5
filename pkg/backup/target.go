// Package backup implements snapshotting and retention for DittoCache.
//
// A snapshot copies every stored blob to a backup target and then, only
// after every copy is durable, appends a manifest naming exactly what
// the snapshot covers. A failed snapshot writes no manifest at all, so
// manifests are all-or-nothing: a manifest that exists is trustworthy.
//
// Retention prunes manifests older than the configured age, removing
// target copies that no surviving manifest references.
package backup

import (
	"context"
	"io"

	"github.com/marmos91/dittocache/pkg/cache"
)

// Target is a durable backup destination.
//
// Implementations must make Store durable before returning: once Store
// succeeds the bytes survive a crash of both DittoCache and the target
// writer. All methods must be safe for concurrent use.
type Target interface {
	// Has reports whether the target already holds a copy of fp.
	// Snapshots skip copies that exist, making re-runs cheap.
	Has(ctx context.Context, fp cache.Fingerprint) (bool, error)

	// Store durably writes the content for fp. Overwrites any existing
	// copy; content addressing makes that byte-identical.
	Store(ctx context.Context, fp cache.Fingerprint, r io.Reader, size int64) error

	// Delete removes the copy for fp. Deleting a missing copy is not an
	// error.
	Delete(ctx context.Context, fp cache.Fingerprint) error

	// StoreManifest durably writes the manifest document under its
	// snapshot ID.
	StoreManifest(ctx context.Context, manifest cache.BackupManifest) error

	// DeleteManifest removes a manifest document. Deleting a missing
	// manifest is not an error.
	DeleteManifest(ctx context.Context, snapshotID string) error

	// Name identifies the target in logs.
	Name() string
}
