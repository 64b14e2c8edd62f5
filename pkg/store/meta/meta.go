// Package meta defines the durable metadata store interface for
// DittoCache.
//
// The meta store holds everything except the content bytes themselves:
// content records (including refcounts), persisted cache-index entries,
// sessions, and backup manifests. Implementations must provide
// crash-consistent writes - a crash mid-write never corrupts previously
// committed state.
package meta

import (
	"context"

	"github.com/marmos91/dittocache/pkg/cache"
)

// Store is the durable metadata repository.
//
// All operations return cache.StoreError for business logic errors
// (ErrNotFound and friends) and wrapped infrastructure errors otherwise.
// Implementations must be safe for concurrent use; refcount adjustments
// in particular must be atomic per fingerprint.
type Store interface {
	cache.IndexPersistence

	// PutRecord writes a content record. Overwrites any existing record
	// with the same fingerprint.
	PutRecord(ctx context.Context, rec cache.ContentRecord) error

	// GetRecord returns the record for fp, or ErrNotFound.
	GetRecord(ctx context.Context, fp cache.Fingerprint) (*cache.ContentRecord, error)

	// AdjustRefCount atomically adds delta to the record's refcount and
	// returns the new value. Returns ErrNotFound if no record exists and
	// ErrInvalidArgument if the adjustment would drive the count negative.
	AdjustRefCount(ctx context.Context, fp cache.Fingerprint, delta int64) (int64, error)

	// DeleteRecordIfUnreferenced deletes the record only if its refcount
	// is zero, atomically. Returns true if the record was deleted, false
	// if it is still referenced. Deleting a missing record returns
	// (false, nil).
	DeleteRecordIfUnreferenced(ctx context.Context, fp cache.Fingerprint) (bool, error)

	// DeleteRecord removes a record unconditionally, regardless of
	// refcount. Reserved for integrity repair (quarantine of corrupted
	// content); everything else goes through DeleteRecordIfUnreferenced.
	// Deleting a missing record is not an error.
	DeleteRecord(ctx context.Context, fp cache.Fingerprint) error

	// ListRecords returns all content records in unspecified order.
	ListRecords(ctx context.Context) ([]cache.ContentRecord, error)

	// CountRecords returns the number of content records.
	CountRecords(ctx context.Context) (int64, error)

	// PutSession writes a session, overwriting any previous state.
	PutSession(ctx context.Context, sess *cache.Session) error

	// GetSession returns the session with the given ID, or ErrNotFound.
	GetSession(ctx context.Context, id string) (*cache.Session, error)

	// DeleteSession removes a session. Deleting a missing session is not
	// an error.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns all persisted sessions in unspecified order.
	ListSessions(ctx context.Context) ([]*cache.Session, error)

	// AppendManifest appends a backup manifest to the manifest log.
	// Returns ErrAlreadyExists if a manifest with the same snapshot ID
	// was already written; manifests are never mutated.
	AppendManifest(ctx context.Context, manifest cache.BackupManifest) error

	// ListManifests returns all manifests ordered by TakenAt ascending.
	ListManifests(ctx context.Context) ([]cache.BackupManifest, error)

	// DeleteManifest removes a pruned manifest from the log.
	DeleteManifest(ctx context.Context, snapshotID string) error

	// Close flushes and releases the underlying storage.
	Close() error
}
