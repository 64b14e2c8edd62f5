package cache

import (
	"time"
)

// ContentRecord describes one stored piece of content.
//
// Records are owned exclusively by the content store. Every field except
// RefCount is immutable once the record is written. A record may be
// destroyed only when RefCount reaches zero AND the retention policy
// permits removal.
type ContentRecord struct {
	// Fingerprint is the content digest and sole addressing key
	Fingerprint Fingerprint `json:"fingerprint"`

	// Size is the content length in bytes
	Size int64 `json:"size"`

	// StorageLocation is the opaque blob-store location (path or object
	// key). Addressing always goes fingerprint -> location through the
	// record; storage layout is never the source of truth.
	StorageLocation string `json:"storage_location"`

	// CreatedAt is when the record was first committed
	CreatedAt time.Time `json:"created_at"`

	// RefCount is the number of active holders: the sum of distinct
	// session references across all sessions, plus any external pins
	// (e.g. a backup snapshot in progress)
	RefCount int64 `json:"ref_count"`
}

// CacheEntry is the fast-lookup index entry for a fingerprint.
//
// Entries are owned by the cache index, mutated on every hit, and removed
// on eviction. Evicting an entry does not delete the underlying
// ContentRecord unless its RefCount is simultaneously zero; the content
// merely goes "cold" and is re-indexed lazily on next access.
type CacheEntry struct {
	// Fingerprint identifies the indexed content
	Fingerprint Fingerprint `json:"fingerprint"`

	// SizeBytes is the content size, counted against the index budget
	SizeBytes int64 `json:"size_bytes"`

	// LastAccessedAt is updated on every read/write hit and drives the
	// least-recently-accessed eviction order
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// CreatedAt breaks eviction ties between entries with identical
	// access times (earliest created evicts first)
	CreatedAt time.Time `json:"created_at"`
}

// Session ties a caller identity to a bounded-lifetime set of content
// references.
//
// Sessions are owned by the session manager: created on first interaction
// from an owner, extended on each successful operation (sliding expiry),
// and destroyed on explicit close or expiry reaping. A session must never
// disappear while still holding references; close and reap detach all
// references first so content-store refcounts stay consistent.
type Session struct {
	// ID is the opaque session identifier (UUID)
	ID string `json:"id"`

	// OwnerID is the opaque caller identity the session belongs to
	OwnerID string `json:"owner_id"`

	// CreatedAt is when the session was opened
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the sliding expiry deadline. A session with ExpiresAt
	// in the past must not authorize any new operation.
	ExpiresAt time.Time `json:"expires_at"`

	// ActiveReferences is the set of fingerprints attached under this
	// session. Each entry holds exactly one refcount unit on its record.
	ActiveReferences map[Fingerprint]struct{} `json:"active_references"`

	// UsedBytes is the total size of attached content, counted against
	// the per-owner quota when one is configured
	UsedBytes int64 `json:"used_bytes"`
}

// HasReference reports whether the session holds a reference to fp.
func (s *Session) HasReference(fp Fingerprint) bool {
	_, ok := s.ActiveReferences[fp]
	return ok
}

// Expired reports whether the session's sliding deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// BackupManifest records one completed snapshot.
//
// Manifests are append-only: written in full only after every referenced
// blob is durably copied to the backup target, and never mutated
// afterwards. A failed snapshot writes no manifest at all.
type BackupManifest struct {
	// SnapshotID is the unique identifier of this snapshot (UUID)
	SnapshotID string `json:"snapshot_id"`

	// TakenAt is when the snapshot completed
	TakenAt time.Time `json:"taken_at"`

	// IncludedFingerprints is the ordered list of fingerprints the
	// snapshot covers
	IncludedFingerprints []Fingerprint `json:"included_fingerprints"`

	// SourceIndexVersion is the index version the snapshot was taken
	// against, for staleness detection on restore
	SourceIndexVersion uint64 `json:"source_index_version"`
}

// Status is the health summary exposed to liveness/readiness probes.
type Status struct {
	// StoreReachable reports whether the blob store's durable medium
	// answered the last probe
	StoreReachable bool `json:"store_reachable"`

	// IndexLoaded reports whether the cache index finished its startup
	// load (or rebuild) and is serving lookups
	IndexLoaded bool `json:"index_loaded"`

	// LastBackupAt is the completion time of the newest manifest, nil if
	// no backup has ever completed
	LastBackupAt *time.Time `json:"last_backup_at,omitempty"`

	// Records is the number of content records currently stored
	Records int64 `json:"records"`

	// IndexedBytes is the total size currently counted by the cache index
	IndexedBytes int64 `json:"indexed_bytes"`

	// ActiveSessions is the number of unexpired sessions
	ActiveSessions int64 `json:"active_sessions"`
}
