package badger

import (
	"github.com/marmos91/dittocache/pkg/cache"
)

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a key-value store, so we use prefixed keys to organize the
// different data types into logical namespaces. This design:
//   - Prevents key collisions between data types
//   - Enables efficient range scans (all records, all sessions, ...)
//   - Makes the database structure self-documenting
//
// Key Namespace Prefixes:
//
// Data Type          Prefix   Key Format              Value Type
// =====================================================================
// Content Records    "r:"     r:<fingerprint-hex>     ContentRecord (JSON)
// Index Entries      "e:"     e:<fingerprint-hex>     CacheEntry (JSON)
// Sessions           "s:"     s:<sessionID>           Session (JSON)
// Backup Manifests   "m:"     m:<snapshotID>          BackupManifest (JSON)
// Index Version      "v:"     v:index                 uint64 (decimal string)
//
// Fingerprints are hex encoded in keys so the database is inspectable
// with badger's CLI tooling and range scans stay byte-ordered.

const (
	// prefixRecord is the key prefix for content records
	prefixRecord = "r:"

	// prefixEntry is the key prefix for persisted cache-index entries
	prefixEntry = "e:"

	// prefixSession is the key prefix for sessions
	prefixSession = "s:"

	// prefixManifest is the key prefix for backup manifests
	prefixManifest = "m:"

	// prefixVersion is the key prefix for the index version singleton
	prefixVersion = "v:"
)

// keyRecord generates the key for a content record.
//
// Format: "r:<fingerprint-hex>"
func keyRecord(fp cache.Fingerprint) []byte {
	return []byte(prefixRecord + fp.String())
}

// keyEntry generates the key for a persisted cache-index entry.
//
// Format: "e:<fingerprint-hex>"
func keyEntry(fp cache.Fingerprint) []byte {
	return []byte(prefixEntry + fp.String())
}

// keySession generates the key for a session.
//
// Format: "s:<sessionID>"
func keySession(id string) []byte {
	return []byte(prefixSession + id)
}

// keyManifest generates the key for a backup manifest.
//
// Format: "m:<snapshotID>"
func keyManifest(snapshotID string) []byte {
	return []byte(prefixManifest + snapshotID)
}

// keyIndexVersion generates the key for the index version singleton.
//
// Format: "v:index"
func keyIndexVersion() []byte {
	return []byte(prefixVersion + "index")
}
