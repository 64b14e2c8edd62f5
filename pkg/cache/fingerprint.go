// Package cache defines the core domain types for DittoCache: content
// fingerprints, the entities persisted by the stores, the error taxonomy,
// and the in-memory cache index.
package cache

import (
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/zeebo/blake3"
)

// FingerprintSize is the size in bytes of a content fingerprint.
const FingerprintSize = 32

// Fingerprint is a 32-byte keyed BLAKE3 digest of content bytes.
//
// Fingerprints are derived solely from content bytes (never from metadata
// or storage paths), so identical content always yields the identical
// fingerprint and is stored at most once. The hex encoding of a
// fingerprint is the canonical form used in logs, storage keys, and the
// external interface.
type Fingerprint [FingerprintSize]byte

// contentDomainKey is the fixed 32-byte key for BLAKE3 keyed hashing.
//
// Keying the hash gives domain separation: the same bytes hashed in a
// different context (a different deployment, a future manifest digest)
// produce different values. The key is the ASCII name of the domain,
// zero-padded to 32 bytes, so it stays readable in hex dumps. Changing it
// invalidates every stored fingerprint.
var contentDomainKey = [32]byte{
	'd', 'i', 't', 't', 'o', 'c', 'a', 'c', 'h', 'e', '.',
	'c', 'o', 'n', 't', 'e', 'n', 't', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// String returns the canonical hex encoding of the fingerprint.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsZero reports whether the fingerprint is the all-zero value.
//
// The zero fingerprint is never produced by hashing and is used as the
// "no fingerprint" sentinel in optional fields.
func (f Fingerprint) IsZero() bool {
	return f == Fingerprint{}
}

// ParseFingerprint parses a 64-character hex string into a Fingerprint.
func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint

	decoded, err := hex.DecodeString(s)
	if err != nil {
		return fp, fmt.Errorf("failed to parse fingerprint: %w", err)
	}
	if len(decoded) != FingerprintSize {
		return fp, fmt.Errorf("fingerprint is %d bytes, want %d", len(decoded), FingerprintSize)
	}

	copy(fp[:], decoded)
	return fp, nil
}

// SumContent computes the fingerprint of a complete byte slice.
//
// This is the convenience form for content that is already in memory.
// Streaming callers should use NewDigester to hash incrementally.
func SumContent(data []byte) Fingerprint {
	d := NewDigester()
	_, _ = d.Write(data)
	return d.Sum()
}

// Digester computes a content fingerprint incrementally.
//
// A Digester is an io.Writer: the ingestion pipeline tees the incoming
// stream through it while simultaneously writing to the staging area, so
// the fingerprint is available as soon as the stream is fully consumed
// without a second pass over the data.
//
// Thread Safety: a Digester is not safe for concurrent use; each
// in-flight ingestion owns its own instance.
type Digester struct {
	h hash.Hash
}

// NewDigester creates a Digester keyed with the content domain key.
func NewDigester() *Digester {
	h, err := blake3.NewKeyed(contentDomainKey[:])
	if err != nil {
		// NewKeyed only fails for a wrong key length, which the fixed-size
		// array rules out.
		panic("cache: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return &Digester{h: h}
}

// Write absorbs more content bytes into the digest. It never fails.
func (d *Digester) Write(p []byte) (int, error) {
	return d.h.Write(p)
}

// Sum finalizes and returns the fingerprint of everything written so far.
func (d *Digester) Sum() Fingerprint {
	var fp Fingerprint
	copy(fp[:], d.h.Sum(nil))
	return fp
}
