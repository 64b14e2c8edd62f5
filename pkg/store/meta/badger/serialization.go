package badger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/marmos91/dittocache/pkg/cache"
)

// timeLayout is the timestamp encoding used in persisted sessions.
const timeLayout = time.RFC3339Nano

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// Values are serialized as JSON. Metadata values are small (well under a
// kilobyte), so the encoding overhead is irrelevant next to the badger
// write path, and JSON keeps the database debuggable.

func encodeRecord(rec *cache.ContentRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*cache.ContentRecord, error) {
	var rec cache.ContentRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode content record: %w", err)
	}
	return &rec, nil
}

func encodeEntry(entry *cache.CacheEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*cache.CacheEntry, error) {
	var entry cache.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &entry, nil
}

// sessionRecord is the persisted form of cache.Session. The in-memory
// reference set becomes a hex list so the JSON stays readable.
type sessionRecord struct {
	ID         string   `json:"id"`
	OwnerID    string   `json:"owner_id"`
	CreatedAt  string   `json:"created_at"`
	ExpiresAt  string   `json:"expires_at"`
	References []string `json:"references"`
	UsedBytes  int64    `json:"used_bytes"`
}

func encodeSession(sess *cache.Session) ([]byte, error) {
	rec := sessionRecord{
		ID:         sess.ID,
		OwnerID:    sess.OwnerID,
		CreatedAt:  sess.CreatedAt.Format(timeLayout),
		ExpiresAt:  sess.ExpiresAt.Format(timeLayout),
		References: make([]string, 0, len(sess.ActiveReferences)),
		UsedBytes:  sess.UsedBytes,
	}
	for fp := range sess.ActiveReferences {
		rec.References = append(rec.References, fp.String())
	}

	data, err := json.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*cache.Session, error) {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}

	createdAt, err := parseTime(rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session created_at: %w", err)
	}
	expiresAt, err := parseTime(rec.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode session expires_at: %w", err)
	}

	sess := &cache.Session{
		ID:               rec.ID,
		OwnerID:          rec.OwnerID,
		CreatedAt:        createdAt,
		ExpiresAt:        expiresAt,
		ActiveReferences: make(map[cache.Fingerprint]struct{}, len(rec.References)),
		UsedBytes:        rec.UsedBytes,
	}
	for _, hexFp := range rec.References {
		fp, err := cache.ParseFingerprint(hexFp)
		if err != nil {
			return nil, fmt.Errorf("failed to decode session reference: %w", err)
		}
		sess.ActiveReferences[fp] = struct{}{}
	}

	return sess, nil
}

func encodeManifest(manifest *cache.BackupManifest) ([]byte, error) {
	data, err := json.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("failed to encode backup manifest: %w", err)
	}
	return data, nil
}

func decodeManifest(data []byte) (*cache.BackupManifest, error) {
	var manifest cache.BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode backup manifest: %w", err)
	}
	return &manifest, nil
}

func encodeVersion(v uint64) []byte {
	return []byte(strconv.FormatUint(v, 10))
}

func decodeVersion(data []byte) (uint64, error) {
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to decode index version: %w", err)
	}
	return v, nil
}
