// Package memory implements the DittoCache metadata store in memory.
//
// State is lost on restart, so this implementation is only suitable for
// tests and ephemeral deployments where durability is explicitly not
// wanted. It implements the same meta.Store contract as the badger
// backend, including atomic refcount adjustments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/dittocache/pkg/cache"
)

// MetaStore implements meta.Store with in-memory maps.
//
// Thread Safety: a single read-write mutex guards all maps. This
// coarse-grained locking is simple and correct; the critical sections are
// memory-only and short.
type MetaStore struct {
	mu           sync.RWMutex
	records      map[cache.Fingerprint]cache.ContentRecord
	entries      map[cache.Fingerprint]cache.CacheEntry
	sessions     map[string]*cache.Session
	manifests    map[string]cache.BackupManifest
	indexVersion uint64
	closed       bool
}

// NewMetaStore creates an empty in-memory meta store.
func NewMetaStore() *MetaStore {
	return &MetaStore{
		records:   make(map[cache.Fingerprint]cache.ContentRecord),
		entries:   make(map[cache.Fingerprint]cache.CacheEntry),
		sessions:  make(map[string]*cache.Session),
		manifests: make(map[string]cache.BackupManifest),
	}
}

// Close marks the store closed. Subsequent operations fail.
func (s *MetaStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

func (s *MetaStore) checkOpen() error {
	if s.closed {
		return fmt.Errorf("meta store is closed")
	}
	return nil
}

// PutRecord writes a content record.
func (s *MetaStore) PutRecord(ctx context.Context, rec cache.ContentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	s.records[rec.Fingerprint] = rec
	return nil
}

// GetRecord returns the record for fp, or ErrNotFound.
func (s *MetaStore) GetRecord(ctx context.Context, fp cache.Fingerprint) (*cache.ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rec, ok := s.records[fp]
	if !ok {
		return nil, &cache.StoreError{
			Code:        cache.ErrNotFound,
			Message:     "content record not found",
			Fingerprint: fp,
		}
	}

	copied := rec
	return &copied, nil
}

// AdjustRefCount atomically adds delta to the record's refcount.
func (s *MetaStore) AdjustRefCount(ctx context.Context, fp cache.Fingerprint, delta int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	rec, ok := s.records[fp]
	if !ok {
		return 0, &cache.StoreError{
			Code:        cache.ErrNotFound,
			Message:     "content record not found",
			Fingerprint: fp,
		}
	}

	if rec.RefCount+delta < 0 {
		return 0, &cache.StoreError{
			Code:        cache.ErrInvalidArgument,
			Message:     fmt.Sprintf("refcount adjustment %d would drive count %d negative", delta, rec.RefCount),
			Fingerprint: fp,
		}
	}

	rec.RefCount += delta
	s.records[fp] = rec
	return rec.RefCount, nil
}

// DeleteRecordIfUnreferenced deletes the record only if its refcount is
// zero.
func (s *MetaStore) DeleteRecordIfUnreferenced(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return false, err
	}

	rec, ok := s.records[fp]
	if !ok {
		return false, nil
	}
	if rec.RefCount > 0 {
		return false, nil
	}

	delete(s.records, fp)
	return true, nil
}

// DeleteRecord removes a record unconditionally.
func (s *MetaStore) DeleteRecord(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	delete(s.records, fp)
	return nil
}

// ListRecords returns all content records.
func (s *MetaStore) ListRecords(ctx context.Context) ([]cache.ContentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	records := make([]cache.ContentRecord, 0, len(s.records))
	for _, rec := range s.records {
		records = append(records, rec)
	}
	return records, nil
}

// CountRecords returns the number of content records.
func (s *MetaStore) CountRecords(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	return int64(len(s.records)), nil
}

// PutEntry upserts one persisted cache-index entry.
func (s *MetaStore) PutEntry(ctx context.Context, entry cache.CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	s.entries[entry.Fingerprint] = entry
	return nil
}

// DeleteEntry removes one persisted cache-index entry.
func (s *MetaStore) DeleteEntry(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	delete(s.entries, fp)
	return nil
}

// ListEntries returns all persisted cache-index entries.
func (s *MetaStore) ListEntries(ctx context.Context) ([]cache.CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	entries := make([]cache.CacheEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		entries = append(entries, entry)
	}
	return entries, nil
}

// IndexVersion returns the index version counter.
func (s *MetaStore) IndexVersion(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	return s.indexVersion, nil
}

// BumpIndexVersion atomically increments and returns the version counter.
func (s *MetaStore) BumpIndexVersion(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	s.indexVersion++
	return s.indexVersion, nil
}

// PutSession writes a session, overwriting any previous state.
func (s *MetaStore) PutSession(ctx context.Context, sess *cache.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sess.ID == "" {
		return &cache.StoreError{Code: cache.ErrInvalidArgument, Message: "session ID is empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// GetSession returns the session with the given ID, or ErrNotFound.
func (s *MetaStore) GetSession(ctx context.Context, id string) (*cache.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sess, ok := s.sessions[id]
	if !ok {
		return nil, &cache.StoreError{
			Code:    cache.ErrNotFound,
			Message: "session not found: " + id,
		}
	}

	return cloneSession(sess), nil
}

// DeleteSession removes a session.
func (s *MetaStore) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	delete(s.sessions, id)
	return nil
}

// ListSessions returns all persisted sessions.
func (s *MetaStore) ListSessions(ctx context.Context) ([]*cache.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	sessions := make([]*cache.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, cloneSession(sess))
	}
	return sessions, nil
}

// AppendManifest appends a backup manifest to the manifest log.
func (s *MetaStore) AppendManifest(ctx context.Context, manifest cache.BackupManifest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if manifest.SnapshotID == "" {
		return &cache.StoreError{Code: cache.ErrInvalidArgument, Message: "manifest snapshot ID is empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, exists := s.manifests[manifest.SnapshotID]; exists {
		return &cache.StoreError{
			Code:    cache.ErrAlreadyExists,
			Message: "manifest already exists: " + manifest.SnapshotID,
		}
	}

	s.manifests[manifest.SnapshotID] = manifest
	return nil
}

// ListManifests returns all manifests ordered by TakenAt ascending.
func (s *MetaStore) ListManifests(ctx context.Context) ([]cache.BackupManifest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	manifests := make([]cache.BackupManifest, 0, len(s.manifests))
	for _, manifest := range s.manifests {
		manifests = append(manifests, manifest)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].TakenAt.Before(manifests[j].TakenAt)
	})

	return manifests, nil
}

// DeleteManifest removes a pruned manifest from the log.
func (s *MetaStore) DeleteManifest(ctx context.Context, snapshotID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpen(); err != nil {
		return err
	}

	delete(s.manifests, snapshotID)
	return nil
}

// cloneSession deep-copies a session so callers never share the internal
// reference set.
func cloneSession(sess *cache.Session) *cache.Session {
	copied := *sess
	copied.ActiveReferences = make(map[cache.Fingerprint]struct{}, len(sess.ActiveReferences))
	for fp := range sess.ActiveReferences {
		copied.ActiveReferences[fp] = struct{}{}
	}
	return &copied
}
