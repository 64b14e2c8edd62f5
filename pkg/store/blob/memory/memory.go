// Package memory implements in-memory blob storage for DittoCache.
//
// Useful for tests and ephemeral deployments. Commit semantics match the
// filesystem store: staged bytes become visible atomically under the map
// lock, and quarantined blobs leave the addressable namespace without
// being destroyed.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/store/blob"
)

// MemoryBlobStore implements blob.Store with in-memory byte slices.
//
// Thread Safety: safe for concurrent use; a read-write mutex guards both
// maps. Stages buffer privately and only take the lock at Commit.
type MemoryBlobStore struct {
	mu          sync.RWMutex
	blobs       map[cache.Fingerprint][]byte
	quarantined map[cache.Fingerprint][]byte
	closed      bool
}

// NewMemoryBlobStore creates an empty in-memory blob store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{
		blobs:       make(map[cache.Fingerprint][]byte),
		quarantined: make(map[cache.Fingerprint][]byte),
	}
}

// NewStage opens a staging buffer for one incoming stream.
func (s *MemoryBlobStore) NewStage(ctx context.Context) (blob.Stage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &memStage{store: s, buf: &bytes.Buffer{}}, nil
}

// Open returns a reader over the committed content for fp.
func (s *MemoryBlobStore) Open(ctx context.Context, fp cache.Fingerprint) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	data, ok := s.blobs[fp]
	s.mu.RUnlock()

	if !ok {
		return nil, &cache.StoreError{
			Code:        cache.ErrNotFound,
			Message:     "blob not found",
			Fingerprint: fp,
		}
	}

	// The slice is never mutated after commit, so the reader stays valid
	// across a concurrent remove.
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Exists reports whether committed content exists for fp.
func (s *MemoryBlobStore) Exists(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blobs[fp]
	return ok, nil
}

// Remove deletes the committed content for fp.
func (s *MemoryBlobStore) Remove(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, fp)
	return nil
}

// Quarantine moves the content for fp out of the addressable namespace.
func (s *MemoryBlobStore) Quarantine(ctx context.Context, fp cache.Fingerprint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.blobs[fp]
	if !ok {
		return &cache.StoreError{
			Code:        cache.ErrNotFound,
			Message:     "blob not found",
			Fingerprint: fp,
		}
	}

	s.quarantined[fp] = data
	delete(s.blobs, fp)
	return nil
}

// List returns the fingerprints of all committed blobs.
func (s *MemoryBlobStore) List(ctx context.Context) ([]cache.Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	fps := make([]cache.Fingerprint, 0, len(s.blobs))
	for fp := range s.blobs {
		fps = append(fps, fp)
	}
	return fps, nil
}

// Location returns the synthetic object key for fp.
func (s *MemoryBlobStore) Location(fp cache.Fingerprint) string {
	return "memory/" + fp.String()
}

// Ping reports whether the store is open.
func (s *MemoryBlobStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("blob store is closed")
	}
	return nil
}

// Close marks the store closed and releases the buffers.
func (s *MemoryBlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.blobs = nil
	s.quarantined = nil
	s.closed = true
	return nil
}

// Quarantined reports whether fp sits in quarantine. Test helper.
func (s *MemoryBlobStore) Quarantined(fp cache.Fingerprint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.quarantined[fp]
	return ok
}

// Corrupt replaces the committed bytes for fp without changing its
// address. Test helper for exercising the verification pass.
func (s *MemoryBlobStore) Corrupt(fp cache.Fingerprint, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[fp]; ok {
		s.blobs[fp] = append([]byte(nil), data...)
	}
}

// memStage is one in-progress write backed by a private buffer.
type memStage struct {
	store     *MemoryBlobStore
	buf       *bytes.Buffer
	committed bool
	aborted   bool
}

// Write appends bytes to the staging buffer.
func (st *memStage) Write(p []byte) (int, error) {
	if st.committed || st.aborted {
		return 0, fmt.Errorf("write to spent stage")
	}
	return st.buf.Write(p)
}

// Commit publishes the staged bytes under fp, discarding them if a blob
// for fp already exists.
func (st *memStage) Commit(ctx context.Context, fp cache.Fingerprint) (bool, error) {
	if st.committed {
		return false, fmt.Errorf("stage already committed")
	}
	if st.aborted {
		return false, fmt.Errorf("stage already aborted")
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	st.committed = true

	st.store.mu.Lock()
	defer st.store.mu.Unlock()

	if st.store.closed {
		return false, fmt.Errorf("blob store is closed")
	}

	if _, exists := st.store.blobs[fp]; exists {
		return true, nil
	}

	st.store.blobs[fp] = append([]byte(nil), st.buf.Bytes()...)
	return false, nil
}

// Abort discards the staged bytes.
func (st *memStage) Abort() error {
	if st.committed || st.aborted {
		return nil
	}
	st.aborted = true
	st.buf.Reset()
	return nil
}
