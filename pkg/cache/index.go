package cache

import (
	"container/list"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// IndexPersistence is the durable backing for the cache index.
//
// The index is authoritative in memory and writes through on every
// mutation, so a crash at any point leaves the persisted entries no newer
// than the in-memory state. On startup the index reloads from here, or
// rebuilds from a content-store scan when nothing usable is persisted.
type IndexPersistence interface {
	// PutEntry upserts one cache entry.
	PutEntry(ctx context.Context, entry CacheEntry) error

	// DeleteEntry removes one cache entry. Deleting a missing entry is
	// not an error.
	DeleteEntry(ctx context.Context, fp Fingerprint) error

	// ListEntries returns all persisted cache entries in unspecified
	// order.
	ListEntries(ctx context.Context) ([]CacheEntry, error)

	// IndexVersion returns the persisted index version counter.
	IndexVersion(ctx context.Context) (uint64, error)

	// BumpIndexVersion atomically increments and returns the index
	// version counter.
	BumpIndexVersion(ctx context.Context) (uint64, error)
}

// Index is the in-memory fingerprint -> CacheEntry mapping with
// least-recently-accessed eviction under a byte budget.
//
// Lookups are pure memory operations and never block on I/O; mutations
// write through to the IndexPersistence before returning. Eviction only
// removes index entries - whether the underlying content record is also
// deleted (refcount zero) is the caller's decision, made with the
// fingerprints Record and EvictUntil return.
//
// Thread Safety: safe for concurrent use. A single mutex guards the map
// and the LRU list; entries for unrelated fingerprints still contend on
// it, which is acceptable because the critical sections are memory-only.
type Index struct {
	mu sync.Mutex

	// entries maps fingerprint to its LRU node; the node's Value is the
	// *CacheEntry so a single allocation serves both structures
	entries map[Fingerprint]*list.Element

	// lru orders entries by recency: front = most recently accessed,
	// back = eviction candidate
	lru *list.List

	// totalBytes is the sum of SizeBytes across all entries
	totalBytes int64

	// budgetBytes is the eviction target; 0 means unbounded
	budgetBytes int64

	// version counts index mutations, used to stamp backup manifests
	version uint64

	persist IndexPersistence
	loaded  bool

	// clock is swappable for tests
	clock func() time.Time
}

// NewIndex creates an index with the given byte budget and persistence.
//
// The index is empty until Load or Rebuild is called; Lookup on an
// unloaded index simply misses.
func NewIndex(budgetBytes int64, persist IndexPersistence) *Index {
	return &Index{
		entries:     make(map[Fingerprint]*list.Element),
		lru:         list.New(),
		budgetBytes: budgetBytes,
		persist:     persist,
		clock:       time.Now,
	}
}

// Load populates the index from its persisted entries.
//
// Entries are ordered by LastAccessedAt (ties broken by CreatedAt) so the
// reconstructed LRU order matches the pre-restart order. Load does not
// enforce the budget; the persisted state already respected it and
// re-evicting here would throw away warm entries after every restart.
func (ix *Index) Load(ctx context.Context) error {
	entries, err := ix.persist.ListEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load index entries: %w", err)
	}

	version, err := ix.persist.IndexVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to load index version: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.reset()
	ix.fillLocked(entries)
	ix.version = version
	ix.loaded = true

	return nil
}

// Rebuild repopulates the index from a content-store scan.
//
// This is the recovery path when no persisted snapshot exists or the
// persisted entries are detected as stale or corrupt: every stored record
// becomes an entry with its access time set to its creation time, and the
// rebuilt set is written through so the next restart loads normally.
func (ix *Index) Rebuild(ctx context.Context, records []ContentRecord) error {
	entries := make([]CacheEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, CacheEntry{
			Fingerprint:    rec.Fingerprint,
			SizeBytes:      rec.Size,
			LastAccessedAt: rec.CreatedAt,
			CreatedAt:      rec.CreatedAt,
		})
	}

	// Write through first: if persistence fails we keep the old in-memory
	// state rather than an unpersisted rebuild.
	for _, entry := range entries {
		if err := ix.persist.PutEntry(ctx, entry); err != nil {
			return fmt.Errorf("failed to persist rebuilt entry: %w", err)
		}
	}

	version, err := ix.persist.BumpIndexVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to bump index version: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.reset()
	ix.fillLocked(entries)
	ix.version = version
	ix.loaded = true

	return nil
}

// Lookup returns the entry for fp, or miss. It does not update recency;
// callers that serve a hit follow up with Touch.
func (ix *Index) Lookup(fp Fingerprint) (CacheEntry, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	node, ok := ix.entries[fp]
	if !ok {
		return CacheEntry{}, false
	}

	return *node.Value.(*CacheEntry), true
}

// Touch updates the entry's access time and moves it to the front of the
// LRU order. Touching an unindexed fingerprint is a no-op; the caller
// re-indexes cold content with Record instead.
func (ix *Index) Touch(ctx context.Context, fp Fingerprint) error {
	ix.mu.Lock()

	node, ok := ix.entries[fp]
	if !ok {
		ix.mu.Unlock()
		return nil
	}

	entry := node.Value.(*CacheEntry)
	entry.LastAccessedAt = ix.clock()
	ix.lru.MoveToFront(node)
	snapshot := *entry

	ix.mu.Unlock()

	if err := ix.persist.PutEntry(ctx, snapshot); err != nil {
		return fmt.Errorf("failed to persist touched entry: %w", err)
	}

	ix.bumpVersion(ctx)
	return nil
}

// Record indexes a fingerprint, evicting least-recently-accessed entries
// first if the addition would push the total over budget.
//
// Eviction runs before Record returns so the budget invariant holds
// synchronously from the caller's perspective. The returned fingerprints
// are the evicted entries; the caller decides whether their content
// records are also deletable (refcount zero).
//
// Returns ErrCapacityExceeded if the entry alone exceeds the budget -
// eviction cannot free enough space for it by definition.
func (ix *Index) Record(ctx context.Context, fp Fingerprint, size int64) ([]Fingerprint, error) {
	if fp.IsZero() {
		return nil, &StoreError{Code: ErrInvalidArgument, Message: "cannot index zero fingerprint"}
	}
	if size < 0 {
		return nil, &StoreError{Code: ErrInvalidArgument, Message: fmt.Sprintf("negative size: %d", size)}
	}
	if ix.budgetBytes > 0 && size > ix.budgetBytes {
		return nil, &StoreError{
			Code:        ErrCapacityExceeded,
			Message:     fmt.Sprintf("entry of %d bytes exceeds index budget of %d bytes", size, ix.budgetBytes),
			Fingerprint: fp,
		}
	}

	ix.mu.Lock()

	now := ix.clock()

	var snapshot CacheEntry
	if node, ok := ix.entries[fp]; ok {
		// Re-recording an indexed fingerprint refreshes recency and size.
		entry := node.Value.(*CacheEntry)
		ix.totalBytes += size - entry.SizeBytes
		entry.SizeBytes = size
		entry.LastAccessedAt = now
		ix.lru.MoveToFront(node)
		snapshot = *entry
	} else {
		entry := &CacheEntry{
			Fingerprint:    fp,
			SizeBytes:      size,
			LastAccessedAt: now,
			CreatedAt:      now,
		}
		ix.entries[fp] = ix.lru.PushFront(entry)
		ix.totalBytes += size
		snapshot = *entry
	}

	evicted := ix.evictLocked(ix.budgetBytes)

	ix.mu.Unlock()

	for _, ev := range evicted {
		if err := ix.persist.DeleteEntry(ctx, ev); err != nil {
			return evicted, fmt.Errorf("failed to persist eviction: %w", err)
		}
	}
	if err := ix.persist.PutEntry(ctx, snapshot); err != nil {
		return evicted, fmt.Errorf("failed to persist entry: %w", err)
	}

	ix.bumpVersion(ctx)
	return evicted, nil
}

// Remove drops the entry for fp without touching the byte budget target.
// Used when the underlying content is deleted or quarantined.
func (ix *Index) Remove(ctx context.Context, fp Fingerprint) error {
	ix.mu.Lock()
	if node, ok := ix.entries[fp]; ok {
		entry := node.Value.(*CacheEntry)
		ix.totalBytes -= entry.SizeBytes
		ix.lru.Remove(node)
		delete(ix.entries, fp)
	}
	ix.mu.Unlock()

	if err := ix.persist.DeleteEntry(ctx, fp); err != nil {
		return fmt.Errorf("failed to persist removal: %w", err)
	}

	ix.bumpVersion(ctx)
	return nil
}

// EvictUntil evicts least-recently-accessed entries until the total
// indexed size is at or under budgetBytes, returning the evicted
// fingerprints.
func (ix *Index) EvictUntil(ctx context.Context, budgetBytes int64) ([]Fingerprint, error) {
	if budgetBytes < 0 {
		return nil, &StoreError{Code: ErrInvalidArgument, Message: fmt.Sprintf("negative budget: %d", budgetBytes)}
	}

	ix.mu.Lock()
	evicted := ix.evictLocked(budgetBytes)
	ix.mu.Unlock()

	for _, ev := range evicted {
		if err := ix.persist.DeleteEntry(ctx, ev); err != nil {
			return evicted, fmt.Errorf("failed to persist eviction: %w", err)
		}
	}

	if len(evicted) > 0 {
		ix.bumpVersion(ctx)
	}
	return evicted, nil
}

// Contains reports whether fp is currently indexed.
func (ix *Index) Contains(fp Fingerprint) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, ok := ix.entries[fp]
	return ok
}

// TotalBytes returns the total indexed size.
func (ix *Index) TotalBytes() int64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.totalBytes
}

// Len returns the number of indexed entries.
func (ix *Index) Len() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return len(ix.entries)
}

// Version returns the current index version counter.
func (ix *Index) Version() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.version
}

// Loaded reports whether the index finished its startup load or rebuild.
func (ix *Index) Loaded() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.loaded
}

// Entries returns a snapshot of all entries in eviction order (coldest
// last). Used by the verification pass to detect orphaned entries.
func (ix *Index) Entries() []CacheEntry {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	result := make([]CacheEntry, 0, ix.lru.Len())
	for node := ix.lru.Front(); node != nil; node = node.Next() {
		result = append(result, *node.Value.(*CacheEntry))
	}
	return result
}

// evictLocked removes entries from the back of the LRU list until
// totalBytes <= budget. Caller holds ix.mu. A budget of 0 means
// unbounded.
func (ix *Index) evictLocked(budget int64) []Fingerprint {
	if budget <= 0 {
		return nil
	}

	var evicted []Fingerprint
	for ix.totalBytes > budget {
		node := ix.lru.Back()
		if node == nil {
			break
		}
		entry := node.Value.(*CacheEntry)
		ix.totalBytes -= entry.SizeBytes
		ix.lru.Remove(node)
		delete(ix.entries, entry.Fingerprint)
		evicted = append(evicted, entry.Fingerprint)
	}
	return evicted
}

// reset clears all in-memory state. Caller holds ix.mu.
func (ix *Index) reset() {
	ix.entries = make(map[Fingerprint]*list.Element)
	ix.lru = list.New()
	ix.totalBytes = 0
}

// fillLocked inserts entries in recency order. Caller holds ix.mu.
func (ix *Index) fillLocked(entries []CacheEntry) {
	// Most recent first so PushBack reconstructs the LRU order, with the
	// eviction tie-break (earlier CreatedAt evicts first) preserved.
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastAccessedAt.Equal(entries[j].LastAccessedAt) {
			return entries[i].LastAccessedAt.After(entries[j].LastAccessedAt)
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	for i := range entries {
		entry := entries[i]
		ix.entries[entry.Fingerprint] = ix.lru.PushBack(&entry)
		ix.totalBytes += entry.SizeBytes
	}
}

// bumpVersion advances the persisted version counter, keeping the
// in-memory copy in sync. Version bumps are best-effort: a failed bump
// only means a backup manifest may stamp a slightly stale version.
func (ix *Index) bumpVersion(ctx context.Context) {
	version, err := ix.persist.BumpIndexVersion(ctx)
	if err != nil {
		return
	}

	ix.mu.Lock()
	ix.version = version
	ix.mu.Unlock()
}
