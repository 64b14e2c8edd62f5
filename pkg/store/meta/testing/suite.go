// Package testing provides a reusable contract test suite for meta.Store
// implementations.
//
// The suite tests the interface contract, not implementation details, so
// every backend (badger, memory) runs the same assertions.
//
// Usage:
//
//	func TestMyMetaStore(t *testing.T) {
//	    suite := &testing.StoreTestSuite{
//	        NewStore: func(t *testing.T) meta.Store {
//	            return mystore.New()
//	        },
//	    }
//	    suite.Run(t)
//	}
package testing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/store/meta"
)

// StoreTestSuite is a contract test suite for meta.Store implementations.
type StoreTestSuite struct {
	// NewStore creates a fresh store for each test, ensuring isolation.
	NewStore func(t *testing.T) meta.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Records", suite.RunRecordTests)
	t.Run("RefCounts", suite.RunRefCountTests)
	t.Run("IndexEntries", suite.RunIndexTests)
	t.Run("Sessions", suite.RunSessionTests)
	t.Run("Manifests", suite.RunManifestTests)
}

func testContext() context.Context {
	return context.Background()
}

func testRecord(seed string, refCount int64) cache.ContentRecord {
	fp := cache.SumContent([]byte(seed))
	return cache.ContentRecord{
		Fingerprint:     fp,
		Size:            int64(len(seed)),
		StorageLocation: "blobs/" + fp.String(),
		CreatedAt:       time.Now().UTC().Truncate(time.Millisecond),
		RefCount:        refCount,
	}
}

// RunRecordTests executes content record CRUD tests.
func (suite *StoreTestSuite) RunRecordTests(t *testing.T) {
	t.Run("Get_NotFound", suite.testGetRecordNotFound)
	t.Run("Put_Get_Roundtrip", suite.testRecordRoundtrip)
	t.Run("Put_Overwrites", suite.testRecordOverwrite)
	t.Run("List_And_Count", suite.testRecordListCount)
	t.Run("DeleteRecord_Unconditional", suite.testDeleteRecord)
}

func (suite *StoreTestSuite) testGetRecordNotFound(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	_, err := store.GetRecord(testContext(), cache.SumContent([]byte("missing")))
	require.Error(t, err)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))
}

func (suite *StoreTestSuite) testRecordRoundtrip(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	rec := testRecord("roundtrip", 2)
	require.NoError(t, store.PutRecord(testContext(), rec))

	got, err := store.GetRecord(testContext(), rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, rec.Fingerprint, got.Fingerprint)
	assert.Equal(t, rec.Size, got.Size)
	assert.Equal(t, rec.StorageLocation, got.StorageLocation)
	assert.Equal(t, int64(2), got.RefCount)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt), "CreatedAt should survive the roundtrip")
}

func (suite *StoreTestSuite) testRecordOverwrite(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	rec := testRecord("overwrite", 1)
	require.NoError(t, store.PutRecord(testContext(), rec))

	rec.RefCount = 5
	require.NoError(t, store.PutRecord(testContext(), rec))

	got, err := store.GetRecord(testContext(), rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.RefCount)
}

func (suite *StoreTestSuite) testRecordListCount(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	seeds := []string{"list-a", "list-b", "list-c"}
	for _, seed := range seeds {
		require.NoError(t, store.PutRecord(testContext(), testRecord(seed, 1)))
	}

	records, err := store.ListRecords(testContext())
	require.NoError(t, err)
	assert.Len(t, records, len(seeds))

	count, err := store.CountRecords(testContext())
	require.NoError(t, err)
	assert.Equal(t, int64(len(seeds)), count)
}

func (suite *StoreTestSuite) testDeleteRecord(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	rec := testRecord("delete-unconditional", 3)
	require.NoError(t, store.PutRecord(testContext(), rec))

	// Unconditional delete ignores the refcount.
	require.NoError(t, store.DeleteRecord(testContext(), rec.Fingerprint))

	_, err := store.GetRecord(testContext(), rec.Fingerprint)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))

	// Deleting again is not an error.
	require.NoError(t, store.DeleteRecord(testContext(), rec.Fingerprint))
}

// RunRefCountTests executes refcount adjustment tests.
func (suite *StoreTestSuite) RunRefCountTests(t *testing.T) {
	t.Run("Adjust_Missing", suite.testAdjustMissing)
	t.Run("Adjust_UpAndDown", suite.testAdjustUpDown)
	t.Run("Adjust_NeverNegative", suite.testAdjustNegative)
	t.Run("Adjust_Concurrent", suite.testAdjustConcurrent)
	t.Run("ConditionalDelete", suite.testConditionalDelete)
}

func (suite *StoreTestSuite) testAdjustMissing(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	_, err := store.AdjustRefCount(testContext(), cache.SumContent([]byte("missing")), 1)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))
}

func (suite *StoreTestSuite) testAdjustUpDown(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	rec := testRecord("adjust", 0)
	require.NoError(t, store.PutRecord(testContext(), rec))

	count, err := store.AdjustRefCount(testContext(), rec.Fingerprint, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	count, err = store.AdjustRefCount(testContext(), rec.Fingerprint, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func (suite *StoreTestSuite) testAdjustNegative(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	rec := testRecord("negative", 1)
	require.NoError(t, store.PutRecord(testContext(), rec))

	_, err := store.AdjustRefCount(testContext(), rec.Fingerprint, -2)
	require.Error(t, err)
	assert.True(t, cache.IsCode(err, cache.ErrInvalidArgument))

	// The failed adjustment must not have changed the count.
	got, err := store.GetRecord(testContext(), rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RefCount)
}

func (suite *StoreTestSuite) testAdjustConcurrent(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	rec := testRecord("concurrent", 0)
	require.NoError(t, store.PutRecord(testContext(), rec))

	// Concurrent pins on the same fingerprint happen under deduplicated
	// ingestion; no adjustment may be lost.
	const workers = 16
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.AdjustRefCount(testContext(), rec.Fingerprint, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.GetRecord(testContext(), rec.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.RefCount)
}

func (suite *StoreTestSuite) testConditionalDelete(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	rec := testRecord("conditional", 1)
	require.NoError(t, store.PutRecord(testContext(), rec))

	// Still referenced: not deleted.
	deleted, err := store.DeleteRecordIfUnreferenced(testContext(), rec.Fingerprint)
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = store.AdjustRefCount(testContext(), rec.Fingerprint, -1)
	require.NoError(t, err)

	deleted, err = store.DeleteRecordIfUnreferenced(testContext(), rec.Fingerprint)
	require.NoError(t, err)
	assert.True(t, deleted)

	// Missing record: (false, nil).
	deleted, err = store.DeleteRecordIfUnreferenced(testContext(), rec.Fingerprint)
	require.NoError(t, err)
	assert.False(t, deleted)
}

// RunIndexTests executes persisted index entry and version tests.
func (suite *StoreTestSuite) RunIndexTests(t *testing.T) {
	t.Run("Entries_Roundtrip", suite.testEntriesRoundtrip)
	t.Run("Entries_Delete", suite.testEntriesDelete)
	t.Run("Version_Bumps", suite.testVersionBumps)
}

func (suite *StoreTestSuite) testEntriesRoundtrip(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	entry := cache.CacheEntry{
		Fingerprint:    cache.SumContent([]byte("entry")),
		SizeBytes:      42,
		LastAccessedAt: now,
		CreatedAt:      now.Add(-time.Hour),
	}
	require.NoError(t, store.PutEntry(testContext(), entry))

	entries, err := store.ListEntries(testContext())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.Fingerprint, entries[0].Fingerprint)
	assert.Equal(t, entry.SizeBytes, entries[0].SizeBytes)
	assert.True(t, entry.LastAccessedAt.Equal(entries[0].LastAccessedAt))
}

func (suite *StoreTestSuite) testEntriesDelete(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	fp := cache.SumContent([]byte("delete-entry"))
	entry := cache.CacheEntry{Fingerprint: fp, SizeBytes: 1, LastAccessedAt: time.Now(), CreatedAt: time.Now()}
	require.NoError(t, store.PutEntry(testContext(), entry))
	require.NoError(t, store.DeleteEntry(testContext(), fp))

	entries, err := store.ListEntries(testContext())
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Deleting a missing entry is not an error.
	require.NoError(t, store.DeleteEntry(testContext(), fp))
}

func (suite *StoreTestSuite) testVersionBumps(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	v0, err := store.IndexVersion(testContext())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), v0)

	v1, err := store.BumpIndexVersion(testContext())
	require.NoError(t, err)
	assert.Equal(t, v0+1, v1)

	v2, err := store.BumpIndexVersion(testContext())
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	got, err := store.IndexVersion(testContext())
	require.NoError(t, err)
	assert.Equal(t, v2, got)
}

// RunSessionTests executes session persistence tests.
func (suite *StoreTestSuite) RunSessionTests(t *testing.T) {
	t.Run("Get_NotFound", suite.testSessionNotFound)
	t.Run("Put_Get_Roundtrip", suite.testSessionRoundtrip)
	t.Run("Put_EmptyID", suite.testSessionEmptyID)
	t.Run("Delete_And_List", suite.testSessionDeleteList)
	t.Run("Isolation", suite.testSessionIsolation)
}

func (suite *StoreTestSuite) testSessionNotFound(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	_, err := store.GetSession(testContext(), "nope")
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))
}

func (suite *StoreTestSuite) testSessionRoundtrip(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	fp := cache.SumContent([]byte("held"))
	sess := &cache.Session{
		ID:        "sess-1",
		OwnerID:   "owner-1",
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
		ActiveReferences: map[cache.Fingerprint]struct{}{
			fp: {},
		},
		UsedBytes: 4,
	}
	require.NoError(t, store.PutSession(testContext(), sess))

	got, err := store.GetSession(testContext(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.True(t, got.HasReference(fp))
	assert.Equal(t, int64(4), got.UsedBytes)
	assert.True(t, sess.ExpiresAt.Equal(got.ExpiresAt))
}

func (suite *StoreTestSuite) testSessionEmptyID(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	err := store.PutSession(testContext(), &cache.Session{OwnerID: "owner"})
	require.Error(t, err)
	assert.True(t, cache.IsCode(err, cache.ErrInvalidArgument))
}

func (suite *StoreTestSuite) testSessionDeleteList(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	for _, id := range []string{"a", "b"} {
		sess := &cache.Session{
			ID:               id,
			OwnerID:          "owner-" + id,
			ActiveReferences: map[cache.Fingerprint]struct{}{},
		}
		require.NoError(t, store.PutSession(testContext(), sess))
	}

	require.NoError(t, store.DeleteSession(testContext(), "a"))
	// Deleting a missing session is not an error.
	require.NoError(t, store.DeleteSession(testContext(), "a"))

	sessions, err := store.ListSessions(testContext())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "b", sessions[0].ID)
}

func (suite *StoreTestSuite) testSessionIsolation(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	sess := &cache.Session{
		ID:               "isolated",
		OwnerID:          "owner",
		ActiveReferences: map[cache.Fingerprint]struct{}{},
	}
	require.NoError(t, store.PutSession(testContext(), sess))

	// Mutating the caller's copy after Put must not affect the stored
	// session.
	sess.ActiveReferences[cache.SumContent([]byte("late"))] = struct{}{}

	got, err := store.GetSession(testContext(), "isolated")
	require.NoError(t, err)
	assert.Empty(t, got.ActiveReferences)
}

// RunManifestTests executes backup manifest log tests.
func (suite *StoreTestSuite) RunManifestTests(t *testing.T) {
	t.Run("Append_And_List_Ordered", suite.testManifestOrder)
	t.Run("Append_Duplicate", suite.testManifestDuplicate)
	t.Run("Delete", suite.testManifestDelete)
}

func (suite *StoreTestSuite) testManifestOrder(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	base := time.Now().UTC().Truncate(time.Millisecond)
	// Append out of order; listing must come back TakenAt ascending.
	for _, m := range []cache.BackupManifest{
		{SnapshotID: "snap-2", TakenAt: base.Add(2 * time.Hour)},
		{SnapshotID: "snap-0", TakenAt: base},
		{SnapshotID: "snap-1", TakenAt: base.Add(time.Hour)},
	} {
		require.NoError(t, store.AppendManifest(testContext(), m))
	}

	manifests, err := store.ListManifests(testContext())
	require.NoError(t, err)
	require.Len(t, manifests, 3)
	assert.Equal(t, "snap-0", manifests[0].SnapshotID)
	assert.Equal(t, "snap-1", manifests[1].SnapshotID)
	assert.Equal(t, "snap-2", manifests[2].SnapshotID)
}

func (suite *StoreTestSuite) testManifestDuplicate(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	m := cache.BackupManifest{SnapshotID: "dup", TakenAt: time.Now()}
	require.NoError(t, store.AppendManifest(testContext(), m))

	err := store.AppendManifest(testContext(), m)
	require.Error(t, err)
	assert.True(t, cache.IsCode(err, cache.ErrAlreadyExists))
}

func (suite *StoreTestSuite) testManifestDelete(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	m := cache.BackupManifest{SnapshotID: "gone", TakenAt: time.Now()}
	require.NoError(t, store.AppendManifest(testContext(), m))
	require.NoError(t, store.DeleteManifest(testContext(), "gone"))

	manifests, err := store.ListManifests(testContext())
	require.NoError(t, err)
	assert.Empty(t, manifests)
}
