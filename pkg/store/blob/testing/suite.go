// Package testing provides a reusable contract test suite for blob.Store
// implementations.
package testing

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/store/blob"
)

// StoreTestSuite is a contract test suite for blob.Store implementations.
type StoreTestSuite struct {
	// NewStore creates a fresh store for each test, ensuring isolation.
	NewStore func(t *testing.T) blob.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("Stage", suite.RunStageTests)
	t.Run("Access", suite.RunAccessTests)
	t.Run("Quarantine", suite.RunQuarantineTests)
	t.Run("Concurrency", suite.RunConcurrencyTests)
}

func testContext() context.Context {
	return context.Background()
}

// stageContent stages and commits content, returning its fingerprint.
func stageContent(t *testing.T, store blob.Store, content []byte) cache.Fingerprint {
	t.Helper()

	stage, err := store.NewStage(testContext())
	require.NoError(t, err)

	_, err = stage.Write(content)
	require.NoError(t, err)

	fp := cache.SumContent(content)
	existed, err := stage.Commit(testContext(), fp)
	require.NoError(t, err)
	require.False(t, existed)

	return fp
}

// RunStageTests executes staging and commit tests.
func (suite *StoreTestSuite) RunStageTests(t *testing.T) {
	t.Run("Commit_MakesContentVisible", suite.testCommitVisible)
	t.Run("Commit_Dedupe", suite.testCommitDedupe)
	t.Run("Abort_DiscardsBytes", suite.testAbortDiscards)
	t.Run("Abort_Idempotent", suite.testAbortIdempotent)
	t.Run("SpentStage_RejectsWrites", suite.testSpentStage)
	t.Run("Uncommitted_NotVisible", suite.testUncommittedInvisible)
}

func (suite *StoreTestSuite) testCommitVisible(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	content := []byte("committed content")
	fp := stageContent(t, store, content)

	r, err := store.Open(testContext(), fp)
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func (suite *StoreTestSuite) testCommitDedupe(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	content := []byte("duplicate content")
	fp := stageContent(t, store, content)

	// A second commit of the same fingerprint reports existed=true and
	// leaves the stored bytes intact.
	stage, err := store.NewStage(testContext())
	require.NoError(t, err)
	_, err = stage.Write(content)
	require.NoError(t, err)

	existed, err := stage.Commit(testContext(), fp)
	require.NoError(t, err)
	assert.True(t, existed)

	r, err := store.Open(testContext(), fp)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func (suite *StoreTestSuite) testAbortDiscards(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	content := []byte("aborted content")
	fp := cache.SumContent(content)

	stage, err := store.NewStage(testContext())
	require.NoError(t, err)
	_, err = stage.Write(content)
	require.NoError(t, err)
	require.NoError(t, stage.Abort())

	exists, err := store.Exists(testContext(), fp)
	require.NoError(t, err)
	assert.False(t, exists)
}

func (suite *StoreTestSuite) testAbortIdempotent(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	stage, err := store.NewStage(testContext())
	require.NoError(t, err)

	require.NoError(t, stage.Abort())
	require.NoError(t, stage.Abort())

	// Abort after commit is a no-op and must not unpublish the blob.
	content := []byte("committed then aborted")
	fp := stageContent(t, store, content)

	exists, err := store.Exists(testContext(), fp)
	require.NoError(t, err)
	assert.True(t, exists)
}

func (suite *StoreTestSuite) testSpentStage(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	stage, err := store.NewStage(testContext())
	require.NoError(t, err)
	_, err = stage.Write([]byte("spent"))
	require.NoError(t, err)

	_, err = stage.Commit(testContext(), cache.SumContent([]byte("spent")))
	require.NoError(t, err)

	_, err = stage.Write([]byte("more"))
	assert.Error(t, err)

	_, err = stage.Commit(testContext(), cache.SumContent([]byte("more")))
	assert.Error(t, err)
}

func (suite *StoreTestSuite) testUncommittedInvisible(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	content := []byte("staged only")
	fp := cache.SumContent(content)

	stage, err := store.NewStage(testContext())
	require.NoError(t, err)
	defer stage.Abort()
	_, err = stage.Write(content)
	require.NoError(t, err)

	exists, err := store.Exists(testContext(), fp)
	require.NoError(t, err)
	assert.False(t, exists)

	fps, err := store.List(testContext())
	require.NoError(t, err)
	assert.NotContains(t, fps, fp)
}

// RunAccessTests executes open/exists/remove/list tests.
func (suite *StoreTestSuite) RunAccessTests(t *testing.T) {
	t.Run("Open_NotFound", suite.testOpenNotFound)
	t.Run("Remove_And_Missing", suite.testRemove)
	t.Run("List", suite.testList)
	t.Run("Location_Stable", suite.testLocation)
	t.Run("Ping", suite.testPing)
}

func (suite *StoreTestSuite) testOpenNotFound(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	_, err := store.Open(testContext(), cache.SumContent([]byte("missing")))
	require.Error(t, err)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))
}

func (suite *StoreTestSuite) testRemove(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	fp := stageContent(t, store, []byte("removable"))
	require.NoError(t, store.Remove(testContext(), fp))

	exists, err := store.Exists(testContext(), fp)
	require.NoError(t, err)
	assert.False(t, exists)

	// Removing a missing blob is not an error.
	require.NoError(t, store.Remove(testContext(), fp))
}

func (suite *StoreTestSuite) testList(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	want := map[cache.Fingerprint]bool{
		stageContent(t, store, []byte("list-1")): true,
		stageContent(t, store, []byte("list-2")): true,
		stageContent(t, store, []byte("list-3")): true,
	}

	fps, err := store.List(testContext())
	require.NoError(t, err)
	require.Len(t, fps, len(want))
	for _, fp := range fps {
		assert.True(t, want[fp], "unexpected fingerprint %s in listing", fp)
	}
}

func (suite *StoreTestSuite) testLocation(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	fp := cache.SumContent([]byte("located"))
	assert.NotEmpty(t, store.Location(fp))
	assert.Equal(t, store.Location(fp), store.Location(fp))
}

func (suite *StoreTestSuite) testPing(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	assert.NoError(t, store.Ping(testContext()))
}

// RunQuarantineTests executes quarantine tests.
func (suite *StoreTestSuite) RunQuarantineTests(t *testing.T) {
	t.Run("RemovesFromNamespace", suite.testQuarantineRemoves)
	t.Run("Missing", suite.testQuarantineMissing)
}

func (suite *StoreTestSuite) testQuarantineRemoves(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	fp := stageContent(t, store, []byte("suspect"))
	require.NoError(t, store.Quarantine(testContext(), fp))

	exists, err := store.Exists(testContext(), fp)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = store.Open(testContext(), fp)
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))
}

func (suite *StoreTestSuite) testQuarantineMissing(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	err := store.Quarantine(testContext(), cache.SumContent([]byte("missing")))
	assert.True(t, cache.IsCode(err, cache.ErrNotFound))
}

// RunConcurrencyTests executes concurrent commit tests.
func (suite *StoreTestSuite) RunConcurrencyTests(t *testing.T) {
	t.Run("ConcurrentCommitsSameFingerprint", suite.testConcurrentCommits)
}

func (suite *StoreTestSuite) testConcurrentCommits(t *testing.T) {
	store := suite.NewStore(t)
	defer store.Close()

	content := []byte("raced content")
	fp := cache.SumContent(content)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			stage, err := store.NewStage(testContext())
			if !assert.NoError(t, err) {
				return
			}
			defer stage.Abort()

			if _, err := stage.Write(content); !assert.NoError(t, err) {
				return
			}
			_, err = stage.Commit(testContext(), fp)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	r, err := store.Open(testContext(), fp)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	fps, err := store.List(testContext())
	require.NoError(t, err)
	assert.Len(t, fps, 1)
}
