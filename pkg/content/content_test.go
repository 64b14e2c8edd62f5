package content

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/marmos91/dittocache/pkg/cache"
	blobmemory "github.com/marmos91/dittocache/pkg/store/blob/memory"
	metamemory "github.com/marmos91/dittocache/pkg/store/meta/memory"
)

func newTestStore(t *testing.T) (*Store, *blobmemory.MemoryBlobStore, *metamemory.MetaStore) {
	t.Helper()

	blobs := blobmemory.NewMemoryBlobStore()
	metaStore := metamemory.NewMetaStore()
	store := NewStore(blobs, metaStore, Config{}, nil)
	return store, blobs, metaStore
}

func mustPut(t *testing.T, store *Store, content []byte) cache.Fingerprint {
	t.Helper()

	fp, size, err := store.Put(context.Background(), bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if size != int64(len(content)) {
		t.Fatalf("Put size = %d, want %d", size, len(content))
	}
	return fp
}

func refCount(t *testing.T, store *Store, fp cache.Fingerprint) int64 {
	t.Helper()

	rec, err := store.Stat(context.Background(), fp)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	return rec.RefCount
}

func TestPutGetRoundtrip(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	content := []byte("hello, cache")
	fp := mustPut(t, store, content)

	if fp != cache.SumContent(content) {
		t.Errorf("Put fingerprint %s does not match content digest", fp)
	}

	rc, size, err := store.Get(ctx, fp)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()

	if size != int64(len(content)) {
		t.Errorf("Get size = %d, want %d", size, len(content))
	}
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("Get returned %q, want %q", got, content)
	}
}

func TestGetNotFound(t *testing.T) {
	store, _, _ := newTestStore(t)

	_, _, err := store.Get(context.Background(), cache.SumContent([]byte("missing")))
	if !cache.IsCode(err, cache.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

func TestPutDeduplicates(t *testing.T) {
	store, blobs, _ := newTestStore(t)
	ctx := context.Background()

	content := []byte("stored once")
	fp1 := mustPut(t, store, content)
	fp2 := mustPut(t, store, content)

	if fp1 != fp2 {
		t.Fatalf("Same content yielded different fingerprints: %s vs %s", fp1, fp2)
	}
	if got := refCount(t, store, fp1); got != 2 {
		t.Errorf("RefCount = %d after two puts, want 2", got)
	}

	fps, err := blobs.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(fps) != 1 {
		t.Errorf("Physical copies = %d, want 1", len(fps))
	}
}

func TestPutConcurrentIdenticalContent(t *testing.T) {
	store, blobs, _ := newTestStore(t)
	ctx := context.Background()

	content := []byte("raced identical content")
	fp := cache.SumContent(content)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, _, err := store.Put(ctx, bytes.NewReader(content))
			if err != nil {
				t.Errorf("Put failed: %v", err)
				return
			}
			if got != fp {
				t.Errorf("Fingerprint mismatch: %s", got)
			}
		}()
	}
	wg.Wait()

	// Every writer holds one refcount unit; exactly one physical copy.
	if got := refCount(t, store, fp); got != writers {
		t.Errorf("RefCount = %d, want %d", got, writers)
	}
	fps, err := blobs.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(fps) != 1 {
		t.Errorf("Physical copies = %d, want 1", len(fps))
	}
}

func TestPutFailedStreamLeavesNothing(t *testing.T) {
	store, blobs, metaStore := newTestStore(t)
	ctx := context.Background()

	r := io.MultiReader(strings.NewReader("partial"), &failingReader{})
	if _, _, err := store.Put(ctx, r); err == nil {
		t.Fatal("Expected error from failing stream")
	}

	fps, err := blobs.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(fps) != 0 {
		t.Errorf("Failed put left %d blobs behind", len(fps))
	}

	count, err := metaStore.CountRecords(ctx)
	if err != nil {
		t.Fatalf("CountRecords failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Failed put left %d records behind", count)
	}
}

func TestPutCancelledContext(t *testing.T) {
	store, blobs, _ := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := store.Put(ctx, strings.NewReader("never stored"))
	if err == nil {
		t.Fatal("Expected error from cancelled context")
	}

	fps, err := blobs.List(context.Background())
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(fps) != 0 {
		t.Errorf("Cancelled put left %d blobs behind", len(fps))
	}
}

func TestPinUnpin(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	fp := mustPut(t, store, []byte("pinned"))

	count, err := store.Pin(ctx, fp)
	if err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	if count != 2 {
		t.Errorf("RefCount after pin = %d, want 2", count)
	}

	count, err = store.Unpin(ctx, fp)
	if err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}
	if count != 1 {
		t.Errorf("RefCount after unpin = %d, want 1", count)
	}

	// Driving the count negative is rejected.
	if _, err := store.Unpin(ctx, fp); err != nil {
		t.Fatalf("Unpin to zero failed: %v", err)
	}
	if _, err := store.Unpin(ctx, fp); !cache.IsCode(err, cache.ErrInvalidArgument) {
		t.Errorf("Expected InvalidArgument unpinning below zero, got %v", err)
	}
}

func TestDeleteIfUnreferenced(t *testing.T) {
	store, blobs, _ := newTestStore(t)
	ctx := context.Background()

	fp := mustPut(t, store, []byte("deletable"))

	// Still referenced: not deleted.
	deleted, err := store.DeleteIfUnreferenced(ctx, fp)
	if err != nil {
		t.Fatalf("DeleteIfUnreferenced failed: %v", err)
	}
	if deleted {
		t.Fatal("Deleted content with refcount 1")
	}

	if _, err := store.Unpin(ctx, fp); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}

	deleted, err = store.DeleteIfUnreferenced(ctx, fp)
	if err != nil {
		t.Fatalf("DeleteIfUnreferenced failed: %v", err)
	}
	if !deleted {
		t.Fatal("Unreferenced content not deleted")
	}

	if exists, _ := store.Exists(ctx, fp); exists {
		t.Error("Record survived deletion")
	}
	if exists, _ := blobs.Exists(ctx, fp); exists {
		t.Error("Blob survived deletion")
	}
}

func TestExists(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	fp := mustPut(t, store, []byte("present"))

	exists, err := store.Exists(ctx, fp)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("Exists = false for stored content")
	}

	exists, err = store.Exists(ctx, cache.SumContent([]byte("absent")))
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("Exists = true for missing content")
	}
}

// failingReader fails on the first read, simulating a broken stream.
type failingReader struct{}

func (r *failingReader) Read(p []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
