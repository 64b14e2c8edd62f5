package ingest

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/content"
	"github.com/marmos91/dittocache/pkg/session"
	blobmemory "github.com/marmos91/dittocache/pkg/store/blob/memory"
	metamemory "github.com/marmos91/dittocache/pkg/store/meta/memory"
)

// testEnv bundles a pipeline with the components tests assert against.
type testEnv struct {
	pipeline *Pipeline
	store    *content.Store
	index    *cache.Index
	sessions *session.Manager
}

func newTestEnv(t *testing.T, config Config, budgetBytes int64) *testEnv {
	t.Helper()

	metaStore := metamemory.NewMetaStore()
	store := content.NewStore(blobmemory.NewMemoryBlobStore(), metaStore, content.Config{}, nil)
	index := cache.NewIndex(budgetBytes, metaStore)
	sessions := session.NewManager(metaStore, store, session.Config{})

	return &testEnv{
		pipeline: NewPipeline(store, index, sessions, config, nil),
		store:    store,
		index:    index,
		sessions: sessions,
	}
}

func (env *testEnv) openSession(t *testing.T, owner string) string {
	t.Helper()

	sess, err := env.sessions.Open(context.Background(), owner)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return sess.ID
}

func (env *testEnv) refCount(t *testing.T, fp cache.Fingerprint) int64 {
	t.Helper()

	rec, err := env.store.Stat(context.Background(), fp)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	return rec.RefCount
}

func TestIngestAttachesAndIndexes(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)
	ctx := context.Background()
	sessionID := env.openSession(t, "owner")

	content := []byte("ingested content")
	fp, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if fp != cache.SumContent(content) {
		t.Errorf("Fingerprint %s does not match content digest", fp)
	}
	if !env.index.Contains(fp) {
		t.Error("Ingested content not indexed")
	}
	if got := env.refCount(t, fp); got != 1 {
		t.Errorf("RefCount = %d, want 1", got)
	}
}

func TestIngestSameSessionIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)
	ctx := context.Background()
	sessionID := env.openSession(t, "owner")

	content := []byte("ingested twice")
	fp1, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(content), -1)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	fp2, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(content), -1)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if fp1 != fp2 {
		t.Fatalf("Fingerprints differ: %s vs %s", fp1, fp2)
	}
	// One distinct session reference, so exactly one refcount unit.
	if got := env.refCount(t, fp1); got != 1 {
		t.Errorf("RefCount = %d after duplicate ingest, want 1", got)
	}
}

func TestIngestAcrossSessionsDeduplicates(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)
	ctx := context.Background()

	s1 := env.openSession(t, "owner-1")
	s2 := env.openSession(t, "owner-2")

	content := []byte("shared content")
	fp1, err := env.pipeline.Ingest(ctx, "owner-1", s1, bytes.NewReader(content), -1)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	fp2, err := env.pipeline.Ingest(ctx, "owner-2", s2, bytes.NewReader(content), -1)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if fp1 != fp2 {
		t.Fatalf("Fingerprints differ across sessions: %s vs %s", fp1, fp2)
	}
	// Two distinct session references, one physical copy.
	if got := env.refCount(t, fp1); got != 2 {
		t.Errorf("RefCount = %d, want 2", got)
	}

	// Closing one session drops one unit; the content stays retrievable.
	if err := env.sessions.Close(ctx, s1); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := env.refCount(t, fp1); got != 1 {
		t.Errorf("RefCount = %d after one close, want 1", got)
	}

	rc, _, err := env.pipeline.Retrieve(ctx, s2, fp1)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	rc.Close()

	if err := env.sessions.Close(ctx, s2); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := env.refCount(t, fp1); got != 0 {
		t.Errorf("RefCount = %d after both closes, want 0", got)
	}
	// Eligible for deletion, but not deleted.
	if exists, _ := env.store.Exists(ctx, fp1); !exists {
		t.Error("Content deleted at refcount zero without deletion policy")
	}
}

func TestIngestRejectsOversizedHint(t *testing.T) {
	env := newTestEnv(t, Config{MaxPayloadBytes: 100}, 0)
	sessionID := env.openSession(t, "owner")

	// The stream must not be read at all when the hint already exceeds
	// the ceiling.
	r := &countingReader{r: strings.NewReader("never read")}
	_, err := env.pipeline.Ingest(context.Background(), "owner", sessionID, r, 101)
	if !cache.IsCode(err, cache.ErrPayloadTooLarge) {
		t.Fatalf("Expected PayloadTooLarge, got %v", err)
	}
	if r.reads != 0 {
		t.Errorf("Stream read %d times despite oversized hint", r.reads)
	}
}

func TestIngestCapsUndeclaredStream(t *testing.T) {
	env := newTestEnv(t, Config{MaxPayloadBytes: 10}, 0)
	ctx := context.Background()
	sessionID := env.openSession(t, "owner")

	_, err := env.pipeline.Ingest(ctx, "owner", sessionID, strings.NewReader("this stream is longer than ten bytes"), -1)
	if !cache.IsCode(err, cache.ErrPayloadTooLarge) {
		t.Fatalf("Expected PayloadTooLarge, got %v", err)
	}

	// Nothing stored.
	records, err := env.store.ListRecords(ctx)
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("Oversized ingest left %d records", len(records))
	}
}

func TestIngestExactLimitSucceeds(t *testing.T) {
	env := newTestEnv(t, Config{MaxPayloadBytes: 10}, 0)
	sessionID := env.openSession(t, "owner")

	content := []byte("1234567890") // exactly 10
	if _, err := env.pipeline.Ingest(context.Background(), "owner", sessionID, bytes.NewReader(content), 10); err != nil {
		t.Errorf("Ingest at the exact limit failed: %v", err)
	}
}

func TestIngestTimeout(t *testing.T) {
	env := newTestEnv(t, Config{Timeout: 20 * time.Millisecond}, 0)
	sessionID := env.openSession(t, "owner")

	_, err := env.pipeline.Ingest(context.Background(), "owner", sessionID, &stallingReader{}, -1)
	if !cache.IsCode(err, cache.ErrTimeout) {
		t.Fatalf("Expected Timeout, got %v", err)
	}
}

func TestIngestExpiredSessionRollsBack(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)
	ctx := context.Background()

	content := []byte("orphan candidate")
	_, err := env.pipeline.Ingest(ctx, "owner", "no-such-session", bytes.NewReader(content), -1)
	if !cache.IsCode(err, cache.ErrSessionExpired) {
		t.Fatalf("Expected SessionExpired, got %v", err)
	}

	// The content may remain stored but must hold no pinned refcount.
	fp := cache.SumContent(content)
	rec, err := env.store.Stat(ctx, fp)
	if err == nil && rec.RefCount != 0 {
		t.Errorf("RefCount = %d after failed attach, want 0", rec.RefCount)
	}
}

func TestRollbackReleasesUnitAfterDeadline(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)
	ctx := context.Background()

	// The unit acquired by Put, exactly as an ingestion holds it between
	// commit and attach.
	content := []byte("deadline straggler")
	fp, _, err := env.store.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// By the time a rollback runs, the ingestion context has usually
	// expired. The release must go through anyway.
	dead, cancel := context.WithCancel(ctx)
	cancel()
	env.pipeline.rollback(dead, fp)

	if got := env.refCount(t, fp); got != 0 {
		t.Errorf("RefCount = %d after rollback on expired context, want 0", got)
	}
}

func TestIngestRateLimited(t *testing.T) {
	env := newTestEnv(t, Config{RatePerOwner: 1, RateBurst: 2}, 0)
	ctx := context.Background()
	sessionID := env.openSession(t, "owner")

	// Burst of 2 passes; the third is rejected without waiting.
	for i := 0; i < 2; i++ {
		content := []byte{byte(i)}
		if _, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(content), 1); err != nil {
			t.Fatalf("Ingest %d failed: %v", i, err)
		}
	}

	_, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader([]byte("third")), 5)
	if !cache.IsCode(err, cache.ErrRateLimited) {
		t.Errorf("Expected RateLimited, got %v", err)
	}

	// Another owner is unaffected.
	other := env.openSession(t, "other")
	if _, err := env.pipeline.Ingest(ctx, "other", other, bytes.NewReader([]byte("independent")), -1); err != nil {
		t.Errorf("Independent owner rate limited: %v", err)
	}
}

func TestIngestEvictionDeletesUnreferenced(t *testing.T) {
	env := newTestEnv(t, Config{}, 100)
	ctx := context.Background()
	sessionID := env.openSession(t, "owner")

	first := make([]byte, 60)
	first[0] = 1
	fp1, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(first), -1)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// Release the only reference so eviction may delete the content.
	if _, err := env.sessions.Detach(ctx, sessionID, fp1, 60); err != nil {
		t.Fatalf("Detach failed: %v", err)
	}
	if _, err := env.store.Unpin(ctx, fp1); err != nil {
		t.Fatalf("Unpin failed: %v", err)
	}

	second := make([]byte, 60)
	second[0] = 2
	if _, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(second), -1); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if env.index.Contains(fp1) {
		t.Error("Evicted entry still indexed")
	}
	if exists, _ := env.store.Exists(ctx, fp1); exists {
		t.Error("Unreferenced evicted content not deleted")
	}
}

func TestIngestEvictionKeepsReferencedCold(t *testing.T) {
	env := newTestEnv(t, Config{}, 100)
	ctx := context.Background()
	sessionID := env.openSession(t, "owner")

	first := make([]byte, 60)
	first[0] = 1
	fp1, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(first), -1)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	second := make([]byte, 60)
	second[0] = 2
	if _, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(second), -1); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// fp1 was evicted but is still referenced by the session: it must
	// survive as cold content.
	if env.index.Contains(fp1) {
		t.Error("Evicted entry still indexed")
	}
	if exists, _ := env.store.Exists(ctx, fp1); !exists {
		t.Fatal("Referenced content deleted on eviction")
	}

	// First access re-indexes it.
	rc, _, err := env.pipeline.Retrieve(ctx, sessionID, fp1)
	if err != nil {
		t.Fatalf("Retrieve of cold content failed: %v", err)
	}
	rc.Close()
	if !env.index.Contains(fp1) {
		t.Error("Cold content not re-indexed on access")
	}
}

func TestRetrieveRequiresLiveSession(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)
	ctx := context.Background()
	sessionID := env.openSession(t, "owner")

	content := []byte("protected")
	fp, err := env.pipeline.Ingest(ctx, "owner", sessionID, bytes.NewReader(content), -1)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if _, _, err := env.pipeline.Retrieve(ctx, "no-such-session", fp); !cache.IsCode(err, cache.ErrSessionExpired) {
		t.Errorf("Expected SessionExpired, got %v", err)
	}

	rc, size, err := env.pipeline.Retrieve(ctx, sessionID, fp)
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if !bytes.Equal(got, content) || size != int64(len(content)) {
		t.Errorf("Retrieve returned %q (%d bytes), want %q", got, size, content)
	}
}

func TestRetrieveNotFound(t *testing.T) {
	env := newTestEnv(t, Config{}, 0)
	sessionID := env.openSession(t, "owner")

	_, _, err := env.pipeline.Retrieve(context.Background(), sessionID, cache.SumContent([]byte("missing")))
	if !cache.IsCode(err, cache.ErrNotFound) {
		t.Errorf("Expected NotFound, got %v", err)
	}
}

// countingReader counts reads so tests can assert a stream was never
// consumed.
type countingReader struct {
	r     io.Reader
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.reads++
	return c.r.Read(p)
}

// stallingReader trickles one byte per read, slower than any reasonable
// timeout, simulating a stalled client.
type stallingReader struct{}

func (s *stallingReader) Read(p []byte) (int, error) {
	time.Sleep(5 * time.Millisecond)
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = 'x'
	return 1, nil
}
