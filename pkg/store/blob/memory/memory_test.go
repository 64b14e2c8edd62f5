package memory

import (
	"context"
	"testing"

	"github.com/marmos91/dittocache/pkg/cache"
	"github.com/marmos91/dittocache/pkg/store/blob"
	blobtesting "github.com/marmos91/dittocache/pkg/store/blob/testing"
)

func TestMemoryBlobStore(t *testing.T) {
	suite := &blobtesting.StoreTestSuite{
		NewStore: func(t *testing.T) blob.Store {
			return NewMemoryBlobStore()
		},
	}
	suite.Run(t)
}

func TestCorruptHelperOnlyTouchesExisting(t *testing.T) {
	store := NewMemoryBlobStore()
	ctx := context.Background()

	content := []byte("original")
	fp := cache.SumContent(content)

	stage, err := store.NewStage(ctx)
	if err != nil {
		t.Fatalf("Failed to open stage: %v", err)
	}
	if _, err := stage.Write(content); err != nil {
		t.Fatalf("Failed to write stage: %v", err)
	}
	if _, err := stage.Commit(ctx, fp); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	store.Corrupt(fp, []byte("flipped"))

	r, err := store.Open(ctx, fp)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	buf := make([]byte, 16)
	n, _ := r.Read(buf)
	if string(buf[:n]) != "flipped" {
		t.Errorf("Corrupt did not replace the bytes: %q", buf[:n])
	}

	// Corrupting a missing fingerprint must not create a blob.
	missing := cache.SumContent([]byte("missing"))
	store.Corrupt(missing, []byte("ghost"))
	if exists, _ := store.Exists(ctx, missing); exists {
		t.Error("Corrupt created a blob for a missing fingerprint")
	}
}
