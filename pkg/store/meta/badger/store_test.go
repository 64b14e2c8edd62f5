package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittocache/pkg/store/meta"
	metatesting "github.com/marmos91/dittocache/pkg/store/meta/testing"
)

func TestBadgerMetaStore(t *testing.T) {
	suite := &metatesting.StoreTestSuite{
		NewStore: func(t *testing.T) meta.Store {
			store, err := NewMetaStore(context.Background(), Config{
				DBPath: t.TempDir(),
			})
			require.NoError(t, err)
			return store
		},
	}
	suite.Run(t)
}

func TestBadgerMetaStorePersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewMetaStore(ctx, Config{DBPath: dir})
	require.NoError(t, err)

	_, err = store.BumpIndexVersion(ctx)
	require.NoError(t, err)
	v, err := store.BumpIndexVersion(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// Reopen the same directory; the version counter must survive.
	store, err = NewMetaStore(ctx, Config{DBPath: dir})
	require.NoError(t, err)
	defer store.Close()

	got, err := store.IndexVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, v, got)
}
