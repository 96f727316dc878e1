package badger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback/fallbacktest"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/badger"
)

func TestStore(t *testing.T) {
	fallbacktest.Run(t, func(t *testing.T) fallback.Store {
		store, err := badger.Open(badger.Config{InMemory: true}, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := badger.Open(badger.Config{Dir: dir}, nil)
	require.NoError(t, err)
	loc, err := store.Put(ctx, fallbacktest.NewRecord("water", "abc"))
	require.NoError(t, err)
	assert.Equal(t, "badger://fallback/water/abc", loc)
	require.NoError(t, store.Close())

	reopened, err := badger.Open(badger.Config{Dir: dir}, nil)
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()
	got, err := reopened.Get(ctx, "water", "abc")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/abc", got.Document.URL)
}

func TestOpen_RequiresDir(t *testing.T) {
	_, err := badger.Open(badger.Config{}, nil)
	require.Error(t, err)
}
