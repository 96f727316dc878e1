package fallback_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback/fallbacktest"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/local"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/memory"
)

func TestObjectStore_Memory(t *testing.T) {
	fallbacktest.Run(t, func(t *testing.T) fallback.Store {
		store, err := fallback.NewObjectStore(memory.NewBlobStore())
		require.NoError(t, err)
		return store
	})
}

func TestObjectStore_Local(t *testing.T) {
	fallbacktest.Run(t, func(t *testing.T) fallback.Store {
		blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		store, err := fallback.NewObjectStore(blobs)
		require.NoError(t, err)
		return store
	})
}

func TestObjectStore_Layout(t *testing.T) {
	t.Parallel()

	blobs := memory.NewBlobStore()
	store, err := fallback.NewObjectStore(blobs)
	require.NoError(t, err)

	loc, err := store.Put(context.Background(), fallbacktest.NewRecord("Crops & Soil", "abc123"))
	require.NoError(t, err)
	assert.Equal(t, "memory://crops___soil/abc123.json", loc)

	paths, err := blobs.List(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []string{"crops___soil/abc123.json"}, paths)
}

func TestNewObjectStore_RequiresBlobs(t *testing.T) {
	t.Parallel()

	_, err := fallback.NewObjectStore(nil)
	require.Error(t, err)
}

func TestBucket(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "water", fallback.Bucket(" Water "))
	assert.Equal(t, "a_b", fallback.Bucket("a/b"))
	assert.Equal(t, "_", fallback.Bucket(""))
}
