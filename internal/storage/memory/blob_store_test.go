package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/storage"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "path/page.md", "text/markdown", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, "memory://path/page.md", uri)

	payload[0] = 'C'
	got, err := store.GetObject(context.Background(), "path/page.md")
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))

	got[0] = 'X'
	again, err := store.GetObject(context.Background(), "path/page.md")
	require.NoError(t, err)
	assert.Equal(t, "content", string(again))
}

func TestBlobStoreListAndDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, p := range []string{"b/2", "a/1", "b/1"} {
		_, err := store.PutObject(ctx, p, "", strings.NewReader(p))
		require.NoError(t, err)
	}

	paths, err := store.List(ctx, "b/")
	require.NoError(t, err)
	assert.Equal(t, []string{"b/1", "b/2"}, paths)

	require.NoError(t, store.DeleteObject(ctx, "b/1"))
	assert.Equal(t, 2, store.Len())
	require.ErrorIs(t, store.DeleteObject(ctx, "b/1"), storage.ErrNotFound)
	_, err = store.GetObject(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBlobStoreRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	_, err := NewBlobStore().PutObject(context.Background(), " ", "", strings.NewReader("x"))
	require.Error(t, err)
}
