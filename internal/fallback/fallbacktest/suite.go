// Package fallbacktest holds a behavioral test suite shared by every fallback.Store
// implementation.
package fallbacktest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
)

// NewRecord builds a record with one failed attempt.
func NewRecord(domain, hash string) fallback.Record {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return fallback.Record{
		ContentHash: hash,
		Domain:      domain,
		Sink:        "rag",
		RunID:       "run-1",
		Reason:      fallback.ReasonRetriesExhausted,
		Document: crawler.Document{
			URL:         "https://example.com/" + hash,
			Title:       "Doc " + hash,
			Markdown:    "# Doc\n\nbody",
			ContentHash: hash,
		},
		Assignment: crawler.DomainAssignment{Domain: domain, Score: 0.2},
		Attempts: []crawler.DeliveryAttempt{
			{Number: 1, At: at, Kind: crawler.ErrorKindTransient, StatusCode: 503, Error: "unavailable"},
		},
	}
}

// Run exercises a Store. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) fallback.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("water", "aaa")
		loc, err := store.Put(ctx, rec)
		require.NoError(t, err)
		assert.NotEmpty(t, loc)

		got, err := store.Get(ctx, "water", "aaa")
		require.NoError(t, err)
		assert.Equal(t, rec.Document.URL, got.Document.URL)
		assert.Equal(t, "water", got.Assignment.Domain)
		require.Len(t, got.Attempts, 1)
		assert.Equal(t, 503, got.Attempts[0].StatusCode)
		assert.False(t, got.StoredAt.IsZero())
	})

	t.Run("PutMergesHistory", func(t *testing.T) {
		store := newStore(t)
		first := NewRecord("water", "bbb")
		_, err := store.Put(ctx, first)
		require.NoError(t, err)
		stored, err := store.Get(ctx, "water", "bbb")
		require.NoError(t, err)

		second := NewRecord("water", "bbb")
		second.Reason = fallback.ReasonCircuitOpen
		second.Attempts = []crawler.DeliveryAttempt{{Number: 1, Kind: crawler.ErrorKindCircuitOpen}}
		_, err = store.Put(ctx, second)
		require.NoError(t, err)

		got, err := store.Get(ctx, "water", "bbb")
		require.NoError(t, err)
		require.Len(t, got.Attempts, 2)
		assert.Equal(t, crawler.ErrorKindCircuitOpen, got.Attempts[1].Kind)
		assert.Equal(t, fallback.ReasonCircuitOpen, got.Reason)
		assert.True(t, stored.StoredAt.Equal(got.StoredAt))
	})

	t.Run("DomainsAreSeparate", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Put(ctx, NewRecord("water", "ccc"))
		require.NoError(t, err)
		_, err = store.Put(ctx, NewRecord("weather", "ccc"))
		require.NoError(t, err)
		_, err = store.Put(ctx, NewRecord("weather", "ddd"))
		require.NoError(t, err)

		water, err := store.List(ctx, "water")
		require.NoError(t, err)
		assert.Len(t, water, 1)

		weather, err := store.List(ctx, "weather")
		require.NoError(t, err)
		assert.Len(t, weather, 2)

		all, err := store.List(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("Delete", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Put(ctx, NewRecord("water", "eee"))
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "water", "eee"))

		_, err = store.Get(ctx, "water", "eee")
		require.ErrorIs(t, err, fallback.ErrNotFound)
		require.ErrorIs(t, store.Delete(ctx, "water", "eee"), fallback.ErrNotFound)
	})

	t.Run("RejectsMissingKey", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Put(ctx, NewRecord("", "fff"))
		require.Error(t, err)
		_, err = store.Put(ctx, NewRecord("water", ""))
		require.Error(t, err)
	})

	t.Run("ConcurrentPuts", func(t *testing.T) {
		store := newStore(t)
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.Put(ctx, NewRecord("water", "ggg"))
				assert.NoError(t, err)
			}()
		}
		wg.Wait()
		got, err := store.Get(ctx, "water", "ggg")
		require.NoError(t, err)
		assert.Len(t, got.Attempts, 8)
	})
}
