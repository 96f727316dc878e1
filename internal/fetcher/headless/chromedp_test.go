package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

func TestNewChromedpDefaults(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1})
	require.Error(t, err)

	f, err := NewChromedp(Config{})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	assert.Equal(t, defaultMaxTabs, f.cfg.MaxParallel)
	assert.Equal(t, defaultNavigationTimeout, f.cfg.NavigationTimeout)
	assert.Equal(t, defaultSettleDelay, f.cfg.SettleDelay)

	f, err = NewChromedp(Config{MaxParallel: 2, NavigationTimeout: time.Second, SettleDelay: -1})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	assert.Equal(t, time.Second, f.cfg.NavigationTimeout)
	assert.Zero(t, f.cfg.SettleDelay)
}

func TestFetchWaitsForTab(t *testing.T) {
	t.Parallel()

	f, err := NewChromedp(Config{MaxParallel: 1})
	require.NoError(t, err)
	t.Cleanup(f.Close)
	require.NoError(t, f.tabs.Acquire(context.Background(), 1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "https://example.com", crawler.FetchOptions{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDocumentResponse(t *testing.T) {
	t.Parallel()

	t.Run("last document wins", func(t *testing.T) {
		t.Parallel()
		doc := &documentResponse{}
		doc.observe(&network.EventResponseReceived{
			Type:     network.ResourceTypeDocument,
			Response: &network.Response{Status: 301, URL: "https://example.com/old"},
		})
		doc.observe(&network.EventResponseReceived{
			Type:     network.ResourceTypeScript,
			Response: &network.Response{Status: 404, URL: "https://cdn.example.com/app.js"},
		})
		doc.observe(&network.EventResponseReceived{
			Type: network.ResourceTypeDocument,
			Response: &network.Response{
				Status:  429,
				URL:     "https://example.com/new",
				Headers: network.Headers{"Retry-After": "30", "Vary": []any{"Accept", "Cookie"}},
			},
		})
		doc.observe("not a network event")

		status, headers, finalURL := doc.result("https://example.com/old", "")
		assert.Equal(t, 429, status)
		assert.Equal(t, "https://example.com/new", finalURL)
		assert.Equal(t, "30", headers.Get("Retry-After"))
		assert.Equal(t, []string{"Accept", "Cookie"}, headers.Values("Vary"))
	})

	t.Run("fallbacks", func(t *testing.T) {
		t.Parallel()
		doc := &documentResponse{}
		status, headers, finalURL := doc.result("https://req.example", "https://tab.example")
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, "https://tab.example", finalURL)
		assert.NotNil(t, headers)

		_, _, finalURL = doc.result("https://req.example", "")
		assert.Equal(t, "https://req.example", finalURL)
	})
}

func TestNoopFetcherFailsPermanently(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Fetch(context.Background(), "https://example.com", crawler.FetchOptions{RenderJS: true})
	require.Error(t, err)
	assert.False(t, crawler.IsTransient(err))
	assert.ErrorIs(t, err, crawler.ErrPermanent)
}
