package app

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/config"
	badgerstore "github.com/JakeFAU/knowledge-ingest/internal/storage/badger"
)

const pageTemplate = `<html><head><title>%s</title></head><body>
<h1>%s</h1>
<p>Irrigation schedules depend on rainfall, groundwater levels and the water table in each valley.</p>
<p>Farmers share reservoir reports and drought forecasts to plan the next planting season carefully.</p>
%s
</body></html>`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Crawl.MaxWorkers = 2
	cfg.Crawl.MaxDepth = 1
	cfg.Crawl.RateLimit = 0
	cfg.Crawl.RespectRobots = false
	cfg.Crawl.Timeout = 5
	cfg.Sink.Kind = config.SinkArchive
	cfg.Sink.Archive = config.BlobConfig{Backend: config.BackendMemory}
	cfg.Fallback = config.BlobConfig{Backend: config.BackendMemory}
	cfg.Delivery.BaseDelay = 0.01
	cfg.Delivery.MaxDelay = 0.05
	return cfg
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, pageTemplate, "Water basics", "Water basics", `<a href="/reservoirs">Reservoirs</a>`)
	})
	mux.HandleFunc("/reservoirs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, pageTemplate, "Reservoirs", "Reservoir levels this spring", "<p>Storage is above average.</p>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBuildAndRunArchive(t *testing.T) {
	t.Parallel()
	srv := newSite(t)
	ctx := context.Background()

	a, err := Build(ctx, testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, a.Close(closeCtx))
	})
	require.Nil(t, a.Ledger())

	r, err := a.NewRun()
	require.NoError(t, err)
	summary, err := a.Pipeline().Run(ctx, r, []string{srv.URL + "/"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), summary.Resolved)
	assert.Equal(t, int64(2), summary.Documents)
	assert.Equal(t, summary.Assignments, summary.Delivered)
	assert.Zero(t, summary.Fallback)
	assert.Zero(t, summary.Abandoned)

	records, err := a.Fallback().List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestBuildBadgerFallback(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Fallback = config.BlobConfig{Backend: config.BackendBadger, Dir: t.TempDir()}

	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	_, ok := a.Fallback().(*badgerstore.Store)
	assert.True(t, ok)
	require.NoError(t, a.Close(context.Background()))
}

func TestBuildRAGSink(t *testing.T) {
	t.Parallel()

	t.Run("unhealthy api is not fatal", func(t *testing.T) {
		t.Parallel()
		api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		t.Cleanup(api.Close)

		cfg := testConfig(t)
		cfg.Sink.Kind = config.SinkRAG
		cfg.Sink.HTTP.BaseURL = api.URL

		a, err := Build(context.Background(), cfg, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, a.Close(context.Background()))
	})

	t.Run("invalid base url", func(t *testing.T) {
		t.Parallel()
		cfg := testConfig(t)
		cfg.Sink.Kind = config.SinkRAG
		cfg.Sink.HTTP.BaseURL = "ftp://example.com"

		_, err := Build(context.Background(), cfg, zap.NewNop())
		require.ErrorContains(t, err, "rag sink init failed")
	})
}

func TestBuildRejectsUnknownRenderMode(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Crawl.RenderJS = "sometimes"

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "render mode")
}

func TestClassifierTableIsSorted(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Classify.Domains = map[string]config.DomainConfig{
		"water":   {Keywords: []string{"water"}},
		"banking": {Keywords: []string{"loan"}, Threshold: 0.2},
	}

	table := classifierTable(cfg)
	require.Len(t, table.Domains, 2)
	assert.Equal(t, "banking", table.Domains[0].Name)
	assert.InDelta(t, 0.2, table.Domains[0].Threshold, 1e-9)
	assert.Equal(t, "water", table.Domains[1].Name)
	assert.Equal(t, cfg.Classify.DefaultDomain, table.DefaultDomain)
}

func TestPipelineConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Crawl.RenderJS = "always"
	cfg.Delivery.Batch.Enabled = true
	cfg.Delivery.Batch.MaxSize = 7
	cfg.Delivery.Batch.WindowMs = 250
	cfg.Crawl.BlockedDomains = []string{"*.example.org"}

	out := pipelineConfig(cfg)
	assert.Equal(t, cfg.Crawl.MaxWorkers, out.MaxWorkers)
	assert.True(t, out.Crawl.RenderJS)
	require.NotNil(t, out.Crawl.Policy)
	assert.False(t, out.Crawl.Policy.AllowFetch("https://a.example.org/", "a.example.org", 0))
	assert.Equal(t, cfg.Delivery.MaxRetries, out.Delivery.MaxRetries)
	assert.Equal(t, 10*time.Millisecond, out.Delivery.BaseDelay)
	assert.Equal(t, cfg.Delivery.Circuit.FailureThreshold, out.Breaker.FailureThreshold)
	require.NotNil(t, out.Batch)
	assert.Equal(t, 7, out.Batch.MaxSize)
	assert.Equal(t, 250*time.Millisecond, out.Batch.Window)

	cfg.Delivery.Batch.Enabled = false
	assert.Nil(t, pipelineConfig(cfg).Batch)
}

func TestReady(t *testing.T) {
	t.Parallel()

	var unhealthy atomic.Bool
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if unhealthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(api.Close)

	cfg := testConfig(t)
	cfg.Sink.Kind = config.SinkRAG
	cfg.Sink.HTTP.BaseURL = api.URL
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close(context.Background())) })

	require.NoError(t, a.Ready(context.Background()))
	unhealthy.Store(true)
	require.ErrorContains(t, a.Ready(context.Background()), "sink not ready")

	archiveApp, err := Build(context.Background(), testConfig(t), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, archiveApp.Close(context.Background())) })
	require.NoError(t, archiveApp.Ready(context.Background()))
}

func TestOpenFallback(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t)
	cfg.Fallback = config.BlobConfig{Backend: config.BackendFS, Dir: t.TempDir()}

	a, err := OpenFallback(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	records, err := a.Fallback().List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Nil(t, a.Pipeline())
	require.NoError(t, a.Close(context.Background()))
}
