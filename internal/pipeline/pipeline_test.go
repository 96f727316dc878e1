package pipeline_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/classify"
	"github.com/JakeFAU/knowledge-ingest/internal/content"
	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
	"github.com/JakeFAU/knowledge-ingest/internal/pipeline"
	"github.com/JakeFAU/knowledge-ingest/internal/run"
	"github.com/JakeFAU/knowledge-ingest/internal/storage/memory"
)

const waterPage = `<html><head><title>Water</title></head><body>
<h1>Irrigation and water supply</h1>
<p>Water rights, irrigation canals and groundwater pumping decide which fields get water this summer.</p>
<a href="/bank">bank</a> <a href="/copy">copy</a> <a href="/short">short</a>
</body></html>`

const bankPage = `<html><head><title>Rates</title></head><body>
<h1>Mortgage rates</h1>
<p>Lenders raised fixed mortgage rates again this week, and savings accounts now pay slightly more.</p>
</body></html>`

// siteFetcher serves pages by path.
type siteFetcher struct {
	pages map[string]string
}

func (f siteFetcher) Fetch(_ context.Context, rawURL string, _ crawler.FetchOptions) (crawler.RawPage, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return crawler.RawPage{}, err
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	body, ok := f.pages[path]
	if !ok {
		return crawler.RawPage{}, &crawler.FetchError{URL: rawURL, StatusCode: http.StatusNotFound}
	}
	return crawler.RawPage{
		URL:        rawURL,
		FinalURL:   rawURL,
		StatusCode: http.StatusOK,
		HTML:       []byte(body),
		Links:      []string{"/bank", "/copy", "/short"},
		Success:    true,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

func site() siteFetcher {
	return siteFetcher{pages: map[string]string{
		"/":      waterPage,
		"/bank":  bankPage,
		"/copy":  waterPage,
		"/short": "<html><body><p>hi</p></body></html>",
	}}
}

// recordingSink records successful puts and can fail every call with a status.
type recordingSink struct {
	mu     sync.Mutex
	status int
	block  chan struct{}
	calls  int
	puts   map[string][]string
}

func (s *recordingSink) Name() string { return "rag" }

func (s *recordingSink) Put(ctx context.Context, domain string, doc crawler.Document) (string, error) {
	s.mu.Lock()
	s.calls++
	block := s.block
	status := s.status
	s.mu.Unlock()

	if block != nil {
		select {
		case block <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return "", ctx.Err()
	}
	if status != 0 {
		return "", &delivery.SinkError{StatusCode: status}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts == nil {
		s.puts = map[string][]string{}
	}
	s.puts[domain] = append(s.puts[domain], doc.ContentHash)
	return domain + "/" + doc.ContentHash, nil
}

func (s *recordingSink) PutBatch(ctx context.Context, domain string, docs []crawler.Document) ([]delivery.ItemResult, error) {
	out := make([]delivery.ItemResult, len(docs))
	for i, doc := range docs {
		id, err := s.Put(ctx, domain, doc)
		out[i] = delivery.ItemResult{ID: id, Err: err}
	}
	return out, nil
}

func (s *recordingSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *recordingSink) Delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, hashes := range s.puts {
		n += len(hashes)
	}
	return n
}

func newPipeline(t *testing.T, sink delivery.Sink, store fallback.Store, workers int, batch *delivery.BatchConfig) *pipeline.Pipeline {
	t.Helper()
	processor, err := content.NewProcessor(content.Config{MinContentLength: 50}, content.NewRenderer(false, nil), nil)
	require.NoError(t, err)
	classifier, err := classify.New(classify.Table{
		Domains: []classify.Domain{
			{Name: "water", Keywords: []string{"water", "irrigation", "groundwater"}},
		},
		Threshold:     0.01,
		DefaultDomain: "general",
	})
	require.NoError(t, err)

	p, err := pipeline.New(pipeline.Config{
		MaxWorkers: workers,
		Crawl:      crawler.SchedulerConfig{MaxDepth: 1},
		Delivery: delivery.Config{
			MaxRetries:  3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Timeout:     time.Second,
			GracePeriod: time.Second,
		},
		Breaker: delivery.BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute},
		Batch:   batch,
	}, pipeline.Deps{
		Fetcher:    site(),
		Processor:  processor,
		Classifier: classifier,
		Sink:       sink,
		Fallback:   store,
	})
	require.NoError(t, err)
	return p
}

func newStore(t *testing.T) fallback.Store {
	t.Helper()
	st, err := fallback.NewObjectStore(memory.NewBlobStore())
	require.NoError(t, err)
	return st
}

func newRun(t *testing.T) *run.Run {
	t.Helper()
	r, err := run.New(zap.NewNop())
	require.NoError(t, err)
	return r
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()
	_, err := pipeline.New(pipeline.Config{}, pipeline.Deps{})
	require.ErrorContains(t, err, "fetcher")
}

func TestRunDeliversEveryAssignment(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		name  string
		batch *delivery.BatchConfig
	}{
		{name: "single"},
		{name: "batched", batch: &delivery.BatchConfig{MaxSize: 4, Window: 5 * time.Millisecond}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &recordingSink{}
			store := newStore(t)
			p := newPipeline(t, sink, store, 3, tc.batch)

			summary, err := p.Run(context.Background(), newRun(t), []string{"https://example.com/"})
			require.NoError(t, err)

			assert.Equal(t, int64(1), summary.Resolved)
			assert.Equal(t, int64(4), summary.Scheduled)
			assert.Equal(t, int64(2), summary.Documents)
			assert.Equal(t, int64(1), summary.RejectedDup)
			assert.Equal(t, int64(1), summary.RejectedTooShort)
			assert.Equal(t, int64(1), summary.DefaultAssigned)
			assert.Equal(t, summary.Assignments, summary.Delivered)
			assert.Equal(t, int(summary.Delivered), sink.Delivered())
			assert.Zero(t, summary.Fallback)
			assert.Equal(t, summary.Scheduled-summary.Documents+summary.Assignments, summary.Terminal())

			records, err := store.List(context.Background(), "")
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

func TestRunAuthFailureRoutesEverythingToFallback(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{status: http.StatusUnauthorized}
	store := newStore(t)
	p := newPipeline(t, sink, store, 1, nil)

	summary, err := p.Run(context.Background(), newRun(t), []string{"https://example.com/"})
	require.Error(t, err)
	assert.ErrorIs(t, err, delivery.ErrSinkAuth)

	assert.Equal(t, 1, sink.Calls())
	assert.Equal(t, int64(2), summary.Documents)
	assert.Zero(t, summary.Delivered)
	assert.Equal(t, summary.Assignments, summary.Fallback)
	assert.NotEmpty(t, summary.FatalError)

	records, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, records, int(summary.Fallback))
	for _, rec := range records {
		assert.Equal(t, fallback.ReasonAuthFatal, rec.Reason)
	}
}

func TestRunAlreadyCanceled(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	p := newPipeline(t, sink, newStore(t), 2, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := p.Run(ctx, newRun(t), []string{"https://example.com/"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(1), summary.Failed)
	assert.Zero(t, summary.Documents)
	assert.Zero(t, sink.Calls())
}

func TestRunCancelDuringDeliveryParksInFallback(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	sink := &recordingSink{block: started}
	store := newStore(t)
	p := newPipeline(t, sink, store, 1, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	summary, err := p.Run(ctx, newRun(t), []string{"https://example.com/"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, summary.Delivered)
	assert.Positive(t, summary.Fallback)

	records, err := store.List(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, records)
	for _, rec := range records {
		assert.Equal(t, fallback.ReasonCanceled, rec.Reason)
	}
}

func parked(t *testing.T, store fallback.Store, domain, hash string) {
	t.Helper()
	_, err := store.Put(context.Background(), fallback.Record{
		ContentHash: hash,
		Domain:      domain,
		Sink:        "rag",
		Reason:      fallback.ReasonRetriesExhausted,
		Document:    crawler.Document{URL: "https://example.com/" + hash, ContentHash: hash, Markdown: "# " + hash},
		Assignment:  crawler.DomainAssignment{Domain: domain, Score: 0.5},
		Attempts:    []crawler.DeliveryAttempt{{Number: 1, Kind: crawler.ErrorKindTransient}},
	})
	require.NoError(t, err)
}

func TestRedeliver(t *testing.T) {
	t.Parallel()

	t.Run("delivered records are removed", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		parked(t, store, "water", "aaa")
		parked(t, store, "water", "bbb")
		parked(t, store, "banking", "ccc")
		sink := &recordingSink{}
		p := newPipeline(t, sink, store, 2, nil)

		res, summary, err := p.Redeliver(context.Background(), newRun(t), "")
		require.NoError(t, err)
		assert.Equal(t, pipeline.RedeliverResult{Considered: 3, Delivered: 3}, res)
		assert.Equal(t, int64(3), summary.Delivered)

		records, err := store.List(context.Background(), "")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("domain filter", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		parked(t, store, "water", "aaa")
		parked(t, store, "banking", "ccc")
		p := newPipeline(t, &recordingSink{}, store, 2, nil)

		res, _, err := p.Redeliver(context.Background(), newRun(t), "banking")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Delivered)

		left, err := store.List(context.Background(), "")
		require.NoError(t, err)
		require.Len(t, left, 1)
		assert.Equal(t, "water", left[0].Domain)
	})

	t.Run("auth failure keeps records", func(t *testing.T) {
		t.Parallel()
		store := newStore(t)
		parked(t, store, "water", "aaa")
		parked(t, store, "water", "bbb")
		sink := &recordingSink{status: http.StatusForbidden}
		p := newPipeline(t, sink, store, 1, nil)

		res, _, err := p.Redeliver(context.Background(), newRun(t), "water")
		require.ErrorIs(t, err, delivery.ErrSinkAuth)
		assert.Equal(t, 2, res.Remaining)
		assert.Equal(t, 1, sink.Calls())

		left, err := store.List(context.Background(), "water")
		require.NoError(t, err)
		require.Len(t, left, 2)
		retried := 0
		for _, rec := range left {
			if rec.Redeliveries == 1 {
				retried++
				assert.Len(t, rec.Attempts, 2, fmt.Sprintf("record %s", rec.ContentHash))
			}
		}
		assert.Equal(t, 1, retried)
	})
}

func TestRunTransientFailuresExhaustRetries(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{status: http.StatusBadGateway}
	store := newStore(t)
	p := newPipeline(t, sink, store, 1, nil)

	summary, err := p.Run(context.Background(), newRun(t), []string{"https://example.com/"})
	require.NoError(t, err)
	assert.Equal(t, summary.Assignments, summary.Fallback)
	assert.Equal(t, 3*summary.Assignments, summary.DeliveryAttempts)

	snaps := p.Breakers().Snapshot()
	require.Len(t, snaps, int(summary.Assignments))
	for _, snap := range snaps {
		assert.Equal(t, 3, snap.Failures, snap.Domain)
		assert.Equal(t, delivery.StateClosed, snap.State, snap.Domain)
	}

	records, err := store.List(context.Background(), "")
	require.NoError(t, err)
	for _, rec := range records {
		assert.Equal(t, fallback.ReasonRetriesExhausted, rec.Reason)
		assert.Len(t, rec.Attempts, 3)
	}
}
