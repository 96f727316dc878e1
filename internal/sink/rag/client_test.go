package rag

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
)

func testDoc() crawler.Document {
	return crawler.Document{
		URL:            "https://example.com/rain",
		Title:          "Rain",
		Description:    "About rain",
		Keywords:       []string{"rain"},
		Markdown:       "# Rain\n\nIt rains.",
		ContentHash:    "abc",
		QualityScore:   0.6,
		Media:          []crawler.MediaRef{{URL: "https://example.com/a.png", Kind: crawler.MediaImage}},
		FetchedAt:      time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		ProcessingTime: 1500 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := New(Config{BaseURL: server.URL + "/", APIKey: "secret", UserAgent: "ingest-test"}, server.Client(), nil)
	require.NoError(t, err)
	return client
}

func TestPut_WireFormat(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/documents/water", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "ingest-test", r.Header.Get("User-Agent"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "# Rain\n\nIt rains.", body["text"])
		meta := body["metadata"].(map[string]any)
		assert.Equal(t, "Rain", meta["title"])
		assert.Equal(t, "https://example.com/rain", meta["url"])
		assert.Equal(t, "2025-05-01T10:00:00Z", meta["timestamp"])
		assert.Equal(t, "abc", meta["content_hash"])
		assert.InDelta(t, 1.5, meta["processing_time"], 1e-9)
		assert.InDelta(t, 1, meta["media_count"], 1e-9)

		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"document_id":"doc-42"}`)
	})

	id, err := client.Put(context.Background(), "water", testDoc())
	require.NoError(t, err)
	assert.Equal(t, "doc-42", id)
}

func TestPut_AcceptsIDField(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":"legacy-7"}`)
	})
	id, err := client.Put(context.Background(), "water", testDoc())
	require.NoError(t, err)
	assert.Equal(t, "legacy-7", id)
}

func TestPut_ErrorStatuses(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name       string
		status     int
		retryAfter string
		wantKind   crawler.ErrorKind
		wantWait   time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, "12", crawler.ErrorKindRateLimited, 12 * time.Second},
		{"unauthorized", http.StatusUnauthorized, "", crawler.ErrorKindAuth, 0},
		{"forbidden", http.StatusForbidden, "", crawler.ErrorKindAuth, 0},
		{"unprocessable", http.StatusUnprocessableEntity, "", crawler.ErrorKindPermanent, 0},
		{"unavailable", http.StatusServiceUnavailable, "3", crawler.ErrorKindTransient, 3 * time.Second},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, "nope")
			})
			_, err := client.Put(context.Background(), "water", testDoc())
			require.Error(t, err)

			var sinkErr *delivery.SinkError
			require.True(t, errors.As(err, &sinkErr))
			assert.Equal(t, tc.status, sinkErr.StatusCode)
			assert.Equal(t, "nope", sinkErr.Message)
			assert.Equal(t, tc.wantWait, sinkErr.RetryAfter)
			assert.Equal(t, tc.wantKind, delivery.Classify(err))
		})
	}
}

func TestPut_MissingIDIsError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})
	_, err := client.Put(context.Background(), "water", testDoc())
	require.Error(t, err)
}

func TestPut_TransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	client, err := New(Config{BaseURL: server.URL}, nil, nil)
	require.NoError(t, err)
	server.Close()

	_, err = client.Put(context.Background(), "water", testDoc())
	require.Error(t, err)
	assert.Equal(t, crawler.ErrorKindTransient, delivery.Classify(err))
}

func TestPutBatch_PerItemResults(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/documents/weather/batch", r.URL.Path)
		var body []map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Len(t, body, 3)
		_, _ = io.WriteString(w, `{"results":[{"document_id":"a"},{"error":"too large","status":413},{"id":"c"}]}`)
	})

	results, err := client.PutBatch(context.Background(), "weather", []crawler.Document{testDoc(), testDoc(), testDoc()})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, crawler.ErrorKindPermanent, delivery.Classify(results[1].Err))
	assert.Equal(t, "c", results[2].ID)
}

func TestPutBatch_DocumentIDs(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"document_ids":["a",null]}`)
	})

	results, err := client.PutBatch(context.Background(), "weather", []crawler.Document{testDoc(), testDoc()})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a", results[0].ID)
	require.Error(t, results[1].Err)
	assert.Equal(t, crawler.ErrorKindTransient, delivery.Classify(results[1].Err))
}

func TestPutBatch_FailureFailsWholeBatch(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	results, err := client.PutBatch(context.Background(), "weather", []crawler.Document{testDoc()})
	require.Error(t, err)
	assert.Nil(t, results)
}

func TestPing(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	})
	require.NoError(t, client.Ping(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, nil)
	require.Error(t, err)
	_, err = New(Config{BaseURL: "ftp://example.com"}, nil, nil)
	require.Error(t, err)

	client, err := New(Config{BaseURL: "https://rag.example.com/"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "rag", client.Name())
	assert.Equal(t, "https://rag.example.com/api/v1/documents/crops%20x", client.documentsPath("crops x"))
}
