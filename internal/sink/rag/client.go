// Package rag is the HTTP client for the remote RAG document API.
package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
)

// SinkName identifies this sink in breakers, metrics and fallback records.
const SinkName = "rag"

const maxErrorBody = 4 << 10

// Config describes the remote API.
type Config struct {
	BaseURL   string
	APIKey    string
	UserAgent string
}

// Client implements delivery.Sink over HTTP.
type Client struct {
	base      *url.URL
	apiKey    string
	userAgent string
	http      *http.Client
	logger    *zap.Logger
	now       func() time.Time
}

var _ delivery.Sink = (*Client)(nil)

// New validates cfg. Per-call deadlines come from the caller's context, so
// httpClient should not carry its own timeout.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("rag base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" || (base.Scheme != "http" && base.Scheme != "https") {
		return nil, fmt.Errorf("invalid rag base url %q", cfg.BaseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:      base,
		apiKey:    cfg.APIKey,
		userAgent: cfg.UserAgent,
		http:      httpClient,
		logger:    logger.Named("rag"),
		now:       time.Now,
	}, nil
}

// Name implements delivery.Sink.
func (c *Client) Name() string {
	return SinkName
}

type documentMetadata struct {
	Title          string   `json:"title"`
	URL            string   `json:"url"`
	Timestamp      string   `json:"timestamp"`
	ContentHash    string   `json:"content_hash"`
	ProcessingTime float64  `json:"processing_time"`
	MediaCount     int      `json:"media_count"`
	QualityScore   float64  `json:"quality_score"`
	Description    string   `json:"description,omitempty"`
	Keywords       []string `json:"keywords,omitempty"`
}

type documentPayload struct {
	Text     string           `json:"text"`
	Metadata documentMetadata `json:"metadata"`
}

type putResponse struct {
	DocumentID string `json:"document_id"`
	ID         string `json:"id"`
}

func (r putResponse) id() string {
	if r.DocumentID != "" {
		return r.DocumentID
	}
	return r.ID
}

type batchItemResponse struct {
	DocumentID string `json:"document_id"`
	ID         string `json:"id"`
	Error      string `json:"error"`
	Status     int    `json:"status"`
}

type batchResponse struct {
	Results     []batchItemResponse `json:"results"`
	DocumentIDs []*string           `json:"document_ids"`
}

func payloadFor(doc crawler.Document) documentPayload {
	return documentPayload{
		Text: doc.Markdown,
		Metadata: documentMetadata{
			Title:          doc.Title,
			URL:            doc.URL,
			Timestamp:      doc.FetchedAt.UTC().Format(time.RFC3339),
			ContentHash:    doc.ContentHash,
			ProcessingTime: doc.ProcessingTime.Seconds(),
			MediaCount:     len(doc.Media),
			QualityScore:   doc.QualityScore,
			Description:    doc.Description,
			Keywords:       doc.Keywords,
		},
	}
}

// Put posts one document to /api/v1/documents/{domain}.
func (c *Client) Put(ctx context.Context, domain string, doc crawler.Document) (string, error) {
	var resp putResponse
	if err := c.post(ctx, c.documentsPath(domain), payloadFor(doc), &resp); err != nil {
		return "", err
	}
	id := resp.id()
	if id == "" {
		return "", &delivery.SinkError{StatusCode: http.StatusBadGateway, Message: "response carried no document id"}
	}
	return id, nil
}

// PutBatch posts documents to /api/v1/documents/{domain}/batch.
func (c *Client) PutBatch(ctx context.Context, domain string, docs []crawler.Document) ([]delivery.ItemResult, error) {
	payload := make([]documentPayload, len(docs))
	for i, doc := range docs {
		payload[i] = payloadFor(doc)
	}
	var resp batchResponse
	if err := c.post(ctx, c.documentsPath(domain)+"/batch", payload, &resp); err != nil {
		return nil, err
	}

	results := make([]delivery.ItemResult, 0, len(docs))
	switch {
	case resp.Results != nil:
		for _, item := range resp.Results {
			results = append(results, itemResult(item))
		}
	case resp.DocumentIDs != nil:
		for _, id := range resp.DocumentIDs {
			if id == nil || *id == "" {
				results = append(results, delivery.ItemResult{Err: &delivery.SinkError{Message: "document not accepted"}})
				continue
			}
			results = append(results, delivery.ItemResult{ID: *id})
		}
	default:
		return nil, &delivery.SinkError{StatusCode: http.StatusBadGateway, Message: "batch response carried no results"}
	}
	return results, nil
}

func itemResult(item batchItemResponse) delivery.ItemResult {
	if item.Error != "" || item.Status >= http.StatusBadRequest {
		return delivery.ItemResult{Err: &delivery.SinkError{StatusCode: item.Status, Message: item.Error}}
	}
	id := item.DocumentID
	if id == "" {
		id = item.ID
	}
	if id == "" {
		return delivery.ItemResult{Err: &delivery.SinkError{Message: "document not accepted"}}
	}
	return delivery.ItemResult{ID: id}
}

// Ping calls GET /health, which needs no credentials.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return c.responseError(resp)
	}
	return nil
}

func (c *Client) documentsPath(domain string) string {
	return c.base.String() + "/api/v1/documents/" + url.PathEscape(domain)
}

func (c *Client) post(ctx context.Context, endpoint string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer drain(resp.Body)
	c.logger.Debug("rag request",
		zap.String("endpoint", endpoint), zap.Int("status", resp.StatusCode), zap.Duration("duration", time.Since(start)))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &delivery.SinkError{StatusCode: http.StatusBadGateway, Message: "decode response: " + err.Error()}
	}
	return nil
}

func (c *Client) responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	sinkErr := &delivery.SinkError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
	if wait, ok := crawler.ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()); ok {
		sinkErr.RetryAfter = wait
	}
	return sinkErr
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	_ = body.Close()
}
