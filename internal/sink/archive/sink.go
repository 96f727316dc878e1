// Package archive is the development sink: it writes each delivered document
// as markdown plus a metadata sidecar into a blob store (local directory or
// GCS bucket).
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
	"github.com/JakeFAU/knowledge-ingest/internal/storage"
)

// SinkName identifies this sink.
const SinkName = "archive"

// Sink implements delivery.Sink over a blob store.
type Sink struct {
	blobs storage.BlobStore
	now   func() time.Time
}

var _ delivery.Sink = (*Sink)(nil)

// New wraps a blob store.
func New(blobs storage.BlobStore) (*Sink, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	return &Sink{blobs: blobs, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Name implements delivery.Sink.
func (s *Sink) Name() string {
	return SinkName
}

type sidecar struct {
	URL          string             `json:"url"`
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	Keywords     []string           `json:"keywords,omitempty"`
	Domain       string             `json:"domain"`
	ContentHash  string             `json:"content_hash"`
	QualityScore float64            `json:"quality_score"`
	Media        []crawler.MediaRef `json:"media,omitempty"`
	FetchedAt    time.Time          `json:"fetched_at"`
	ArchivedAt   time.Time          `json:"archived_at"`
}

// Put writes <domain>/<hash>.md and <domain>/<hash>.meta.json and returns the
// markdown object's URI.
func (s *Sink) Put(ctx context.Context, domain string, doc crawler.Document) (string, error) {
	if strings.TrimSpace(doc.ContentHash) == "" {
		return "", &delivery.SinkError{StatusCode: 400, Message: "document has no content hash"}
	}
	base := path.Join(fallback.Bucket(domain), doc.ContentHash)

	meta, err := json.MarshalIndent(sidecar{
		URL:          doc.URL,
		Title:        doc.Title,
		Description:  doc.Description,
		Keywords:     doc.Keywords,
		Domain:       domain,
		ContentHash:  doc.ContentHash,
		QualityScore: doc.QualityScore,
		Media:        doc.Media,
		FetchedAt:    doc.FetchedAt,
		ArchivedAt:   s.now(),
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sidecar: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, base+".meta.json", "application/json", bytes.NewReader(meta)); err != nil {
		return "", fmt.Errorf("write sidecar: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, base+".md", "text/markdown; charset=utf-8", strings.NewReader(doc.Markdown))
	if err != nil {
		return "", fmt.Errorf("write markdown: %w", err)
	}
	return uri, nil
}

// PutBatch writes each document independently and reports per-item status.
func (s *Sink) PutBatch(ctx context.Context, domain string, docs []crawler.Document) ([]delivery.ItemResult, error) {
	results := make([]delivery.ItemResult, len(docs))
	for i, doc := range docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := s.Put(ctx, domain, doc)
		results[i] = delivery.ItemResult{ID: id, Err: err}
	}
	return results, nil
}
