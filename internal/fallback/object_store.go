package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/storage"
)

const recordExt = ".json"

// ObjectStore keeps one JSON object per record at <domain>/<hash>.json in a
// blob store (local directory, GCS bucket or memory).
type ObjectStore struct {
	blobs storage.BlobStore
	now   func() time.Time
	mu    sync.Mutex
}

var _ Store = (*ObjectStore)(nil)

// NewObjectStore wraps a blob store.
func NewObjectStore(blobs storage.BlobStore) (*ObjectStore, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	return &ObjectStore{
		blobs: blobs,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// ObjectPath returns the blob path for a record key.
func ObjectPath(domain, hash string) string {
	return path.Join(Bucket(domain), hash+recordExt)
}

// Put writes rec, merging with an existing record for the same key.
func (s *ObjectStore) Put(ctx context.Context, rec Record) (string, error) {
	rec, err := stamp(rec, s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(ctx, rec.Domain, rec.ContentHash)
	switch {
	case err == nil:
		rec = Merge(existing, rec)
	case !errors.Is(err, ErrNotFound):
		return "", err
	}

	payload, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal fallback record: %w", err)
	}
	uri, err := s.blobs.PutObject(ctx, ObjectPath(rec.Domain, rec.ContentHash), "application/json", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("write fallback record: %w", err)
	}
	return uri, nil
}

// Get reads one record.
func (s *ObjectStore) Get(ctx context.Context, domain, hash string) (Record, error) {
	data, err := s.blobs.GetObject(ctx, ObjectPath(domain, hash))
	if errors.Is(err, storage.ErrNotFound) {
		return Record{}, fmt.Errorf("%s/%s: %w", domain, hash, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("read fallback record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("decode fallback record %s/%s: %w", domain, hash, err)
	}
	return rec, nil
}

// List returns records for one domain, or all domains when domain is empty.
func (s *ObjectStore) List(ctx context.Context, domain string) ([]Record, error) {
	prefix := ""
	if domain != "" {
		prefix = Bucket(domain) + "/"
	}
	paths, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list fallback records: %w", err)
	}
	records := make([]Record, 0, len(paths))
	for _, p := range paths {
		if !strings.HasSuffix(p, recordExt) {
			continue
		}
		data, err := s.blobs.GetObject(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("read fallback record %s: %w", p, err)
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode fallback record %s: %w", p, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Delete removes one record.
func (s *ObjectStore) Delete(ctx context.Context, domain, hash string) error {
	err := s.blobs.DeleteObject(ctx, ObjectPath(domain, hash))
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%s/%s: %w", domain, hash, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete fallback record: %w", err)
	}
	return nil
}

// Close is a no-op; the blob store owns its resources.
func (s *ObjectStore) Close() error {
	return nil
}
