// Package storage defines the blob store abstraction shared by the fallback
// store and the archive sink. Implementations live in the gcs, local and memory
// subpackages.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// BlobStore persists opaque objects under slash-separated paths.
type BlobStore interface {
	// PutObject writes data under path and returns a URI for the object.
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	// GetObject reads a whole object. Missing objects return ErrNotFound.
	GetObject(ctx context.Context, path string) ([]byte, error)
	// List returns the paths that start with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
	// DeleteObject removes an object. Missing objects return ErrNotFound.
	DeleteObject(ctx context.Context, path string) error
}
