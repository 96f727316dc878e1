package crawler

import (
	"context"
	"time"
)

// Fetcher retrieves a URL and returns the rendered HTML plus extracted links and media.
// Non-2xx responses are reported as *FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, url string, opts FetchOptions) (RawPage, error)
}

// HostGate delays callers so requests to one host are spaced out.
type HostGate interface {
	Acquire(ctx context.Context, host string) error
}

// FetchPolicy decides whether a URL may be crawled at all.
type FetchPolicy interface {
	AllowFetch(url string, host string, depth int) bool
}

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// PageHandler consumes a successfully fetched page. Link expansion is done by
// the scheduler, not the handler.
type PageHandler func(ctx context.Context, task URLTask, page RawPage)
