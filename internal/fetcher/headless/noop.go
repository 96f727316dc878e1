package headless

import (
	"context"
	"fmt"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// Noop stands in for the browser when rendering is disabled. Every call fails
// permanently so pages that demand rendering end as Failed instead of looping.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always fails.
func (Noop) Fetch(_ context.Context, rawURL string, _ crawler.FetchOptions) (crawler.RawPage, error) {
	return crawler.RawPage{}, &crawler.FetchError{
		URL: rawURL,
		Err: fmt.Errorf("%w: headless fetcher not configured", crawler.ErrPermanent),
	}
}
