// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/fetcher/extract"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
	robots        *robotsGuard
	logger        *zap.Logger
	now           func() time.Time
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)

	logger = logger.Named("colly")
	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		robots:        newRobotsGuard(logger),
		logger:        logger,
		now:           time.Now,
	}
}

// Fetch GETs rawURL. Non-2xx responses come back as *crawler.FetchError
// carrying the status and any Retry-After hint.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts crawler.FetchOptions) (crawler.RawPage, error) {
	v := &visit{start: f.now(), now: f.now, headers: opts.Headers}
	collector := f.collector(ctx, f.timeout(opts))
	v.attach(collector)

	if err := v.run(ctx, collector, rawURL); err != nil {
		if errors.Is(err, colly.ErrRobotsTxtBlocked) {
			err = fmt.Errorf("%w: %w", crawler.ErrPermanent, err)
		}
		// colly may still be writing v.page after a cancellation.
		return crawler.RawPage{}, &crawler.FetchError{URL: rawURL, Err: err}
	}
	page := v.page
	if page.StatusCode < 200 || page.StatusCode >= 300 {
		return page, statusError(rawURL, page, f.now())
	}
	page.URL = rawURL
	page.Success = true
	if isHTML(page.Headers) {
		found, err := extract.FromHTML(page.HTML, page.FinalURL)
		if err != nil {
			f.logger.Debug("link extraction failed", zap.String("url", rawURL), zap.Error(err))
		} else {
			page.Links, page.Media = found.Links, found.Media
		}
	}
	return page, nil
}

func (f *Fetcher) timeout(opts crawler.FetchOptions) time.Duration {
	switch {
	case opts.Timeout > 0:
		return opts.Timeout
	case f.cfg.Timeout > 0:
		return f.cfg.Timeout
	default:
		return defaultTimeout
	}
}

// collector clones the base collector for one fetch.
func (f *Fetcher) collector(ctx context.Context, timeout time.Duration) *colly.Collector {
	c := f.baseCollector.Clone()
	c.Context = ctx
	if f.cfg.UserAgent != "" {
		c.UserAgent = f.cfg.UserAgent
	}
	c.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// The scheduler dedups URLs and retries revisit them.
	c.AllowURLRevisit = true
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(timeout)

	transport := f.transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if f.cfg.RespectRobots {
		transport = f.robots.wrap(transport)
	}
	c.WithTransport(transport)
	return c
}

// visit holds the state of one Fetch while colly drives it.
type visit struct {
	start   time.Time
	now     func() time.Time
	headers http.Header
	page    crawler.RawPage
	err     error
}

func (v *visit) attach(c *colly.Collector) {
	c.OnRequest(v.onRequest)
	c.OnResponse(v.onResponse)
	c.OnError(v.onError)
}

func (v *visit) onRequest(r *colly.Request) {
	if r.Headers == nil {
		return
	}
	for key, values := range v.headers {
		for _, val := range values {
			r.Headers.Add(key, val)
		}
	}
}

func (v *visit) onResponse(r *colly.Response) {
	var headers http.Header
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	end := v.now()
	v.page = crawler.RawPage{
		FinalURL:   r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    headers,
		HTML:       append([]byte(nil), r.Body...),
		Duration:   end.Sub(v.start),
		FetchedAt:  end.UTC(),
	}
}

func (v *visit) onError(_ *colly.Response, err error) {
	v.err = err
}

// run visits url and waits for colly or ctx, whichever finishes first.
func (v *visit) run(ctx context.Context, c *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		switch {
		case err != nil && ctx.Err() != nil:
			return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
		case err != nil:
			return fmt.Errorf("colly visit failed: %w", err)
		case v.err != nil:
			return fmt.Errorf("colly response failed: %w", v.err)
		}
		return nil
	}
}

func statusError(rawURL string, page crawler.RawPage, now time.Time) error {
	fe := &crawler.FetchError{URL: rawURL, StatusCode: page.StatusCode}
	if page.StatusCode == http.StatusTooManyRequests || page.StatusCode == http.StatusServiceUnavailable {
		if wait, ok := crawler.ParseRetryAfter(page.Headers.Get("Retry-After"), now); ok {
			fe.RetryAfter = wait
		}
	}
	if page.StatusCode >= 400 && page.StatusCode < 500 &&
		page.StatusCode != http.StatusTooManyRequests && page.StatusCode != http.StatusRequestTimeout {
		fe.Err = crawler.ErrPermanent
	}
	return fe
}

func isHTML(headers http.Header) bool {
	ct := strings.ToLower(headers.Get("Content-Type"))
	return ct == "" || strings.Contains(ct, "html") || strings.Contains(ct, "xml")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
