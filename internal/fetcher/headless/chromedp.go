// Package headless renders pages in headless Chrome for fetches that need JavaScript.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/fetcher/extract"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	defaultMaxTabs           = 4
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps open tabs. Zero means defaultMaxTabs.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// SettleDelay is how long scripts get to run after the body is ready.
	SettleDelay time.Duration
}

// Fetcher implements crawler.Fetcher on one shared Chrome process. Each Fetch
// opens its own tab.
type Fetcher struct {
	cfg  Config
	tabs *semaphore.Weighted

	allocCtx    context.Context
	allocCancel context.CancelFunc

	startOnce     sync.Once
	browserCtx    context.Context
	browserCancel context.CancelFunc
	startErr      error
}

// NewChromedp configures the fetcher. Chrome is started on the first Fetch.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, errors.New("max parallel must be >= 0")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = defaultMaxTabs
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	} else if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &Fetcher{
		cfg:         cfg,
		tabs:        semaphore.NewWeighted(int64(cfg.MaxParallel)),
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	if f.browserCancel != nil {
		f.browserCancel()
	}
	f.allocCancel()
}

func (f *Fetcher) browser() (context.Context, error) {
	f.startOnce.Do(func() {
		f.browserCtx, f.browserCancel = chromedp.NewContext(f.allocCtx)
		// An empty Run starts the browser process.
		if err := chromedp.Run(f.browserCtx); err != nil {
			f.startErr = fmt.Errorf("start chrome: %w", err)
		}
	})
	return f.browserCtx, f.startErr
}

// Fetch renders rawURL in a new tab and returns the final DOM. A document
// response outside 2xx is returned with a *crawler.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts crawler.FetchOptions) (crawler.RawPage, error) {
	if err := f.tabs.Acquire(ctx, 1); err != nil {
		return crawler.RawPage{}, fmt.Errorf("wait for headless tab: %w", err)
	}
	defer f.tabs.Release(1)

	browserCtx, err := f.browser()
	if err != nil {
		return crawler.RawPage{}, &crawler.FetchError{URL: rawURL, Err: fmt.Errorf("%w: %w", crawler.ErrPermanent, err)}
	}
	tabCtx, closeTab := chromedp.NewContext(browserCtx)
	defer closeTab()
	stop := context.AfterFunc(ctx, closeTab)
	defer stop()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = f.cfg.NavigationTimeout
	}
	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	doc := &documentResponse{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err = chromedp.Run(tabCtx,
		f.prepareTab(opts.Headers),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = ctx.Err()
		case errors.Is(tabCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("%w: render %s", context.DeadlineExceeded, rawURL)
		default:
			err = fmt.Errorf("render: %w", err)
		}
		return crawler.RawPage{}, &crawler.FetchError{URL: rawURL, Err: err}
	}

	status, headers, finalURL := doc.result(rawURL, location)
	now := time.Now()
	page := crawler.RawPage{
		URL:        rawURL,
		FinalURL:   finalURL,
		StatusCode: status,
		Headers:    headers,
		HTML:       []byte(html),
		Rendered:   true,
		Duration:   now.Sub(start),
		FetchedAt:  now.UTC(),
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		fe := &crawler.FetchError{URL: rawURL, StatusCode: status}
		if wait, ok := crawler.ParseRetryAfter(headers.Get("Retry-After"), now); ok {
			fe.RetryAfter = wait
		}
		return page, fe
	}
	page.Success = true
	if found, err := extract.FromHTML(page.HTML, page.FinalURL); err == nil {
		page.Links = found.Links
		page.Media = found.Media
	}
	return page, nil
}

func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network events: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("override user agent: %w", err)
			}
		}
		if len(headers) == 0 {
			return nil
		}
		extra := make(network.Headers, len(headers))
		for key, values := range headers {
			switch len(values) {
			case 0:
			case 1:
				extra[key] = values[0]
			default:
				extra[key] = append([]string(nil), values...)
			}
		}
		if err := network.SetExtraHTTPHeaders(extra).Do(ctx); err != nil {
			return fmt.Errorf("set request headers: %w", err)
		}
		return nil
	})
}

// documentResponse keeps the last top-level document response of a tab, which
// after redirects is the page that was rendered.
type documentResponse struct {
	mu      sync.Mutex
	status  int
	url     string
	headers http.Header
}

func (d *documentResponse) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	headers := headerFromNetwork(resp.Response.Headers)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = headers
}

// result returns what the browser reported, falling back to the tab location
// and then the request URL. A page rendered without a document response (for
// example from cache) counts as 200.
func (d *documentResponse) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, finalURL := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if finalURL == "" {
		finalURL = location
	}
	if finalURL == "" {
		finalURL = requestURL
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, finalURL
}

func headerFromNetwork(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []string:
			for _, s := range v {
				out.Add(key, s)
			}
		case []any:
			for _, s := range v {
				out.Add(key, fmt.Sprint(s))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}
