// Package fetcher picks between the static and the headless fetchers for each
// request according to the configured rendering mode.
package fetcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// RenderMode selects when pages are rendered with JavaScript.
type RenderMode string

// Supported rendering modes.
const (
	RenderNever  RenderMode = "never"
	RenderAlways RenderMode = "always"
	RenderAuto   RenderMode = "auto"
)

// ParseRenderMode validates a configured mode.
func ParseRenderMode(s string) (RenderMode, error) {
	switch RenderMode(s) {
	case RenderNever, RenderAlways, RenderAuto:
		return RenderMode(s), nil
	case "":
		return RenderNever, nil
	default:
		return "", fmt.Errorf("unknown render mode %q", s)
	}
}

// Detector decides whether a static page needs a headless render.
type Detector interface {
	ShouldPromote(page crawler.RawPage) bool
}

// Router implements crawler.Fetcher on top of a static and a headless fetcher.
type Router struct {
	mode     RenderMode
	static   crawler.Fetcher
	headless crawler.Fetcher
	detector Detector
	logger   *zap.Logger
}

// NewRouter builds a Router. headless and detector may be nil when mode is never.
func NewRouter(mode RenderMode, static, headless crawler.Fetcher, detector Detector, logger *zap.Logger) (*Router, error) {
	if static == nil {
		return nil, fmt.Errorf("router requires a static fetcher")
	}
	if mode != RenderNever && headless == nil {
		return nil, fmt.Errorf("render mode %q requires a headless fetcher", mode)
	}
	if mode == RenderAuto && detector == nil {
		return nil, fmt.Errorf("render mode auto requires a detector")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{mode: mode, static: static, headless: headless, detector: detector, logger: logger.Named("router")}, nil
}

// Fetch implements crawler.Fetcher. opts.RenderJS forces a headless render
// whenever a headless fetcher is available.
func (r *Router) Fetch(ctx context.Context, rawURL string, opts crawler.FetchOptions) (crawler.RawPage, error) {
	if r.headless != nil && (r.mode == RenderAlways || opts.RenderJS) {
		return r.headless.Fetch(ctx, rawURL, opts)
	}
	page, err := r.static.Fetch(ctx, rawURL, opts)
	if err != nil || r.mode != RenderAuto || !r.detector.ShouldPromote(page) {
		return page, err
	}

	r.logger.Debug("promoting to headless render", zap.String("url", rawURL))
	rendered, rerr := r.headless.Fetch(ctx, rawURL, opts)
	if rerr != nil {
		// The static copy is still usable content.
		r.logger.Warn("headless render failed, keeping static page", zap.String("url", rawURL), zap.Error(rerr))
		return page, nil
	}
	return rendered, nil
}
