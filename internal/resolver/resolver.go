// Package resolver gathers seed URLs from every configured input, normalizes them
// and merges them with set-union semantics.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// ErrInvalidInput is returned when the sources yield no usable URL or contain a
// malformed one.
var ErrInvalidInput = errors.New("invalid input")

// Source yields raw, unnormalized URLs.
type Source interface {
	Name() string
	URLs(ctx context.Context) ([]string, error)
}

// Resolver merges sources into a deduplicated, normalized seed list.
type Resolver struct {
	logger *zap.Logger
}

// New returns a Resolver.
func New(logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{logger: logger.Named("resolver")}
}

// Resolve returns the sorted union of every source's normalized URLs. A malformed
// URL or an empty union fails the whole call with ErrInvalidInput.
func (r *Resolver) Resolve(ctx context.Context, sources ...Source) ([]string, error) {
	seen := make(map[string]struct{})
	for _, src := range sources {
		if src == nil {
			continue
		}
		raw, err := src.URLs(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: source %s: %v", ErrInvalidInput, src.Name(), err)
		}
		added := 0
		for _, u := range raw {
			normalized, err := crawler.NormalizeURL(u)
			if err != nil {
				return nil, fmt.Errorf("%w: source %s: %v", ErrInvalidInput, src.Name(), err)
			}
			if _, dup := seen[normalized]; !dup {
				seen[normalized] = struct{}{}
				added++
			}
		}
		r.logger.Debug("source resolved",
			zap.String("source", src.Name()),
			zap.Int("urls", len(raw)),
			zap.Int("new", added),
		)
	}
	if len(seen) == 0 {
		return nil, fmt.Errorf("%w: no URLs resolved from %d source(s)", ErrInvalidInput, len(sources))
	}

	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	r.logger.Info("seeds resolved", zap.Int("count", len(out)))
	return out, nil
}
