// Package ratelimit spaces out requests to the same host. Each host gets its own
// token bucket with burst 1, so consecutive acquisitions for a host are at least
// one interval apart while different hosts never wait on each other.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
)

// Limiter manages per-host pacing.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	interval time.Duration
}

// Config holds rate limiter configuration. Interval is the minimum spacing between
// two acquisitions for the same host; zero disables pacing.
type Config struct {
	Interval time.Duration
}

// FromRate converts a seconds-per-request setting into a Config.
func FromRate(seconds float64) Config {
	if seconds <= 0 {
		return Config{}
	}
	return Config{Interval: time.Duration(seconds * float64(time.Second))}
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		interval: cfg.Interval,
	}
}

// Interval returns the configured spacing.
func (l *Limiter) Interval() time.Duration {
	return l.interval
}

// Acquire blocks until the host may be contacted again. It never rejects; it only
// delays, or returns the context error if ctx ends first.
func (l *Limiter) Acquire(ctx context.Context, host string) error {
	if l.interval <= 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
		return nil
	}
	host = strings.ToLower(host)
	if host == "" {
		host = "unknown"
	}

	l.mu.Lock()
	limiter, exists := l.limiters[host]
	if !exists {
		limiter = rate.NewLimiter(rate.Every(l.interval), 1)
		l.limiters[host] = limiter
	}
	l.mu.Unlock()

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(host, waited)
	}
	return nil
}

// Hosts reports how many hosts have been seen.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
