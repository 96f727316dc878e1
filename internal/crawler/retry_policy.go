package crawler

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/clock/system"
)

// Backoff defaults shared by crawl and delivery retries.
const (
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 60 * time.Second
	DefaultJitterFraction = 0.25
)

// RetryPolicyConfig configures ExponentialRetryPolicy.
type RetryPolicyConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
}

// ExponentialRetryPolicy implements capped exponential backoff with additive jitter.
type ExponentialRetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	jitter      float64
	randomInt   func(limit int64) int64
}

// NewExponentialRetryPolicy builds a policy, filling zero values with defaults.
func NewExponentialRetryPolicy(cfg RetryPolicyConfig) *ExponentialRetryPolicy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.JitterFraction < 0 {
		cfg.JitterFraction = 0
	}
	return &ExponentialRetryPolicy{
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		jitter:      cfg.JitterFraction,
		randomInt:   cryptoInt63n,
	}
}

// MaxAttempts is the total number of tries, including the first.
func (p *ExponentialRetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether a failed fetch attempt (1-based) gets another try.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.maxAttempts {
		return false
	}
	return IsTransient(err)
}

// Delay returns min(base*2^(attempt-1), max) without jitter.
func (p *ExponentialRetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) || math.IsInf(delay, 1) {
		return p.maxDelay
	}
	return time.Duration(delay)
}

// Backoff returns Delay(attempt) plus jitter in [0, jitter*Delay(attempt)].
func (p *ExponentialRetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.Delay(attempt)
	limit := int64(float64(delay) * p.jitter)
	if limit <= 0 {
		return delay
	}
	return delay + time.Duration(p.randomInt(limit+1))
}

// Sleep waits for d or until ctx is done. Retry loops call it between attempts.
var Sleep = system.Clock{}.Sleep

func cryptoInt63n(limit int64) int64 {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(limit))
	if err != nil {
		return limit / 2
	}
	return n.Int64()
}
