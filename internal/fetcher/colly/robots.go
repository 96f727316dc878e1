package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

const allowAllRobots = "User-agent: *\nAllow: /"

// robotsGuard keeps slow robots.txt probes from failing page fetches. A probe
// that times out is retried with backoff; when every try times out the host is
// remembered and served an allow-all robots.txt from then on.
type robotsGuard struct {
	backoff     *crawler.ExponentialRetryPolicy
	sleep       func(context.Context, time.Duration) error
	logger      *zap.Logger
	unreachable sync.Map
}

func newRobotsGuard(logger *zap.Logger) *robotsGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &robotsGuard{
		backoff: crawler.NewExponentialRetryPolicy(crawler.RetryPolicyConfig{
			MaxAttempts: 4,
			BaseDelay:   250 * time.Millisecond,
			MaxDelay:    time.Second,
		}),
		sleep:  crawler.Sleep,
		logger: logger,
	}
}

// wrap returns a transport that routes robots.txt probes through the guard.
func (g *robotsGuard) wrap(base http.RoundTripper) http.RoundTripper {
	return roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req == nil || req.URL == nil {
			return nil, errors.New("robots guard: nil request")
		}
		if !strings.EqualFold(req.URL.Path, "/robots.txt") {
			return base.RoundTrip(req) //nolint:wrapcheck // transparent for page requests
		}
		return g.probe(base, req)
	})
}

func (g *robotsGuard) probe(base http.RoundTripper, req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if _, ok := g.unreachable.Load(host); ok {
		return allowAll(req), nil
	}
	attempts := g.backoff.MaxAttempts()
	for attempt := 1; ; attempt++ {
		resp, err := base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isProbeTimeout(err) {
			return nil, fmt.Errorf("robots.txt probe %s: %w", host, err)
		}
		if attempt >= attempts {
			g.unreachable.Store(host, struct{}{})
			g.logger.Warn("robots.txt unreachable, allowing all",
				zap.String("host", host),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return allowAll(req), nil
		}
		if err := g.sleep(req.Context(), g.backoff.Delay(attempt)); err != nil {
			return nil, fmt.Errorf("robots.txt probe %s: %w", host, err)
		}
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Request:       req,
	}
}

// isProbeTimeout matches dial, TLS handshake and response header timeouts.
func isProbeTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout")
}
