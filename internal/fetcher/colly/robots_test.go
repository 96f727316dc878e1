package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleepGuard() *robotsGuard {
	g := newRobotsGuard(nil)
	g.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func TestRobotsGuardAllowsAllAfterTimeouts(t *testing.T) {
	t.Parallel()

	g := noSleepGuard()
	base := &scriptedTransport{errs: []error{context.DeadlineExceeded}}
	rt := g.wrap(base)

	req := httptest.NewRequest(http.MethodGet, "https://slow.example/robots.txt", nil)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, allowAllRobots, string(body))
	assert.Equal(t, 4, base.Calls())

	// The host is remembered; no further probes go out.
	resp, err = rt.RoundTrip(httptest.NewRequest(http.MethodGet, "https://slow.example/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, 4, base.Calls())
}

func TestRobotsGuardRetriesUntilAnswer(t *testing.T) {
	t.Parallel()

	g := noSleepGuard()
	ok := httptest.NewRecorder().Result()
	base := &scriptedTransport{errs: []error{context.DeadlineExceeded, nil}, resp: ok}

	resp, err := g.wrap(base).RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, 2, base.Calls())
}

func TestRobotsGuardReturnsOtherErrors(t *testing.T) {
	t.Parallel()

	g := noSleepGuard()
	base := &scriptedTransport{errs: []error{errors.New("connection refused")}}

	_, err := g.wrap(base).RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)) //nolint:bodyclose
	require.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1, base.Calls())
}

func TestRobotsGuardPassesPagesThrough(t *testing.T) {
	t.Parallel()

	g := noSleepGuard()
	base := &scriptedTransport{errs: []error{context.DeadlineExceeded}}

	_, err := g.wrap(base).RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/page", nil)) //nolint:bodyclose
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, base.Calls(), "only robots.txt probes are retried")
}

func TestRobotsGuardStopsOnCancel(t *testing.T) {
	t.Parallel()

	g := newRobotsGuard(nil)
	base := &scriptedTransport{errs: []error{context.DeadlineExceeded}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil).WithContext(ctx)
	_, err := g.wrap(base).RoundTrip(req) //nolint:bodyclose
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, base.Calls())
}

func TestIsProbeTimeout(t *testing.T) {
	t.Parallel()

	assert.True(t, isProbeTimeout(context.DeadlineExceeded))
	assert.True(t, isProbeTimeout(errors.New("net/http: TLS handshake timeout")))
	assert.False(t, isProbeTimeout(errors.New("no such host")))
}

// scriptedTransport returns errs in order, repeating the last one. A nil entry
// answers with resp.
type scriptedTransport struct {
	mu    sync.Mutex
	errs  []error
	resp  *http.Response
	calls int
}

func (s *scriptedTransport) RoundTrip(*http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := min(s.calls, len(s.errs)-1)
	s.calls++
	if err := s.errs[idx]; err != nil {
		return nil, err
	}
	return s.resp, nil
}

func (s *scriptedTransport) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}
