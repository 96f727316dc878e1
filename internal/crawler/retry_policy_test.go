package crawler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialRetryPolicy_DelaySequence(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryPolicyConfig{MaxAttempts: 10, BaseDelay: time.Second, MaxDelay: 60 * time.Second})
	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60, 60}
	for i, secs := range want {
		assert.Equal(t, secs*time.Second, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, 60*time.Second, p.Delay(500), "no overflow for huge attempts")
}

func TestExponentialRetryPolicy_JitterIsBounded(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryPolicyConfig{BaseDelay: time.Second, MaxDelay: time.Minute, JitterFraction: 0.25})
	for attempt := 1; attempt <= 8; attempt++ {
		base := p.Delay(attempt)
		for i := 0; i < 50; i++ {
			got := p.Backoff(attempt)
			assert.GreaterOrEqual(t, got, base)
			assert.LessOrEqual(t, got, base+base/4)
		}
	}
}

func TestExponentialRetryPolicy_JitterUsesRandomSource(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryPolicyConfig{BaseDelay: 4 * time.Second, JitterFraction: 0.25})
	p.randomInt = func(limit int64) int64 { return limit - 1 }
	assert.Equal(t, 5*time.Second, p.Backoff(1))
}

func TestExponentialRetryPolicy_Defaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryPolicyConfig{BaseDelay: time.Minute, MaxDelay: time.Second})
	assert.Equal(t, 3, p.MaxAttempts())
	assert.Equal(t, time.Minute, p.Delay(3), "max below base is raised to base")
}

func TestExponentialRetryPolicy_ShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(RetryPolicyConfig{MaxAttempts: 3})
	transient := &FetchError{URL: "u", StatusCode: http.StatusServiceUnavailable}
	notFound := &FetchError{URL: "u", StatusCode: http.StatusNotFound}

	assert.True(t, p.ShouldRetry(transient, 1))
	assert.True(t, p.ShouldRetry(transient, 2))
	assert.False(t, p.ShouldRetry(transient, 3))
	assert.False(t, p.ShouldRetry(notFound, 1))
	assert.False(t, p.ShouldRetry(&FetchError{URL: "u", Err: ErrPermanent}, 1))
	assert.True(t, p.ShouldRetry(context.DeadlineExceeded, 1))
	assert.False(t, p.ShouldRetry(context.Canceled, 1))
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(&FetchError{StatusCode: http.StatusTooManyRequests}))
	assert.True(t, IsTransient(&FetchError{StatusCode: http.StatusBadGateway}))
	assert.False(t, IsTransient(&FetchError{StatusCode: http.StatusForbidden}))
	assert.True(t, IsTransient(&FetchError{Err: errors.New("connection reset")}))
	assert.False(t, IsTransient(errors.New("plain")))
}

func TestSleep(t *testing.T) {
	t.Parallel()

	require.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}

func TestParseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d, ok := ParseRetryAfter("7", now)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	d, ok = ParseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = ParseRetryAfter("soon", now)
	assert.False(t, ok)
	_, ok = ParseRetryAfter("-1", now)
	assert.False(t, ok)
}
