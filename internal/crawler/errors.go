package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrPermanent marks fetch failures that must not be retried.
var ErrPermanent = errors.New("permanent fetch failure")

// ErrBlocked marks seeds the fetch policy refused.
var ErrBlocked = errors.New("host blocked by policy")

// FetchError describes a fetch that produced a non-2xx response or failed in transport.
type FetchError struct {
	URL        string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether a fetch error is worth retrying: timeouts, transport
// failures, 429 and 5xx. Malformed URLs and other 4xx responses are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrPermanent) || errors.Is(err, ErrInvalidURL) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) && fetchErr.StatusCode > 0 {
		return fetchErr.StatusCode == http.StatusTooManyRequests ||
			fetchErr.StatusCode == http.StatusRequestTimeout ||
			fetchErr.StatusCode >= http.StatusInternalServerError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return fetchErr != nil
}
