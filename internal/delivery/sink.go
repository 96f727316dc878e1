// Package delivery moves classified documents to a remote sink. It owns the
// retry policy, the per-(sink, domain) circuit breakers, run-wide auth
// fatality and the hand-off to the local fallback store.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// Sentinel errors.
var (
	// ErrSinkAuth reports that the sink rejected our credentials.
	ErrSinkAuth = errors.New("sink authentication failed")
	// ErrCircuitOpen reports a short-circuited delivery.
	ErrCircuitOpen = errors.New("circuit open")
)

// Sink is a remote document store.
type Sink interface {
	Name() string
	// Put stores one document under domain and returns its id.
	Put(ctx context.Context, domain string, doc crawler.Document) (string, error)
	// PutBatch stores documents under domain. A non-nil error fails every
	// document; otherwise each ItemResult carries its own status and the slice
	// has one entry per document, in order.
	PutBatch(ctx context.Context, domain string, docs []crawler.Document) ([]ItemResult, error)
}

// ItemResult is the per-document status of a batch call.
type ItemResult struct {
	ID  string
	Err error
}

// SinkError is a non-success response from a sink.
type SinkError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *SinkError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sink returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("sink returned status %d: %s", e.StatusCode, e.Message)
}

// Is lets errors.Is(err, ErrSinkAuth) match 401/403 responses.
func (e *SinkError) Is(target error) bool {
	return target == ErrSinkAuth && isAuthStatus(e.StatusCode)
}

func isAuthStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// Classify maps a sink error to the attempt error kind that drives retry and
// circuit decisions.
func Classify(err error) crawler.ErrorKind {
	if err == nil {
		return crawler.ErrorKindNone
	}
	if errors.Is(err, ErrCircuitOpen) {
		return crawler.ErrorKindCircuitOpen
	}
	if errors.Is(err, context.Canceled) {
		return crawler.ErrorKindCanceled
	}
	if errors.Is(err, ErrSinkAuth) {
		return crawler.ErrorKindAuth
	}
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		switch code := sinkErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return crawler.ErrorKindRateLimited
		case code == http.StatusRequestTimeout, code >= http.StatusInternalServerError:
			return crawler.ErrorKindTransient
		case code >= http.StatusBadRequest:
			return crawler.ErrorKindPermanent
		}
		return crawler.ErrorKindTransient
	}
	// Timeouts, transport failures and unknown errors are worth another try.
	return crawler.ErrorKindTransient
}

func statusOf(err error) int {
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		return sinkErr.StatusCode
	}
	return 0
}

func retryAfterOf(err error) time.Duration {
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		return sinkErr.RetryAfter
	}
	return 0
}
