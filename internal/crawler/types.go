// Package crawler defines the core ingestion types and the crawl scheduler.
package crawler

import (
	"net/http"
	"time"
)

// URLTask is one unit of crawl work.
type URLTask struct {
	URL            string
	Depth          int
	OriginHost     string
	DiscoveredFrom string
}

// FetchOptions tune a single fetch call.
type FetchOptions struct {
	RenderJS bool
	Timeout  time.Duration
	Headers  http.Header
}

// MediaKind groups media references by file type.
type MediaKind string

// Media categories recognized by the extractor.
const (
	MediaImage    MediaKind = "image"
	MediaDocument MediaKind = "document"
	MediaArchive  MediaKind = "archive"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaOther    MediaKind = "other"
)

// MediaRef points at a media asset referenced by a page. Only the reference is tracked.
type MediaRef struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
	Alt  string    `json:"alt,omitempty"`
}

// RawPage is the result of one fetch.
type RawPage struct {
	URL        string
	FinalURL   string
	StatusCode int
	Headers    http.Header
	HTML       []byte
	Links      []string
	Media      []MediaRef
	Success    bool
	Rendered   bool
	Duration   time.Duration
	FetchedAt  time.Time
	Depth      int
}

// Document is the canonical processed form of a page. It is never mutated after creation.
type Document struct {
	URL            string        `json:"url"`
	Title          string        `json:"title"`
	Description    string        `json:"description,omitempty"`
	Keywords       []string      `json:"keywords,omitempty"`
	Markdown       string        `json:"markdown"`
	ContentHash    string        `json:"content_hash"`
	QualityScore   float64       `json:"quality_score"`
	Media          []MediaRef    `json:"media,omitempty"`
	FetchedAt      time.Time     `json:"fetched_at"`
	ProcessedAt    time.Time     `json:"processed_at"`
	ProcessingTime time.Duration `json:"processing_time"`
	Depth          int           `json:"depth"`
}

// DomainAssignment ties a Document to one knowledge domain.
type DomainAssignment struct {
	Domain  string  `json:"domain"`
	Score   float64 `json:"score"`
	Default bool    `json:"default"`
}

// ErrorKind classifies a failed attempt.
type ErrorKind string

// Error kinds recorded on delivery attempts.
const (
	ErrorKindNone        ErrorKind = ""
	ErrorKindTransient   ErrorKind = "transient"
	ErrorKindPermanent   ErrorKind = "permanent"
	ErrorKindRateLimited ErrorKind = "rate_limited"
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindCircuitOpen ErrorKind = "circuit_open"
	ErrorKindCanceled    ErrorKind = "canceled"
)

// DeliveryAttempt records one try to deliver a (Document, domain) pair.
type DeliveryAttempt struct {
	Number     int           `json:"number"`
	At         time.Time     `json:"at"`
	Succeeded  bool          `json:"succeeded"`
	Kind       ErrorKind     `json:"error_kind,omitempty"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Wait       time.Duration `json:"wait,omitempty"`
}

// OutcomeKind is the terminal state of a delivery.
type OutcomeKind string

// Terminal delivery outcomes.
const (
	OutcomeDelivered OutcomeKind = "delivered"
	OutcomeFallback  OutcomeKind = "fallback"
	OutcomeAbandoned OutcomeKind = "abandoned"
)

// DeliveryOutcome is the terminal result of delivering one assignment.
type DeliveryOutcome struct {
	Kind      OutcomeKind
	Domain    string
	ID        string
	LocalPath string
	Err       error
	Attempts  []DeliveryAttempt
}

// RejectReason explains why a page did not become a Document.
type RejectReason string

// Quality gate rejections.
const (
	RejectTooShort   RejectReason = "TooShort"
	RejectDuplicate  RejectReason = "Duplicate"
	RejectLowQuality RejectReason = "LowQuality"
)
