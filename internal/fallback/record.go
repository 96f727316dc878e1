// Package fallback persists documents that could not be delivered to a remote
// sink. Records are bucketed by knowledge domain and keyed by content-hash so a
// later re-delivery can find, retry and remove them.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

// ErrNotFound is returned when no record exists for a (domain, hash) pair.
var ErrNotFound = errors.New("fallback record not found")

// Reasons recorded on a fallback record.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonCircuitOpen      = "circuit_open"
	ReasonAuthFatal        = "auth_fatal"
	ReasonCanceled         = "canceled"
)

// Record is one persisted fallback item: the document, the assignment it was
// destined for and every delivery attempt made so far.
type Record struct {
	ContentHash  string                    `json:"content_hash"`
	Domain       string                    `json:"domain"`
	Sink         string                    `json:"sink"`
	RunID        string                    `json:"run_id"`
	Reason       string                    `json:"reason"`
	Document     crawler.Document          `json:"document"`
	Assignment   crawler.DomainAssignment  `json:"assignment"`
	Attempts     []crawler.DeliveryAttempt `json:"attempts"`
	StoredAt     time.Time                 `json:"stored_at"`
	UpdatedAt    time.Time                 `json:"updated_at"`
	Redeliveries int                       `json:"redeliveries"`
}

// Validate checks the fields that form the record key.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ContentHash) == "" {
		return errors.New("content hash is required")
	}
	if strings.TrimSpace(r.Domain) == "" {
		return errors.New("domain is required")
	}
	return nil
}

// Store is the local durable fallback store.
type Store interface {
	// Put persists rec, merging attempt history with any existing record for the
	// same key, and returns the record's location.
	Put(ctx context.Context, rec Record) (string, error)
	Get(ctx context.Context, domain, hash string) (Record, error)
	// List returns the records of one domain, or of every domain when domain is empty.
	List(ctx context.Context, domain string) ([]Record, error)
	Delete(ctx context.Context, domain, hash string) error
	Close() error
}

// Merge folds incoming into an existing record for the same key. The original
// StoredAt is kept and attempt histories are concatenated.
func Merge(existing, incoming Record) Record {
	merged := incoming
	if !existing.StoredAt.IsZero() {
		merged.StoredAt = existing.StoredAt
	}
	merged.Attempts = make([]crawler.DeliveryAttempt, 0, len(existing.Attempts)+len(incoming.Attempts))
	merged.Attempts = append(merged.Attempts, existing.Attempts...)
	merged.Attempts = append(merged.Attempts, incoming.Attempts...)
	if existing.Redeliveries > merged.Redeliveries {
		merged.Redeliveries = existing.Redeliveries
	}
	return merged
}

// Bucket turns a domain name into a safe path or key segment. Distinct names
// can share a bucket ("Farm Tech", "farm_tech"); config validation rejects
// such domain sets.
func Bucket(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	var b strings.Builder
	for _, r := range domain {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func stamp(rec Record, now time.Time) (Record, error) {
	if err := rec.Validate(); err != nil {
		return Record{}, fmt.Errorf("invalid fallback record: %w", err)
	}
	if rec.StoredAt.IsZero() {
		rec.StoredAt = now
	}
	rec.UpdatedAt = now
	return rec, nil
}
