// Package progress defines the events emitted while an ingestion run progresses.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart  Stage = "RUN_START"
	StageRunDone   Stage = "RUN_DONE"
	StageRunError  Stage = "RUN_ERROR"
	StageFetchDone Stage = "FETCH_DONE"
	StageOutcome   Stage = "OUTCOME"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Terminal outcome labels carried by StageOutcome events.
const (
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeDelivered = "delivered"
	OutcomeFallback  = "fallback"
	OutcomeAbandoned = "abandoned"
)

// Event captures a single component of run progress.
type Event struct {
	// RunID identifies the run using the 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle, fetch or outcome milestone occurred.
	Stage Stage
	// Site scopes fetch and outcome events to a host label.
	Site string
	// URL is the page URL; it should not contain credentials.
	URL string
	// Bytes carries the response size for fetches.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures fetch latency or total run time.
	Dur time.Duration
	// Outcome is one of the Outcome* labels for StageOutcome.
	Outcome string
	// Domain is the knowledge domain for delivery outcomes.
	Domain string
	// Reason holds the rejection reason or error kind.
	Reason string
	// DocumentID is the sink id or fallback location.
	DocumentID string
	// ContentHash identifies the document.
	ContentHash string
	// Attempts counts delivery attempts made.
	Attempts int
	// Note lets emitters attach low-volume debug context (e.g. error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageFetchDone:
		if e.Site == "" {
			return errors.New("fetch done requires site")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageOutcome:
		switch e.Outcome {
		case OutcomeFailed, OutcomeRejected, OutcomeDelivered, OutcomeFallback, OutcomeAbandoned:
		default:
			return fmt.Errorf("unknown outcome %q", e.Outcome)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// durable reports whether the event must reach the sinks even under
// backpressure: terminal outcomes and run lifecycle changes.
func (e Event) durable() bool {
	return e.Stage != StageFetchDone
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
