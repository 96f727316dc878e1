package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("ledger record not found")

// RunStatus mirrors the ingest_runs status column.
type RunStatus string

// Run statuses persisted in ingest_runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// RunRecord models one row of ingest_runs.
type RunRecord struct {
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	Status     RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
}

// OutcomeRecord is one terminal outcome: a failed or rejected task, or a
// delivered, fallback or abandoned (document, domain) delivery.
type OutcomeRecord struct {
	RunID       uuid.UUID
	At          time.Time
	Outcome     string
	Site        string
	URL         string
	Domain      string
	ContentHash string
	// Location is the sink document id or the fallback record location.
	Location string
	Attempts int
	Reason   string
	Note     string
}

// SiteStats captures per-site fetch aggregation for a run.
type SiteStats struct {
	RunID      uuid.UUID
	Site       string
	LastUpdate time.Time
	Fetches    int64
	BytesTotal int64
	Fetch2xx   int64
	Fetch3xx   int64
	Fetch4xx   int64
	Fetch5xx   int64
}

// LedgerRepository persists run progress and terminal outcomes.
type LedgerRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status and error.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string) error
	// UpsertSiteStats applies fetch/byte deltas per (run, site, statusClass).
	UpsertSiteStats(
		ctx context.Context,
		runID uuid.UUID,
		site string,
		deltaFetches int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error
	// InsertOutcomes appends terminal outcome rows.
	InsertOutcomes(ctx context.Context, outcomes []OutcomeRecord) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (RunRecord, error)
	// ListOutcomes returns outcome rows for one run, optionally filtered by outcome.
	ListOutcomes(ctx context.Context, runID uuid.UUID, outcome string, limit, offset int) ([]OutcomeRecord, error)
}
