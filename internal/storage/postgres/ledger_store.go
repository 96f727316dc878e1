// Package postgres provides the Postgres-backed outcome ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/knowledge-ingest/internal/store"
)

// Schema creates the ledger tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS ingest_runs (
	id            UUID PRIMARY KEY,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT NOT NULL,
	error_message TEXT
);
CREATE TABLE IF NOT EXISTS site_stats (
	run_id      UUID NOT NULL,
	site        TEXT NOT NULL,
	last_update TIMESTAMPTZ NOT NULL,
	fetches     BIGINT NOT NULL DEFAULT 0,
	bytes_total BIGINT NOT NULL DEFAULT 0,
	fetch_2xx   BIGINT NOT NULL DEFAULT 0,
	fetch_3xx   BIGINT NOT NULL DEFAULT 0,
	fetch_4xx   BIGINT NOT NULL DEFAULT 0,
	fetch_5xx   BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, site)
);
CREATE TABLE IF NOT EXISTS ingest_outcomes (
	run_id       UUID NOT NULL,
	at           TIMESTAMPTZ NOT NULL,
	outcome      TEXT NOT NULL,
	site         TEXT NOT NULL,
	url          TEXT NOT NULL,
	domain       TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	location     TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	reason       TEXT NOT NULL,
	note         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ingest_outcomes_run_idx ON ingest_outcomes (run_id, outcome);
`

var outcomeColumns = []string{
	"run_id", "at", "outcome", "site", "url", "domain",
	"content_hash", "location", "attempts", "reason", "note",
}

var statusColumns = map[string]string{
	"2xx": "fetch_2xx",
	"3xx": "fetch_3xx",
	"4xx": "fetch_4xx",
	"5xx": "fetch_5xx",
}

// Config controls the Postgres connection pool used by the ledger.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of pgxpool.Pool the ledger needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

// LedgerStore implements store.LedgerRepository using Postgres.
type LedgerStore struct {
	pool Pool
}

var _ store.LedgerRepository = (*LedgerStore)(nil)

// NewLedgerStore connects to Postgres using the provided config.
func NewLedgerStore(ctx context.Context, cfg Config) (*LedgerStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("ledger.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LedgerStore{pool: pool}, nil
}

// NewLedgerStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLedgerStoreWithPool(pool Pool) (*LedgerStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &LedgerStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *LedgerStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the ledger tables if they are missing.
func (s *LedgerStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a run row or resets it to running.
func (s *LedgerStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO ingest_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE ingest_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run as finished with a status and optional error message.
func (s *LedgerStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE ingest_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID); err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// UpsertSiteStats adds fetch and byte deltas for a site within a run.
func (s *LedgerStore) UpsertSiteStats(
	ctx context.Context,
	runID uuid.UUID,
	site string,
	deltaFetches,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	var counts [4]int64
	extra := ""
	if column, ok := statusColumns[statusClass]; ok {
		extra = fmt.Sprintf(",\n\t\t\t%[1]s = site_stats.%[1]s + EXCLUDED.%[1]s", column)
		counts[int(statusClass[0]-'2')] = deltaFetches
	}
	query := `
		INSERT INTO site_stats (run_id, site, last_update, fetches, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, site) DO UPDATE
		SET fetches = site_stats.fetches + EXCLUDED.fetches,
			bytes_total = site_stats.bytes_total + EXCLUDED.bytes_total,
			last_update = GREATEST(site_stats.last_update, EXCLUDED.last_update)` + extra + ";"

	_, err := s.pool.Exec(
		ctx,
		query,
		runID,
		site,
		at,
		deltaFetches,
		deltaBytes,
		counts[0],
		counts[1],
		counts[2],
		counts[3],
	)
	if err != nil {
		return fmt.Errorf("failed to upsert site stats: %w", err)
	}
	return nil
}

// InsertOutcomes bulk-copies outcome rows.
func (s *LedgerStore) InsertOutcomes(ctx context.Context, outcomes []store.OutcomeRecord) error {
	if len(outcomes) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, []any{
			o.RunID, o.At, o.Outcome, o.Site, o.URL, o.Domain,
			o.ContentHash, o.Location, o.Attempts, o.Reason, o.Note,
		})
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"ingest_outcomes"}, outcomeColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert outcomes: %w", err)
	}
	if n != int64(len(rows)) {
		return fmt.Errorf("inserted %d of %d outcomes", n, len(rows))
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *LedgerStore) GetRun(ctx context.Context, runID uuid.UUID) (store.RunRecord, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message
		FROM ingest_runs
		WHERE id = $1;
	`
	var run store.RunRecord
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.RunRecord{}, store.ErrNotFound
		}
		return store.RunRecord{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListOutcomes retrieves outcome rows for a run. An empty outcome lists all.
func (s *LedgerStore) ListOutcomes(
	ctx context.Context,
	runID uuid.UUID,
	outcome string,
	limit,
	offset int,
) ([]store.OutcomeRecord, error) {
	query := `
		SELECT run_id, at, outcome, site, url, domain, content_hash, location, attempts, reason, note
		FROM ingest_outcomes
		WHERE run_id = $1 AND ($2 = '' OR outcome = $2)
		ORDER BY at
		LIMIT $3 OFFSET $4;
	`
	rows, err := s.pool.Query(ctx, query, runID, outcome, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	defer rows.Close()

	var out []store.OutcomeRecord
	for rows.Next() {
		var o store.OutcomeRecord
		if err := rows.Scan(
			&o.RunID,
			&o.At,
			&o.Outcome,
			&o.Site,
			&o.URL,
			&o.Domain,
			&o.ContentHash,
			&o.Location,
			&o.Attempts,
			&o.Reason,
			&o.Note,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outcome row: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcomes: %w", err)
	}
	return out, nil
}
