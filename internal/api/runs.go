package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
	"github.com/JakeFAU/knowledge-ingest/internal/store"
)

const (
	defaultOutcomeLimit = 100
	maxOutcomeLimit     = 1000
	ledgerTimeout       = 3 * time.Second
)

// RunHandler exposes read-only views of the run ledger.
type RunHandler struct {
	repo    store.LedgerRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the ledger and logger. A nil repo answers 503.
func NewRunHandler(repo store.LedgerRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		repo:    repo,
		timeout: ledgerTimeout,
		logger:  logger,
	}
}

// GetRun handles GET /v1/runs/{run_id}. It returns {"run": {...}}, 400 for
// malformed IDs, 404 when the ledger has no such run, or 500 otherwise.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.Error(err), zap.String("run_id", runID.String()))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(rec)})
}

// ListOutcomes handles GET /v1/runs/{run_id}/outcomes?outcome=&limit=&offset=.
func (h *RunHandler) ListOutcomes(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run ledger unavailable")
		return
	}
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultOutcomeLimit, maxOutcomeLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	outcome, err := parseOutcome(r.URL.Query().Get("outcome"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rows, err := h.repo.ListOutcomes(ctx, runID, outcome, limit, offset)
	if err != nil {
		h.logger.Error("list outcomes failed", zap.Error(err), zap.String("run_id", runID.String()))
		writeError(w, http.StatusInternalServerError, "failed to list outcomes")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcomes": toOutcomeDTOs(rows)})
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return uuid.UUID{}, errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, errors.New("invalid run_id")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseOutcome(input string) (string, error) {
	switch v := strings.ToLower(strings.TrimSpace(input)); v {
	case "":
		return "", nil
	case progress.OutcomeFailed, progress.OutcomeRejected, progress.OutcomeDelivered,
		progress.OutcomeFallback, progress.OutcomeAbandoned:
		return v, nil
	default:
		return "", errors.New("invalid outcome")
	}
}

type runDTO struct {
	ID           string     `json:"id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

func toRunDTO(rec store.RunRecord) runDTO {
	return runDTO{
		ID:           rec.ID.String(),
		StartedAt:    rec.StartedAt,
		FinishedAt:   rec.FinishedAt,
		Status:       string(rec.Status),
		ErrorMessage: rec.ErrorMessage,
	}
}

type outcomeDTO struct {
	At          time.Time `json:"at"`
	Outcome     string    `json:"outcome"`
	Site        string    `json:"site,omitempty"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	Location    string    `json:"location,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Note        string    `json:"note,omitempty"`
}

func toOutcomeDTOs(in []store.OutcomeRecord) []outcomeDTO {
	out := make([]outcomeDTO, 0, len(in))
	for _, rec := range in {
		out = append(out, outcomeDTO{
			At:          rec.At,
			Outcome:     rec.Outcome,
			Site:        rec.Site,
			URL:         rec.URL,
			Domain:      rec.Domain,
			ContentHash: rec.ContentHash,
			Location:    rec.Location,
			Attempts:    rec.Attempts,
			Reason:      rec.Reason,
			Note:        rec.Note,
		})
	}
	return out
}
