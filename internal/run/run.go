// Package run carries the per-run identity, logger and outcome counters that
// every pipeline stage reports into.
package run

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

// Run is the explicit run context threaded through the pipeline. It is safe for
// concurrent use.
type Run struct {
	ID        string
	StartedAt time.Time

	rawID   [16]byte
	logger  *zap.Logger
	emitter progress.Emitter
	ids     IDGenerator
	now     func() time.Time

	resolved         atomic.Int64
	scheduled        atomic.Int64
	fetched          atomic.Int64
	fetchRetries     atomic.Int64
	failed           atomic.Int64
	tooShort         atomic.Int64
	duplicate        atomic.Int64
	lowQuality       atomic.Int64
	documents        atomic.Int64
	assignments      atomic.Int64
	defaultAssigned  atomic.Int64
	delivered        atomic.Int64
	fallback         atomic.Int64
	abandoned        atomic.Int64
	deliveryAttempts atomic.Int64
	rateLimited      atomic.Int64
	shortCircuited   atomic.Int64

	mu         sync.Mutex
	finishedAt time.Time
	fatal      error
}

// Option customizes a Run.
type Option func(*Run)

// WithEmitter forwards run events to a progress emitter.
func WithEmitter(emitter progress.Emitter) Option {
	return func(r *Run) {
		r.emitter = emitter
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Run) {
		if now != nil {
			r.now = now
		}
	}
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewRawID() (uuid.UUID, error)
}

// WithIDGenerator overrides how the run ID is minted.
func WithIDGenerator(gen IDGenerator) Option {
	return func(r *Run) {
		if gen != nil {
			r.ids = gen
		}
	}
}

type v7Generator struct{}

func (v7Generator) NewRawID() (uuid.UUID, error) {
	return uuid.NewV7()
}

// New creates a Run with a fresh identifier (UUIDv7 unless overridden).
func New(logger *zap.Logger, opts ...Option) (*Run, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Run{
		logger: logger,
		ids:    v7Generator{},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	id, err := r.ids.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("create run id: %w", err)
	}
	r.ID = id.String()
	r.rawID = progress.UUIDToBytes(id)
	r.logger = r.logger.With(zap.String("run_id", r.ID))
	r.StartedAt = r.now()
	r.emit(progress.Event{Stage: progress.StageRunStart})
	return r, nil
}

// Logger returns the run-scoped logger.
func (r *Run) Logger() *zap.Logger {
	return r.logger
}

// Now returns the run clock's current time.
func (r *Run) Now() time.Time {
	return r.now()
}

// RecordResolved notes how many seed URLs the resolver produced.
func (r *Run) RecordResolved(n int) {
	r.resolved.Add(int64(n))
}

// RecordScheduled counts a task admitted to the frontier.
func (r *Run) RecordScheduled() {
	r.scheduled.Add(1)
}

// RecordFetch counts a completed fetch call, successful or not.
func (r *Run) RecordFetch(site, url string, status int, bytes int, dur time.Duration) {
	r.fetched.Add(1)
	r.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		Site:        site,
		URL:         url,
		StatusClass: progress.ClassifyStatus(status),
		Bytes:       int64(bytes),
		Dur:         dur,
	})
}

// RecordFetchRetry counts a retried fetch.
func (r *Run) RecordFetchRetry() {
	r.fetchRetries.Add(1)
}

// RecordFailed records a task that ended as Failed.
func (r *Run) RecordFailed(site, url string, err error) {
	r.failed.Add(1)
	evt := progress.Event{Stage: progress.StageOutcome, Outcome: progress.OutcomeFailed, Site: site, URL: url}
	if err != nil {
		evt.Note = err.Error()
	}
	r.emit(evt)
}

// RecordRejected records a quality-gate rejection.
func (r *Run) RecordRejected(site, url, reason, hash string) {
	switch reason {
	case "TooShort":
		r.tooShort.Add(1)
	case "Duplicate":
		r.duplicate.Add(1)
	default:
		r.lowQuality.Add(1)
	}
	r.emit(progress.Event{
		Stage:       progress.StageOutcome,
		Outcome:     progress.OutcomeRejected,
		Site:        site,
		URL:         url,
		Reason:      reason,
		ContentHash: hash,
	})
}

// RecordDocument counts an accepted document and its domain assignments.
func (r *Run) RecordDocument(assignments int, defaulted bool) {
	r.documents.Add(1)
	r.assignments.Add(int64(assignments))
	if defaulted {
		r.defaultAssigned.Add(1)
	}
}

// RecordAttempt counts one delivery attempt and its error kind.
func (r *Run) RecordAttempt(kind string) {
	r.deliveryAttempts.Add(1)
	if kind == "rate_limited" {
		r.rateLimited.Add(1)
	}
}

// RecordShortCircuit counts a delivery skipped because the circuit was open.
func (r *Run) RecordShortCircuit() {
	r.shortCircuited.Add(1)
}

// Delivery describes one terminal delivery outcome for RecordDelivery.
type Delivery struct {
	Outcome     string
	Site        string
	URL         string
	Domain      string
	ContentHash string
	Location    string
	Attempts    int
	Reason      string
	Err         error
}

// RecordDelivery records a terminal delivery outcome.
func (r *Run) RecordDelivery(d Delivery) {
	switch d.Outcome {
	case progress.OutcomeDelivered:
		r.delivered.Add(1)
	case progress.OutcomeFallback:
		r.fallback.Add(1)
	default:
		d.Outcome = progress.OutcomeAbandoned
		r.abandoned.Add(1)
	}
	evt := progress.Event{
		Stage:       progress.StageOutcome,
		Outcome:     d.Outcome,
		Site:        d.Site,
		URL:         d.URL,
		Domain:      d.Domain,
		ContentHash: d.ContentHash,
		DocumentID:  d.Location,
		Attempts:    d.Attempts,
		Reason:      d.Reason,
	}
	if d.Err != nil {
		evt.Note = d.Err.Error()
	}
	r.emit(evt)
}

// SetFatal stores the first run-fatal error; later calls are ignored.
func (r *Run) SetFatal(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
	}
}

// Fatal returns the stored run-fatal error, if any.
func (r *Run) Fatal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Finish stamps the end time and emits the terminal run event. err is the
// run's returned error, which may differ from Fatal.
func (r *Run) Finish(err error) Summary {
	r.mu.Lock()
	if r.finishedAt.IsZero() {
		r.finishedAt = r.now()
	}
	r.mu.Unlock()

	summary := r.Summary()
	evt := progress.Event{Stage: progress.StageRunDone, Dur: summary.Duration}
	if err != nil {
		evt.Stage = progress.StageRunError
		evt.Note = err.Error()
	}
	r.emit(evt)
	return summary
}

// Summary returns a snapshot of the counters.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	finished := r.finishedAt
	fatal := r.fatal
	r.mu.Unlock()

	end := finished
	if end.IsZero() {
		end = r.now()
	}
	s := Summary{
		RunID:            r.ID,
		StartedAt:        r.StartedAt,
		FinishedAt:       finished,
		Duration:         end.Sub(r.StartedAt),
		Resolved:         r.resolved.Load(),
		Scheduled:        r.scheduled.Load(),
		Fetched:          r.fetched.Load(),
		FetchRetries:     r.fetchRetries.Load(),
		Failed:           r.failed.Load(),
		RejectedTooShort: r.tooShort.Load(),
		RejectedDup:      r.duplicate.Load(),
		RejectedQuality:  r.lowQuality.Load(),
		Documents:        r.documents.Load(),
		Assignments:      r.assignments.Load(),
		DefaultAssigned:  r.defaultAssigned.Load(),
		Delivered:        r.delivered.Load(),
		Fallback:         r.fallback.Load(),
		Abandoned:        r.abandoned.Load(),
		DeliveryAttempts: r.deliveryAttempts.Load(),
		RateLimited:      r.rateLimited.Load(),
		ShortCircuited:   r.shortCircuited.Load(),
	}
	if fatal != nil {
		s.FatalError = fatal.Error()
	}
	return s
}

func (r *Run) emit(evt progress.Event) {
	if r.emitter == nil {
		return
	}
	evt.RunID = r.rawID
	evt.TS = r.now()
	r.emitter.Emit(evt)
}

// ErrNilRun guards constructors that require a run context.
var ErrNilRun = errors.New("run context is required")
