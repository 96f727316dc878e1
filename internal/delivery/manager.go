package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
	"github.com/JakeFAU/knowledge-ingest/internal/run"
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxRetries  = 3
	DefaultTimeout     = 30 * time.Second
	DefaultGracePeriod = 10 * time.Second
)

// Config tunes retries and call deadlines.
type Config struct {
	// MaxRetries caps the attempts per delivery, short-circuits included.
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64
	// Timeout bounds every sink call.
	Timeout time.Duration
	// GracePeriod bounds fallback writes made after the run was canceled.
	GracePeriod time.Duration
}

// Manager delivers (Document, domain) pairs to one sink.
type Manager struct {
	cfg      Config
	sink     Sink
	store    fallback.Store
	breakers *Registry
	throttle *crawler.Throttle
	run      *run.Run
	policy   *crawler.ExponentialRetryPolicy
	batcher  *Batcher
	sleep    func(context.Context, time.Duration) error
	logger   *zap.Logger

	authFailed atomic.Bool
	authOnce   sync.Once
}

// Option customizes a Manager.
type Option func(*Manager)

// WithBatcher routes sink calls through a batcher.
func WithBatcher(b *Batcher) Option {
	return func(m *Manager) {
		m.batcher = b
	}
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(m *Manager) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

// NewManager wires a Manager. throttle may be shared with the crawl scheduler.
func NewManager(
	cfg Config,
	sink Sink,
	store fallback.Store,
	breakers *Registry,
	throttle *crawler.Throttle,
	r *run.Run,
	opts ...Option,
) (*Manager, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if store == nil {
		return nil, errors.New("fallback store is required")
	}
	if r == nil {
		return nil, run.ErrNilRun
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if breakers == nil {
		breakers = NewRegistry(BreakerConfig{FailureThreshold: 5, Cooldown: time.Minute}, nil)
	}
	if throttle == nil {
		throttle = crawler.NewThrottle(1)
	}
	m := &Manager{
		cfg:      cfg,
		sink:     sink,
		store:    store,
		breakers: breakers,
		throttle: throttle,
		run:      r,
		policy: crawler.NewExponentialRetryPolicy(crawler.RetryPolicyConfig{
			MaxAttempts:    cfg.MaxRetries,
			BaseDelay:      cfg.BaseDelay,
			MaxDelay:       cfg.MaxDelay,
			JitterFraction: cfg.JitterFraction,
		}),
		sleep:  crawler.Sleep,
		logger: r.Logger().Named("delivery").With(zap.String("sink", sink.Name())),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Breakers exposes the circuit registry.
func (m *Manager) Breakers() *Registry {
	return m.breakers
}

// AuthFailed reports whether the sink rejected our credentials during this run.
func (m *Manager) AuthFailed() bool {
	return m.authFailed.Load()
}

// Deliver runs the retry loop for one assignment and always returns a terminal
// outcome: Delivered, Fallback or Abandoned.
func (m *Manager) Deliver(ctx context.Context, doc crawler.Document, assignment crawler.DomainAssignment) crawler.DeliveryOutcome {
	outcome := m.deliver(ctx, doc, assignment, 0)
	m.record(doc, outcome)
	return outcome
}

// Redeliver retries a stored fallback record. A delivered record is removed
// from the store; otherwise the new attempts are appended to its history.
func (m *Manager) Redeliver(ctx context.Context, rec fallback.Record) crawler.DeliveryOutcome {
	outcome := m.deliver(ctx, rec.Document, rec.Assignment, rec.Redeliveries+1)
	if outcome.Kind == crawler.OutcomeDelivered {
		if err := m.store.Delete(ctx, rec.Domain, rec.ContentHash); err != nil && !errors.Is(err, fallback.ErrNotFound) {
			m.logger.Warn("delivered but could not remove fallback record",
				zap.String("domain", rec.Domain), zap.String("hash", rec.ContentHash), zap.Error(err))
		}
	}
	m.record(rec.Document, outcome)
	return outcome
}

func (m *Manager) deliver(
	ctx context.Context,
	doc crawler.Document,
	assignment crawler.DomainAssignment,
	redeliveries int,
) crawler.DeliveryOutcome {
	domain := assignment.Domain
	breaker := m.breakers.Get(m.sink.Name(), domain)
	logger := m.logger.With(zap.String("domain", domain), zap.String("url", doc.URL), zap.String("hash", doc.ContentHash))
	attempts := make([]crawler.DeliveryAttempt, 0, m.cfg.MaxRetries)
	park := func(reason string, cause error) crawler.DeliveryOutcome {
		return m.toFallback(ctx, doc, assignment, attempts, reason, cause, redeliveries)
	}

	var lastErr error
	for n := 1; n <= m.cfg.MaxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return park(fallback.ReasonCanceled, err)
		}
		if m.authFailed.Load() {
			return park(fallback.ReasonAuthFatal, ErrSinkAuth)
		}
		if !breaker.Allow() {
			attempts = append(attempts, crawler.DeliveryAttempt{
				Number: n,
				At:     m.run.Now(),
				Kind:   crawler.ErrorKindCircuitOpen,
				Error:  ErrCircuitOpen.Error(),
			})
			m.run.RecordAttempt(string(crawler.ErrorKindCircuitOpen))
			m.run.RecordShortCircuit()
			metrics.ObserveDeliveryAttempt(m.sink.Name(), domain, string(crawler.ErrorKindCircuitOpen))
			logger.Debug("circuit open, short-circuiting to fallback")
			return park(fallback.ReasonCircuitOpen, ErrCircuitOpen)
		}

		id, err := m.send(ctx, domain, doc)
		kind := Classify(err)
		attempt := crawler.DeliveryAttempt{
			Number:     n,
			At:         m.run.Now(),
			Succeeded:  err == nil,
			Kind:       kind,
			StatusCode: statusOf(err),
		}
		if err != nil {
			attempt.Error = err.Error()
		}
		m.run.RecordAttempt(string(kind))
		metrics.ObserveDeliveryAttempt(m.sink.Name(), domain, resultLabel(kind))

		switch kind {
		case crawler.ErrorKindNone:
			breaker.Success()
			attempts = append(attempts, attempt)
			return crawler.DeliveryOutcome{Kind: crawler.OutcomeDelivered, Domain: domain, ID: id, Attempts: attempts}
		case crawler.ErrorKindAuth:
			breaker.Neutral()
			attempts = append(attempts, attempt)
			m.markAuthFatal(err)
			return park(fallback.ReasonAuthFatal, err)
		case crawler.ErrorKindPermanent:
			breaker.Neutral()
			attempts = append(attempts, attempt)
			logger.Warn("sink rejected document", zap.Int("status", attempt.StatusCode), zap.Error(err))
			return crawler.DeliveryOutcome{Kind: crawler.OutcomeAbandoned, Domain: domain, Err: err, Attempts: attempts}
		case crawler.ErrorKindCanceled:
			breaker.Neutral()
			attempts = append(attempts, attempt)
			return park(fallback.ReasonCanceled, err)
		case crawler.ErrorKindRateLimited:
			breaker.Neutral()
		default:
			breaker.Failure()
		}
		lastErr = err

		if n == m.cfg.MaxRetries {
			attempts = append(attempts, attempt)
			break
		}
		wait := m.policy.Backoff(n)
		if hint := retryAfterOf(err); kind == crawler.ErrorKindRateLimited && hint > 0 {
			wait = hint
		}
		attempt.Wait = wait
		attempts = append(attempts, attempt)
		logger.Debug("delivery attempt failed, backing off",
			zap.Int("attempt", n), zap.String("kind", string(kind)), zap.Duration("wait", wait), zap.Error(err))
		if err := m.sleep(ctx, wait); err != nil {
			return park(fallback.ReasonCanceled, err)
		}
	}
	return park(fallback.ReasonRetriesExhausted, lastErr)
}

func (m *Manager) send(ctx context.Context, domain string, doc crawler.Document) (string, error) {
	if m.batcher != nil {
		return m.batcher.Submit(ctx, domain, doc)
	}
	var id string
	err := m.throttle.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		defer cancel()
		var putErr error
		id, putErr = m.sink.Put(callCtx, domain, doc)
		return putErr
	})
	return id, err
}

// toFallback persists the document locally. The write uses a context detached
// from ctx so it survives run cancellation, bounded by the grace period.
func (m *Manager) toFallback(
	ctx context.Context,
	doc crawler.Document,
	assignment crawler.DomainAssignment,
	attempts []crawler.DeliveryAttempt,
	reason string,
	cause error,
	redeliveries int,
) crawler.DeliveryOutcome {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.GracePeriod)
	defer cancel()

	rec := fallback.Record{
		ContentHash:  doc.ContentHash,
		Domain:       assignment.Domain,
		Sink:         m.sink.Name(),
		RunID:        m.run.ID,
		Reason:       reason,
		Document:     doc,
		Assignment:   assignment,
		Attempts:     attempts,
		Redeliveries: redeliveries,
	}
	loc, err := m.store.Put(writeCtx, rec)
	if err != nil {
		m.logger.Error("fallback write failed, abandoning document",
			zap.String("domain", assignment.Domain), zap.String("url", doc.URL), zap.Error(err))
		return crawler.DeliveryOutcome{
			Kind:     crawler.OutcomeAbandoned,
			Domain:   assignment.Domain,
			Err:      fmt.Errorf("persist fallback: %w", err),
			Attempts: attempts,
		}
	}
	return crawler.DeliveryOutcome{
		Kind:      crawler.OutcomeFallback,
		Domain:    assignment.Domain,
		LocalPath: loc,
		Err:       cause,
		Attempts:  attempts,
	}
}

func (m *Manager) markAuthFatal(err error) {
	m.authFailed.Store(true)
	m.authOnce.Do(func() {
		m.logger.Error("sink rejected credentials, routing remaining documents to fallback", zap.Error(err))
		m.run.SetFatal(fmt.Errorf("deliver to %s: %w", m.sink.Name(), ErrSinkAuth))
	})
}

func (m *Manager) record(doc crawler.Document, outcome crawler.DeliveryOutcome) {
	label := progress.OutcomeAbandoned
	location := outcome.LocalPath
	switch outcome.Kind {
	case crawler.OutcomeDelivered:
		label = progress.OutcomeDelivered
		location = outcome.ID
	case crawler.OutcomeFallback:
		label = progress.OutcomeFallback
	}
	metrics.ObserveOutcome(label)
	m.run.RecordDelivery(run.Delivery{
		Outcome:     label,
		Site:        metrics.SanitizeSite(doc.URL),
		URL:         doc.URL,
		Domain:      outcome.Domain,
		ContentHash: doc.ContentHash,
		Location:    location,
		Attempts:    len(outcome.Attempts),
		Reason:      lastKind(outcome.Attempts),
		Err:         outcome.Err,
	})
	fields := []zap.Field{
		zap.String("domain", outcome.Domain),
		zap.String("url", doc.URL),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("attempts", len(outcome.Attempts)),
	}
	if outcome.Err != nil {
		fields = append(fields, zap.Error(outcome.Err))
	}
	m.logger.Info("delivery finished", fields...)
}

func lastKind(attempts []crawler.DeliveryAttempt) string {
	if len(attempts) == 0 {
		return ""
	}
	return string(attempts[len(attempts)-1].Kind)
}

func resultLabel(kind crawler.ErrorKind) string {
	if kind == crawler.ErrorKindNone {
		return "success"
	}
	return string(kind)
}
