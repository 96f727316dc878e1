package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/knowledge-ingest/internal/progress"
)

const unlabeled = "none"

// PrometheusSink turns the progress stream into run, page and document
// metrics.
type PrometheusSink struct {
	runs        *prometheus.CounterVec
	activeRuns  prometheus.Gauge
	runDuration prometheus.Histogram

	pages       *prometheus.CounterVec
	pageBytes   *prometheus.CounterVec
	pageLatency *prometheus.HistogramVec

	documents  *prometheus.CounterVec
	rejections *prometheus.CounterVec
	attempts   *prometheus.HistogramVec

	mu     sync.Mutex
	active map[[16]byte]struct{}
}

// NewPrometheusSink registers the sink's collectors with reg, or with the
// default registerer when reg is nil.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Run lifecycle transitions by state (started, done, error).",
		}, []string{"state"}),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_runs_active",
			Help: "Runs that started and have not finished.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Wall time of finished runs.",
			Buckets: prometheus.ExponentialBuckets(5, 2, 10),
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_pages_fetched_total",
			Help: "Fetched pages by site and status class.",
		}, []string{"site", "status_class"}),
		pageBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_page_bytes_total",
			Help: "Response bytes downloaded by site.",
		}, []string{"site"}),
		pageLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_page_fetch_seconds",
			Help:    "Page fetch latency by status class.",
			Buckets: prometheus.ExponentialBuckets(0.025, 2, 10),
		}, []string{"status_class"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_documents_total",
			Help: "Terminal document outcomes by outcome and knowledge domain.",
		}, []string{"outcome", "domain"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_rejections_total",
			Help: "Pages dropped before delivery by reason.",
		}, []string{"reason"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ingest_delivery_attempts",
			Help:    "Delivery attempts spent per assignment by outcome.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}, []string{"outcome"}),
		active: make(map[[16]byte]struct{}),
	}
	collectors := []prometheus.Collector{
		s.runs, s.activeRuns, s.runDuration,
		s.pages, s.pageBytes, s.pageLatency,
		s.documents, s.rejections, s.attempts,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runStarted(evt.RunID)
		case progress.StageRunDone:
			s.runFinished(evt, "done")
		case progress.StageRunError:
			s.runFinished(evt, "error")
		case progress.StageFetchDone:
			s.pageFetched(evt)
		case progress.StageOutcome:
			s.outcome(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) runStarted(id [16]byte) {
	s.runs.WithLabelValues("started").Inc()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		s.active[id] = struct{}{}
		s.activeRuns.Inc()
	}
}

func (s *PrometheusSink) runFinished(evt progress.Event, state string) {
	s.runs.WithLabelValues(state).Inc()
	if evt.Dur > 0 {
		s.runDuration.Observe(evt.Dur.Seconds())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[evt.RunID]; ok {
		delete(s.active, evt.RunID)
		s.activeRuns.Dec()
	}
}

func (s *PrometheusSink) pageFetched(evt progress.Event) {
	site := orLabel(evt.Site, "unknown")
	class := orLabel(string(evt.StatusClass), string(progress.StatusOther))
	s.pages.WithLabelValues(site, class).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.pageLatency.WithLabelValues(class).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) outcome(evt progress.Event) {
	s.documents.WithLabelValues(evt.Outcome, orLabel(evt.Domain, unlabeled)).Inc()
	switch evt.Outcome {
	case progress.OutcomeRejected:
		s.rejections.WithLabelValues(orLabel(evt.Reason, unlabeled)).Inc()
	case progress.OutcomeDelivered, progress.OutcomeFallback, progress.OutcomeAbandoned:
		if evt.Attempts > 0 {
			s.attempts.WithLabelValues(evt.Outcome).Observe(float64(evt.Attempts))
		}
	}
}

// Close is a no-op; the collectors stay registered.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

func orLabel(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
