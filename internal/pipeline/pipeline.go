// Package pipeline wires the crawl scheduler, content processor, classifier
// and delivery manager into one ingestion run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/knowledge-ingest/internal/classify"
	"github.com/JakeFAU/knowledge-ingest/internal/content"
	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
	"github.com/JakeFAU/knowledge-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/knowledge-ingest/internal/run"
)

// Config groups the knobs for every stage.
type Config struct {
	MaxWorkers   int
	RateInterval time.Duration
	Crawl        crawler.SchedulerConfig
	Delivery     delivery.Config
	Breaker      delivery.BreakerConfig
	// Batch enables grouped sink calls when non-nil.
	Batch *delivery.BatchConfig
}

// Deps are the stage collaborators. Clock may be nil.
type Deps struct {
	Fetcher    crawler.Fetcher
	Processor  *content.Processor
	Classifier *classify.Classifier
	Sink       delivery.Sink
	Fallback   fallback.Store
	Clock      crawler.Clock
}

// Pipeline runs ingestion. One Pipeline serves one run; the processor's
// duplicate set and the breaker registry live for its lifetime.
type Pipeline struct {
	cfg      Config
	deps     Deps
	breakers *delivery.Registry
}

// New validates the wiring.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("pipeline requires a fetcher")
	case deps.Processor == nil:
		return nil, errors.New("pipeline requires a content processor")
	case deps.Classifier == nil:
		return nil, errors.New("pipeline requires a classifier")
	case deps.Sink == nil:
		return nil, errors.New("pipeline requires a sink")
	case deps.Fallback == nil:
		return nil, errors.New("pipeline requires a fallback store")
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	cfg.Crawl.MaxWorkers = cfg.MaxWorkers
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		breakers: delivery.NewRegistry(cfg.Breaker, deps.Clock),
	}, nil
}

// Breakers exposes circuit state for the admin API.
func (p *Pipeline) Breakers() *delivery.Registry {
	return p.breakers
}

// Run crawls from seeds and delivers every accepted document. It always
// returns the run summary. The error is the run-fatal error (a wrapped
// delivery.ErrSinkAuth) or the cancellation cause; component failures are
// only counted.
func (p *Pipeline) Run(ctx context.Context, r *run.Run, seeds []string) (run.Summary, error) {
	if r == nil {
		return run.Summary{}, run.ErrNilRun
	}
	logger := r.Logger().Named("pipeline")
	r.RecordResolved(len(seeds))

	throttle := crawler.NewThrottle(p.cfg.MaxWorkers)
	manager, batcher, err := p.newManager(ctx, r, throttle)
	if err != nil {
		return r.Finish(err), err
	}

	pool, err := ants.NewPool(p.cfg.MaxWorkers, ants.WithLogger(antsLogger{logger}))
	if err != nil {
		err = fmt.Errorf("create delivery pool: %w", err)
		return r.Finish(err), err
	}
	defer pool.Release()

	scheduler, err := crawler.NewScheduler(
		p.cfg.Crawl,
		p.deps.Fetcher,
		ratelimit.New(ratelimit.Config{Interval: p.cfg.RateInterval}),
		throttle,
		r,
	)
	if err != nil {
		return r.Finish(err), err
	}

	var deliveries sync.WaitGroup
	handle := func(ctx context.Context, task crawler.URLTask, page crawler.RawPage) {
		doc, ok := p.process(r, task, page)
		if !ok {
			return
		}
		assignments := p.deps.Classifier.Classify(doc)
		r.RecordDocument(len(assignments), len(assignments) == 1 && assignments[0].Default)
		for _, assignment := range assignments {
			deliveries.Add(1)
			job := func() {
				defer deliveries.Done()
				manager.Deliver(ctx, doc, assignment)
			}
			if err := pool.Submit(job); err != nil {
				logger.Warn("delivery pool rejected task, delivering inline", zap.Error(err))
				job()
			}
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		return scheduler.Run(ctx, seeds, handle)
	})
	crawlErr := g.Wait()
	deliveries.Wait()
	if batcher != nil {
		batcher.Close()
	}

	runErr := r.Fatal()
	if runErr == nil && crawlErr != nil {
		runErr = crawlErr
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("run interrupted: %w", ctx.Err())
	}
	summary := r.Finish(runErr)
	logger.Info("run finished",
		zap.Int64("documents", summary.Documents),
		zap.Int64("delivered", summary.Delivered),
		zap.Int64("fallback", summary.Fallback),
		zap.Int64("abandoned", summary.Abandoned),
		zap.Int64("failed", summary.Failed),
		zap.Int64("rejected", summary.Rejected()),
		zap.Duration("duration", summary.Duration),
	)
	return summary, runErr
}

// process turns a page into an accepted document, recording rejections.
func (p *Pipeline) process(r *run.Run, task crawler.URLTask, page crawler.RawPage) (crawler.Document, bool) {
	site := crawler.HostOf(task.URL)
	res, err := p.deps.Processor.Process(page)
	if err != nil {
		metrics.ObserveDocument("error")
		r.RecordFailed(site, task.URL, err)
		return crawler.Document{}, false
	}
	if !res.Accepted() {
		metrics.ObserveDocument(string(res.Rejected))
		r.RecordRejected(site, task.URL, string(res.Rejected), res.Document.ContentHash)
		r.Logger().Debug("page rejected",
			zap.String("url", task.URL), zap.String("reason", string(res.Rejected)))
		return crawler.Document{}, false
	}
	metrics.ObserveDocument("accepted")
	return res.Document, true
}

func (p *Pipeline) newManager(ctx context.Context, r *run.Run, throttle *crawler.Throttle) (*delivery.Manager, *delivery.Batcher, error) {
	var opts []delivery.Option
	var batcher *delivery.Batcher
	if p.cfg.Batch != nil {
		batchCfg := *p.cfg.Batch
		if batchCfg.Timeout <= 0 {
			batchCfg.Timeout = p.cfg.Delivery.Timeout
		}
		var err error
		batcher, err = delivery.NewBatcher(ctx, p.deps.Sink, batchCfg, throttle, r.Logger())
		if err != nil {
			return nil, nil, fmt.Errorf("create batcher: %w", err)
		}
		opts = append(opts, delivery.WithBatcher(batcher))
	}
	manager, err := delivery.NewManager(p.cfg.Delivery, p.deps.Sink, p.deps.Fallback, p.breakers, throttle, r, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create delivery manager: %w", err)
	}
	return manager, batcher, nil
}

// antsLogger routes pool diagnostics through zap.
type antsLogger struct {
	logger *zap.Logger
}

func (l antsLogger) Printf(format string, args ...any) {
	l.logger.Sugar().Debugf(format, args...)
}
