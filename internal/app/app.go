// Package app builds and holds the long-lived services of one ingestion
// process, acting as its dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/classify"
	"github.com/JakeFAU/knowledge-ingest/internal/clock/system"
	"github.com/JakeFAU/knowledge-ingest/internal/config"
	"github.com/JakeFAU/knowledge-ingest/internal/content"
	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
	"github.com/JakeFAU/knowledge-ingest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/knowledge-ingest/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/knowledge-ingest/internal/fetcher/headless"
	"github.com/JakeFAU/knowledge-ingest/internal/headless/detector"
	idgen "github.com/JakeFAU/knowledge-ingest/internal/id/uuid"
	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
	"github.com/JakeFAU/knowledge-ingest/internal/pipeline"
	"github.com/JakeFAU/knowledge-ingest/internal/policy/simple"
	"github.com/JakeFAU/knowledge-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/knowledge-ingest/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/knowledge-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/knowledge-ingest/internal/run"
	"github.com/JakeFAU/knowledge-ingest/internal/sink/archive"
	"github.com/JakeFAU/knowledge-ingest/internal/sink/rag"
	"github.com/JakeFAU/knowledge-ingest/internal/storage"
	badgerstore "github.com/JakeFAU/knowledge-ingest/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/knowledge-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/knowledge-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/knowledge-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/knowledge-ingest/internal/storage/postgres"
	"github.com/JakeFAU/knowledge-ingest/internal/store"
)

const (
	pingTimeout     = 5 * time.Second
	headlessDefault = 2
)

// App contains the process's dependencies.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    crawler.Clock
	registry *prometheus.Registry

	hub       *progress.Hub
	sink      delivery.Sink
	fallback  fallback.Store
	ledger    *pgstore.LedgerStore
	publisher *gcppublisher.Publisher
	headless  *headlessfetcher.Fetcher
	closers   []io.Closer
	pipeline  *pipeline.Pipeline
}

// Build creates every dependency from cfg. On failure whatever was already
// opened is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{
		cfg:      cfg,
		logger:   logger,
		clock:    system.New(),
		registry: prometheus.NewRegistry(),
	}
	app.logger.Info("building application dependencies",
		zap.String("mode", cfg.Mode),
		zap.String("sink", cfg.Sink.Kind),
		zap.String("fallback", cfg.Fallback.Backend),
	)

	if err := app.build(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if closeErr := app.Close(closeCtx); closeErr != nil {
			app.logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return app, nil
}

// OpenFallback opens only the fallback store, for commands that inspect it
// without crawling. Close the returned App when done.
func OpenFallback(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New(), registry: prometheus.NewRegistry()}
	st, err := app.setupFallback(ctx)
	if err != nil {
		if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil {
			app.logger.Warn("cleanup after failed open", zap.Error(closeErr))
		}
		return nil, err
	}
	app.fallback = st
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	if a.fallback, err = a.setupFallback(ctx); err != nil {
		return err
	}
	if a.sink, err = a.setupSink(ctx); err != nil {
		return err
	}
	if err = a.setupLedger(ctx); err != nil {
		return err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return err
	}
	if err = a.setupProgress(ctx); err != nil {
		return err
	}
	fetch, err := a.setupFetcher()
	if err != nil {
		return err
	}
	processor, err := content.NewProcessor(content.Config{
		MinContentLength: a.cfg.Content.MinContentLength,
		MinQualityScore:  a.cfg.Content.MinQualityScore,
	}, content.NewRenderer(a.cfg.Content.Readability, a.logger), a.clock)
	if err != nil {
		return fmt.Errorf("content processor init failed: %w", err)
	}
	classifier, err := classify.New(classifierTable(a.cfg))
	if err != nil {
		return fmt.Errorf("classifier init failed: %w", err)
	}
	a.pipeline, err = pipeline.New(pipelineConfig(a.cfg), pipeline.Deps{
		Fetcher:    fetch,
		Processor:  processor,
		Classifier: classifier,
		Sink:       a.sink,
		Fallback:   a.fallback,
		Clock:      a.clock,
	})
	if err != nil {
		return fmt.Errorf("pipeline init failed: %w", err)
	}
	return nil
}

func (a *App) setupBlob(ctx context.Context, name string, cfg config.BlobConfig) (storage.BlobStore, error) {
	switch cfg.Backend {
	case config.BackendGCS:
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("%s gcs blob store init failed: %w", name, err)
		}
		a.closers = append(a.closers, blobs)
		a.logger.Info("using GCS storage backend", zap.String("store", name), zap.String("bucket", cfg.GCSBucket))
		return blobs, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory storage backend", zap.String("store", name))
		return memorystorage.NewBlobStore(), nil
	default:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, fmt.Errorf("%s local blob store init failed: %w", name, err)
		}
		a.logger.Info("using local storage backend", zap.String("store", name), zap.String("path", cfg.Dir))
		return blobs, nil
	}
}

func (a *App) setupFallback(ctx context.Context) (fallback.Store, error) {
	if a.cfg.Fallback.Backend == config.BackendBadger {
		st, err := badgerstore.Open(badgerstore.Config{Dir: a.cfg.Fallback.Dir}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("badger fallback store init failed: %w", err)
		}
		a.logger.Info("using badger fallback store", zap.String("path", a.cfg.Fallback.Dir))
		return st, nil
	}
	blobs, err := a.setupBlob(ctx, "fallback", a.cfg.Fallback)
	if err != nil {
		return nil, err
	}
	st, err := fallback.NewObjectStore(blobs)
	if err != nil {
		return nil, fmt.Errorf("fallback store init failed: %w", err)
	}
	return st, nil
}

func (a *App) setupSink(ctx context.Context) (delivery.Sink, error) {
	if a.cfg.Sink.Kind == config.SinkRAG {
		client, err := rag.New(rag.Config{
			BaseURL:   a.cfg.Sink.HTTP.BaseURL,
			APIKey:    a.cfg.Sink.HTTP.APIKey,
			UserAgent: a.cfg.Crawl.UserAgent,
		}, &http.Client{}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("rag sink init failed: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			a.logger.Warn("rag api health check failed", zap.String("base_url", a.cfg.Sink.HTTP.BaseURL), zap.Error(err))
		} else {
			a.logger.Info("rag api reachable", zap.String("base_url", a.cfg.Sink.HTTP.BaseURL))
		}
		return client, nil
	}
	blobs, err := a.setupBlob(ctx, "archive", a.cfg.Sink.Archive)
	if err != nil {
		return nil, err
	}
	sink, err := archive.New(blobs)
	if err != nil {
		return nil, fmt.Errorf("archive sink init failed: %w", err)
	}
	return sink, nil
}

func (a *App) setupLedger(ctx context.Context) error {
	if a.cfg.Ledger.DSN == "" {
		a.logger.Debug("no ledger DSN configured, outcome ledger disabled")
		return nil
	}
	ledger, err := pgstore.NewLedgerStore(ctx, pgstore.Config{DSN: a.cfg.Ledger.DSN})
	if err != nil {
		return fmt.Errorf("ledger store init failed: %w", err)
	}
	a.ledger = ledger
	if err := ledger.Migrate(ctx); err != nil {
		return fmt.Errorf("ledger migrate failed: %w", err)
	}
	a.logger.Info("outcome ledger initialized")
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Debug("no Pub/Sub topic configured, outcome notifications disabled")
		return nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("prometheus progress sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	}
	if a.ledger != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(a.ledger, a.logger.Named("progress_store")))
	}
	if a.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(a.publisher, a.logger.Named("progress_publish")))
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: context.WithoutCancel(ctx),
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
	a.logger.Debug("progress hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func (a *App) setupFetcher() (crawler.Fetcher, error) {
	mode, err := fetcher.ParseRenderMode(a.cfg.Crawl.RenderJS)
	if err != nil {
		return nil, fmt.Errorf("render mode: %w", err)
	}
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Crawl.UserAgent,
		RespectRobots: a.cfg.Crawl.RespectRobots,
		Timeout:       a.cfg.Crawl.FetchTimeout(),
	}, a.logger)
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Crawl.UserAgent),
		zap.Bool("respect_robots", a.cfg.Crawl.RespectRobots),
	)
	if mode == fetcher.RenderNever {
		return static, nil
	}

	parallel := a.cfg.Crawl.MaxWorkers
	if parallel <= 0 || parallel > headlessDefault {
		parallel = headlessDefault
	}
	a.headless, err = headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       parallel,
		UserAgent:         a.cfg.Crawl.UserAgent,
		NavigationTimeout: a.cfg.Crawl.NavigationTimeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	a.logger.Info("using headless fetcher", zap.String("render_js", string(mode)), zap.Int("max_parallel", parallel))

	var detect fetcher.Detector
	if mode == fetcher.RenderAuto {
		detect = detector.NewHeuristic(a.cfg.Content.MinContentLength)
	}
	router, err := fetcher.NewRouter(mode, static, a.headless, detect, a.logger)
	if err != nil {
		return nil, fmt.Errorf("fetch router init failed: %w", err)
	}
	return router, nil
}

func classifierTable(cfg config.Config) classify.Table {
	table := classify.Table{
		Threshold:     cfg.Classify.Threshold,
		DefaultDomain: cfg.Classify.DefaultDomain,
	}
	for _, name := range cfg.DomainNames() {
		d := cfg.Classify.Domains[name]
		table.Domains = append(table.Domains, classify.Domain{
			Name:      name,
			Keywords:  d.Keywords,
			Threshold: d.Threshold,
		})
	}
	return table
}

func pipelineConfig(cfg config.Config) pipeline.Config {
	backoff := crawler.RetryPolicyConfig{
		BaseDelay:      cfg.Delivery.BaseDelayDuration(),
		MaxDelay:       cfg.Delivery.MaxDelayDuration(),
		JitterFraction: cfg.Delivery.Jitter,
	}
	out := pipeline.Config{
		MaxWorkers:   cfg.Crawl.MaxWorkers,
		RateInterval: cfg.Crawl.RateInterval(),
		Crawl: crawler.SchedulerConfig{
			MaxDepth:        cfg.Crawl.MaxDepth,
			MaxPages:        cfg.Crawl.MaxPages,
			MaxFetchRetries: cfg.Crawl.MaxFetchRetries,
			FetchTimeout:    cfg.Crawl.FetchTimeout(),
			RenderJS:        cfg.Crawl.RenderJS == string(fetcher.RenderAlways),
			Backoff:         backoff,
			Policy:          simple.New(cfg.Crawl.BlockedDomains),
		},
		Delivery: delivery.Config{
			MaxRetries:     cfg.Delivery.MaxRetries,
			BaseDelay:      backoff.BaseDelay,
			MaxDelay:       backoff.MaxDelay,
			JitterFraction: backoff.JitterFraction,
			Timeout:        cfg.Delivery.CallTimeout(),
			GracePeriod:    cfg.Delivery.Grace(),
		},
		Breaker: delivery.BreakerConfig{
			FailureThreshold: cfg.Delivery.Circuit.FailureThreshold,
			Cooldown:         cfg.Delivery.Circuit.CooldownDuration(),
		},
	}
	if cfg.Delivery.Batch.Enabled {
		out.Batch = &delivery.BatchConfig{
			MaxSize: cfg.Delivery.Batch.MaxSize,
			Window:  cfg.Delivery.Batch.Window(),
			Timeout: cfg.Delivery.CallTimeout(),
		}
	}
	return out
}

// NewRun starts a run whose events flow into the progress hub.
func (a *App) NewRun() (*run.Run, error) {
	r, err := run.New(a.logger,
		run.WithEmitter(a.hub),
		run.WithClock(a.clock.Now),
		run.WithIDGenerator(idgen.New()),
	)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

// Ready reports whether the sink answers its health check. Sinks without one
// are always ready.
func (a *App) Ready(ctx context.Context) error {
	pinger, ok := a.sink.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := pinger.Ping(pingCtx); err != nil {
		return fmt.Errorf("sink not ready: %w", err)
	}
	return nil
}

// Config returns the configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline returns the ingestion pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Fallback returns the fallback store.
func (a *App) Fallback() fallback.Store {
	return a.fallback
}

// Ledger returns the outcome ledger, or nil when none is configured.
func (a *App) Ledger() store.LedgerRepository {
	if a.ledger == nil {
		return nil
	}
	return a.ledger
}

// Gatherer exposes the app-private registry (progress metrics).
func (a *App) Gatherer() prometheus.Gatherer {
	return a.registry
}

// Close flushes the progress hub and releases every client.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		// The hub closes its sinks, the Pub/Sub publisher included.
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	} else if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub publisher: %w", err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	if a.fallback != nil {
		if err := a.fallback.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fallback store: %w", err))
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close blob store: %w", err))
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
