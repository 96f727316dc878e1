package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/api"
	"github.com/JakeFAU/knowledge-ingest/internal/app"
	"github.com/JakeFAU/knowledge-ingest/internal/metrics"
	"github.com/JakeFAU/knowledge-ingest/internal/report"
	"github.com/JakeFAU/knowledge-ingest/internal/resolver"
	"github.com/JakeFAU/knowledge-ingest/internal/run"
)

type runOptions struct {
	urls           []string
	urlFile        string
	useDefaultURLs bool
	maxWorkers     int
	maxDepth       int
	maxPages       int
	rateLimit      float64
	timeout        int
	renderJS       string
	batch          bool
	reportPath     string
	adminAddr      string
}

// overrides returns the config keys set explicitly on the command line.
func (o *runOptions) overrides(cmd *cobra.Command) map[string]any {
	out := make(map[string]any)
	set := func(flag, key string, val any) {
		if cmd.Flags().Changed(flag) {
			out[key] = val
		}
	}
	set("max-workers", "crawl.max_workers", o.maxWorkers)
	set("max-depth", "crawl.max_depth", o.maxDepth)
	set("max-pages", "crawl.max_pages", o.maxPages)
	set("rate-limit", "crawl.rate_limit", o.rateLimit)
	set("timeout", "crawl.timeout", o.timeout)
	set("render-js", "crawl.render_js", o.renderJS)
	set("batch", "delivery.batch.enabled", o.batch)
	set("admin-addr", "admin.addr", o.adminAddr)
	return out
}

// newRunCmd creates the 'run' subcommand, which crawls the seeds and delivers
// every document.
func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Crawl seed URLs and deliver their documents",
		Long: `Resolves seed URLs from --url, --url-file and --use-default-urls, crawls
them breadth-first and delivers every accepted document to the configured sink.
Documents the sink cannot take are written to the fallback store.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runIngest(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&opts.urls, "url", "u", nil, "seed URL (repeatable or comma-separated)")
	f.StringVar(&opts.urlFile, "url-file", "", "file with seed URLs (one per line, or a YAML/JSON list)")
	f.BoolVar(&opts.useDefaultURLs, "use-default-urls", false, "add sources.default_urls to the seeds")
	f.IntVar(&opts.maxWorkers, "max-workers", 0, "maximum concurrent fetches and deliveries")
	f.IntVar(&opts.maxDepth, "max-depth", 0, "maximum link depth from a seed")
	f.IntVar(&opts.maxPages, "max-pages", 0, "maximum fetched pages per run (0 = unlimited)")
	f.Float64Var(&opts.rateLimit, "rate-limit", 0, "seconds between requests to one host")
	f.IntVar(&opts.timeout, "timeout", 0, "fetch timeout in seconds")
	f.StringVar(&opts.renderJS, "render-js", "", "JavaScript rendering: never, always or auto")
	f.BoolVar(&opts.batch, "batch", false, "deliver documents in batches")
	f.StringVar(&opts.reportPath, "report", "", "write a markdown run report to this path")
	f.StringVar(&opts.adminAddr, "admin-addr", "", "serve the admin API on this address while running")
	return cmd
}

func runIngest(cmd *cobra.Command, opts *runOptions) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	cfg, err := e.loadConfig(opts.overrides(cmd))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var sources []resolver.Source
	if len(opts.urls) > 0 {
		sources = append(sources, resolver.Literal{Label: "--url", List: opts.urls})
	}
	if opts.urlFile != "" {
		sources = append(sources, resolver.File{Path: opts.urlFile})
	}
	if opts.useDefaultURLs {
		sources = append(sources, resolver.Literal{Label: "default urls", List: cfg.Sources.DefaultURLs})
	}
	seeds, err := resolver.New(e.logger).Resolve(ctx, sources...)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, e.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer closeApp(ctx, a)

	r, err := a.NewRun()
	if err != nil {
		return err
	}

	stopAdmin := startAdmin(ctx, a, r)
	summary, runErr := a.Pipeline().Run(ctx, r, seeds)
	stopAdmin()

	printSummary(cmd.OutOrStdout(), summary)
	if opts.reportPath != "" {
		rep := report.Report{
			Sink:     cfg.Sink.Kind,
			Summary:  summary,
			Circuits: a.Pipeline().Breakers().Snapshot(),
		}
		if err := writeReport(opts.reportPath, rep); err != nil {
			return errors.Join(runErr, err)
		}
		e.logger.Info("run report written", zap.String("path", opts.reportPath))
	}
	return runErr
}

// startAdmin serves the admin API for the lifetime of the run when an address
// is configured. The returned func stops it and waits for the shutdown.
func startAdmin(ctx context.Context, a *app.App, r *run.Run) func() {
	cfg := a.Config()
	if cfg.Admin.Addr == "" {
		return func() {}
	}
	server := api.NewServer(api.Options{
		Run:      r,
		Circuits: a.Pipeline().Breakers(),
		Ledger:   a.Ledger(),
		Ready:    a.Ready,
		Metrics:  metrics.Handler(a.Gatherer()),
		APIKey:   cfg.Admin.APIKey,
		Logger:   a.Logger().Named("api"),
	})
	adminCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := server.ListenAndServe(adminCtx, cfg.Admin.Addr); err != nil {
			a.Logger().Error("admin server error", zap.Error(err))
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func printSummary(out io.Writer, s run.Summary) {
	fmt.Fprintf(out, "run %s finished in %s\n", s.RunID, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(out, "  seeds %d, scheduled %d, fetched %d, failed %d\n",
		s.Resolved, s.Scheduled, s.Fetched, s.Failed)
	fmt.Fprintf(out, "  documents %d, rejected %d (too short %d, duplicate %d, low quality %d)\n",
		s.Documents, s.Rejected(), s.RejectedTooShort, s.RejectedDup, s.RejectedQuality)
	fmt.Fprintf(out, "  assignments %d, delivered %d, fallback %d, abandoned %d\n",
		s.Assignments, s.Delivered, s.Fallback, s.Abandoned)
	fmt.Fprintf(out, "  delivery attempts %d, rate limited %d, short-circuited %d\n",
		s.DeliveryAttempts, s.RateLimited, s.ShortCircuited)
	if s.FatalError != "" {
		fmt.Fprintf(out, "  fatal: %s\n", s.FatalError)
	}
}

func writeReport(path string, rep report.Report) (err error) {
	f, err := os.Create(path) //nolint:gosec // Report path is chosen by the operator
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close report: %w", cerr)
		}
	}()
	return report.WriteMarkdown(f, rep)
}
