// Package cmd defines and implements the CLI commands for the knowledge-ingest
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/knowledge-ingest/internal/app"
	"github.com/JakeFAU/knowledge-ingest/internal/config"
	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
	"github.com/JakeFAU/knowledge-ingest/internal/logging"
	"github.com/JakeFAU/knowledge-ingest/internal/resolver"
)

// Exit codes returned by Execute.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// envKeyType is the key for storing the loaded environment in the context.
type envKeyType string

const envKey envKeyType = "env"

// env is what every subcommand receives from the root command: the flags that
// shape configuration and the logger built from them.
type env struct {
	configPath string
	overrides  map[string]any
	logger     *zap.Logger
}

// buildApp is the application factory. It's a variable so tests can swap it.
var buildApp = app.Build

type rootOptions struct {
	configPath string
	dev        bool
	mode       string
	logLevel   string
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "knowledge-ingest",
		Short: "Crawl sites and deliver their content to a knowledge store.",
		Long: `knowledge-ingest crawls seed URLs, turns every page into a markdown
document, tags it with knowledge domains and delivers it to a RAG API or a
local archive. Documents the API cannot take are parked in a fallback store
and can be re-delivered later.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before every subcommand: the config is loaded here once so flag
		// and validation errors surface before any work starts.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			overrides := make(map[string]any)
			if cmd.Flags().Changed("mode") {
				overrides["mode"] = opts.mode
			}
			if opts.dev {
				overrides["logging.development"] = true
			}
			if cmd.Flags().Changed("log-level") {
				overrides["logging.level"] = opts.logLevel
			}
			cfg, err := config.LoadWith(opts.configPath, overrides)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(context.WithValue(ctx, envKey, &env{
				configPath: opts.configPath,
				overrides:  overrides,
				logger:     logger,
			}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().BoolVar(&opts.dev, "dev", false, "use the development logger")
	cmd.PersistentFlags().StringVar(&opts.mode, "mode", config.ModeDev, "dev archives documents locally, prod posts them to the RAG API")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newRedeliverCmd())
	cmd.AddCommand(newFallbackCmd())
	return cmd
}

// resolveEnv loads the env stored by the root command.
func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("command environment not initialized")
	}
	return e, nil
}

// loadConfig reloads configuration with the subcommand's own overrides
// layered on the root's.
func (e *env) loadConfig(extra map[string]any) (config.Config, error) {
	merged := make(map[string]any, len(e.overrides)+len(extra))
	for k, v := range e.overrides {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return config.LoadWith(e.configPath, merged)
}

// closeApp shuts the application down even when ctx is already canceled.
func closeApp(ctx context.Context, a *app.App) {
	if err := a.Close(context.WithoutCancel(ctx)); err != nil {
		a.Logger().Warn("application close failed", zap.Error(err))
	}
}

// exitCode maps a command error to a process exit code.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailure
	}
}

// describe gives operators a hint for the errors they can act on.
func describe(err error) string {
	switch {
	case errors.Is(err, resolver.ErrInvalidInput):
		return "invalid input: check --url, --url-file or --use-default-urls"
	case errors.Is(err, config.ErrInvalidConfig):
		return "invalid configuration"
	case errors.Is(err, delivery.ErrSinkAuth):
		return "the sink rejected our credentials; undelivered documents are in the fallback store"
	default:
		return ""
	}
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if hint := describe(err); hint != "" {
			fmt.Fprintln(stderr, hint)
		}
	}
	return exitCode(err)
}

// Execute is the main entry point.
func Execute() {
	code := execute(os.Args[1:], os.Stdout, os.Stderr)
	_ = zap.L().Sync()
	os.Exit(code)
}
