package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// newRedeliverCmd creates the 'redeliver' subcommand.
func newRedeliverCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "redeliver",
		Short: "Re-deliver documents parked in the fallback store",
		Long: `Pushes every fallback record (or those of one --domain) through the
configured sink again. Delivered records are removed from the store; the rest
keep their attempt history for the next try.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := e.loadConfig(nil)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg, e.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer closeApp(ctx, a)

			r, err := a.NewRun()
			if err != nil {
				return err
			}
			result, summary, runErr := a.Pipeline().Redeliver(ctx, r, domain)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "redelivery %s: considered %d, delivered %d, remaining %d, abandoned %d\n",
				summary.RunID, result.Considered, result.Delivered, result.Remaining, result.Abandoned)
			if summary.FatalError != "" {
				fmt.Fprintf(out, "  fatal: %s\n", summary.FatalError)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only re-deliver records of this knowledge domain")
	return cmd
}
