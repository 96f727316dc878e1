package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/knowledge-ingest/internal/app"
	"github.com/JakeFAU/knowledge-ingest/internal/fallback"
)

// newFallbackCmd creates the 'fallback' command group.
func newFallbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fallback",
		Short: "Inspect the fallback store",
	}
	cmd.AddCommand(newFallbackListCmd())
	return cmd
}

func newFallbackListCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List parked documents per knowledge domain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := e.loadConfig(nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.OpenFallback(ctx, cfg, e.logger)
			if err != nil {
				return err
			}
			defer closeApp(ctx, a)

			records, err := a.Fallback().List(ctx, domain)
			if err != nil {
				return fmt.Errorf("list fallback records: %w", err)
			}
			return writeRecords(cmd.OutOrStdout(), records)
		},
	}
	cmd.Flags().StringVar(&domain, "domain", "", "only list records of this knowledge domain")
	return cmd
}

func writeRecords(out io.Writer, records []fallback.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(out, "fallback store is empty")
		return err
	}
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Domain,
			rec.ContentHash,
			rec.Document.URL,
			strconv.Itoa(len(rec.Attempts)),
			rec.Reason,
			rec.StoredAt.UTC().Format(time.RFC3339),
		})
	}
	md := markdown.NewMarkdown(out)
	md.Table(markdown.TableSet{
		Header: []string{"Domain", "Hash", "URL", "Attempts", "Reason", "Stored At"},
		Rows:   rows,
	})
	if err := md.Build(); err != nil {
		return fmt.Errorf("write fallback table: %w", err)
	}
	return nil
}
