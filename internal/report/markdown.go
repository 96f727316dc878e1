// Package report renders a finished run as a human-readable document.
package report

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nao1215/markdown"
	"github.com/nao1215/markdown/mermaid/piechart"

	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
	"github.com/JakeFAU/knowledge-ingest/internal/run"
)

// Report is everything the writers need about one run.
type Report struct {
	Title    string
	Sink     string
	Summary  run.Summary
	Circuits []delivery.CircuitSnapshot
}

// WriteMarkdown renders r as GitHub-flavored markdown.
func WriteMarkdown(out io.Writer, r Report) error {
	md := markdown.NewMarkdown(out)
	title := r.Title
	if title == "" {
		title = "Ingestion Run Report"
	}
	s := r.Summary

	md.H1(title)
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Property", "Value"},
		Rows: [][]string{
			{"Run ID", "`" + s.RunID + "`"},
			{"Started", formatTime(s.StartedAt)},
			{"Finished", formatTime(s.FinishedAt)},
			{"Duration", s.Duration.Round(time.Millisecond).String()},
			{"Sink", r.Sink},
			{"Status", status(s)},
		},
	})
	md.PlainText("")

	writeCrawl(md, s)
	writeDelivery(md, s)
	writeCircuits(md, r.Circuits)
	writeAlert(md, s)

	if err := md.Build(); err != nil {
		return fmt.Errorf("write markdown report: %w", err)
	}
	return nil
}

func writeCrawl(md *markdown.Markdown, s run.Summary) {
	md.H2("Crawl")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Stage", "Count"},
		Rows: [][]string{
			{"Seed URLs", itoa(s.Resolved)},
			{"Scheduled", itoa(s.Scheduled)},
			{"Fetch calls", itoa(s.Fetched)},
			{"Fetch retries", itoa(s.FetchRetries)},
			{"Failed", itoa(s.Failed)},
			{"Rejected (too short)", itoa(s.RejectedTooShort)},
			{"Rejected (duplicate)", itoa(s.RejectedDup)},
			{"Rejected (low quality)", itoa(s.RejectedQuality)},
			{"Documents", itoa(s.Documents)},
			{"Domain assignments", itoa(s.Assignments)},
			{"Default-domain documents", itoa(s.DefaultAssigned)},
		},
	})
	md.PlainText("")
}

func writeDelivery(md *markdown.Markdown, s run.Summary) {
	md.H2("Delivery")
	md.PlainText("")
	md.Table(markdown.TableSet{
		Header: []string{"Outcome", "Count"},
		Rows: [][]string{
			{"Delivered", itoa(s.Delivered)},
			{"Fallback", itoa(s.Fallback)},
			{"Abandoned", itoa(s.Abandoned)},
			{"Attempts", itoa(s.DeliveryAttempts)},
			{"Rate limited", itoa(s.RateLimited)},
			{"Short-circuited", itoa(s.ShortCircuited)},
			{"**Terminal outcomes**", "**" + itoa(s.Terminal()) + "**"},
		},
	})
	md.PlainText("")

	if s.Delivered+s.Fallback+s.Abandoned == 0 {
		return
	}
	chart := piechart.NewPieChart(
		io.Discard,
		piechart.WithTitle("Delivery Outcomes"),
		piechart.WithShowData(true),
	)
	if s.Delivered > 0 {
		chart.LabelAndIntValue("Delivered", uint64(s.Delivered))
	}
	if s.Fallback > 0 {
		chart.LabelAndIntValue("Fallback", uint64(s.Fallback))
	}
	if s.Abandoned > 0 {
		chart.LabelAndIntValue("Abandoned", uint64(s.Abandoned))
	}
	md.CodeBlocks(markdown.SyntaxHighlightMermaid, chart.String())
	md.PlainText("")
}

func writeCircuits(md *markdown.Markdown, circuits []delivery.CircuitSnapshot) {
	md.H2("Circuits")
	md.PlainText("")
	if len(circuits) == 0 {
		md.PlainText("No sink calls were made.")
		md.PlainText("")
		return
	}
	rows := make([][]string, 0, len(circuits))
	for _, c := range circuits {
		rows = append(rows, []string{c.Sink, c.Domain, c.State.String(), strconv.Itoa(c.Failures)})
	}
	md.Table(markdown.TableSet{
		Header: []string{"Sink", "Domain", "State", "Consecutive failures"},
		Rows:   rows,
	})
	md.PlainText("")
}

func writeAlert(md *markdown.Markdown, s run.Summary) {
	switch {
	case s.FatalError != "":
		md.Cautionf("Run ended with a fatal error: %s", s.FatalError)
	case s.Abandoned > 0:
		md.Warningf("%d delivery(ies) were abandoned and are not in the fallback store.", s.Abandoned)
	case s.Fallback > 0:
		md.Importantf("%d delivery(ies) are parked in the fallback store; run `redeliver` to retry them.", s.Fallback)
	default:
		md.Tip("Every document reached the sink.")
	}
	md.PlainText("")
}

func status(s run.Summary) string {
	if s.FatalError != "" {
		return "Error - " + s.FatalError
	}
	return "Complete"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 MST")
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
