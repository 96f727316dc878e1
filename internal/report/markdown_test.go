package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/knowledge-ingest/internal/delivery"
	"github.com/JakeFAU/knowledge-ingest/internal/run"
)

func sampleSummary() run.Summary {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return run.Summary{
		RunID:            "0190f5d2-0000-7000-8000-000000000001",
		StartedAt:        start,
		FinishedAt:       start.Add(90 * time.Second),
		Duration:         90 * time.Second,
		Resolved:         2,
		Scheduled:        5,
		Fetched:          6,
		FetchRetries:     1,
		Failed:           1,
		RejectedDup:      1,
		Documents:        3,
		Assignments:      4,
		Delivered:        3,
		Fallback:         1,
		DeliveryAttempts: 6,
		RateLimited:      1,
	}
}

func TestWriteMarkdown(t *testing.T) {
	t.Parallel()

	t.Run("writes header and tables", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		err := WriteMarkdown(&buf, Report{
			Sink:    "rag",
			Summary: sampleSummary(),
			Circuits: []delivery.CircuitSnapshot{
				{Sink: "rag", Domain: "water", State: delivery.StateOpen, Failures: 5},
			},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out := buf.String()
		for _, want := range []string{
			"# Ingestion Run Report",
			"0190f5d2-0000-7000-8000-000000000001",
			"## Crawl",
			"## Delivery",
			"| Fallback",
			"mermaid",
			"| rag",
			"open",
			"redeliver",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("expected report to contain %q\n%s", want, out)
			}
		}
	})

	t.Run("fatal error is called out", func(t *testing.T) {
		t.Parallel()
		s := sampleSummary()
		s.FatalError = "deliver to rag: sink authentication failed"
		var buf bytes.Buffer
		if err := WriteMarkdown(&buf, Report{Title: "Nightly", Summary: s}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		out := buf.String()
		if !strings.Contains(out, "# Nightly") {
			t.Error("expected custom title")
		}
		if !strings.Contains(out, "[!CAUTION]") {
			t.Error("expected caution alert for fatal error")
		}
		if !strings.Contains(out, "No sink calls were made.") {
			t.Error("expected empty circuits note")
		}
	})

	t.Run("empty run has no chart", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		if err := WriteMarkdown(&buf, Report{Summary: run.Summary{RunID: "x"}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if strings.Contains(buf.String(), "mermaid") {
			t.Error("did not expect a chart without outcomes")
		}
	})
}
