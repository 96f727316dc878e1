// Package main hosts the knowledge-ingest entrypoint.
//
// Architecture overview:
//   - Resolver: seeds from --url, --url-file and the configured default list are normalized and deduplicated
//     before anything is fetched. An empty or malformed seed list fails the run up front.
//   - Crawl: a breadth-first scheduler fetches pages through the Colly fetcher, optionally promoting to a
//     Chromedp render (render_js=always|auto). A per-host rate limiter spaces requests to one host and a shared
//     semaphore bounds in-flight work across fetches and deliveries.
//   - Content: pages become markdown documents with metadata and a content hash; too-short, duplicate and
//     low-quality pages are rejected and counted.
//   - Classification: every document is tagged with one or more knowledge domains by keyword density, falling
//     back to the default domain.
//   - Delivery: each (document, domain) assignment goes to the RAG API or the local/GCS archive with capped
//     exponential backoff, a circuit breaker per (sink, domain) and Retry-After handling. Anything that cannot be
//     delivered is parked in the fallback store (files, badger or GCS) for the redeliver command.
//   - Plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus metrics and the
//     run summary are exposed by the optional admin API; progress events fan out to logs, metrics, the Postgres
//     outcome ledger and Pub/Sub.
//
// Operational notes:
//   - SIGINT/SIGTERM cancel the run; in-flight documents are parked in the fallback store within the grace period
//     and the process exits with status 130.
//   - A 401/403 from the sink stops further delivery attempts for the rest of the run; the crawl continues and
//     every later document goes straight to the fallback store. The process exits non-zero.
//
// Quick checklist:
//   - Configure env vars: INGEST_MODE (or SCRAPER_MODE), INGEST_SINK_HTTP_BASE_URL, INGEST_SINK_HTTP_API_KEY (or
//     RAG_API_KEY), INGEST_CRAWL_MAX_WORKERS, INGEST_FALLBACK_BACKEND, INGEST_LEDGER_DSN and pubsub settings when
//     those integrations are wanted.
//   - Run locally: go run . run --url https://example.com --report report.md
package main

import "github.com/JakeFAU/knowledge-ingest/cmd"

func main() {
	cmd.Execute()
}
