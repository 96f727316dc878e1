// Package api hosts the admin HTTP server, middleware, and read-only REST
// handlers for operators watching a run. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/summary and /v1/circuits for live counters and breaker state.
//   - GET /v1/runs/{run_id} and /v1/runs/{run_id}/outcomes backed by the
//     LedgerRepository interface.
package api
