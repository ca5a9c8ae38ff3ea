// Package api hosts the HTTP server, middleware, and REST handlers for the
// match run service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs for idempotent run submission.
//   - GET /v1/runs/{run_id} for cached, rate-limited status polling.
//   - GET /v1/runs/{run_id}/debug for uncached operator inspection.
package api
