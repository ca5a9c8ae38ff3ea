// Package main hosts the match run service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, submission, and
//     status endpoints. Submitted URLs are reduced to a canonical key and
//     persisted via the RunStore; submission is idempotent per active key.
//   - Run store: internal/store holds the durable run rows and implements the
//     lease-based claim protocol. The Postgres store claims with a single
//     UPDATE over a FOR UPDATE SKIP LOCKED subselect; the memory store mirrors
//     the same semantics for development and tests.
//   - Workers: a fixed pool of internal/worker.Worker loops tick on an
//     interval, claim eligible runs, and drive them through the resolve,
//     extract, parse, match, and finalize stages, heartbeating the lease at
//     each stage boundary. A worker that loses its lease abandons the run
//     without writing.
//   - Collaborators: internal/enrich and internal/match call the external
//     enrichment and match producer services over HTTP.
//   - Status reads: a short-TTL cache (memory or Redis) absorbs polling
//     traffic, and a per-(run, client) token bucket rejects stampedes with
//     HTTP 429 and a Retry-After hint.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported via the
//     /metrics handler. Shutdown is coordinated via context cancellation from
//     main through the worker pool and HTTP server.
package main
