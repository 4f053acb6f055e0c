// Command readability-server converts web pages to their readable article text over HTTP.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /proxy, /text, /html, /non-content-html and /all,
//     each taking ?url= and an optional ?force=, plus health, readiness, metrics and pool stats.
//   - Conversion: internal/convert fetches the page with the Colly fetcher, archives the raw HTML
//     (memory, local disk or GCS), runs the extractor in the worker pool, then records the attempt
//     in Postgres and announces successes on Pub/Sub when those are configured.
//   - Worker pool: internal/dispatcher keeps pool.size worker processes alive. Each one is this
//     binary re-executed with the hidden "worker" subcommand, speaking newline-delimited JSON over
//     stdin/stdout. A task that exceeds pool.task_timeout gets its worker killed and replaced.
//   - Configuration & plumbing: Viper reads config.yaml and READABILITY_* env vars (PORT is
//     honored); zap logs; Prometheus metrics at /metrics; OpenTelemetry propagation through HTTP
//     and Pub/Sub.
//
// Shutdown: on SIGINT/SIGTERM the HTTP server drains first, then the pool rejects queued tasks,
// waits pool.shutdown_grace for running ones and stops its workers.
//
// Quick checklist:
//   - Run locally: go run ./cmd/readability-server --config config.yaml
//   - Convert: curl 'localhost:7323/text?url=https://example.com/story'
package main
