// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /proxy, /text, /html, /non-content-html and /all convert the page named by ?url.
//   - GET /healthz / readyz for Kubernetes probes; readyz fails while no worker is live.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/pool for a snapshot of the worker pool.
package api
