// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/archive for the current archive document.
//   - POST /v1/runs to trigger a run, GET /v1/runs/last for the latest summary.
package api
