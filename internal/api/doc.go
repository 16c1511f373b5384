// Package api hosts the admin HTTP server for operator access. Routes:
//   - GET /healthz and /readyz for liveness and store-backed readiness.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for a snapshot of the current run: queue depth and the
//     per-(source, status) completion table.
package api
