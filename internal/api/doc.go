// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/analyze to score one URL synchronously.
//   - GET /v1/results?url=... for the last persisted result of a URL.
package api
