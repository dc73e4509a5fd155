// Package api hosts the HTTP server, middleware, and REST handlers over the
// jobs service. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/tasks, /v1/crawls and /v1/credits for authenticated team access.
//   - POST /v1/admin/credits for operator grants.
package api
