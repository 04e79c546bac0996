// Package api hosts the HTTP control surface for a running crawl. Routes:
//   - GET /healthz for liveness probes and GET /metrics for Prometheus.
//   - GET /v1/status, POST /v1/queue, POST /v1/pause and POST /v1/resume.
//   - PUT /v1/max-request and DELETE /v1/cache.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/sites backed by
//     store.ProgressRepository.
package api
