// Package api hosts the read-only HTTP query surface used by reporting
// collaborators. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/tasks, /v1/tasks/{task_id} and /v1/tasks/{task_id}/results for task state.
//   - GET /v1/tasks/summary and /v1/tasks/dead for run health.
//   - GET /v1/content/{hash} and /v1/plans for content and plan metadata.
package api
