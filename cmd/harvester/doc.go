// Package main hosts the long-running harvester service.
//
// Architecture overview:
//   - Plan: `harvester plan` (or any process sharing the same Postgres database) persists one task per
//     (endpoint, date bucket, variant). Task ids are content-derived, so re-planning never duplicates work.
//   - Workers: worker.count workers claim tasks in batches with a time-bounded lease, page through the remote
//     data API with the colly-based fetcher and commit each page in the same transaction that checks the lease.
//     A shared semaphore caps in-flight requests for the whole process; an optional token bucket paces them.
//   - Recovery: the reaper returns expired leases to PENDING on lease.reap_interval, and claiming itself reaps
//     first, so a crashed worker's task is retried by the next claimer. Tasks that exhaust lease.retry_budget
//     stay FAILED.
//   - Content: page payloads are normalized, hashed and stored once; identical pages only bump a reference count.
//     The uploader gzips pending records into GCS (or a local directory) and publishes a Pub/Sub notification.
//   - Query API: chi serves /healthz, /readyz, /metrics and read-only /v1 endpoints for tasks, results, content
//     and plan versions.
//
// Quick checklist:
//   - Configure HARVESTER_DB_DSN (empty runs an in-memory store), HARVESTER_API_BASE_URL, the catalog in the config
//     file, and HARVESTER_ARCHIVE_PROVIDER with its bucket or base_dir.
//   - Run locally: go run ./cmd/harvester -config config.yaml
//   - The process shuts down on SIGTERM: workers release their unfinished claims and the HTTP server drains.
package main
