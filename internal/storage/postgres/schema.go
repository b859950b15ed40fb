package postgres

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
    task_id          TEXT PRIMARY KEY,
    endpoint_name    TEXT NOT NULL,
    data_date        DATE NOT NULL,
    variant          TEXT,
    status           TEXT NOT NULL DEFAULT 'PENDING',
    plan_fingerprint TEXT NOT NULL,
    failed_claims    INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status_date ON tasks (status, data_date, task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_endpoint ON tasks (endpoint_name)`,

	`CREATE TABLE IF NOT EXISTS plan_versions (
    plan_version     BIGSERIAL PRIMARY KEY,
    plan_fingerprint TEXT NOT NULL UNIQUE,
    environment      TEXT NOT NULL,
    date_range_start DATE NOT NULL,
    date_range_end   DATE NOT NULL,
    generated_at     TIMESTAMPTZ NOT NULL,
    config_version   TEXT NOT NULL DEFAULT '',
    task_count       INTEGER NOT NULL,
    new_task_count   INTEGER NOT NULL DEFAULT 0,
    generation_count INTEGER NOT NULL DEFAULT 1
)`,
	`CREATE TABLE IF NOT EXISTS plan_generations (
    id             BIGSERIAL PRIMARY KEY,
    plan_version   BIGINT NOT NULL REFERENCES plan_versions(plan_version),
    environment    TEXT NOT NULL,
    generated_at   TIMESTAMPTZ NOT NULL,
    new_task_count INTEGER NOT NULL
)`,

	`CREATE TABLE IF NOT EXISTS claims (
    claim_id    TEXT PRIMARY KEY,
    task_id     TEXT NOT NULL REFERENCES tasks(task_id),
    worker_id   TEXT NOT NULL,
    status      TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    claimed_at  TIMESTAMPTZ NOT NULL,
    expires_at  TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_claims_one_active ON claims (task_id) WHERE status IN ('CLAIMED', 'EXECUTING')`,
	`CREATE INDEX IF NOT EXISTS idx_claims_expiry ON claims (expires_at) WHERE status IN ('CLAIMED', 'EXECUTING')`,

	`CREATE TABLE IF NOT EXISTS results (
    result_id     TEXT PRIMARY KEY,
    task_id       TEXT NOT NULL REFERENCES tasks(task_id),
    claim_id      TEXT NOT NULL REFERENCES claims(claim_id),
    request_id    TEXT NOT NULL,
    page_number   INTEGER NOT NULL,
    records_count INTEGER NOT NULL,
    content_hash  TEXT NOT NULL,
    completed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (task_id, page_number)
)`,

	`CREATE TABLE IF NOT EXISTS content_records (
    content_hash    TEXT PRIMARY KEY,
    payload         BYTEA NOT NULL,
    reference_count BIGINT NOT NULL DEFAULT 1,
    size_bytes      BIGINT NOT NULL,
    upload_status   TEXT NOT NULL DEFAULT 'pending',
    upload_attempts INTEGER NOT NULL DEFAULT 0,
    endpoint_name   TEXT NOT NULL DEFAULT '',
    data_date       DATE NOT NULL,
    checksum        TEXT NOT NULL DEFAULT '',
    archive_uri     TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_content_pending ON content_records (created_at, content_hash) WHERE upload_status = 'pending'`,
}

// EnsureSchema creates the coordination tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
