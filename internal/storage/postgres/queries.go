package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/store"
)

const taskColumns = `task_id, endpoint_name, data_date, variant, status, plan_fingerprint,
	failed_claims, last_error, created_at, updated_at`

const taskColumnsT = `t.task_id, t.endpoint_name, t.data_date, t.variant, t.status, t.plan_fingerprint,
	t.failed_claims, t.last_error, t.created_at, t.updated_at`

const planColumns = `plan_version, plan_fingerprint, environment, date_range_start, date_range_end,
	generated_at, config_version, task_count, new_task_count, generation_count`

func scanTask(row scanner) (harvest.Task, error) {
	var t harvest.Task
	err := row.Scan(
		&t.ID,
		&t.EndpointName,
		&t.DataDate,
		&t.Variant,
		&t.Status,
		&t.PlanFingerprint,
		&t.FailedClaims,
		&t.LastError,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	return t, err
}

func collectTasks(rows pgx.Rows) ([]harvest.Task, error) {
	defer rows.Close()
	var out []harvest.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}

// CountTasksByStatus returns task counts per status.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[harvest.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[harvest.TaskStatus]int)
	for rows.Next() {
		var (
			status harvest.TaskStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}
	return out, nil
}

// ListTasks returns tasks matching filter ordered by data_date, task_id.
func (s *Store) ListTasks(ctx context.Context, filter harvest.TaskFilter) ([]harvest.Task, error) {
	query := `SELECT ` + taskColumns + `
FROM tasks
WHERE ($1 = '' OR status = $1) AND ($2 = '' OR endpoint_name = $2)
ORDER BY data_date, task_id
LIMIT $3 OFFSET $4`
	rows, err := s.pool.Query(ctx, query, string(filter.Status), filter.Endpoint, limitArg(filter.Limit), max(filter.Offset, 0))
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, taskID string) (harvest.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID))
	if isNoRows(err) {
		return harvest.Task{}, store.ErrNotFound
	}
	if err != nil {
		return harvest.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListResults returns a task's committed pages ordered by page number.
func (s *Store) ListResults(ctx context.Context, taskID string) ([]harvest.Result, error) {
	rows, err := s.pool.Query(ctx, `
SELECT result_id, task_id, claim_id, request_id, page_number, records_count, content_hash, completed_at
FROM results WHERE task_id = $1 ORDER BY page_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()
	var out []harvest.Result
	for rows.Next() {
		var r harvest.Result
		err := rows.Scan(&r.ID, &r.TaskID, &r.ClaimID, &r.RequestID, &r.PageNumber, &r.RecordsCount, &r.ContentHash, &r.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return out, nil
}

// GetContent loads a content record without its payload.
func (s *Store) GetContent(ctx context.Context, hash string) (harvest.ContentRecord, error) {
	var rec harvest.ContentRecord
	err := s.pool.QueryRow(ctx, `
SELECT content_hash, reference_count, size_bytes, upload_status, upload_attempts,
	endpoint_name, data_date, checksum, archive_uri, created_at, updated_at
FROM content_records WHERE content_hash = $1`, hash).Scan(
		&rec.Hash,
		&rec.ReferenceCount,
		&rec.SizeBytes,
		&rec.UploadStatus,
		&rec.UploadAttempts,
		&rec.EndpointName,
		&rec.DataDate,
		&rec.Checksum,
		&rec.ArchiveURI,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if isNoRows(err) {
		return harvest.ContentRecord{}, store.ErrNotFound
	}
	if err != nil {
		return harvest.ContentRecord{}, fmt.Errorf("get content: %w", err)
	}
	return rec, nil
}

// ListPlanVersions returns plan versions, newest first.
func (s *Store) ListPlanVersions(ctx context.Context, limit int) ([]harvest.PlanVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planColumns+` FROM plan_versions ORDER BY plan_version DESC LIMIT $1`, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list plan versions: %w", err)
	}
	defer rows.Close()
	var out []harvest.PlanVersion
	for rows.Next() {
		var p harvest.PlanVersion
		err := rows.Scan(
			&p.Version,
			&p.Fingerprint,
			&p.Environment,
			&p.DateRangeStart,
			&p.DateRangeEnd,
			&p.GeneratedAt,
			&p.ConfigVersion,
			&p.TaskCount,
			&p.NewTaskCount,
			&p.GenerationCount,
		)
		if err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plan rows: %w", err)
	}
	return out, nil
}

// ListFailureReasons counts failed claims by reason.
func (s *Store) ListFailureReasons(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT reason, count(*) FROM claims WHERE status = 'FAILED' GROUP BY reason`)
	if err != nil {
		return nil, fmt.Errorf("list failure reasons: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var (
			reason string
			n      int
		)
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("scan failure reason: %w", err)
		}
		out[reason] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failure reasons: %w", err)
	}
	return out, nil
}
