package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

const activeClaim = `status IN ('CLAIMED', 'EXECUTING')`

const reapSQL = `
WITH expired AS (
	UPDATE claims
	SET status = 'FAILED', reason = 'lease_expired', finished_at = now()
	WHERE ` + activeClaim + ` AND expires_at < now()
	RETURNING task_id
)
UPDATE tasks AS t
SET failed_claims = t.failed_claims + 1,
	status = CASE WHEN $1 > 0 AND t.failed_claims + 1 >= $1 THEN 'FAILED' ELSE 'PENDING' END,
	last_error = 'lease_expired',
	updated_at = now()
FROM expired AS e
WHERE t.task_id = e.task_id AND t.status <> 'COMPLETED'`

const claimTasksSQL = `
WITH candidates AS (
	SELECT task_id
	FROM tasks
	WHERE status = 'PENDING'
	ORDER BY data_date, task_id
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
UPDATE tasks AS t
SET status = 'CLAIMED', updated_at = now()
FROM candidates AS c
WHERE t.task_id = c.task_id
RETURNING ` + taskColumnsT

const insertClaimSQL = `
INSERT INTO claims (claim_id, task_id, worker_id, status, claimed_at, expires_at)
VALUES ($1, $2, $3, 'CLAIMED', now(), now() + $4 * interval '1 millisecond')
RETURNING claimed_at, expires_at`

const renewSQL = `
UPDATE claims
SET expires_at = now() + $2 * interval '1 millisecond'
WHERE claim_id = $1 AND ` + activeClaim + ` AND expires_at >= now()
RETURNING expires_at`

const markExecutingSQL = `
WITH c AS (
	UPDATE claims SET status = 'EXECUTING'
	WHERE claim_id = $1 AND ` + activeClaim + ` AND expires_at >= now()
	RETURNING task_id
)
UPDATE tasks AS t SET status = 'EXECUTING', updated_at = now()
FROM c WHERE t.task_id = c.task_id`

const completeSQL = `
WITH c AS (
	UPDATE claims SET status = 'COMPLETED', finished_at = now()
	WHERE claim_id = $1 AND ` + activeClaim + ` AND expires_at >= now()
	RETURNING task_id
)
UPDATE tasks AS t SET status = 'COMPLETED', last_error = '', updated_at = now()
FROM c WHERE t.task_id = c.task_id`

const failSQL = `
WITH c AS (
	UPDATE claims SET status = 'FAILED', reason = $2, finished_at = now()
	WHERE claim_id = $1 AND ` + activeClaim + `
	RETURNING task_id
)
UPDATE tasks AS t
SET failed_claims = t.failed_claims + 1,
	status = CASE WHEN $3 > 0 AND t.failed_claims + 1 >= $3 THEN 'FAILED' ELSE 'PENDING' END,
	last_error = $2,
	updated_at = now()
FROM c WHERE t.task_id = c.task_id AND t.status <> 'COMPLETED'`

const releaseSQL = `
WITH c AS (
	UPDATE claims SET status = 'FAILED', reason = 'released', finished_at = now()
	WHERE claim_id = $1 AND ` + activeClaim + `
	RETURNING task_id
)
UPDATE tasks AS t SET status = 'PENDING', last_error = 'released', updated_at = now()
FROM c WHERE t.task_id = c.task_id AND t.status <> 'COMPLETED'`

const validateLeaseSQL = `
SELECT task_id FROM claims
WHERE claim_id = $1 AND ` + activeClaim + ` AND expires_at >= now()`

const claimStatusSQL = `SELECT status FROM claims WHERE claim_id = $1`

// ClaimBatch expires overdue claims, then leases up to maxN pending tasks in
// (data_date, task_id) order. Concurrent callers never receive the same task.
func (s *Store) ClaimBatch(ctx context.Context, workerID string, maxN int, lease time.Duration) ([]harvest.Claim, error) {
	if maxN <= 0 {
		return nil, nil
	}
	var claims []harvest.Claim
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, reapSQL, s.retryBudget); err != nil {
			return fmt.Errorf("expire claims: %w", err)
		}
		rows, err := tx.Query(ctx, claimTasksSQL, maxN)
		if err != nil {
			return fmt.Errorf("select claimable tasks: %w", err)
		}
		tasks, err := collectTasks(rows)
		if err != nil {
			return err
		}
		sort.Slice(tasks, func(i, j int) bool {
			if !tasks[i].DataDate.Equal(tasks[j].DataDate) {
				return tasks[i].DataDate.Before(tasks[j].DataDate)
			}
			return tasks[i].ID < tasks[j].ID
		})
		for _, task := range tasks {
			id, err := s.ids.NewID()
			if err != nil {
				return fmt.Errorf("generate claim id: %w", err)
			}
			claim := harvest.Claim{ID: id, TaskID: task.ID, WorkerID: workerID, Status: harvest.ClaimClaimed, Task: task}
			if err := tx.QueryRow(ctx, insertClaimSQL, id, task.ID, workerID, millis(lease)).Scan(&claim.ClaimedAt, &claim.ExpiresAt); err != nil {
				return fmt.Errorf("insert claim: %w", err)
			}
			claims = append(claims, claim)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Renew extends an active, unexpired claim.
func (s *Store) Renew(ctx context.Context, claimID string, lease time.Duration) (time.Time, error) {
	var expires time.Time
	err := s.pool.QueryRow(ctx, renewSQL, claimID, millis(lease)).Scan(&expires)
	if isNoRows(err) {
		return time.Time{}, s.inactiveClaim(ctx, claimID, "")
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("renew claim: %w", err)
	}
	return expires, nil
}

// MarkExecuting moves the claim and its task to EXECUTING.
func (s *Store) MarkExecuting(ctx context.Context, claimID string) error {
	tag, err := s.pool.Exec(ctx, markExecutingSQL, claimID)
	if err != nil {
		return fmt.Errorf("mark executing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.inactiveClaim(ctx, claimID, "")
	}
	return nil
}

// Complete marks the claim and task COMPLETED. Completing twice is a no-op.
func (s *Store) Complete(ctx context.Context, claimID string) error {
	tag, err := s.pool.Exec(ctx, completeSQL, claimID)
	if err != nil {
		return fmt.Errorf("complete claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.inactiveClaim(ctx, claimID, harvest.ClaimCompleted)
	}
	return nil
}

// Fail marks the claim FAILED and requeues the task, or fails it once the retry
// budget is spent. Failing twice is a no-op.
func (s *Store) Fail(ctx context.Context, claimID string, reason string) error {
	tag, err := s.pool.Exec(ctx, failSQL, claimID, reason, s.retryBudget)
	if err != nil {
		return fmt.Errorf("fail claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.inactiveClaim(ctx, claimID, harvest.ClaimFailed)
	}
	return nil
}

// Release returns an unfinished claim without charging the retry budget.
func (s *Store) Release(ctx context.Context, claimID string) error {
	if _, err := s.pool.Exec(ctx, releaseSQL, claimID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// ValidateLease reports ErrLeaseLost unless claimID is the live claim for its task.
func (s *Store) ValidateLease(ctx context.Context, claimID string) error {
	var taskID string
	err := s.pool.QueryRow(ctx, validateLeaseSQL, claimID).Scan(&taskID)
	if isNoRows(err) {
		return fmt.Errorf("%w: %s", harvest.ErrLeaseLost, claimID)
	}
	if err != nil {
		return fmt.Errorf("validate lease: %w", err)
	}
	return nil
}

// Reap expires every overdue active claim and returns how many tasks it touched.
func (s *Store) Reap(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, reapSQL, s.retryBudget)
	if err != nil {
		return 0, fmt.Errorf("reap claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// inactiveClaim explains why a claim update matched nothing. When the claim is
// already in the terminal state idempotent, nil is returned.
func (s *Store) inactiveClaim(ctx context.Context, claimID string, idempotent harvest.ClaimStatus) error {
	var status harvest.ClaimStatus
	err := s.pool.QueryRow(ctx, claimStatusSQL, claimID).Scan(&status)
	if isNoRows(err) {
		return fmt.Errorf("%w: %s", harvest.ErrClaimNotFound, claimID)
	}
	if err != nil {
		return fmt.Errorf("load claim status: %w", err)
	}
	if idempotent != "" && status == idempotent {
		return nil
	}
	return fmt.Errorf("%w: %s is %s", harvest.ErrClaimExpired, claimID, status)
}
