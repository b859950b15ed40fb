package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

const lockClaimSQL = `
SELECT task_id FROM claims
WHERE claim_id = $1 AND ` + activeClaim + ` AND expires_at >= now()
FOR UPDATE`

const insertResultSQL = `
INSERT INTO results (result_id, task_id, claim_id, request_id, page_number, records_count, content_hash, completed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (task_id, page_number) DO NOTHING`

// CommitPage locks the claim, re-checks the lease and appends the page result in
// one transaction. A page already committed for the task is left untouched.
func (s *Store) CommitPage(ctx context.Context, result harvest.Result) error {
	if result.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate result id: %w", err)
		}
		result.ID = id
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var taskID string
		err := tx.QueryRow(ctx, lockClaimSQL, result.ClaimID).Scan(&taskID)
		if isNoRows(err) {
			return fmt.Errorf("%w: %s", harvest.ErrLeaseLost, result.ClaimID)
		}
		if err != nil {
			return fmt.Errorf("lock claim: %w", err)
		}
		if taskID != result.TaskID {
			return fmt.Errorf("%w: claim %s does not hold task %s", harvest.ErrLeaseLost, result.ClaimID, result.TaskID)
		}
		_, err = tx.Exec(ctx, insertResultSQL,
			result.ID,
			result.TaskID,
			result.ClaimID,
			result.RequestID,
			result.PageNumber,
			result.RecordsCount,
			result.ContentHash,
		)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		return nil
	})
}
