package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

const insertTasksSQL = `
INSERT INTO tasks (task_id, endpoint_name, data_date, variant, plan_fingerprint, created_at, updated_at)
SELECT id, endpoint, d, v, $5, $6, $6
FROM unnest($1::text[], $2::text[], $3::date[], $4::text[]) AS t(id, endpoint, d, v)
ON CONFLICT (task_id) DO NOTHING`

const upsertPlanSQL = `
INSERT INTO plan_versions (
	plan_fingerprint, environment, date_range_start, date_range_end,
	generated_at, config_version, task_count, new_task_count, generation_count
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1)
ON CONFLICT (plan_fingerprint) DO UPDATE
SET generated_at = EXCLUDED.generated_at,
	environment = EXCLUDED.environment,
	new_task_count = EXCLUDED.new_task_count,
	generation_count = plan_versions.generation_count + 1
RETURNING plan_version, generation_count`

const insertGenerationSQL = `
INSERT INTO plan_generations (plan_version, environment, generated_at, new_task_count)
VALUES ($1, $2, $3, $4)`

// SavePlan inserts unknown tasks, upserts the plan version by fingerprint and
// appends a generation event, all in one transaction.
func (s *Store) SavePlan(ctx context.Context, plan harvest.PlanVersion, tasks []harvest.Task) (harvest.PlanVersion, error) {
	ids := make([]string, len(tasks))
	endpoints := make([]string, len(tasks))
	dates := make([]time.Time, len(tasks))
	variants := make([]*string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
		endpoints[i] = t.EndpointName
		dates[i] = t.DataDate
		variants[i] = t.Variant
	}

	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertTasksSQL, ids, endpoints, dates, variants, plan.Fingerprint, plan.GeneratedAt)
		if err != nil {
			return fmt.Errorf("insert tasks: %w", err)
		}
		plan.NewTaskCount = int(tag.RowsAffected())

		err = tx.QueryRow(ctx, upsertPlanSQL,
			plan.Fingerprint,
			string(plan.Environment),
			plan.DateRangeStart,
			plan.DateRangeEnd,
			plan.GeneratedAt,
			plan.ConfigVersion,
			plan.TaskCount,
			plan.NewTaskCount,
		).Scan(&plan.Version, &plan.GenerationCount)
		if err != nil {
			return fmt.Errorf("upsert plan version: %w", err)
		}

		if _, err := tx.Exec(ctx, insertGenerationSQL, plan.Version, string(plan.Environment), plan.GeneratedAt, plan.NewTaskCount); err != nil {
			return fmt.Errorf("record plan generation: %w", err)
		}
		return nil
	})
	if err != nil {
		return harvest.PlanVersion{}, err
	}
	return plan, nil
}
