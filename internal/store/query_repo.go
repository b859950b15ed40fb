package store

import (
	"context"
	"errors"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// QueryRepository exposes Task, Result, ContentRecord and PlanVersion state.
type QueryRepository interface {
	// CountTasksByStatus returns the number of tasks in each status.
	CountTasksByStatus(ctx context.Context) (map[harvest.TaskStatus]int, error)
	// ListTasks returns tasks ordered by data_date, task_id.
	ListTasks(ctx context.Context, filter harvest.TaskFilter) ([]harvest.Task, error)
	// GetTask loads one task or returns ErrNotFound.
	GetTask(ctx context.Context, taskID string) (harvest.Task, error)
	// ListResults returns the committed pages of a task ordered by page number.
	ListResults(ctx context.Context, taskID string) ([]harvest.Result, error)
	// GetContent loads a content record (without payload) or returns ErrNotFound.
	GetContent(ctx context.Context, hash string) (harvest.ContentRecord, error)
	// ListPlanVersions returns plan versions, newest first.
	ListPlanVersions(ctx context.Context, limit int) ([]harvest.PlanVersion, error)
	// ListFailureReasons counts failed claims by reason.
	ListFailureReasons(ctx context.Context) (map[string]int, error)
}
