package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/store"
)

type seqIDs struct{ n int }

func (s *seqIDs) NewID() (string, error) {
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

func newMockStore(t *testing.T, budget int) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewWithPool(mock, &seqIDs{}, budget)
	require.NoError(t, err)
	return s, mock
}

var taskCols = []string{
	"task_id", "endpoint_name", "data_date", "variant", "status", "plan_fingerprint",
	"failed_claims", "last_error", "created_at", "updated_at",
}

func TestNewWithPoolValidates(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil, &seqIDs{}, 0)
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewWithPool(mock, nil, 0)
	require.Error(t, err)
}

func TestEnsureSchemaRunsEveryStatement(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	for range schemaStatements {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, s.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePlanRecordsGeneration(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	generated := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	plan := harvest.PlanVersion{
		Fingerprint:    "fp",
		Environment:    harvest.EnvDev,
		DateRangeStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DateRangeEnd:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		GeneratedAt:    generated,
		ConfigVersion:  "v1",
		TaskCount:      2,
	}
	tasks := []harvest.Task{
		{ID: "a", EndpointName: "prices", DataDate: plan.DateRangeStart},
		{ID: "b", EndpointName: "prices", DataDate: plan.DateRangeEnd},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), "fp", generated).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("INSERT INTO plan_versions").
		WithArgs("fp", "dev", plan.DateRangeStart, plan.DateRangeEnd, generated, "v1", 2, 1).
		WillReturnRows(pgxmock.NewRows([]string{"plan_version", "generation_count"}).AddRow(int64(4), 2))
	mock.ExpectExec("INSERT INTO plan_generations").
		WithArgs(int64(4), "dev", generated, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	saved, err := s.SavePlan(context.Background(), plan, tasks)
	require.NoError(t, err)
	require.Equal(t, int64(4), saved.Version)
	require.Equal(t, 2, saved.GenerationCount)
	require.Equal(t, 1, saved.NewTaskCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSavePlanRollsBackOnError(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").WillReturnError(fmt.Errorf("boom"))
	mock.ExpectRollback()

	_, err := s.SavePlan(context.Background(), harvest.PlanVersion{Fingerprint: "fp"}, nil)
	require.ErrorContains(t, err, "insert tasks")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchReapsThenClaimsInOrder(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 3)

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	d1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	var noVariant *string

	mock.ExpectBegin()
	mock.ExpectExec("WITH expired").WithArgs(3).WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("WITH candidates").WithArgs(2).WillReturnRows(
		pgxmock.NewRows(taskCols).
			AddRow("t2", "prices", d2, noVariant, harvest.TaskClaimed, "fp", 0, "", now, now).
			AddRow("t1", "prices", d1, noVariant, harvest.TaskClaimed, "fp", 1, "lease_expired", now, now),
	)
	mock.ExpectQuery("INSERT INTO claims").WithArgs("id-1", "t1", "w1", int64(60000)).
		WillReturnRows(pgxmock.NewRows([]string{"claimed_at", "expires_at"}).AddRow(now, now.Add(time.Minute)))
	mock.ExpectQuery("INSERT INTO claims").WithArgs("id-2", "t2", "w1", int64(60000)).
		WillReturnRows(pgxmock.NewRows([]string{"claimed_at", "expires_at"}).AddRow(now, now.Add(time.Minute)))
	mock.ExpectCommit()

	claims, err := s.ClaimBatch(context.Background(), "w1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 2)
	require.Equal(t, "t1", claims[0].TaskID)
	require.Equal(t, "t2", claims[1].TaskID)
	require.Equal(t, now.Add(time.Minute), claims[0].ExpiresAt)
	require.Equal(t, 1, claims[0].Task.FailedClaims)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimBatchZeroIsNoop(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	claims, err := s.ClaimBatch(context.Background(), "w1", 0, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claims)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewExpiredClaim(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectQuery("UPDATE claims").WithArgs("c1", int64(30000)).
		WillReturnRows(pgxmock.NewRows([]string{"expires_at"}))
	mock.ExpectQuery("SELECT status FROM claims").WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(harvest.ClaimFailed))

	_, err := s.Renew(context.Background(), "c1", 30*time.Second)
	require.ErrorIs(t, err, harvest.ErrClaimExpired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRenewUnknownClaim(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectQuery("UPDATE claims").WithArgs("nope", int64(30000)).
		WillReturnRows(pgxmock.NewRows([]string{"expires_at"}))
	mock.ExpectQuery("SELECT status FROM claims").WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"status"}))

	_, err := s.Renew(context.Background(), "nope", 30*time.Second)
	require.ErrorIs(t, err, harvest.ErrClaimNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteIsIdempotent(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectExec("WITH c AS").WithArgs("c1").WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("WITH c AS").WithArgs("c1").WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM claims").WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(harvest.ClaimCompleted))

	require.NoError(t, s.Complete(context.Background(), "c1"))
	require.NoError(t, s.Complete(context.Background(), "c1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailPassesBudget(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 5)

	mock.ExpectExec("WITH c AS").WithArgs("c1", harvest.ReasonClientError, 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("WITH c AS").WithArgs("c2", harvest.ReasonClientError, 5).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM claims").WithArgs("c2").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow(harvest.ClaimCompleted))

	require.NoError(t, s.Fail(context.Background(), "c1", harvest.ReasonClientError))
	require.ErrorIs(t, s.Fail(context.Background(), "c2", harvest.ReasonClientError), harvest.ErrClaimExpired)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestValidateLeaseLost(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectQuery("SELECT task_id FROM claims").WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"task_id"}))
	mock.ExpectQuery("SELECT task_id FROM claims").WithArgs("c2").
		WillReturnRows(pgxmock.NewRows([]string{"task_id"}).AddRow("t2"))

	require.ErrorIs(t, s.ValidateLease(context.Background(), "c1"), harvest.ErrLeaseLost)
	require.NoError(t, s.ValidateLease(context.Background(), "c2"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReapReturnsCount(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 3)

	mock.ExpectExec("WITH expired").WithArgs(3).WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	n, err := s.Reap(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPageUnderLease(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"task_id"}).AddRow("t1"))
	mock.ExpectExec("INSERT INTO results").WithArgs("r1", "t1", "c1", "req-1", 2, 50, "hash").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CommitPage(context.Background(), harvest.Result{
		ID: "r1", TaskID: "t1", ClaimID: "c1", RequestID: "req-1", PageNumber: 2, RecordsCount: 50, ContentHash: "hash",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPageLeaseLost(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("c1").WillReturnRows(pgxmock.NewRows([]string{"task_id"}))
	mock.ExpectRollback()

	err := s.CommitPage(context.Background(), harvest.Result{ID: "r1", TaskID: "t1", ClaimID: "c1", PageNumber: 1})
	require.ErrorIs(t, err, harvest.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitPageWrongTask(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"task_id"}).AddRow("other"))
	mock.ExpectRollback()

	err := s.CommitPage(context.Background(), harvest.Result{ID: "r1", TaskID: "t1", ClaimID: "c1", PageNumber: 1})
	require.ErrorIs(t, err, harvest.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertContentReturnsReferences(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	payload := []byte(`{"a":1}`)
	mock.ExpectQuery("INSERT INTO content_records").
		WithArgs("h1", payload, int64(len(payload)), "prices", date).
		WillReturnRows(pgxmock.NewRows([]string{"created", "reference_count"}).AddRow(false, int64(3)))

	created, refs, err := s.UpsertContent(context.Background(), "h1", payload, harvest.ContentMeta{EndpointName: "prices", DataDate: date})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, int64(3), refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordUploadMissingContent(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectExec("UPDATE content_records").
		WithArgs("h1", "success", "sum", "gs://b/o", 1).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.RecordUpload(context.Background(), harvest.UploadOutcome{
		Hash: "h1", Status: harvest.UploadSuccess, Checksum: "sum", ArchiveURI: "gs://b/o", Attempts: 1,
	})
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPendingSkipped(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectExec("UPDATE content_records SET upload_status = 'skipped'").
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))
	n, err := s.MarkPendingSkipped(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTaskNotFound(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectQuery("FROM tasks WHERE task_id").WithArgs("missing").WillReturnRows(pgxmock.NewRows(taskCols))
	_, err := s.GetTask(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountTasksByStatus(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectQuery("GROUP BY status").WillReturnRows(
		pgxmock.NewRows([]string{"status", "count"}).
			AddRow(harvest.TaskPending, 7).
			AddRow(harvest.TaskCompleted, 3),
	)
	counts, err := s.CountTasksByStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[harvest.TaskStatus]int{harvest.TaskPending: 7, harvest.TaskCompleted: 3}, counts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListTasksPassesFilter(t *testing.T) {
	t.Parallel()
	s, mock := newMockStore(t, 0)

	mock.ExpectQuery("ORDER BY data_date, task_id").
		WithArgs("FAILED", "prices", 10, 20).
		WillReturnRows(pgxmock.NewRows(taskCols))
	tasks, err := s.ListTasks(context.Background(), harvest.TaskFilter{
		Status: harvest.TaskFailed, Endpoint: "prices", Limit: 10, Offset: 20,
	})
	require.NoError(t, err)
	require.Empty(t, tasks)
	require.NoError(t, mock.ExpectationsWereMet())
}
