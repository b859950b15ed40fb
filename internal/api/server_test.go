package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/clock/manual"
	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/hash/sha256"
	"github.com/JakeFAU/opendata-harvester/internal/storage/memory"
	"github.com/JakeFAU/opendata-harvester/internal/store"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%04d", s.n.Add(1)), nil
}

// seedStore leaves task-0 COMPLETED with two pages, task-1 FAILED, and task-2 PENDING.
func seedStore(t *testing.T) (*memory.Store, string) {
	t.Helper()
	ctx := context.Background()
	st := memory.NewStore(manual.New(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)), &seqIDs{}, 1)
	tasks := []harvest.Task{
		{ID: "task-0", EndpointName: "prices", DataDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{ID: "task-1", EndpointName: "prices", DataDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)},
		{ID: "task-2", EndpointName: "volumes", DataDate: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)},
	}
	_, err := st.SavePlan(ctx, harvest.PlanVersion{Fingerprint: "fp", Environment: harvest.EnvDev, TaskCount: 3}, tasks)
	require.NoError(t, err)

	claims, err := st.ClaimBatch(ctx, "w1", 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, claims, 2)

	payload := []byte(`{"records":[1]}`)
	hash := sha256.Sum(payload)
	_, _, err = st.UpsertContent(ctx, hash, payload, harvest.ContentMeta{EndpointName: "prices", DataDate: tasks[0].DataDate})
	require.NoError(t, err)
	for page := 1; page <= 2; page++ {
		require.NoError(t, st.CommitPage(ctx, harvest.Result{
			TaskID: "task-0", ClaimID: claims[0].ID, RequestID: fmt.Sprintf("req-%d", page),
			PageNumber: page, RecordsCount: 1, ContentHash: hash,
		}))
	}
	require.NoError(t, st.Complete(ctx, claims[0].ID))
	require.NoError(t, st.Fail(ctx, claims[1].ID, harvest.ReasonClientError))
	return st, hash
}

func newTestServer(t *testing.T, opts Options) (*Server, string) {
	t.Helper()
	st, hash := seedStore(t)
	return NewServer(st, opts, nil), hash
}

func get(t *testing.T, s *Server, path string, headers ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthAndReadiness(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{})

	rec, body := get(t, s, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, _ = get(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = get(t, NewServer(nil, Options{}, nil), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{})
	rec, _ := get(t, s, "/healthz", "X-Request-ID", "abc-123")
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{})
	get(t, s, "/healthz")
	rec, _ := get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestListTasks(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{})

	rec, body := get(t, s, "/v1/tasks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["tasks"], 3)

	_, body = get(t, s, "/v1/tasks?status=completed")
	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-0", tasks[0].(map[string]any)["task_id"])

	_, body = get(t, s, "/v1/tasks?endpoint=volumes")
	assert.Len(t, body["tasks"], 1)

	_, body = get(t, s, "/v1/tasks?limit=1&offset=1")
	tasks = body["tasks"].([]any)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].(map[string]any)["task_id"])
}

func TestListTasksRejectsBadFilters(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{})
	for _, path := range []string{"/v1/tasks?status=bogus", "/v1/tasks?limit=0", "/v1/tasks?offset=-1", "/v1/plans?limit=x"} {
		rec, _ := get(t, s, path)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestDeadTasks(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{})
	rec, body := get(t, s, "/v1/tasks/dead")
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 1)
	task := tasks[0].(map[string]any)
	assert.Equal(t, "task-1", task["task_id"])
	assert.Equal(t, "FAILED", task["status"])
}

func TestGetTaskAndResults(t *testing.T) {
	t.Parallel()
	s, hash := newTestServer(t, Options{})

	rec, body := get(t, s, "/v1/tasks/task-0")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "COMPLETED", body["task"].(map[string]any)["status"])

	rec, body = get(t, s, "/v1/tasks/task-0/results")
	require.Equal(t, http.StatusOK, rec.Code)
	results := body["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	assert.EqualValues(t, 1, first["page_number"])
	assert.Equal(t, hash, first["content_hash"])

	rec, body = get(t, s, "/v1/tasks/task-2/results")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["results"])

	rec, _ = get(t, s, "/v1/tasks/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = get(t, s, "/v1/tasks/missing/results")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSummary(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{})
	rec, body := get(t, s, "/v1/tasks/summary")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["total"])
	counts := body["status_counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["COMPLETED"])
	assert.EqualValues(t, 1, counts["FAILED"])
	assert.EqualValues(t, 1, counts["PENDING"])
	reasons := body["failure_reasons"].(map[string]any)
	assert.EqualValues(t, 1, reasons[harvest.ReasonClientError])
}

func TestGetContent(t *testing.T) {
	t.Parallel()
	s, hash := newTestServer(t, Options{})

	rec, body := get(t, s, "/v1/content/"+hash)
	require.Equal(t, http.StatusOK, rec.Code)
	content := body["content"].(map[string]any)
	assert.EqualValues(t, 1, content["reference_count"])
	assert.Equal(t, "pending", content["upload_status"])
	assert.NotContains(t, content, "payload")

	rec, _ = get(t, s, "/v1/content/"+strings.Repeat("0", 64))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = get(t, s, "/v1/content/not-a-hash")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListPlans(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{})
	rec, body := get(t, s, "/v1/plans")
	require.Equal(t, http.StatusOK, rec.Code)
	plans := body["plans"].([]any)
	require.Len(t, plans, 1)
	assert.Equal(t, "fp", plans[0].(map[string]any)["plan_fingerprint"])
}

func TestAPIKeyRequired(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t, Options{APIKey: "secret"})

	rec, _ := get(t, s, "/v1/tasks")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = get(t, s, "/v1/tasks", "X-API-Key", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = get(t, s, "/v1/tasks?api_key=secret")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

type failingRepo struct {
	store.QueryRepository
}

func (failingRepo) ListTasks(context.Context, harvest.TaskFilter) ([]harvest.Task, error) {
	return nil, errors.New("db down")
}

func (failingRepo) CountTasksByStatus(context.Context) (map[harvest.TaskStatus]int, error) {
	return nil, errors.New("db down")
}

func (failingRepo) GetTask(context.Context, string) (harvest.Task, error) {
	return harvest.Task{}, errors.New("db down")
}

func TestRepositoryErrors(t *testing.T) {
	t.Parallel()
	s := NewServer(failingRepo{}, Options{}, nil)

	rec, _ := get(t, s, "/v1/tasks")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec, _ = get(t, s, "/v1/tasks/summary")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec, _ = get(t, s, "/v1/tasks/x")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	rec, _ = get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()
	h := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
