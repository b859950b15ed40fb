package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/hash/sha256"
	"github.com/JakeFAU/opendata-harvester/internal/store"
)

const (
	defaultTaskLimit = 100
	maxTaskLimit     = 1000
	defaultPlanLimit = 20
	maxPlanLimit     = 200
	queryTimeout     = 3 * time.Second
)

// QueryHandler exposes read-only task, content and plan endpoints.
type QueryHandler struct {
	repo    store.QueryRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewQueryHandler wires the repository and logger.
func NewQueryHandler(repo store.QueryRepository, logger *zap.Logger) *QueryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryHandler{
		repo:    repo,
		timeout: queryTimeout,
		logger:  logger,
	}
}

// ListTasks handles GET /v1/tasks?status=&endpoint=&limit=&offset=. It returns
// {"tasks": [...]} on success or 400 for invalid filters.
func (h *QueryHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	filter, err := parseTaskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.listTasks(w, r, filter)
}

// ListDeadTasks handles GET /v1/tasks/dead: tasks that exhausted their retry budget.
func (h *QueryHandler) ListDeadTasks(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	filter, err := parseTaskFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Status = harvest.TaskFailed
	h.listTasks(w, r, filter)
}

func (h *QueryHandler) listTasks(w http.ResponseWriter, r *http.Request, filter harvest.TaskFilter) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	tasks, err := h.repo.ListTasks(ctx, filter)
	if err != nil {
		h.logger.Error("list tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list tasks")
		return
	}
	if tasks == nil {
		tasks = []harvest.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":  tasks,
		"limit":  filter.Limit,
		"offset": filter.Offset,
	})
}

// GetTask handles GET /v1/tasks/{task_id}. It returns {"task": {...}} or 404.
func (h *QueryHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	task, err := h.repo.GetTask(ctx, taskID)
	if err != nil {
		h.writeLookupError(w, err, "task")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

// ListResults handles GET /v1/tasks/{task_id}/results, ordered by page number.
func (h *QueryHandler) ListResults(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	taskID := chi.URLParam(r, "task_id")
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	if _, err := h.repo.GetTask(ctx, taskID); err != nil {
		h.writeLookupError(w, err, "task")
		return
	}
	results, err := h.repo.ListResults(ctx, taskID)
	if err != nil {
		h.logger.Error("list results failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []harvest.Result{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "results": results})
}

// Summary handles GET /v1/tasks/summary: task counts per status and failed
// claims per reason.
func (h *QueryHandler) Summary(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	counts, err := h.repo.CountTasksByStatus(ctx)
	if err != nil {
		h.logger.Error("count tasks failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count tasks")
		return
	}
	reasons, err := h.repo.ListFailureReasons(ctx)
	if err != nil {
		h.logger.Error("list failure reasons failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failure reasons")
		return
	}
	total := 0
	statuses := make(map[string]int, len(counts))
	for status, n := range counts {
		statuses[string(status)] = n
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":           total,
		"status_counts":   statuses,
		"failure_reasons": reasons,
	})
}

// GetContent handles GET /v1/content/{hash}. The payload itself is not returned.
func (h *QueryHandler) GetContent(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	hash := strings.ToLower(chi.URLParam(r, "hash"))
	if !sha256.ValidDigest(hash) {
		writeError(w, http.StatusBadRequest, "invalid content hash")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	rec, err := h.repo.GetContent(ctx, hash)
	if err != nil {
		h.writeLookupError(w, err, "content")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": rec})
}

// ListPlans handles GET /v1/plans?limit=, newest first.
func (h *QueryHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	limit, _, err := parseLimitOffset(r, defaultPlanLimit, maxPlanLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	plans, err := h.repo.ListPlanVersions(ctx, limit)
	if err != nil {
		h.logger.Error("list plan versions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list plans")
		return
	}
	if plans == nil {
		plans = []harvest.PlanVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": plans})
}

func (h *QueryHandler) ready(w http.ResponseWriter) bool {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "query repository unavailable")
		return false
	}
	return true
}

func (h *QueryHandler) writeLookupError(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("load "+what+" failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "failed to load "+what)
}

func parseTaskFilter(r *http.Request) (harvest.TaskFilter, error) {
	limit, offset, err := parseLimitOffset(r, defaultTaskLimit, maxTaskLimit)
	if err != nil {
		return harvest.TaskFilter{}, err
	}
	filter := harvest.TaskFilter{
		Endpoint: strings.TrimSpace(r.URL.Query().Get("endpoint")),
		Limit:    limit,
		Offset:   offset,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, err := parseStatus(raw)
		if err != nil {
			return harvest.TaskFilter{}, err
		}
		filter.Status = status
	}
	return filter, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (harvest.TaskStatus, error) {
	switch status := harvest.TaskStatus(strings.ToUpper(input)); status {
	case harvest.TaskPending, harvest.TaskClaimed, harvest.TaskExecuting, harvest.TaskCompleted, harvest.TaskFailed:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}
