// Package memory provides in-process implementations of the coordination store
// and archive for development and testing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/store"
)

// Store is an in-memory coordination store. A single mutex stands in for the
// transactional isolation the Postgres store gets from the database.
type Store struct {
	mu          sync.Mutex
	clock       harvest.Clock
	ids         harvest.IDGenerator
	retryBudget int

	tasks      map[string]*harvest.Task
	claims     map[string]*harvest.Claim
	active     map[string]string
	results    []harvest.Result
	resultKeys map[string]struct{}
	content    map[string]*harvest.ContentRecord
	plans      []*harvest.PlanVersion
}

var (
	_ harvest.CoordinationStore = (*Store)(nil)
	_ store.QueryRepository     = (*Store)(nil)
)

// NewStore constructs a Store. retryBudget is the number of failed claims after
// which a task is marked FAILED; zero or less disables the budget.
func NewStore(clock harvest.Clock, ids harvest.IDGenerator, retryBudget int) *Store {
	return &Store{
		clock:       clock,
		ids:         ids,
		retryBudget: retryBudget,
		tasks:       make(map[string]*harvest.Task),
		claims:      make(map[string]*harvest.Claim),
		active:      make(map[string]string),
		resultKeys:  make(map[string]struct{}),
		content:     make(map[string]*harvest.ContentRecord),
	}
}

// SavePlan inserts unknown tasks and records the generation event.
func (s *Store) SavePlan(_ context.Context, plan harvest.PlanVersion, tasks []harvest.Task) (harvest.PlanVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created := 0
	for _, t := range tasks {
		if _, exists := s.tasks[t.ID]; exists {
			continue
		}
		task := t
		task.Status = harvest.TaskPending
		s.tasks[t.ID] = &task
		created++
	}
	plan.NewTaskCount = created

	for _, existing := range s.plans {
		if existing.Fingerprint == plan.Fingerprint {
			existing.GeneratedAt = plan.GeneratedAt
			existing.Environment = plan.Environment
			existing.NewTaskCount = created
			existing.GenerationCount++
			return *existing, nil
		}
	}
	plan.Version = int64(len(s.plans) + 1)
	plan.GenerationCount = 1
	stored := plan
	s.plans = append(s.plans, &stored)
	return plan, nil
}

// ClaimBatch leases up to maxN claimable tasks, oldest data first.
func (s *Store) ClaimBatch(_ context.Context, workerID string, maxN int, lease time.Duration) ([]harvest.Claim, error) {
	if maxN <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	var candidates []*harvest.Task
	for _, t := range s.tasks {
		switch t.Status {
		case harvest.TaskPending:
			candidates = append(candidates, t)
		case harvest.TaskClaimed, harvest.TaskExecuting:
			claim := s.claims[s.active[t.ID]]
			if claim == nil || claim.ExpiresAt.Before(now) {
				candidates = append(candidates, t)
			}
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].DataDate.Equal(candidates[j].DataDate) {
			return candidates[i].DataDate.Before(candidates[j].DataDate)
		}
		return candidates[i].ID < candidates[j].ID
	})

	claims := make([]harvest.Claim, 0, maxN)
	for _, t := range candidates {
		if len(claims) == maxN {
			break
		}
		if t.Status != harvest.TaskPending {
			if dead := s.expireLocked(s.active[t.ID], now); dead {
				continue
			}
		}
		id, err := s.ids.NewID()
		if err != nil {
			return nil, fmt.Errorf("generate claim id: %w", err)
		}
		claim := &harvest.Claim{
			ID:        id,
			TaskID:    t.ID,
			WorkerID:  workerID,
			Status:    harvest.ClaimClaimed,
			ClaimedAt: now,
			ExpiresAt: now.Add(lease),
		}
		s.claims[id] = claim
		s.active[t.ID] = id
		t.Status = harvest.TaskClaimed
		t.UpdatedAt = now
		out := *claim
		out.Task = *t
		claims = append(claims, out)
	}
	return claims, nil
}

// Renew extends an active claim's expiry.
func (s *Store) Renew(_ context.Context, claimID string, lease time.Duration) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	claim, err := s.liveClaimLocked(claimID, now)
	if err != nil {
		return time.Time{}, err
	}
	claim.ExpiresAt = now.Add(lease)
	return claim.ExpiresAt, nil
}

// MarkExecuting moves an active claim and its task to EXECUTING.
func (s *Store) MarkExecuting(_ context.Context, claimID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	claim, err := s.liveClaimLocked(claimID, now)
	if err != nil {
		return err
	}
	claim.Status = harvest.ClaimExecuting
	task := s.tasks[claim.TaskID]
	task.Status = harvest.TaskExecuting
	task.UpdatedAt = now
	return nil
}

// Complete marks the claim and task COMPLETED. Completing twice is a no-op.
func (s *Store) Complete(_ context.Context, claimID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if claim, ok := s.claims[claimID]; ok && claim.Status == harvest.ClaimCompleted {
		return nil
	}
	claim, err := s.liveClaimLocked(claimID, now)
	if err != nil {
		return err
	}
	claim.Status = harvest.ClaimCompleted
	claim.FinishedAt = &now
	delete(s.active, claim.TaskID)
	task := s.tasks[claim.TaskID]
	task.Status = harvest.TaskCompleted
	task.LastError = ""
	task.UpdatedAt = now
	return nil
}

// Fail marks the claim FAILED and returns the task to PENDING, or to FAILED once
// the retry budget is spent. Failing twice is a no-op.
func (s *Store) Fail(_ context.Context, claimID string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[claimID]
	if !ok {
		return fmt.Errorf("%w: %s", harvest.ErrClaimNotFound, claimID)
	}
	if claim.Status == harvest.ClaimFailed {
		return nil
	}
	if !claim.Status.Active() {
		return fmt.Errorf("%w: %s is %s", harvest.ErrClaimExpired, claimID, claim.Status)
	}
	s.failLocked(claim, reason, true, s.clock.Now())
	return nil
}

// Release gives an unfinished claim back without charging the retry budget.
func (s *Store) Release(_ context.Context, claimID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	claim, ok := s.claims[claimID]
	if !ok || !claim.Status.Active() {
		return nil
	}
	s.failLocked(claim, harvest.ReasonReleased, false, s.clock.Now())
	return nil
}

// ValidateLease reports ErrLeaseLost unless claimID is the live claim for its task.
func (s *Store) ValidateLease(_ context.Context, claimID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveClaimLocked(claimID, s.clock.Now()); err != nil {
		return fmt.Errorf("%w: %v", harvest.ErrLeaseLost, err)
	}
	return nil
}

// Reap expires every overdue active claim.
func (s *Store) Reap(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	reaped := 0
	for _, claim := range s.claims {
		if claim.Status.Active() && claim.ExpiresAt.Before(now) {
			s.expireLocked(claim.ID, now)
			reaped++
		}
	}
	return reaped, nil
}

// CommitPage appends a page result if the claim is still live. A page that was
// already committed for the task is left untouched.
func (s *Store) CommitPage(_ context.Context, result harvest.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	claim, err := s.liveClaimLocked(result.ClaimID, now)
	if err != nil {
		return fmt.Errorf("%w: %v", harvest.ErrLeaseLost, err)
	}
	if claim.TaskID != result.TaskID {
		return fmt.Errorf("%w: claim %s does not hold task %s", harvest.ErrLeaseLost, claim.ID, result.TaskID)
	}
	key := fmt.Sprintf("%s|%d", result.TaskID, result.PageNumber)
	if _, dup := s.resultKeys[key]; dup {
		return nil
	}
	if result.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate result id: %w", err)
		}
		result.ID = id
	}
	if result.CompletedAt.IsZero() {
		result.CompletedAt = now
	}
	s.resultKeys[key] = struct{}{}
	s.results = append(s.results, result)
	return nil
}

// UpsertContent inserts or increments a content record.
func (s *Store) UpsertContent(_ context.Context, hash string, payload []byte, meta harvest.ContentMeta) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if rec, ok := s.content[hash]; ok {
		rec.ReferenceCount++
		rec.UpdatedAt = now
		return false, rec.ReferenceCount, nil
	}
	s.content[hash] = &harvest.ContentRecord{
		Hash:           hash,
		ReferenceCount: 1,
		SizeBytes:      int64(len(payload)),
		UploadStatus:   harvest.UploadPending,
		EndpointName:   meta.EndpointName,
		DataDate:       meta.DataDate,
		Payload:        append([]byte(nil), payload...),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return true, 1, nil
}

// ListPendingContent returns up to limit records awaiting upload, oldest first.
func (s *Store) ListPendingContent(_ context.Context, limit int) ([]harvest.ContentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.ContentRecord
	for _, rec := range s.content {
		if rec.UploadStatus == harvest.UploadPending {
			cp := *rec
			cp.Payload = append([]byte(nil), rec.Payload...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Hash < out[j].Hash
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordUpload stores the outcome of one upload.
func (s *Store) RecordUpload(_ context.Context, outcome harvest.UploadOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.content[outcome.Hash]
	if !ok {
		return fmt.Errorf("content %s: %w", outcome.Hash, store.ErrNotFound)
	}
	rec.UploadStatus = outcome.Status
	rec.UploadAttempts = outcome.Attempts
	rec.Checksum = outcome.Checksum
	rec.ArchiveURI = outcome.ArchiveURI
	rec.UpdatedAt = s.clock.Now()
	return nil
}

// MarkPendingSkipped flags all pending content as skipped.
func (s *Store) MarkPendingSkipped(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.content {
		if rec.UploadStatus == harvest.UploadPending {
			rec.UploadStatus = harvest.UploadSkipped
			n++
		}
	}
	return n, nil
}

// CountTasksByStatus returns task counts per status.
func (s *Store) CountTasksByStatus(_ context.Context) (map[harvest.TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[harvest.TaskStatus]int)
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

// ListTasks returns tasks matching the filter ordered by data_date, task_id.
func (s *Store) ListTasks(_ context.Context, filter harvest.TaskFilter) ([]harvest.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Task
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Endpoint != "" && t.EndpointName != filter.Endpoint {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DataDate.Equal(out[j].DataDate) {
			return out[i].DataDate.Before(out[j].DataDate)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Limit, filter.Offset), nil
}

// GetTask loads one task.
func (s *Store) GetTask(_ context.Context, taskID string) (harvest.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return harvest.Task{}, store.ErrNotFound
	}
	return *t, nil
}

// ListResults returns a task's committed pages ordered by page number.
func (s *Store) ListResults(_ context.Context, taskID string) ([]harvest.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Result
	for _, r := range s.results {
		if r.TaskID == taskID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out, nil
}

// GetContent loads a content record without its payload.
func (s *Store) GetContent(_ context.Context, hash string) (harvest.ContentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.content[hash]
	if !ok {
		return harvest.ContentRecord{}, store.ErrNotFound
	}
	out := *rec
	out.Payload = nil
	return out, nil
}

// ListPlanVersions returns plan versions, newest first.
func (s *Store) ListPlanVersions(_ context.Context, limit int) ([]harvest.PlanVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]harvest.PlanVersion, 0, len(s.plans))
	for i := len(s.plans) - 1; i >= 0; i-- {
		out = append(out, *s.plans[i])
	}
	return paginate(out, limit, 0), nil
}

// ListFailureReasons counts failed claims by reason.
func (s *Store) ListFailureReasons(_ context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int)
	for _, c := range s.claims {
		if c.Status == harvest.ClaimFailed {
			out[c.Reason]++
		}
	}
	return out, nil
}

// Claim returns a copy of a claim, for inspection in tests and tooling.
func (s *Store) Claim(claimID string) (harvest.Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.claims[claimID]
	if !ok {
		return harvest.Claim{}, harvest.ErrClaimNotFound
	}
	return *c, nil
}

// ContentPayload returns the stored bytes for hash.
func (s *Store) ContentPayload(hash string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.content[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), rec.Payload...), nil
}

func (s *Store) liveClaimLocked(claimID string, now time.Time) (*harvest.Claim, error) {
	claim, ok := s.claims[claimID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", harvest.ErrClaimNotFound, claimID)
	}
	if !claim.Status.Active() || s.active[claim.TaskID] != claimID || claim.ExpiresAt.Before(now) {
		return nil, fmt.Errorf("%w: %s", harvest.ErrClaimExpired, claimID)
	}
	return claim, nil
}

// expireLocked fails an overdue claim and reports whether its task became dead.
func (s *Store) expireLocked(claimID string, now time.Time) bool {
	claim, ok := s.claims[claimID]
	if !ok || !claim.Status.Active() {
		task := s.taskForClaimLocked(claimID)
		return task != nil && task.Status == harvest.TaskFailed
	}
	return s.failLocked(claim, harvest.ReasonLeaseExpired, true, now)
}

// failLocked terminates claim and requeues (or kills) its task. It reports
// whether the task was marked FAILED.
func (s *Store) failLocked(claim *harvest.Claim, reason string, charge bool, now time.Time) bool {
	claim.Status = harvest.ClaimFailed
	claim.Reason = reason
	claim.FinishedAt = &now
	if s.active[claim.TaskID] == claim.ID {
		delete(s.active, claim.TaskID)
	}
	task := s.tasks[claim.TaskID]
	if task == nil || task.Status == harvest.TaskCompleted {
		return false
	}
	if charge {
		task.FailedClaims++
	}
	task.LastError = reason
	task.UpdatedAt = now
	if s.retryBudget > 0 && task.FailedClaims >= s.retryBudget {
		task.Status = harvest.TaskFailed
		return true
	}
	task.Status = harvest.TaskPending
	return false
}

func (s *Store) taskForClaimLocked(claimID string) *harvest.Task {
	claim, ok := s.claims[claimID]
	if !ok {
		return nil
	}
	return s.tasks[claim.TaskID]
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
