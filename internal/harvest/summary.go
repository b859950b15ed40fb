package harvest

import (
	"sort"
	"sync"
	"time"
)

// TaskOutcome is what a worker reports after finishing with one claim.
type TaskOutcome string

// Task outcomes counted in the run summary.
const (
	OutcomeCompleted TaskOutcome = "completed"
	OutcomeFailed    TaskOutcome = "failed"
	OutcomeLeaseLost TaskOutcome = "lease_lost"
	OutcomeReleased  TaskOutcome = "released"
)

// RunSummary describes one extraction run for operators and reporting layers.
type RunSummary struct {
	RunID          string             `json:"run_id"`
	StartedAt      time.Time          `json:"started_at"`
	FinishedAt     time.Time          `json:"finished_at"`
	Completed      int                `json:"completed"`
	Failed         int                `json:"failed"`
	LeaseLost      int                `json:"lease_lost"`
	Released       int                `json:"released"`
	PagesCommitted int                `json:"pages_committed"`
	FetchAttempts  int                `json:"fetch_attempts"`
	FailureReasons map[string]int     `json:"failure_reasons"`
	StatusCounts   map[TaskStatus]int `json:"status_counts,omitempty"`
}

// SortedReasons returns the failure reasons ordered by descending count.
func (s RunSummary) SortedReasons() []string {
	reasons := make([]string, 0, len(s.FailureReasons))
	for r := range s.FailureReasons {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		ci, cj := s.FailureReasons[reasons[i]], s.FailureReasons[reasons[j]]
		if ci != cj {
			return ci > cj
		}
		return reasons[i] < reasons[j]
	})
	return reasons
}

// SummaryRecorder accumulates task outcomes from concurrent workers.
type SummaryRecorder struct {
	mu      sync.Mutex
	summary RunSummary
}

// NewSummaryRecorder starts a summary for runID.
func NewSummaryRecorder(runID string, startedAt time.Time) *SummaryRecorder {
	return &SummaryRecorder{summary: RunSummary{
		RunID:          runID,
		StartedAt:      startedAt,
		FailureReasons: map[string]int{},
	}}
}

// RecordOutcome counts one finished claim.
func (r *SummaryRecorder) RecordOutcome(outcome TaskOutcome, reason string, pages, attempts int) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary.PagesCommitted += pages
	r.summary.FetchAttempts += attempts
	switch outcome {
	case OutcomeCompleted:
		r.summary.Completed++
	case OutcomeFailed:
		r.summary.Failed++
		r.summary.FailureReasons[reason]++
	case OutcomeLeaseLost:
		r.summary.LeaseLost++
	case OutcomeReleased:
		r.summary.Released++
	}
}

// Snapshot returns a copy of the summary so far.
func (r *SummaryRecorder) Snapshot() RunSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.summary
	out.FailureReasons = make(map[string]int, len(r.summary.FailureReasons))
	for k, v := range r.summary.FailureReasons {
		out.FailureReasons[k] = v
	}
	return out
}
