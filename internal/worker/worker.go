// Package worker implements the extraction loop: claim tasks, page through the
// remote API under a lease, and commit each page only while the lease holds.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/lease"
	"github.com/JakeFAU/opendata-harvester/internal/metrics"
)

// Config controls Worker behavior.
type Config struct {
	ID                string
	BatchSize         int
	LeaseDuration     time.Duration
	HeartbeatInterval time.Duration
	// IdleWait is how long Run sleeps when nothing is claimable.
	IdleWait time.Duration
	// ExitWhenDrained makes Run return once no task is claimable.
	ExitWhenDrained bool
}

// Ingester stores page payloads in the content store.
type Ingester interface {
	Ingest(ctx context.Context, payload []byte, meta harvest.ContentMeta) (string, bool, error)
}

// Deps are the collaborators a Worker drives.
type Deps struct {
	Claims   harvest.ClaimManager
	Results  harvest.ResultRecorder
	Fetcher  harvest.Fetcher
	Content  Ingester
	Limiter  harvest.Limiter
	Retry    harvest.RetryPolicy
	IDs      harvest.IDGenerator
	Summary  *harvest.SummaryRecorder
	Catalog  []harvest.Endpoint
	Sleep    func(ctx context.Context, d time.Duration) error
	Renewals lease.Renewer
}

// Worker runs the claim/extract/commit loop.
type Worker struct {
	deps      Deps
	catalog   map[string]harvest.Endpoint
	heartbeat *lease.Heartbeat
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 5 * time.Second
	}
	if deps.Retry == nil {
		deps.Retry = harvest.NewExponentialRetryPolicy(0, 0, 0)
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	renewer := deps.Renewals
	if renewer == nil {
		renewer = deps.Claims
	}
	catalog := make(map[string]harvest.Endpoint, len(deps.Catalog))
	for _, ep := range deps.Catalog {
		catalog[ep.Name] = ep
	}
	logger = logger.Named("worker").With(zap.String("worker_id", cfg.ID))
	return &Worker{
		deps:      deps,
		catalog:   catalog,
		heartbeat: lease.NewHeartbeat(renewer, cfg.HeartbeatInterval, cfg.LeaseDuration, logger),
		cfg:       cfg,
		logger:    logger,
	}
}

// Run claims and processes batches until ctx finishes, or until the queue is
// drained when ExitWhenDrained is set. Claims still held on shutdown are released.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		claims, err := w.deps.Claims.ClaimBatch(ctx, w.cfg.ID, w.cfg.BatchSize, w.cfg.LeaseDuration)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("claim batch failed", zap.Error(err))
			if err := w.deps.Sleep(ctx, w.cfg.IdleWait); err != nil {
				return nil
			}
			continue
		}
		if len(claims) == 0 {
			if w.cfg.ExitWhenDrained {
				w.logger.Debug("queue drained")
				return nil
			}
			if err := w.deps.Sleep(ctx, w.cfg.IdleWait); err != nil {
				return nil
			}
			continue
		}
		for i, claim := range claims {
			if ctx.Err() != nil {
				w.releaseAll(claims[i:])
				return nil
			}
			w.Process(ctx, claim)
		}
	}
}

// Process executes one claimed task end to end and reports its outcome.
func (w *Worker) Process(ctx context.Context, claim harvest.Claim) harvest.TaskOutcome {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(
		zap.String("claim_id", claim.ID),
		zap.String("task_id", claim.TaskID),
		zap.String("endpoint", claim.Task.EndpointName),
		zap.Time("data_date", claim.Task.DataDate),
	)
	run := &taskRun{claim: claim, logger: logger}
	outcome := w.execute(ctx, run)

	w.deps.Summary.RecordOutcome(outcome, run.reason, run.pages, run.attempts)
	metrics.ObserveTask(string(outcome))
	return outcome
}

type taskRun struct {
	claim    harvest.Claim
	logger   *zap.Logger
	reason   string
	pages    int
	attempts int
}

func (w *Worker) execute(ctx context.Context, run *taskRun) harvest.TaskOutcome {
	claim := run.claim
	endpoint, ok := w.catalog[claim.Task.EndpointName]
	if !ok {
		run.logger.Warn("task references unknown endpoint")
		return w.fail(ctx, run, harvest.ReasonUnknownEndpoint)
	}

	if err := w.deps.Claims.MarkExecuting(ctx, claim.ID); err != nil {
		if errors.Is(err, harvest.ErrClaimExpired) || errors.Is(err, harvest.ErrClaimNotFound) {
			return w.leaseLost(run, err)
		}
		if ctx.Err() != nil {
			return w.release(run)
		}
		run.logger.Error("mark executing failed", zap.Error(err))
		return w.fail(ctx, run, harvest.ReasonStoreError)
	}
	run.logger.Debug("task executing")

	session := w.heartbeat.Start(ctx, claim.ID)
	defer session.Stop()

	pageSize := endpoint.PageSize
	for pageNumber := 1; ; pageNumber++ {
		if session.Lost() {
			return w.leaseLost(run, harvest.ErrLeaseLost)
		}
		requestID, err := w.deps.IDs.NewID()
		if err != nil {
			run.logger.Error("generate request id failed", zap.Error(err))
			return w.fail(ctx, run, harvest.ReasonStoreError)
		}
		page, attempts, err := w.fetchWithRetry(ctx, session, harvest.PageRequest{
			Endpoint:   endpoint,
			Task:       claim.Task,
			PageNumber: pageNumber,
			PageSize:   pageSize,
			RequestID:  requestID,
		})
		run.attempts += attempts
		if err != nil {
			if outcome, stopped := w.interrupted(ctx, run, err); stopped {
				return outcome
			}
			run.logger.Warn("page fetch failed",
				zap.Int("page_number", pageNumber),
				zap.Int("attempts", attempts),
				zap.Error(err),
			)
			return w.fail(ctx, run, harvest.FailureReason(err))
		}
		// An empty page ends pagination and is not committed.
		if page.Records == 0 {
			run.logger.Debug("empty page ends pagination", zap.Int("page_number", pageNumber))
			break
		}

		hash, _, err := w.deps.Content.Ingest(ctx, page.Payload, harvest.ContentMeta{
			EndpointName: claim.Task.EndpointName,
			DataDate:     claim.Task.DataDate,
		})
		if err != nil {
			if outcome, stopped := w.interrupted(ctx, run, err); stopped {
				return outcome
			}
			run.logger.Error("ingest content failed", zap.Int("page_number", pageNumber), zap.Error(err))
			return w.fail(ctx, run, harvest.ReasonStoreError)
		}

		err = w.deps.Results.CommitPage(ctx, harvest.Result{
			TaskID:       claim.TaskID,
			ClaimID:      claim.ID,
			RequestID:    requestID,
			PageNumber:   pageNumber,
			RecordsCount: page.Records,
			ContentHash:  hash,
		})
		if err != nil {
			if outcome, stopped := w.interrupted(ctx, run, err); stopped {
				return outcome
			}
			run.logger.Error("commit page failed", zap.Int("page_number", pageNumber), zap.Error(err))
			return w.fail(ctx, run, harvest.ReasonStoreError)
		}
		run.pages++
		metrics.ObservePageCommitted(claim.Task.EndpointName)
		run.logger.Debug("page committed",
			zap.Int("page_number", pageNumber),
			zap.Int("records", page.Records),
			zap.String("content_hash", hash),
		)

		if !page.HasNext {
			break
		}
	}

	if err := w.deps.Claims.Complete(ctx, claim.ID); err != nil {
		if errors.Is(err, harvest.ErrClaimExpired) || errors.Is(err, harvest.ErrClaimNotFound) {
			return w.leaseLost(run, err)
		}
		run.logger.Error("complete claim failed", zap.Error(err))
		return w.fail(ctx, run, harvest.ReasonStoreError)
	}
	run.logger.Debug("task completed", zap.Int("pages", run.pages))
	return harvest.OutcomeCompleted
}

// interrupted reports whether err is a consequence of losing the lease or of
// shutdown rather than a task failure.
func (w *Worker) interrupted(ctx context.Context, run *taskRun, err error) (harvest.TaskOutcome, bool) {
	if errors.Is(err, harvest.ErrLeaseLost) {
		return w.leaseLost(run, err), true
	}
	if ctx.Err() != nil {
		return w.release(run), true
	}
	return "", false
}

func (w *Worker) fetchWithRetry(ctx context.Context, session *lease.Session, req harvest.PageRequest) (harvest.Page, int, error) {
	for attempt := 1; ; attempt++ {
		page, err := w.fetchOnce(ctx, req)
		if err == nil {
			metrics.ObserveFetch(req.Endpoint.Name, "ok")
			return page, attempt, nil
		}
		metrics.ObserveFetch(req.Endpoint.Name, fetchResult(err))
		if ctx.Err() != nil || !w.deps.Retry.ShouldRetry(err, attempt) {
			return harvest.Page{}, attempt, err
		}
		if session.Lost() {
			return harvest.Page{}, attempt, fmt.Errorf("stop retrying page %d: %w", req.PageNumber, harvest.ErrLeaseLost)
		}
		delay := w.deps.Retry.Backoff(attempt, err)
		w.logger.Debug("retrying page fetch",
			zap.String("task_id", req.Task.ID),
			zap.Int("page_number", req.PageNumber),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)
		if err := w.deps.Sleep(ctx, delay); err != nil {
			return harvest.Page{}, attempt, err
		}
	}
}

func (w *Worker) fetchOnce(ctx context.Context, req harvest.PageRequest) (harvest.Page, error) {
	if w.deps.Limiter != nil {
		release, err := w.deps.Limiter.Acquire(ctx)
		if err != nil {
			return harvest.Page{}, err
		}
		defer release()
	}
	page, err := w.deps.Fetcher.FetchPage(ctx, req)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("fetch page %d: %w", req.PageNumber, err)
	}
	return page, nil
}

func (w *Worker) fail(ctx context.Context, run *taskRun, reason string) harvest.TaskOutcome {
	run.reason = reason
	if err := w.deps.Claims.Fail(context.WithoutCancel(ctx), run.claim.ID, reason); err != nil {
		if errors.Is(err, harvest.ErrClaimExpired) {
			return w.leaseLost(run, err)
		}
		run.logger.Error("fail claim failed", zap.String("reason", reason), zap.Error(err))
	}
	run.logger.Warn("task failed", zap.String("reason", reason))
	return harvest.OutcomeFailed
}

func (w *Worker) leaseLost(run *taskRun, err error) harvest.TaskOutcome {
	run.reason = ""
	metrics.ObserveLeaseLost()
	run.logger.Info("lease lost, abandoning task", zap.Error(err))
	return harvest.OutcomeLeaseLost
}

func (w *Worker) release(run *taskRun) harvest.TaskOutcome {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.deps.Claims.Release(ctx, run.claim.ID); err != nil {
		run.logger.Error("release claim failed", zap.Error(err))
	}
	run.logger.Info("claim released on shutdown")
	return harvest.OutcomeReleased
}

func (w *Worker) releaseAll(claims []harvest.Claim) {
	for _, claim := range claims {
		run := &taskRun{claim: claim, logger: w.logger.With(zap.String("claim_id", claim.ID))}
		w.deps.Summary.RecordOutcome(w.release(run), "", 0, 0)
	}
}

func fetchResult(err error) string {
	var fetchErr *harvest.FetchError
	if errors.As(err, &fetchErr) {
		return string(fetchErr.Kind)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "error"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
