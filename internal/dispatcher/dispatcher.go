// Package dispatcher runs a worker fleet for one extraction run.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// Runner is a long-running loop such as a worker, reaper or uploader.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f(ctx).
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// StatusCounter reports task counts per status.
type StatusCounter interface {
	CountTasksByStatus(ctx context.Context) (map[harvest.TaskStatus]int, error)
}

// Config wires a Dispatcher.
type Config struct {
	Workers []Runner
	// Background loops run alongside the workers and stop once every worker returns.
	Background []Runner
	Summary    *harvest.SummaryRecorder
	Counter    StatusCounter
	Clock      harvest.Clock
}

// Dispatcher fans a run out to its workers and collects the summary.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
}

// New creates a Dispatcher.
func New(cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{cfg: cfg, logger: logger.Named("dispatcher")}
}

// Run starts all workers and blocks until they return, either because the queue
// drained or ctx finished. The summary is returned in both cases.
func (d *Dispatcher) Run(ctx context.Context) (harvest.RunSummary, error) {
	if len(d.cfg.Workers) == 0 {
		return harvest.RunSummary{}, fmt.Errorf("dispatcher has no workers")
	}
	d.logger.Info("extraction run starting",
		zap.Int("workers", len(d.cfg.Workers)),
		zap.Int("background", len(d.cfg.Background)),
	)

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	var background errgroup.Group
	for _, r := range d.cfg.Background {
		background.Go(func() error { return r.Run(bgCtx) })
	}

	workers, workerCtx := errgroup.WithContext(ctx)
	for _, w := range d.cfg.Workers {
		workers.Go(func() error { return w.Run(workerCtx) })
	}
	workerErr := workers.Wait()
	stopBackground()
	bgErr := background.Wait()
	if errors.Is(bgErr, context.Canceled) {
		bgErr = nil
	}

	summary := d.Summary(context.WithoutCancel(ctx))
	d.logger.Info("extraction run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("lease_lost", summary.LeaseLost),
		zap.Int("released", summary.Released),
		zap.Int("pages_committed", summary.PagesCommitted),
	)
	return summary, errors.Join(workerErr, bgErr)
}

// Summary snapshots the run so far and attaches the store's status counts.
func (d *Dispatcher) Summary(ctx context.Context) harvest.RunSummary {
	var summary harvest.RunSummary
	if d.cfg.Summary != nil {
		summary = d.cfg.Summary.Snapshot()
	}
	if d.cfg.Clock != nil {
		summary.FinishedAt = d.cfg.Clock.Now()
	}
	if d.cfg.Counter != nil {
		counts, err := d.cfg.Counter.CountTasksByStatus(ctx)
		if err != nil {
			d.logger.Warn("count tasks by status failed", zap.Error(err))
		} else {
			summary.StatusCounts = counts
		}
	}
	return summary
}
