// Package lease keeps claims honest: the Reaper returns expired claims to the
// queue and Heartbeat keeps a live claim from expiring while a worker runs.
package lease

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/metrics"
)

// ClaimReaper is the subset of harvest.ClaimManager the reaper loop needs.
type ClaimReaper interface {
	Reap(ctx context.Context) (int, error)
}

// Reaper periodically expires overdue claims.
type Reaper struct {
	claims   ClaimReaper
	interval time.Duration
	logger   *zap.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(claims ClaimReaper, interval time.Duration, logger *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{claims: claims, interval: interval, logger: logger.Named("reaper")}
}

// RunOnce performs a single reap pass.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	n, err := r.claims.Reap(ctx)
	if err != nil {
		return 0, fmt.Errorf("reap expired claims: %w", err)
	}
	metrics.ObserveReaped(n)
	if n > 0 {
		r.logger.Info("reaped expired claims", zap.Int("count", n))
	}
	return n, nil
}

// Run reaps every interval until ctx is done. Individual failures are logged and
// retried on the next tick.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reap failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
