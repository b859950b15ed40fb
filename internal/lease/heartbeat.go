package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
)

// Renewer extends a claim's lease.
type Renewer interface {
	Renew(ctx context.Context, claimID string, lease time.Duration) (time.Time, error)
}

// Heartbeat renews claims on a fixed interval.
type Heartbeat struct {
	renewer  Renewer
	interval time.Duration
	lease    time.Duration
	logger   *zap.Logger
}

// NewHeartbeat constructs a Heartbeat. An interval of zero renews at a third of
// the lease duration.
func NewHeartbeat(renewer Renewer, interval, lease time.Duration, logger *zap.Logger) *Heartbeat {
	if interval <= 0 {
		interval = lease / 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{renewer: renewer, interval: interval, lease: lease, logger: logger.Named("heartbeat")}
}

// Session is the renewal loop of one claim.
type Session struct {
	lost   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

// Lost reports whether a renewal found the claim expired or gone. Losing the
// lease does not interrupt work in progress; callers check Lost between pages.
func (s *Session) Lost() bool {
	return s.lost.Load()
}

// Stop ends renewals and waits for the loop to exit.
func (s *Session) Stop() {
	s.cancel()
	<-s.done
}

// Start renews claimID until Stop is called, ctx ends, or the lease is lost.
func (h *Heartbeat) Start(ctx context.Context, claimID string) *Session {
	loopCtx, cancel := context.WithCancel(ctx)
	s := &Session{cancel: cancel, done: make(chan struct{})}
	if h.interval <= 0 || h.renewer == nil {
		close(s.done)
		return s
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
			}
			_, err := h.renewer.Renew(loopCtx, claimID, h.lease)
			switch {
			case err == nil:
			case errors.Is(err, harvest.ErrClaimExpired), errors.Is(err, harvest.ErrClaimNotFound):
				h.logger.Info("lease lost during heartbeat", zap.String("claim_id", claimID), zap.Error(err))
				s.lost.Store(true)
				return
			case loopCtx.Err() != nil:
				return
			default:
				h.logger.Warn("lease renewal failed", zap.String("claim_id", claimID), zap.Error(err))
			}
		}
	}()
	return s
}
