// Package ratelimit bounds the load the harvester puts on the remote API: a
// process-wide ceiling on in-flight requests plus optional request pacing.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/metrics"
)

// Config holds limiter configuration.
type Config struct {
	// MaxInFlight is the ceiling on concurrent requests across every worker.
	MaxInFlight int64
	// RequestsPerSecond paces request starts; zero or less disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// Limiter is shared by every worker in the process.
type Limiter struct {
	sem      *semaphore.Weighted
	pacer    *rate.Limiter
	inFlight atomic.Int64
}

var _ harvest.Limiter = (*Limiter)(nil)

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	ceiling := cfg.MaxInFlight
	if ceiling <= 0 {
		ceiling = 1
	}
	l := &Limiter{sem: semaphore.NewWeighted(ceiling)}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return l
}

// Acquire blocks until a slot is free (and the pacer allows a start), then
// returns a release func that must be called exactly once.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire request slot: %w", err)
	}
	if l.pacer != nil {
		if err := l.pacer.Wait(ctx); err != nil {
			l.sem.Release(1)
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	metrics.ObserveLimiterWait(time.Since(start))
	l.inFlight.Add(1)
	metrics.IncInFlight()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.inFlight.Add(-1)
			metrics.DecInFlight()
			l.sem.Release(1)
		})
	}, nil
}

// InFlight reports how many slots are currently held.
func (l *Limiter) InFlight() int64 {
	return l.inFlight.Load()
}
