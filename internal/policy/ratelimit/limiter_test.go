package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiterNeverExceedsCeiling(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxInFlight: 3})
	var (
		wg      sync.WaitGroup
		current atomic.Int64
		peak    atomic.Int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			defer release()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int64(3))
	require.Positive(t, peak.Load())
	require.Zero(t, l.InFlight())
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxInFlight: 1})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	require.Zero(t, l.InFlight())

	again, err := l.Acquire(context.Background())
	require.NoError(t, err)
	again()
}

func TestLimiterPacesRequests(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxInFlight: 10, RequestsPerSecond: 10, Burst: 1})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()

	start := time.Now()
	release, err = l.Acquire(context.Background())
	require.NoError(t, err)
	release()
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestLimiterPacerFailureReleasesSlot(t *testing.T) {
	t.Parallel()

	l := New(Config{MaxInFlight: 1, RequestsPerSecond: 0.001, Burst: 1})
	release, err := l.Acquire(context.Background())
	require.NoError(t, err)
	release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	require.Error(t, err)
	require.Zero(t, l.InFlight())

	require.True(t, l.sem.TryAcquire(1), "slot must be released after pacer failure")
	l.sem.Release(1)
}
