package lease

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/opendata-harvester/internal/clock/manual"
	"github.com/JakeFAU/opendata-harvester/internal/harvest"
	"github.com/JakeFAU/opendata-harvester/internal/id/uuid"
	"github.com/JakeFAU/opendata-harvester/internal/storage/memory"
)

type countingReaper struct {
	calls atomic.Int32
	err   error
}

func (c *countingReaper) Reap(context.Context) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

func TestReaperRunOnceAgainstStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clk := manual.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk, uuid.New(), 0)
	_, err := store.SavePlan(ctx, harvest.PlanVersion{Fingerprint: "fp"}, []harvest.Task{
		{ID: "a", EndpointName: "prices"},
		{ID: "b", EndpointName: "prices"},
	})
	require.NoError(t, err)
	_, err = store.ClaimBatch(ctx, "w1", 2, time.Minute)
	require.NoError(t, err)

	r := NewReaper(store, time.Second, nil)
	n, err := r.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(2 * time.Minute)
	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = r.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	counts, err := store.CountTasksByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, counts[harvest.TaskPending])
}

func TestReaperRunTicksUntilCanceled(t *testing.T) {
	t.Parallel()

	claims := &countingReaper{err: errors.New("flaky")}
	r := NewReaper(claims, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return claims.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
