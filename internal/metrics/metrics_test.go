package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, tasksTotal)
	require.NotNil(t, contentIngestedTotal)
	require.NotNil(t, limiterWaitSeconds)
}

func TestObserveContentIngested(t *testing.T) {
	Init()
	before := testutil.ToFloat64(contentIngestedTotal.WithLabelValues("new"))
	beforeDup := testutil.ToFloat64(contentIngestedTotal.WithLabelValues("duplicate"))

	ObserveContentIngested(true)
	ObserveContentIngested(false)
	ObserveContentIngested(false)

	require.InDelta(t, before+1, testutil.ToFloat64(contentIngestedTotal.WithLabelValues("new")), 0.001)
	require.InDelta(t, beforeDup+2, testutil.ToFloat64(contentIngestedTotal.WithLabelValues("duplicate")), 0.001)
}

func TestObserveReapedIgnoresZero(t *testing.T) {
	Init()
	before := testutil.ToFloat64(tasksReapedTotal)
	ObserveReaped(0)
	ObserveReaped(3)
	require.InDelta(t, before+3, testutil.ToFloat64(tasksReapedTotal), 0.001)
}

func TestInFlightGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(inFlightRequests)
	IncInFlight()
	IncInFlight()
	DecInFlight()
	require.InDelta(t, before+1, testutil.ToFloat64(inFlightRequests), 0.001)
	DecInFlight()

	ObserveLimiterWait(10 * time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(limiterWaitSeconds))
}
