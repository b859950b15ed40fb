package harvest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSummaryRecorderConcurrent(t *testing.T) {
	t.Parallel()

	rec := NewSummaryRecorder("run-1", time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%5 == 0 {
				rec.RecordOutcome(OutcomeFailed, ReasonClientError, 0, 1)
				return
			}
			rec.RecordOutcome(OutcomeCompleted, "", 2, 2)
		}(i)
	}
	wg.Wait()

	got := rec.Snapshot()
	require.Equal(t, 40, got.Completed)
	require.Equal(t, 10, got.Failed)
	require.Equal(t, 80, got.PagesCommitted)
	require.Equal(t, 90, got.FetchAttempts)
	require.Equal(t, map[string]int{ReasonClientError: 10}, got.FailureReasons)
}

func TestRunSummarySortedReasons(t *testing.T) {
	t.Parallel()

	s := RunSummary{FailureReasons: map[string]int{"b": 1, "a": 1, "c": 3}}
	require.Equal(t, []string{"c", "a", "b"}, s.SortedReasons())
}
