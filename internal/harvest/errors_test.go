package harvest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseEnvironment(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"dev", "staging", "prod"} {
		env, err := ParseEnvironment(raw)
		require.NoError(t, err)
		require.Equal(t, Environment(raw), env)
	}

	_, err := ParseEnvironment("qa")
	var envErr *InvalidEnvironmentError
	require.ErrorAs(t, err, &envErr)
	require.Equal(t, "qa", envErr.Value)
}

func TestInvalidRangeErrorMessage(t *testing.T) {
	t.Parallel()

	err := &InvalidRangeError{
		Start: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.Contains(t, err.Error(), "2024-01-01")
	require.Contains(t, err.Error(), "2024-01-03")
}

func TestFailureReason(t *testing.T) {
	t.Parallel()

	require.Equal(t, ReasonClientError, FailureReason(&FetchError{Kind: FetchClient, StatusCode: 400}))
	require.Equal(t, ReasonDecodeError, FailureReason(fmt.Errorf("page 2: %w", &FetchError{Kind: FetchDecode})))
	require.Equal(t, ReasonRetriesExhausted, FailureReason(&FetchError{Kind: FetchTransient}))
	require.Equal(t, ReasonStoreError, FailureReason(errors.New("insert failed")))
}

func TestFetchErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("connection reset")
	err := &FetchError{Kind: FetchTransient, Err: inner}
	require.ErrorIs(t, err, inner)
	require.True(t, err.Retryable())
}
