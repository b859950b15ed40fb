package harvest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestExponentialRetryPolicyShouldRetry(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Millisecond, 10*time.Millisecond)

	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{name: "nil error", err: nil, attempt: 1, want: false},
		{name: "transient", err: &FetchError{Kind: FetchTransient, StatusCode: 503}, attempt: 1, want: true},
		{name: "rate limited", err: &FetchError{Kind: FetchRateLimited, StatusCode: 429}, attempt: 2, want: true},
		{name: "client error", err: &FetchError{Kind: FetchClient, StatusCode: 404}, attempt: 1, want: false},
		{name: "decode error", err: &FetchError{Kind: FetchDecode}, attempt: 1, want: false},
		{name: "attempts exhausted", err: &FetchError{Kind: FetchTransient}, attempt: 3, want: false},
		{name: "canceled", err: context.Canceled, attempt: 1, want: false},
		{name: "deadline", err: context.DeadlineExceeded, attempt: 1, want: true},
		{name: "net timeout", err: fmt.Errorf("dial: %w", timeoutErr{}), attempt: 1, want: true},
		{name: "unknown", err: errors.New("boom"), attempt: 1, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, p.ShouldRetry(tc.err, tc.attempt))
		})
	}
}

func TestExponentialRetryPolicyBackoffBounds(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(5, 100*time.Millisecond, time.Second)
	for attempt := 1; attempt <= 6; attempt++ {
		got := p.Backoff(attempt, nil)
		require.GreaterOrEqual(t, got, time.Duration(0))
		require.LessOrEqual(t, got, time.Second)
	}
	first := p.Backoff(1, nil)
	require.GreaterOrEqual(t, first, 50*time.Millisecond)
	require.LessOrEqual(t, first, 100*time.Millisecond)
}

func TestExponentialRetryPolicyHonorsRetryAfter(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(3, time.Millisecond, 5*time.Millisecond)
	err := &FetchError{Kind: FetchRateLimited, StatusCode: 429, RetryAfter: 2 * time.Second}
	require.Equal(t, 2*time.Second, p.Backoff(1, err))
}

func TestNewExponentialRetryPolicyDefaults(t *testing.T) {
	t.Parallel()

	p := NewExponentialRetryPolicy(0, 0, 0)
	require.Equal(t, 3, p.MaxAttempts())
}
