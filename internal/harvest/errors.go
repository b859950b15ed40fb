package harvest

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClaimNotFound is returned when a claim id is unknown to the store.
	ErrClaimNotFound = errors.New("claim not found")
	// ErrClaimExpired is returned when a claim is no longer the active, unexpired lease.
	ErrClaimExpired = errors.New("claim expired")
	// ErrLeaseLost signals that a worker no longer holds its task and must not commit.
	ErrLeaseLost = errors.New("lease lost")
	// ErrTaskNotFound is returned when a task id is unknown to the store.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNoArchiveCredentials means the archive backend is not configured.
	ErrNoArchiveCredentials = errors.New("archive credentials not configured")
)

// InvalidRangeError reports a date range whose end precedes its start.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid date range: end %s is before start %s",
		e.End.Format(time.DateOnly), e.Start.Format(time.DateOnly))
}

// InvalidEnvironmentError reports an unrecognized environment tag.
type InvalidEnvironmentError struct {
	Value string
}

func (e *InvalidEnvironmentError) Error() string {
	return fmt.Sprintf("invalid environment %q: must be one of dev, staging, prod", e.Value)
}

// FetchErrorKind classifies remote API failures.
type FetchErrorKind string

// Fetch error kinds.
const (
	FetchTransient   FetchErrorKind = "transient"
	FetchRateLimited FetchErrorKind = "rate_limited"
	FetchClient      FetchErrorKind = "client"
	FetchDecode      FetchErrorKind = "decode"
)

// FetchError wraps a failed page request with its classification.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	// RetryAfter is the server-provided delay for rate-limited responses.
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s fetch error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s fetch error: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *FetchError) Retryable() bool {
	return e.Kind == FetchTransient || e.Kind == FetchRateLimited
}

// FailureReason maps an extraction error to the reason code stored on the claim.
func FailureReason(err error) string {
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		switch fetchErr.Kind {
		case FetchClient:
			return ReasonClientError
		case FetchDecode:
			return ReasonDecodeError
		default:
			return ReasonRetriesExhausted
		}
	}
	return ReasonStoreError
}
