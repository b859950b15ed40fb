package harvest

import (
	"context"
	"time"
)

// PlanStore persists plan generations.
type PlanStore interface {
	// SavePlan inserts tasks that are not yet known and records the generation event.
	// Existing tasks keep their status. The returned PlanVersion carries the assigned
	// version and the number of newly created tasks.
	SavePlan(ctx context.Context, plan PlanVersion, tasks []Task) (PlanVersion, error)
}

// ClaimManager is the lease queue over the task table.
type ClaimManager interface {
	ClaimBatch(ctx context.Context, workerID string, maxN int, lease time.Duration) ([]Claim, error)
	Renew(ctx context.Context, claimID string, lease time.Duration) (time.Time, error)
	MarkExecuting(ctx context.Context, claimID string) error
	Complete(ctx context.Context, claimID string) error
	Fail(ctx context.Context, claimID string, reason string) error
	// Release returns an unfinished claim to the queue without charging the retry budget.
	Release(ctx context.Context, claimID string) error
	// ValidateLease returns ErrLeaseLost unless claimID is the active, unexpired claim.
	ValidateLease(ctx context.Context, claimID string) error
	// Reap expires overdue claims and returns how many were reaped.
	Reap(ctx context.Context) (int, error)
}

// ResultRecorder commits page outcomes under a valid lease.
type ResultRecorder interface {
	// CommitPage re-validates the lease and appends the result in one atomic step.
	// It returns ErrLeaseLost when the claim is no longer active.
	CommitPage(ctx context.Context, result Result) error
}

// ContentRepository is the storage side of the content-addressed store.
type ContentRepository interface {
	// UpsertContent inserts a new record with reference_count 1 or increments the
	// existing record's count, atomically.
	UpsertContent(ctx context.Context, hash string, payload []byte, meta ContentMeta) (created bool, refs int64, err error)
	ListPendingContent(ctx context.Context, limit int) ([]ContentRecord, error)
	RecordUpload(ctx context.Context, outcome UploadOutcome) error
	// MarkPendingSkipped flags every pending record as skipped.
	MarkPendingSkipped(ctx context.Context) (int, error)
}

// CoordinationStore bundles every write path of the shared store.
type CoordinationStore interface {
	PlanStore
	ClaimManager
	ResultRecorder
	ContentRepository
}

// PageRequest is everything the fetcher needs for one page of a task.
type PageRequest struct {
	Endpoint   Endpoint
	Task       Task
	PageNumber int
	PageSize   int
	RequestID  string
}

// Page is a decoded response envelope.
type Page struct {
	StatusCode  int
	Records     int
	CurrentPage int
	TotalPages  int
	HasNext     bool
	Payload     []byte
	Duration    time.Duration
}

// Fetcher retrieves one page from the remote data API.
type Fetcher interface {
	FetchPage(ctx context.Context, request PageRequest) (Page, error)
}

// ArchiveMetadata is attached to every archived object.
type ArchiveMetadata struct {
	Checksum   string
	SourceDate string
	Endpoint   string
}

// Archive uploads compressed payloads to durable storage and returns a URI.
type Archive interface {
	Upload(ctx context.Context, identifier string, payload []byte, meta ArchiveMetadata) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Limiter bounds concurrent requests to the remote API process-wide.
type Limiter interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Hasher computes digests for deduplication and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces claim, result and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
