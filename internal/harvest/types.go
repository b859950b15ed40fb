// Package harvest defines core types shared across the planning, claiming,
// extraction and archival subsystems.
package harvest

import (
	"time"
)

// TaskStatus represents the lifecycle state of a unit of extraction work.
type TaskStatus string

// Task status values persisted in the coordination store.
const (
	TaskPending   TaskStatus = "PENDING"
	TaskClaimed   TaskStatus = "CLAIMED"
	TaskExecuting TaskStatus = "EXECUTING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// ClaimStatus represents the state of a single lease on a task.
type ClaimStatus string

// Claim status values persisted in the claims table.
const (
	ClaimClaimed   ClaimStatus = "CLAIMED"
	ClaimExecuting ClaimStatus = "EXECUTING"
	ClaimCompleted ClaimStatus = "COMPLETED"
	ClaimFailed    ClaimStatus = "FAILED"
)

// Active reports whether the claim still holds (or may hold) the task.
func (s ClaimStatus) Active() bool {
	return s == ClaimClaimed || s == ClaimExecuting
}

// UploadStatus tracks a content record's progress towards the archive.
type UploadStatus string

// Upload status values.
const (
	UploadPending UploadStatus = "pending"
	UploadSuccess UploadStatus = "success"
	UploadFailed  UploadStatus = "failed"
	UploadSkipped UploadStatus = "skipped"
)

// Environment tags a plan generation.
type Environment string

// Recognized environments.
const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// ParseEnvironment validates a raw environment tag.
func ParseEnvironment(raw string) (Environment, error) {
	switch env := Environment(raw); env {
	case EnvDev, EnvStaging, EnvProd:
		return env, nil
	default:
		return "", &InvalidEnvironmentError{Value: raw}
	}
}

// Granularity is the bucket size for an endpoint's date dimension.
type Granularity string

// Supported bucket granularities.
const (
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

// Failure reason codes recorded on failed claims and tasks.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonClientError      = "client_error"
	ReasonDecodeError      = "decode_error"
	ReasonLeaseExpired     = "lease_expired"
	ReasonStoreError       = "store_error"
	ReasonReleased         = "released"
	ReasonBudgetExhausted  = "retry_budget_exhausted"
	ReasonUnknownEndpoint  = "unknown_endpoint"
)

// Endpoint describes one entry of the endpoint catalog.
type Endpoint struct {
	Name         string      `json:"name" mapstructure:"name"`
	PathTemplate string      `json:"path_template" mapstructure:"path_template"`
	Granularity  Granularity `json:"granularity" mapstructure:"granularity"`
	PageSize     int         `json:"page_size" mapstructure:"page_size"`
	Variants     []string    `json:"variants" mapstructure:"variants"`
	Active       bool        `json:"active" mapstructure:"active"`
}

// Task is one (endpoint, date bucket, variant) unit of work.
type Task struct {
	ID              string     `json:"task_id"`
	EndpointName    string     `json:"endpoint_name"`
	DataDate        time.Time  `json:"data_date"`
	Variant         *string    `json:"variant,omitempty"`
	Status          TaskStatus `json:"status"`
	PlanFingerprint string     `json:"plan_fingerprint"`
	FailedClaims    int        `json:"failed_claims"`
	LastError       string     `json:"last_error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// VariantValue returns the variant or an empty string when none is set.
func (t Task) VariantValue() string {
	if t.Variant == nil {
		return ""
	}
	return *t.Variant
}

// PlanVersion records a plan generation event.
type PlanVersion struct {
	Version         int64       `json:"plan_version"`
	Fingerprint     string      `json:"plan_fingerprint"`
	Environment     Environment `json:"environment"`
	DateRangeStart  time.Time   `json:"date_range_start"`
	DateRangeEnd    time.Time   `json:"date_range_end"`
	GeneratedAt     time.Time   `json:"generated_at"`
	ConfigVersion   string      `json:"config_version"`
	TaskCount       int         `json:"task_count"`
	NewTaskCount    int         `json:"new_task_count"`
	GenerationCount int         `json:"generation_count"`
}

// Claim is a time-bounded exclusive hold a worker takes on a task.
type Claim struct {
	ID         string      `json:"claim_id"`
	TaskID     string      `json:"task_id"`
	WorkerID   string      `json:"worker_id"`
	Status     ClaimStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	ClaimedAt  time.Time   `json:"claimed_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Task       Task        `json:"task"`
}

// Result is one committed page of a task.
type Result struct {
	ID           string    `json:"result_id"`
	TaskID       string    `json:"task_id"`
	ClaimID      string    `json:"claim_id"`
	RequestID    string    `json:"request_id"`
	PageNumber   int       `json:"page_number"`
	RecordsCount int       `json:"records_count"`
	ContentHash  string    `json:"content_hash"`
	CompletedAt  time.Time `json:"completed_at"`
}

// ContentRecord is a deduplicated payload keyed by its content hash.
type ContentRecord struct {
	Hash           string       `json:"content_hash"`
	ReferenceCount int64        `json:"reference_count"`
	SizeBytes      int64        `json:"size_bytes"`
	UploadStatus   UploadStatus `json:"upload_status"`
	UploadAttempts int          `json:"upload_attempts"`
	EndpointName   string       `json:"endpoint_name"`
	DataDate       time.Time    `json:"data_date"`
	Checksum       string       `json:"checksum,omitempty"`
	ArchiveURI     string       `json:"archive_uri,omitempty"`
	Payload        []byte       `json:"-"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ContentMeta describes where an ingested payload came from.
type ContentMeta struct {
	EndpointName string
	DataDate     time.Time
}

// UploadOutcome is the per-record result the uploader commits.
type UploadOutcome struct {
	Hash       string
	Status     UploadStatus
	Checksum   string
	ArchiveURI string
	Attempts   int
}

// TaskFilter narrows task listings on the query surface.
type TaskFilter struct {
	Status   TaskStatus
	Endpoint string
	Limit    int
	Offset   int
}
