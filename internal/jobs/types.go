package jobs

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/civil"
)

// ErrNotFound is returned by a JobStore for an unknown job ID.
var ErrNotFound = errors.New("job not found")

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// RunJob is one queued reconciliation run.
type RunJob struct {
	// JobID is the unique identifier for this job.
	JobID string `json:"job_id"`

	// Date is the accounting date the trigger resolved to when it was
	// received, so a job that waits in the queue past the cutoff still
	// counts for the right day.
	Date civil.Date `json:"date"`

	// DryRun runs the reconciler without mutating anything.
	DryRun bool `json:"dry_run"`

	// Status is the current status of the job.
	Status JobStatus `json:"status"`

	// RunID is the reconciler run ID of the latest attempt.
	RunID string `json:"run_id,omitempty"`

	// CreatedAt is when the job was created.
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the latest attempt started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the latest attempt finished (success or failure).
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains error details if the latest attempt failed.
	Error string `json:"error,omitempty"`

	// RetryCount is the number of times this job has been retried.
	RetryCount int `json:"retry_count"`

	// MaxRetries is the maximum number of retries allowed.
	MaxRetries int `json:"max_retries"`
}

// Publisher enqueues run jobs.
type Publisher interface {
	// PublishRun enqueues a reconciliation run.
	PublishRun(ctx context.Context, job *RunJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer processes run jobs.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for the in-flight job to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error marks the attempt failed and
// schedules a retry while the job has retries left.
type JobHandler func(ctx context.Context, job *RunJob) error

// JobStore keeps job state for the status endpoints.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *RunJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*RunJob, error)

	// ListJobs retrieves jobs, newest first, with optional filtering.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RunJob, error)
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
