package entities

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of an ingestion job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// DefaultMaxRetries is applied when a job is created without an explicit ceiling.
const DefaultMaxRetries = 3

// IngestionJob tracks one ingestion attempt: a CSV batch, a provider sync
// call, or a webhook-triggered insert. Jobs with the same
// (tenant, source_type, idempotency_key) collapse to a single canonical row.
type IngestionJob struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	TenantID       uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	SourceType     Provider   `json:"source_type" db:"source_type"`
	SourceRef      *string    `json:"source_ref,omitempty" db:"source_ref"`
	Status         JobStatus  `json:"status" db:"status"`
	IdempotencyKey *string    `json:"idempotency_key,omitempty" db:"idempotency_key"`
	RetryCount     int        `json:"retry_count" db:"retry_count"`
	MaxRetries     int        `json:"max_retries" db:"max_retries"`
	IngestedRows   int        `json:"ingested_rows" db:"ingested_rows"`
	RejectedRows   int        `json:"rejected_rows" db:"rejected_rows"`
	LastError      *string    `json:"last_error,omitempty" db:"last_error"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty" db:"next_retry_at"`
	Params         JSONMap    `json:"params,omitempty" db:"params"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at" db:"updated_at"`
}

// CanRetry reports whether the job is still below its retry ceiling.
func (j *IngestionJob) CanRetry() bool {
	return j.Status == JobStatusFailed && j.RetryCount < j.MaxRetries
}

// IsDeadLettered reports whether the job has exhausted automatic retries
// and requires manual intervention.
func (j *IngestionJob) IsDeadLettered() bool {
	return j.Status == JobStatusFailed && j.RetryCount >= j.MaxRetries
}

// MarkRunning transitions the job to running and stamps the start time.
func (j *IngestionJob) MarkRunning() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkCompleted finalizes a successful run with its row counts.
func (j *IngestionJob) MarkCompleted(ingested, rejected int) {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.IngestedRows = ingested
	j.RejectedRows = rejected
	j.LastError = nil
	j.NextRetryAt = nil
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// MarkFailed records the failure and schedules the next retry attempt.
// The scheduler only picks the job up again while CanRetry holds.
func (j *IngestionJob) MarkFailed(err error, retryDelay time.Duration) {
	now := time.Now().UTC()
	msg := err.Error()
	j.Status = JobStatusFailed
	j.LastError = &msg
	j.FinishedAt = &now
	j.UpdatedAt = now

	if j.RetryCount < j.MaxRetries {
		next := now.Add(retryDelay)
		j.NextRetryAt = &next
	} else {
		j.NextRetryAt = nil
	}
}

// PrepareRetry resets a failed job for re-execution. Callers must check
// CanRetry first; exceeding the ceiling is a terminal failure.
func (j *IngestionJob) PrepareRetry() {
	now := time.Now().UTC()
	j.Status = JobStatusQueued
	j.RetryCount++
	j.LastError = nil
	j.NextRetryAt = nil
	j.FinishedAt = nil
	j.UpdatedAt = now
}
