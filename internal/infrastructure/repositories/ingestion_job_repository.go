package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

const jobColumns = `id, tenant_id, source_type, source_ref, status, idempotency_key,
	retry_count, max_retries, ingested_rows, rejected_rows, last_error,
	next_retry_at, params, started_at, finished_at, created_at, updated_at`

// IngestionJobRepository handles ingestion job persistence.
type IngestionJobRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewIngestionJobRepository creates a new ingestion job repository
func NewIngestionJobRepository(db *sqlx.DB, logger *zap.Logger) *IngestionJobRepository {
	return &IngestionJobRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new job row.
func (r *IngestionJobRepository) Create(ctx context.Context, job *entities.IngestionJob) error {
	query := `
		INSERT INTO ingestion_jobs
			(id, tenant_id, source_type, source_ref, status, idempotency_key,
			 max_retries, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		job.ID,
		job.TenantID,
		job.SourceType,
		job.SourceRef,
		job.Status,
		job.IdempotencyKey,
		job.MaxRetries,
		job.Params,
	).Scan(&job.CreatedAt, &job.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create ingestion job",
			zap.Error(err),
			zap.String("tenant_id", job.TenantID.String()),
			zap.String("source_type", string(job.SourceType)),
		)
		return fmt.Errorf("failed to create ingestion job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by id.
func (r *IngestionJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.IngestionJob, error) {
	query := fmt.Sprintf(`SELECT %s FROM ingestion_jobs WHERE id = $1`, jobColumns)

	job := &entities.IngestionJob{}
	if err := r.db.GetContext(ctx, job, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		r.logger.Error("failed to get ingestion job",
			zap.Error(err),
			zap.String("job_id", id.String()),
		)
		return nil, fmt.Errorf("failed to get ingestion job: %w", err)
	}

	return job, nil
}

// GetByIdempotencyKey finds the canonical job for a
// (tenant, source_type, idempotency_key) triple.
func (r *IngestionJobRepository) GetByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, sourceType entities.Provider, key string) (*entities.IngestionJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM ingestion_jobs
		WHERE tenant_id = $1 AND source_type = $2 AND idempotency_key = $3
	`, jobColumns)

	job := &entities.IngestionJob{}
	if err := r.db.GetContext(ctx, job, query, tenantID, sourceType, key); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job by idempotency key: %w", err)
	}

	return job, nil
}

// Update persists the mutable execution fields of a job.
func (r *IngestionJobRepository) Update(ctx context.Context, job *entities.IngestionJob) error {
	query := `
		UPDATE ingestion_jobs
		SET status = $2, retry_count = $3, ingested_rows = $4, rejected_rows = $5,
		    last_error = $6, next_retry_at = $7, params = $8,
		    started_at = $9, finished_at = $10, updated_at = now()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.Status,
		job.RetryCount,
		job.IngestedRows,
		job.RejectedRows,
		job.LastError,
		job.NextRetryAt,
		job.Params,
		job.StartedAt,
		job.FinishedAt,
	)
	if err != nil {
		r.logger.Error("failed to update ingestion job",
			zap.Error(err),
			zap.String("job_id", job.ID.String()),
		)
		return fmt.Errorf("failed to update ingestion job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDueForRetry returns failed jobs whose next attempt is due and whose
// retry budget is not exhausted.
func (r *IngestionJobRepository) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*entities.IngestionJob, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM ingestion_jobs
		WHERE status = 'failed'
		  AND next_retry_at IS NOT NULL
		  AND next_retry_at <= $1
		  AND retry_count < max_retries
		ORDER BY next_retry_at
		LIMIT $2
	`, jobColumns)

	var jobs []*entities.IngestionJob
	if err := r.db.SelectContext(ctx, &jobs, query, now, limit); err != nil {
		r.logger.Error("failed to list retryable jobs", zap.Error(err))
		return nil, fmt.Errorf("failed to list retryable jobs: %w", err)
	}

	return jobs, nil
}

// ClaimForRetry atomically requeues a failed job for another attempt. The
// retry_count guard makes the claim race-safe: a concurrent claimer sees
// zero rows and walks away.
func (r *IngestionJobRepository) ClaimForRetry(ctx context.Context, id uuid.UUID, expectedRetryCount int) (bool, error) {
	query := `
		UPDATE ingestion_jobs
		SET status = 'queued', retry_count = retry_count + 1,
		    last_error = NULL, next_retry_at = NULL, finished_at = NULL,
		    updated_at = now()
		WHERE id = $1 AND status = 'failed' AND retry_count = $2 AND retry_count < max_retries
	`

	result, err := r.db.ExecContext(ctx, query, id, expectedRetryCount)
	if err != nil {
		return false, fmt.Errorf("failed to claim job for retry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}
