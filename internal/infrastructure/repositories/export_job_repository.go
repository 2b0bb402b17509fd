package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// ExportJobRepository handles export job persistence.
type ExportJobRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewExportJobRepository creates a new export job repository
func NewExportJobRepository(db *sqlx.DB, logger *zap.Logger) *ExportJobRepository {
	return &ExportJobRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a freshly started export job.
func (r *ExportJobRepository) Create(ctx context.Context, job *entities.ExportJob) error {
	query := `
		INSERT INTO export_jobs
			(id, tenant_id, export_format, target, status, period_start, period_end, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if _, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.TenantID,
		job.ExportFormat,
		job.Target,
		job.Status,
		job.PeriodStart,
		job.PeriodEnd,
		job.CreatedAt,
	); err != nil {
		r.logger.Error("failed to create export job",
			zap.Error(err),
			zap.String("tenant_id", job.TenantID.String()),
		)
		return fmt.Errorf("failed to create export job: %w", err)
	}

	return nil
}

// Finish closes out an export job with its outcome.
func (r *ExportJobRepository) Finish(ctx context.Context, job *entities.ExportJob) error {
	query := `
		UPDATE export_jobs
		SET status = $2, file_ref = $3, stats = $4, error_message = $5, finished_at = $6
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.Status,
		job.FileRef,
		job.Stats,
		job.ErrorMessage,
		job.FinishedAt,
	); err != nil {
		r.logger.Error("failed to finish export job",
			zap.Error(err),
			zap.String("export_job_id", job.ID.String()),
		)
		return fmt.Errorf("failed to finish export job: %w", err)
	}

	return nil
}

// GetByID returns one export job.
func (r *ExportJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.ExportJob, error) {
	query := `
		SELECT id, tenant_id, export_format, target, status, period_start, period_end,
		       file_ref, stats, error_message, finished_at, created_at
		FROM export_jobs
		WHERE id = $1
	`

	var job entities.ExportJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get export job: %w", err)
	}

	return &job, nil
}
