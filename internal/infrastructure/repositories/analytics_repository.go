package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// ErrTenantLocked is returned when another pipeline pass holds the
// tenant's advisory lock.
var ErrTenantLocked = errors.New("tenant pipeline already running")

// tenantLockNamespace keeps our advisory lock keys out of the way of any
// other advisory lock users sharing the database.
const tenantLockNamespace = 0x70756C73 // "puls"

// AnalyticsRepository handles snapshot, score and pipeline run persistence,
// plus per-tenant pipeline serialization.
type AnalyticsRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewAnalyticsRepository creates a new analytics repository
func NewAnalyticsRepository(db *sqlx.DB, logger *zap.Logger) *AnalyticsRepository {
	return &AnalyticsRepository{
		db:     db,
		logger: logger,
	}
}

// WithTenantLock runs fn while holding the tenant's advisory lock, so at
// most one analytics pass per tenant runs at a time across all instances.
// Returns ErrTenantLocked without running fn if the lock is taken.
func (r *AnalyticsRepository) WithTenantLock(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowxContext(ctx,
		`SELECT pg_try_advisory_lock($1, hashtext($2))`,
		tenantLockNamespace, tenantID.String(),
	).Scan(&acquired)
	if err != nil {
		return fmt.Errorf("failed to acquire tenant lock: %w", err)
	}
	if !acquired {
		return ErrTenantLocked
	}

	defer func() {
		// Unlock on the same session that took the lock.
		if _, err := conn.ExecContext(context.Background(),
			`SELECT pg_advisory_unlock($1, hashtext($2))`,
			tenantLockNamespace, tenantID.String(),
		); err != nil {
			r.logger.Warn("failed to release tenant lock",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
			)
		}
	}()

	return fn(ctx)
}

// InsertSnapshots appends one pass's metric points.
func (r *AnalyticsRepository) InsertSnapshots(ctx context.Context, snapshots []*entities.InsightSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO insight_snapshots
			(id, tenant_id, period_start, period_end, metric_key, metric_value,
			 narrative_summary, model, prompt_version, provenance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	for _, s := range snapshots {
		if _, err := tx.ExecContext(ctx, query,
			s.ID,
			s.TenantID,
			s.PeriodStart,
			s.PeriodEnd,
			s.MetricKey,
			s.MetricValue,
			s.NarrativeSummary,
			s.Model,
			s.PromptVersion,
			s.Provenance,
			s.CreatedAt,
		); err != nil {
			r.logger.Error("failed to insert insight snapshot",
				zap.Error(err),
				zap.String("tenant_id", s.TenantID.String()),
				zap.String("metric_key", s.MetricKey),
			)
			return fmt.Errorf("failed to insert insight snapshot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insight snapshots: %w", err)
	}

	return nil
}

// InsertMerchantScores appends one pass's merchant health scores.
func (r *AnalyticsRepository) InsertMerchantScores(ctx context.Context, scores []*entities.MerchantScore) error {
	if len(scores) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO merchant_scores
			(id, tenant_id, merchant_id, score_type, score_value, factors, as_of, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	for _, s := range scores {
		if _, err := tx.ExecContext(ctx, query,
			s.ID,
			s.TenantID,
			s.MerchantID,
			s.ScoreType,
			s.ScoreValue,
			s.Factors,
			s.AsOf,
			s.CreatedAt,
		); err != nil {
			r.logger.Error("failed to insert merchant score",
				zap.Error(err),
				zap.String("tenant_id", s.TenantID.String()),
				zap.String("merchant_id", s.MerchantID),
			)
			return fmt.Errorf("failed to insert merchant score: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merchant scores: %w", err)
	}

	return nil
}

// StartPipelineRun logs the beginning of a batch job execution.
func (r *AnalyticsRepository) StartPipelineRun(ctx context.Context, jobType string, tenantID *uuid.UUID) (*entities.PipelineRun, error) {
	run := &entities.PipelineRun{
		ID:        uuid.New(),
		JobType:   jobType,
		TenantID:  tenantID,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO pipeline_runs (id, job_type, tenant_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := r.db.ExecContext(ctx, query,
		run.ID, run.JobType, run.TenantID, run.Status, run.StartedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to start pipeline run: %w", err)
	}

	return run, nil
}

// FinishPipelineRun closes out a run with its outcome and duration.
func (r *AnalyticsRepository) FinishPipelineRun(ctx context.Context, run *entities.PipelineRun, runErr error) error {
	now := time.Now().UTC()
	run.CompletedAt = &now
	run.ExecutionTimeMs = now.Sub(run.StartedAt).Milliseconds()

	if runErr != nil {
		run.Status = "failed"
		msg := runErr.Error()
		run.ErrorMessage = &msg
	} else {
		run.Status = "completed"
	}

	query := `
		UPDATE pipeline_runs
		SET status = $2, error_message = $3, execution_time_ms = $4, completed_at = $5
		WHERE id = $1
	`

	if _, err := r.db.ExecContext(ctx, query,
		run.ID, run.Status, run.ErrorMessage, run.ExecutionTimeMs, run.CompletedAt,
	); err != nil {
		return fmt.Errorf("failed to finish pipeline run: %w", err)
	}

	return nil
}
