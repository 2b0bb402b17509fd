package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// RecommendationRepository handles recommendation and feedback persistence.
type RecommendationRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRecommendationRepository creates a new recommendation repository
func NewRecommendationRepository(db *sqlx.DB, logger *zap.Logger) *RecommendationRepository {
	return &RecommendationRepository{
		db:     db,
		logger: logger,
	}
}

// InsertBatch persists a generation pass's output.
func (r *RecommendationRepository) InsertBatch(ctx context.Context, recs []*entities.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO recommendations
			(id, tenant_id, category, priority, recommendation_text, confidence,
			 lifecycle_state, expected_impact, model, prompt_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	for _, rec := range recs {
		if _, err := tx.ExecContext(ctx, query,
			rec.ID,
			rec.TenantID,
			rec.Category,
			rec.Priority,
			rec.RecommendationText,
			rec.Confidence,
			rec.LifecycleState,
			rec.ExpectedImpact,
			rec.Model,
			rec.PromptVersion,
			rec.CreatedAt,
		); err != nil {
			r.logger.Error("failed to insert recommendation",
				zap.Error(err),
				zap.String("tenant_id", rec.TenantID.String()),
				zap.String("category", rec.Category),
			)
			return fmt.Errorf("failed to insert recommendation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recommendations: %w", err)
	}

	return nil
}

// GetByID retrieves a recommendation.
func (r *RecommendationRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.Recommendation, error) {
	query := `
		SELECT id, tenant_id, category, priority, recommendation_text, confidence,
		       lifecycle_state, analyst_feedback, analyst_feedback_reason,
		       expected_impact, model, prompt_version, created_at
		FROM recommendations
		WHERE id = $1
	`

	rec := &entities.Recommendation{}
	if err := r.db.GetContext(ctx, rec, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get recommendation: %w", err)
	}

	return rec, nil
}

// ListOpenCategories returns the categories of open recommendations for a
// tenant, used to suppress duplicate generation.
func (r *RecommendationRepository) ListOpenCategories(ctx context.Context, tenantID uuid.UUID) (map[string]bool, error) {
	query := `
		SELECT DISTINCT category
		FROM recommendations
		WHERE tenant_id = $1 AND lifecycle_state = 'open'
	`

	var categories []string
	if err := r.db.SelectContext(ctx, &categories, query, tenantID); err != nil {
		return nil, fmt.Errorf("failed to list open recommendation categories: %w", err)
	}

	open := make(map[string]bool, len(categories))
	for _, c := range categories {
		open[c] = true
	}

	return open, nil
}

// ApplyFeedback records the analyst's verdict on the recommendation row
// and writes the matching audit entry in one transaction.
func (r *RecommendationRepository) ApplyFeedback(ctx context.Context, rec *entities.Recommendation, fb *entities.RecommendationFeedback) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	updateQuery := `
		UPDATE recommendations
		SET lifecycle_state = $2, analyst_feedback = $3, analyst_feedback_reason = $4
		WHERE id = $1
	`

	result, err := tx.ExecContext(ctx, updateQuery,
		rec.ID,
		rec.LifecycleState,
		rec.AnalystFeedback,
		rec.AnalystFeedbackReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update recommendation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	auditQuery := `
		INSERT INTO recommendation_feedback
			(id, tenant_id, recommendation_id, user_id, feedback, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if _, err := tx.ExecContext(ctx, auditQuery,
		fb.ID,
		fb.TenantID,
		fb.RecommendationID,
		fb.UserID,
		fb.Feedback,
		fb.Reason,
		fb.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert recommendation feedback: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit recommendation feedback: %w", err)
	}

	r.logger.Info("recommendation feedback applied",
		zap.String("recommendation_id", rec.ID.String()),
		zap.String("feedback", fb.Feedback),
	)

	return nil
}
