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

// RiskEventRepository handles risk event persistence. Detection writes are
// insert-only; only analyst workflow actions mutate rows.
type RiskEventRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewRiskEventRepository creates a new risk event repository
func NewRiskEventRepository(db *sqlx.DB, logger *zap.Logger) *RiskEventRepository {
	return &RiskEventRepository{
		db:     db,
		logger: logger,
	}
}

// InsertBatch persists freshly detected events.
func (r *RiskEventRepository) InsertBatch(ctx context.Context, events []*entities.RiskEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO risk_events
			(id, tenant_id, transaction_id, event_type, severity, score,
			 reasons, status, workflow_state, sla_due_at, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	for _, e := range events {
		if _, err := tx.ExecContext(ctx, query,
			e.ID,
			e.TenantID,
			e.TransactionID,
			e.EventType,
			e.Severity,
			e.Score,
			e.Reasons,
			e.Status,
			e.WorkflowState,
			e.SLADueAt,
			e.DetectedAt,
		); err != nil {
			r.logger.Error("failed to insert risk event",
				zap.Error(err),
				zap.String("tenant_id", e.TenantID.String()),
				zap.String("event_type", string(e.EventType)),
			)
			return fmt.Errorf("failed to insert risk event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit risk events: %w", err)
	}

	return nil
}

// GetByID retrieves a single risk event.
func (r *RiskEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*entities.RiskEvent, error) {
	query := `
		SELECT id, tenant_id, transaction_id, event_type, severity, score,
		       reasons, status, workflow_state, owner, sla_due_at, detected_at
		FROM risk_events
		WHERE id = $1
	`

	event := &entities.RiskEvent{}
	if err := r.db.GetContext(ctx, event, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get risk event: %w", err)
	}

	return event, nil
}

// ListOpen returns the tenant's newest open events (workflow state new or
// investigating), newest first.
func (r *RiskEventRepository) ListOpen(ctx context.Context, tenantID uuid.UUID, limit int) ([]*entities.RiskEvent, error) {
	query := `
		SELECT id, tenant_id, transaction_id, event_type, severity, score,
		       reasons, status, workflow_state, owner, sla_due_at, detected_at
		FROM risk_events
		WHERE tenant_id = $1 AND workflow_state IN ('new', 'investigating')
		ORDER BY detected_at DESC
		LIMIT $2
	`

	var events []*entities.RiskEvent
	if err := r.db.SelectContext(ctx, &events, query, tenantID, limit); err != nil {
		r.logger.Error("failed to list open risk events",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		return nil, fmt.Errorf("failed to list open risk events: %w", err)
	}

	return events, nil
}

// CountOpenBySeverity counts open events at or above high severity.
func (r *RiskEventRepository) CountOpenBySeverity(ctx context.Context, tenantID uuid.UUID, severities []entities.Severity) (int, error) {
	query, args, err := sqlx.In(`
		SELECT COUNT(*)
		FROM risk_events
		WHERE tenant_id = ? AND workflow_state IN ('new', 'investigating') AND severity IN (?)
	`, tenantID, severities)
	if err != nil {
		return 0, fmt.Errorf("failed to build severity count query: %w", err)
	}

	var count int
	if err := r.db.GetContext(ctx, &count, r.db.Rebind(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count open risk events: %w", err)
	}

	return count, nil
}

// UpdateWorkflow moves an event through the analyst workflow. Transition
// validity is the service's concern; this just persists the new state.
func (r *RiskEventRepository) UpdateWorkflow(ctx context.Context, id uuid.UUID, state entities.WorkflowState, owner *string) error {
	query := `
		UPDATE risk_events
		SET workflow_state = $2,
		    owner = COALESCE($3, owner),
		    status = CASE WHEN $2 IN ('resolved', 'false_positive') THEN 'closed' ELSE status END
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, state, owner)
	if err != nil {
		r.logger.Error("failed to update risk event workflow",
			zap.Error(err),
			zap.String("event_id", id.String()),
			zap.String("workflow_state", string(state)),
		)
		return fmt.Errorf("failed to update risk event workflow: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	r.logger.Info("risk event workflow updated",
		zap.String("event_id", id.String()),
		zap.String("workflow_state", string(state)),
	)

	return nil
}
