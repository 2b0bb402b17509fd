package repositories

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// AlertRepository handles alert channel and dispatch persistence.
type AlertRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *sqlx.DB, logger *zap.Logger) *AlertRepository {
	return &AlertRepository{
		db:     db,
		logger: logger,
	}
}

// CreateChannel registers a notification destination for a tenant.
func (r *AlertRepository) CreateChannel(ctx context.Context, ch *entities.AlertChannel) error {
	query := `
		INSERT INTO alert_channels
			(id, tenant_id, channel_type, destination, min_severity, enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		RETURNING created_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		ch.ID,
		ch.TenantID,
		ch.ChannelType,
		ch.Destination,
		ch.MinSeverity,
		ch.Enabled,
	).Scan(&ch.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create alert channel",
			zap.Error(err),
			zap.String("tenant_id", ch.TenantID.String()),
			zap.String("channel_type", string(ch.ChannelType)),
		)
		return fmt.Errorf("failed to create alert channel: %w", err)
	}

	return nil
}

// ListEnabledChannels returns the tenant's enabled channels.
func (r *AlertRepository) ListEnabledChannels(ctx context.Context, tenantID uuid.UUID) ([]*entities.AlertChannel, error) {
	query := `
		SELECT id, tenant_id, channel_type, destination, min_severity, enabled, created_at
		FROM alert_channels
		WHERE tenant_id = $1 AND enabled = true
		ORDER BY created_at
	`

	var channels []*entities.AlertChannel
	if err := r.db.SelectContext(ctx, &channels, query, tenantID); err != nil {
		r.logger.Error("failed to list alert channels",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		return nil, fmt.Errorf("failed to list alert channels: %w", err)
	}

	return channels, nil
}

// InsertDispatch records one delivery attempt for an (event, channel) pair.
func (r *AlertRepository) InsertDispatch(ctx context.Context, d *entities.AlertDispatch) error {
	query := `
		INSERT INTO alert_dispatches
			(id, tenant_id, risk_event_id, channel_id, status, payload, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	if _, err := r.db.ExecContext(ctx, query,
		d.ID,
		d.TenantID,
		d.RiskEventID,
		d.ChannelID,
		d.Status,
		d.Payload,
		d.AttemptedAt,
	); err != nil {
		r.logger.Error("failed to insert alert dispatch",
			zap.Error(err),
			zap.String("risk_event_id", d.RiskEventID.String()),
			zap.String("channel_id", d.ChannelID.String()),
		)
		return fmt.Errorf("failed to insert alert dispatch: %w", err)
	}

	return nil
}

// HasDispatch reports whether a delivery for the (event, channel) pair has
// already been recorded. Dispatch stays at-least-once; this only trims the
// obvious repeats within normal operation.
func (r *AlertRepository) HasDispatch(ctx context.Context, riskEventID, channelID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM alert_dispatches
			WHERE risk_event_id = $1 AND channel_id = $2 AND status = 'sent'
		)
	`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, riskEventID, channelID); err != nil {
		return false, fmt.Errorf("failed to check dispatch existence: %w", err)
	}

	return exists, nil
}
