package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// ConnectionRepository handles processor connection persistence.
type ConnectionRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *sqlx.DB, logger *zap.Logger) *ConnectionRepository {
	return &ConnectionRepository{
		db:     db,
		logger: logger,
	}
}

// Upsert creates the connection for (tenant, provider) or reactivates the
// existing one. The unique constraint guarantees at most one row per pair.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *entities.ProcessorConnection) error {
	query := `
		INSERT INTO processor_connections
			(id, tenant_id, provider, status, credentials_ref, webhook_secret_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			status = EXCLUDED.status,
			credentials_ref = COALESCE(EXCLUDED.credentials_ref, processor_connections.credentials_ref),
			webhook_secret_ref = COALESCE(EXCLUDED.webhook_secret_ref, processor_connections.webhook_secret_ref),
			retry_count = 0,
			last_error = NULL,
			dead_letter_job_id = NULL,
			updated_at = now()
		RETURNING id, created_at, updated_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		conn.ID,
		conn.TenantID,
		conn.Provider,
		conn.Status,
		conn.CredentialsRef,
		conn.WebhookSecretRef,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to upsert processor connection",
			zap.Error(err),
			zap.String("tenant_id", conn.TenantID.String()),
			zap.String("provider", string(conn.Provider)),
		)
		return fmt.Errorf("failed to upsert connection: %w", err)
	}

	r.logger.Info("processor connection upserted",
		zap.String("connection_id", conn.ID.String()),
		zap.String("tenant_id", conn.TenantID.String()),
		zap.String("provider", string(conn.Provider)),
	)

	return nil
}

// GetByTenantAndProvider retrieves the connection for a (tenant, provider) pair.
func (r *ConnectionRepository) GetByTenantAndProvider(ctx context.Context, tenantID uuid.UUID, provider entities.Provider) (*entities.ProcessorConnection, error) {
	query := `
		SELECT id, tenant_id, provider, status, credentials_ref, webhook_secret_ref,
		       last_sync_at, retry_count, last_error, dead_letter_job_id, created_at, updated_at
		FROM processor_connections
		WHERE tenant_id = $1 AND provider = $2
	`

	conn := &entities.ProcessorConnection{}
	err := r.db.GetContext(ctx, conn, query, tenantID, provider)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		r.logger.Error("failed to get processor connection",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
			zap.String("provider", string(provider)),
		)
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return conn, nil
}

// ListActive returns all connections eligible for scheduled syncs.
func (r *ConnectionRepository) ListActive(ctx context.Context) ([]*entities.ProcessorConnection, error) {
	query := `
		SELECT id, tenant_id, provider, status, credentials_ref, webhook_secret_ref,
		       last_sync_at, retry_count, last_error, dead_letter_job_id, created_at, updated_at
		FROM processor_connections
		WHERE status != 'disconnected'
		ORDER BY created_at
	`

	var conns []*entities.ProcessorConnection
	if err := r.db.SelectContext(ctx, &conns, query); err != nil {
		r.logger.Error("failed to list active connections", zap.Error(err))
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	return conns, nil
}

// MarkSynced records a successful sync and clears any prior error state.
func (r *ConnectionRepository) MarkSynced(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	query := `
		UPDATE processor_connections
		SET status = 'connected', last_sync_at = $2, retry_count = 0,
		    last_error = NULL, dead_letter_job_id = NULL, updated_at = now()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, syncedAt)
	if err != nil {
		r.logger.Error("failed to mark connection synced",
			zap.Error(err),
			zap.String("connection_id", id.String()),
		)
		return fmt.Errorf("failed to mark connection synced: %w", err)
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

// MarkError flips the connection to error state. When the failing job has
// exhausted retries its id is recorded so operators can find the dead letter.
func (r *ConnectionRepository) MarkError(ctx context.Context, id uuid.UUID, lastError string, deadLetterJobID *uuid.UUID) error {
	query := `
		UPDATE processor_connections
		SET status = 'error', retry_count = retry_count + 1,
		    last_error = $2, dead_letter_job_id = COALESCE($3, dead_letter_job_id),
		    updated_at = now()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, lastError, deadLetterJobID)
	if err != nil {
		r.logger.Error("failed to mark connection errored",
			zap.Error(err),
			zap.String("connection_id", id.String()),
		)
		return fmt.Errorf("failed to mark connection errored: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	r.logger.Warn("processor connection marked errored",
		zap.String("connection_id", id.String()),
		zap.String("last_error", lastError),
	)

	return nil
}

// Disconnect deactivates a connection without deleting its history.
func (r *ConnectionRepository) Disconnect(ctx context.Context, tenantID uuid.UUID, provider entities.Provider) error {
	query := `
		UPDATE processor_connections
		SET status = 'disconnected', updated_at = now()
		WHERE tenant_id = $1 AND provider = $2
	`

	result, err := r.db.ExecContext(ctx, query, tenantID, provider)
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
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
