package entities

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionStatus represents the lifecycle state of a processor connection.
type ConnectionStatus string

const (
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	ConnectionStatusError        ConnectionStatus = "error"
)

// ProcessorConnection links a tenant to a payment processor account.
// At most one active connection exists per (tenant, provider); connections
// are deactivated, never hard-deleted.
type ProcessorConnection struct {
	ID               uuid.UUID        `json:"id" db:"id"`
	TenantID         uuid.UUID        `json:"tenant_id" db:"tenant_id"`
	Provider         Provider         `json:"provider" db:"provider"`
	Status           ConnectionStatus `json:"status" db:"status"`
	CredentialsRef   *string          `json:"credentials_ref,omitempty" db:"credentials_ref"`
	WebhookSecretRef *string          `json:"webhook_secret_ref,omitempty" db:"webhook_secret_ref"`
	LastSyncAt       *time.Time       `json:"last_sync_at,omitempty" db:"last_sync_at"`
	RetryCount       int              `json:"retry_count" db:"retry_count"`
	LastError        *string          `json:"last_error,omitempty" db:"last_error"`
	DeadLetterJobID  *uuid.UUID       `json:"dead_letter_job_id,omitempty" db:"dead_letter_job_id"`
	CreatedAt        time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at" db:"updated_at"`
}

// IsActive reports whether the connection may serve syncs and webhooks.
func (c *ProcessorConnection) IsActive() bool {
	return c.Status != ConnectionStatusDisconnected
}
