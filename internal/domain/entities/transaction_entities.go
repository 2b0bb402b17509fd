package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionDraft is a provider-agnostic payment event produced by a
// provider adapter or the CSV importer, prior to persistence.
type TransactionDraft struct {
	SourceProvider       Provider        `json:"source_provider"`
	SourceTxnID          string          `json:"source_txn_id"`
	MerchantID           *string         `json:"merchant_id,omitempty"`
	CardFingerprintToken *string         `json:"card_fingerprint_token,omitempty"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Approved             bool            `json:"approved"`
	DeclineCode          *string         `json:"decline_code,omitempty"`
	AVSResult            *string         `json:"avs_result,omitempty"`
	CVVResult            *string         `json:"cvv_result,omitempty"`
	MCC                  *string         `json:"mcc,omitempty"`
	Country              *string         `json:"country,omitempty"`
	Region               *string         `json:"region,omitempty"`
	Channel              *string         `json:"channel,omitempty"`
	OccurredAt           time.Time       `json:"occurred_at"`
	SettledAt            *time.Time      `json:"settled_at,omitempty"`
	PaymentMethod        *string         `json:"payment_method,omitempty"`
	RawRef               *string         `json:"raw_ref,omitempty"`
}

// NormalizedTransaction is the canonical stored payment event. Uniqueness
// holds on (tenant_id, source_provider, source_txn_id); re-ingestion of the
// same provider event overwrites in place, never duplicates.
type NormalizedTransaction struct {
	ID                   uuid.UUID       `json:"id" db:"id"`
	TenantID             uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	SourceProvider       Provider        `json:"source_provider" db:"source_provider"`
	SourceTxnID          string          `json:"source_txn_id" db:"source_txn_id"`
	MerchantID           *string         `json:"merchant_id,omitempty" db:"merchant_id"`
	CardFingerprintToken *string         `json:"card_fingerprint_token,omitempty" db:"card_fingerprint_token"`
	Amount               decimal.Decimal `json:"amount" db:"amount"`
	Currency             string          `json:"currency" db:"currency"`
	Approved             bool            `json:"approved" db:"approved"`
	DeclineCode          *string         `json:"decline_code,omitempty" db:"decline_code"`
	AVSResult            *string         `json:"avs_result,omitempty" db:"avs_result"`
	CVVResult            *string         `json:"cvv_result,omitempty" db:"cvv_result"`
	MCC                  *string         `json:"mcc,omitempty" db:"mcc"`
	Country              *string         `json:"country,omitempty" db:"country"`
	Region               *string         `json:"region,omitempty" db:"region"`
	Channel              *string         `json:"channel,omitempty" db:"channel"`
	OccurredAt           time.Time       `json:"occurred_at" db:"occurred_at"`
	SettledAt            *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	PaymentMethod        *string         `json:"payment_method,omitempty" db:"payment_method"`
	RawRef               *string         `json:"raw_ref,omitempty" db:"raw_ref"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}
