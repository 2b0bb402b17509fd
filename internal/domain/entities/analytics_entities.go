package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InsightSnapshot is one materialized metric point for a tenant over a
// scan window. Snapshots are append-only; each pipeline pass writes a
// fresh set.
type InsightSnapshot struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	TenantID         uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	PeriodStart      time.Time       `json:"period_start" db:"period_start"`
	PeriodEnd        time.Time       `json:"period_end" db:"period_end"`
	MetricKey        string          `json:"metric_key" db:"metric_key"`
	MetricValue      decimal.Decimal `json:"metric_value" db:"metric_value"`
	NarrativeSummary string          `json:"narrative_summary" db:"narrative_summary"`
	Model            string          `json:"model" db:"model"`
	PromptVersion    string          `json:"prompt_version" db:"prompt_version"`
	Provenance       JSONMap         `json:"provenance,omitempty" db:"provenance"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// MerchantScore is a per-merchant health score computed from the window.
type MerchantScore struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	TenantID   uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	MerchantID string          `json:"merchant_id" db:"merchant_id"`
	ScoreType  string          `json:"score_type" db:"score_type"`
	ScoreValue decimal.Decimal `json:"score_value" db:"score_value"`
	Factors    JSONMap         `json:"factors,omitempty" db:"factors"`
	AsOf       time.Time       `json:"as_of" db:"as_of"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// PipelineRun logs one execution of a scheduled batch job type.
type PipelineRun struct {
	ID              uuid.UUID  `json:"id" db:"id"`
	JobType         string     `json:"job_type" db:"job_type"`
	TenantID        *uuid.UUID `json:"tenant_id,omitempty" db:"tenant_id"`
	Status          string     `json:"status" db:"status"`
	ErrorMessage    *string    `json:"error_message,omitempty" db:"error_message"`
	ExecutionTimeMs int64      `json:"execution_time_ms" db:"execution_time_ms"`
	StartedAt       time.Time  `json:"started_at" db:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}
