package entities

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RiskEventType identifies the anomaly detection rule that fired.
type RiskEventType string

const (
	RiskEventDeclineAnomaly    RiskEventType = "risk.anomaly_detected"
	RiskEventVelocityViolation RiskEventType = "risk.velocity_violation"
	RiskEventGeographicAnomaly RiskEventType = "risk.geographic_anomaly"
)

// WorkflowState is the analyst-driven lifecycle stage of a risk event,
// distinct from its detection-time severity.
type WorkflowState string

const (
	WorkflowStateNew           WorkflowState = "new"
	WorkflowStateInvestigating WorkflowState = "investigating"
	WorkflowStateResolved      WorkflowState = "resolved"
	WorkflowStateFalsePositive WorkflowState = "false_positive"
)

// ValidWorkflowTransition reports whether an analyst may move an event
// from one workflow state to another.
func ValidWorkflowTransition(from, to WorkflowState) bool {
	switch from {
	case WorkflowStateNew:
		return to == WorkflowStateInvestigating || to == WorkflowStateResolved || to == WorkflowStateFalsePositive
	case WorkflowStateInvestigating:
		return to == WorkflowStateResolved || to == WorkflowStateFalsePositive
	default:
		return false
	}
}

// RiskEvent is a detected anomaly over the normalized transaction window.
// Detection is insert-only; events are never auto-deleted.
type RiskEvent struct {
	ID            uuid.UUID       `json:"id" db:"id"`
	TenantID      uuid.UUID       `json:"tenant_id" db:"tenant_id"`
	TransactionID *uuid.UUID      `json:"transaction_id,omitempty" db:"transaction_id"`
	EventType     RiskEventType   `json:"event_type" db:"event_type"`
	Severity      Severity        `json:"severity" db:"severity"`
	Score         decimal.Decimal `json:"score" db:"score"`
	Reasons       JSONMap         `json:"reasons" db:"reasons"`
	Status        string          `json:"status" db:"status"`
	WorkflowState WorkflowState   `json:"workflow_state" db:"workflow_state"`
	Owner         *string         `json:"owner,omitempty" db:"owner"`
	SLADueAt      *time.Time      `json:"sla_due_at,omitempty" db:"sla_due_at"`
	DetectedAt    time.Time       `json:"detected_at" db:"detected_at"`
}

// IsOpen reports whether the event still counts toward recommendations
// and alert dispatch.
func (e *RiskEvent) IsOpen() bool {
	return e.WorkflowState == WorkflowStateNew || e.WorkflowState == WorkflowStateInvestigating
}

// RecommendationPriority orders recommendations for analyst triage.
type RecommendationPriority string

const (
	PriorityLow    RecommendationPriority = "low"
	PriorityMedium RecommendationPriority = "medium"
	PriorityHigh   RecommendationPriority = "high"
)

// LifecycleState is the analyst-driven state of a recommendation.
type LifecycleState string

const (
	LifecycleOpen     LifecycleState = "open"
	LifecycleAccepted LifecycleState = "accepted"
	LifecycleRejected LifecycleState = "rejected"
	LifecycleDeferred LifecycleState = "deferred"
)

// Recommendation is an actionable follow-up derived from open risk signals.
// Generated in batch by fixed rules; mutated only by analyst action.
type Recommendation struct {
	ID                    uuid.UUID              `json:"id" db:"id"`
	TenantID              uuid.UUID              `json:"tenant_id" db:"tenant_id"`
	Category              string                 `json:"category" db:"category"`
	Priority              RecommendationPriority `json:"priority" db:"priority"`
	RecommendationText    string                 `json:"recommendation_text" db:"recommendation_text"`
	Confidence            decimal.Decimal        `json:"confidence" db:"confidence"`
	LifecycleState        LifecycleState         `json:"lifecycle_state" db:"lifecycle_state"`
	AnalystFeedback       *string                `json:"analyst_feedback,omitempty" db:"analyst_feedback"`
	AnalystFeedbackReason *string                `json:"analyst_feedback_reason,omitempty" db:"analyst_feedback_reason"`
	ExpectedImpact        JSONMap                `json:"expected_impact,omitempty" db:"expected_impact"`
	Model                 string                 `json:"model" db:"model"`
	PromptVersion         string                 `json:"prompt_version" db:"prompt_version"`
	CreatedAt             time.Time              `json:"created_at" db:"created_at"`
}

// RecommendationFeedback is the audit row recorded alongside analyst feedback.
type RecommendationFeedback struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	TenantID         uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	RecommendationID uuid.UUID  `json:"recommendation_id" db:"recommendation_id"`
	UserID           *uuid.UUID `json:"user_id,omitempty" db:"user_id"`
	Feedback         string     `json:"feedback" db:"feedback"`
	Reason           *string    `json:"reason,omitempty" db:"reason"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// AlertChannelType selects the delivery mechanism for a channel.
type AlertChannelType string

const (
	ChannelEmail   AlertChannelType = "email"
	ChannelWebhook AlertChannelType = "webhook"
)

// AlertChannel is a configured notification destination with a severity floor.
type AlertChannel struct {
	ID          uuid.UUID        `json:"id" db:"id"`
	TenantID    uuid.UUID        `json:"tenant_id" db:"tenant_id"`
	ChannelType AlertChannelType `json:"channel_type" db:"channel_type"`
	Destination string           `json:"destination" db:"destination"`
	MinSeverity Severity         `json:"min_severity" db:"min_severity"`
	Enabled     bool             `json:"enabled" db:"enabled"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
}

// AlertDispatch records one delivery attempt for an (event, channel) pair.
// Delivery is at-least-once; downstream channels must tolerate duplicates.
type AlertDispatch struct {
	ID          uuid.UUID `json:"id" db:"id"`
	TenantID    uuid.UUID `json:"tenant_id" db:"tenant_id"`
	RiskEventID uuid.UUID `json:"risk_event_id" db:"risk_event_id"`
	ChannelID   uuid.UUID `json:"channel_id" db:"channel_id"`
	Status      string    `json:"status" db:"status"`
	Payload     JSONMap   `json:"payload" db:"payload"`
	AttemptedAt time.Time `json:"attempted_at" db:"attempted_at"`
}
