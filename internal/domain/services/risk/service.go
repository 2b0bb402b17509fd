package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/pkg/logger"
	"github.com/pulse-service/pulse_service/pkg/metrics"
)

// Detection thresholds. Scores are transparent rule outputs, not model
// probabilities.
const (
	declineRateThreshold     = 0.35
	declineRateCriticalAbove = 0.5
	declineMinTransactions   = 10

	velocityThreshold     = 8
	velocityCriticalCount = 15

	geoCountryThreshold = 3

	openEventScanLimit  = 50
	highOpenEventCutoff = 5
)

const (
	recommendationModel   = "rules-v1"
	recommendationVersion = "p2-rec-v1"
)

var (
	// ErrInvalidTransition marks workflow moves the state machine forbids.
	ErrInvalidTransition = errors.New("invalid workflow transition")

	// ErrInvalidFeedback marks unknown analyst feedback verdicts.
	ErrInvalidFeedback = errors.New("invalid feedback value")
)

// TransactionRepository interface for reading the scan window
type TransactionRepository interface {
	Window(ctx context.Context, tenantID uuid.UUID, since, until time.Time) ([]*entities.NormalizedTransaction, error)
}

// EventRepository interface for risk event persistence
type EventRepository interface {
	InsertBatch(ctx context.Context, events []*entities.RiskEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.RiskEvent, error)
	ListOpen(ctx context.Context, tenantID uuid.UUID, limit int) ([]*entities.RiskEvent, error)
	UpdateWorkflow(ctx context.Context, id uuid.UUID, state entities.WorkflowState, owner *string) error
}

// RecommendationRepository interface for recommendation persistence
type RecommendationRepository interface {
	InsertBatch(ctx context.Context, recs []*entities.Recommendation) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Recommendation, error)
	ListOpenCategories(ctx context.Context, tenantID uuid.UUID) (map[string]bool, error)
	ApplyFeedback(ctx context.Context, rec *entities.Recommendation, fb *entities.RecommendationFeedback) error
}

// Service runs rule-based anomaly detection over the normalized window and
// derives analyst recommendations from the open events.
type Service struct {
	txnRepo   TransactionRepository
	eventRepo EventRepository
	recRepo   RecommendationRepository
	logger    *logger.Logger
}

// NewService creates the risk service.
func NewService(txnRepo TransactionRepository, eventRepo EventRepository, recRepo RecommendationRepository, log *logger.Logger) *Service {
	return &Service{
		txnRepo:   txnRepo,
		eventRepo: eventRepo,
		recRepo:   recRepo,
		logger:    log,
	}
}

// ScanResult summarizes one detection pass.
type ScanResult struct {
	ScannedRows   int `json:"scanned_rows"`
	CreatedEvents int `json:"created_events"`
}

type merchantStats struct {
	total    int
	declines int
}

// ScanWindow runs all detection rules over the tenant's window and inserts
// the resulting events. Detection is insert-only and idempotence is not
// attempted here; callers serialize passes per tenant.
func (s *Service) ScanWindow(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (*ScanResult, error) {
	rows, err := s.txnRepo.Window(ctx, tenantID, since, until)
	if err != nil {
		return nil, err
	}

	byMerchant := make(map[string]*merchantStats)
	byCardHour := make(map[string]int)
	byCardCountry := make(map[string]map[string]bool)

	for _, row := range rows {
		merchantKey := "unknown"
		if row.MerchantID != nil && *row.MerchantID != "" {
			merchantKey = *row.MerchantID
		}
		stats := byMerchant[merchantKey]
		if stats == nil {
			stats = &merchantStats{}
			byMerchant[merchantKey] = stats
		}
		stats.total++
		if !row.Approved {
			stats.declines++
		}

		if row.CardFingerprintToken == nil || *row.CardFingerprintToken == "" {
			continue
		}
		card := *row.CardFingerprintToken

		bucket := card + ":" + row.OccurredAt.UTC().Format("2006-01-02T15")
		byCardHour[bucket]++

		if row.Country != nil && *row.Country != "" {
			countries := byCardCountry[card]
			if countries == nil {
				countries = make(map[string]bool)
				byCardCountry[card] = countries
			}
			countries[*row.Country] = true
		} else if byCardCountry[card] == nil {
			byCardCountry[card] = make(map[string]bool)
		}
	}

	now := time.Now().UTC()
	var events []*entities.RiskEvent

	for merchantID, stats := range byMerchant {
		if stats.total < declineMinTransactions {
			continue
		}
		rate := float64(stats.declines) / float64(stats.total)
		if rate < declineRateThreshold {
			continue
		}

		severity := entities.SeverityHigh
		if rate > declineRateCriticalAbove {
			severity = entities.SeverityCritical
		}

		var merchantRef interface{}
		if merchantID != "unknown" {
			merchantRef = merchantID
		}

		events = append(events, s.newEvent(tenantID, entities.RiskEventDeclineAnomaly, severity,
			decimal.NewFromFloat(rate*100).Round(2),
			entities.JSONMap{
				"signal":       "decline_rate",
				"merchant_id":  merchantRef,
				"decline_rate": rate,
				"txn_count":    stats.total,
			}, now))
	}

	for bucket, count := range byCardHour {
		if count < velocityThreshold {
			continue
		}

		severity := entities.SeverityHigh
		if count >= velocityCriticalCount {
			severity = entities.SeverityCritical
		}

		events = append(events, s.newEvent(tenantID, entities.RiskEventVelocityViolation, severity,
			decimal.NewFromInt(int64(count)),
			entities.JSONMap{
				"signal":   "card_hour_velocity",
				"bucket":   bucket,
				"tx_count": count,
			}, now))
	}

	for card, countries := range byCardCountry {
		if len(countries) < geoCountryThreshold {
			continue
		}

		list := make([]interface{}, 0, len(countries))
		for c := range countries {
			list = append(list, c)
		}

		events = append(events, s.newEvent(tenantID, entities.RiskEventGeographicAnomaly, entities.SeverityMedium,
			decimal.NewFromInt(int64(len(countries))),
			entities.JSONMap{
				"signal":     "multi_country_card_usage",
				"card_token": card,
				"countries":  list,
			}, now))
	}

	if err := s.eventRepo.InsertBatch(ctx, events); err != nil {
		return nil, err
	}

	for _, e := range events {
		metrics.RiskEventsCreated.WithLabelValues(string(e.EventType)).Inc()
	}

	s.logger.WithContext(ctx).Infow("risk scan completed",
		"tenant_id", tenantID.String(),
		"scanned_rows", len(rows),
		"created_events", len(events),
	)

	return &ScanResult{ScannedRows: len(rows), CreatedEvents: len(events)}, nil
}

func (s *Service) newEvent(tenantID uuid.UUID, eventType entities.RiskEventType, severity entities.Severity, score decimal.Decimal, reasons entities.JSONMap, now time.Time) *entities.RiskEvent {
	return &entities.RiskEvent{
		ID:            uuid.New(),
		TenantID:      tenantID,
		EventType:     eventType,
		Severity:      severity,
		Score:         score,
		Reasons:       reasons,
		Status:        "open",
		WorkflowState: entities.WorkflowStateNew,
		DetectedAt:    now,
	}
}

// GenerateRecommendations derives recommendations from the tenant's newest
// open events. Categories with an open recommendation are skipped so the
// queue does not fill with repeats. Returns the number created.
func (s *Service) GenerateRecommendations(ctx context.Context, tenantID uuid.UUID) (int, error) {
	events, err := s.eventRepo.ListOpen(ctx, tenantID, openEventScanLimit)
	if err != nil {
		return 0, err
	}

	openCategories, err := s.recRepo.ListOpenCategories(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	var velocityCount, geoCount, highCount int
	for _, e := range events {
		switch e.EventType {
		case entities.RiskEventVelocityViolation:
			velocityCount++
		case entities.RiskEventGeographicAnomaly:
			geoCount++
		}
		if e.Severity == entities.SeverityHigh || e.Severity == entities.SeverityCritical {
			highCount++
		}
	}

	now := time.Now().UTC()
	var recs []*entities.Recommendation

	if velocityCount > 0 && !openCategories["risk-controls"] {
		recs = append(recs, s.newRecommendation(tenantID, "risk-controls", entities.PriorityHigh,
			"Increase card velocity controls for high-risk MCCs and add temporary declines after threshold breaches.",
			"0.83",
			entities.JSONMap{"metric": "fraud_loss_reduction", "basis": "velocity_violations", "count": velocityCount},
			now))
	}

	if geoCount > 0 && !openCategories["fraud-ops"] {
		recs = append(recs, s.newRecommendation(tenantID, "fraud-ops", entities.PriorityMedium,
			"Require step-up verification for cards with same-day activity across 3+ countries.",
			"0.74",
			entities.JSONMap{"metric": "false_positive_control", "basis": "geo_anomaly", "count": geoCount},
			now))
	}

	if highCount > highOpenEventCutoff && !openCategories["operations"] {
		recs = append(recs, s.newRecommendation(tenantID, "operations", entities.PriorityHigh,
			"Temporarily route high-severity alerts to a dedicated analyst queue with 4-hour SLA.",
			"0.70",
			entities.JSONMap{"metric": "resolution_time", "basis": "open_high_events", "count": highCount},
			now))
	}

	if err := s.recRepo.InsertBatch(ctx, recs); err != nil {
		return 0, err
	}

	return len(recs), nil
}

func (s *Service) newRecommendation(tenantID uuid.UUID, category string, priority entities.RecommendationPriority, text, confidence string, impact entities.JSONMap, now time.Time) *entities.Recommendation {
	return &entities.Recommendation{
		ID:                 uuid.New(),
		TenantID:           tenantID,
		Category:           category,
		Priority:           priority,
		RecommendationText: text,
		Confidence:         decimal.RequireFromString(confidence),
		LifecycleState:     entities.LifecycleOpen,
		ExpectedImpact:     impact,
		Model:              recommendationModel,
		PromptVersion:      recommendationVersion,
		CreatedAt:          now,
	}
}

// UpdateWorkflow moves a risk event through the analyst state machine.
func (s *Service) UpdateWorkflow(ctx context.Context, eventID uuid.UUID, to entities.WorkflowState, owner *string) (*entities.RiskEvent, error) {
	event, err := s.eventRepo.GetByID(ctx, eventID)
	if err != nil {
		return nil, err
	}

	if !entities.ValidWorkflowTransition(event.WorkflowState, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, event.WorkflowState, to)
	}

	if err := s.eventRepo.UpdateWorkflow(ctx, eventID, to, owner); err != nil {
		return nil, err
	}

	event.WorkflowState = to
	if owner != nil {
		event.Owner = owner
	}
	if !event.IsOpen() {
		event.Status = "closed"
	}

	return event, nil
}

// ApplyFeedback records an analyst verdict on a recommendation together
// with its audit row.
func (s *Service) ApplyFeedback(ctx context.Context, tenantID, recommendationID uuid.UUID, userID *uuid.UUID, feedback string, reason *string) (*entities.Recommendation, error) {
	var state entities.LifecycleState
	switch feedback {
	case "accepted":
		state = entities.LifecycleAccepted
	case "rejected":
		state = entities.LifecycleRejected
	case "deferred":
		state = entities.LifecycleDeferred
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidFeedback, feedback)
	}

	rec, err := s.recRepo.GetByID(ctx, recommendationID)
	if err != nil {
		return nil, err
	}

	rec.LifecycleState = state
	rec.AnalystFeedback = &feedback
	rec.AnalystFeedbackReason = reason

	fb := &entities.RecommendationFeedback{
		ID:               uuid.New(),
		TenantID:         tenantID,
		RecommendationID: rec.ID,
		UserID:           userID,
		Feedback:         feedback,
		Reason:           reason,
		CreatedAt:        time.Now().UTC(),
	}

	if err := s.recRepo.ApplyFeedback(ctx, rec, fb); err != nil {
		return nil, err
	}

	return rec, nil
}
