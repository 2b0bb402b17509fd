package risk

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

type mockTxnRepo struct {
	mock.Mock
}

func (m *mockTxnRepo) Window(ctx context.Context, tenantID uuid.UUID, since, until time.Time) ([]*entities.NormalizedTransaction, error) {
	args := m.Called(ctx, tenantID, since, until)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.NormalizedTransaction), args.Error(1)
}

type mockEventRepo struct {
	mock.Mock
	inserted []*entities.RiskEvent
}

func (m *mockEventRepo) InsertBatch(ctx context.Context, events []*entities.RiskEvent) error {
	m.inserted = append(m.inserted, events...)
	args := m.Called(ctx, events)
	return args.Error(0)
}

func (m *mockEventRepo) GetByID(ctx context.Context, id uuid.UUID) (*entities.RiskEvent, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.RiskEvent), args.Error(1)
}

func (m *mockEventRepo) ListOpen(ctx context.Context, tenantID uuid.UUID, limit int) ([]*entities.RiskEvent, error) {
	args := m.Called(ctx, tenantID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.RiskEvent), args.Error(1)
}

func (m *mockEventRepo) UpdateWorkflow(ctx context.Context, id uuid.UUID, state entities.WorkflowState, owner *string) error {
	args := m.Called(ctx, id, state, owner)
	return args.Error(0)
}

type mockRecRepo struct {
	mock.Mock
	inserted []*entities.Recommendation
}

func (m *mockRecRepo) InsertBatch(ctx context.Context, recs []*entities.Recommendation) error {
	m.inserted = append(m.inserted, recs...)
	args := m.Called(ctx, recs)
	return args.Error(0)
}

func (m *mockRecRepo) GetByID(ctx context.Context, id uuid.UUID) (*entities.Recommendation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.Recommendation), args.Error(1)
}

func (m *mockRecRepo) ListOpenCategories(ctx context.Context, tenantID uuid.UUID) (map[string]bool, error) {
	args := m.Called(ctx, tenantID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]bool), args.Error(1)
}

func (m *mockRecRepo) ApplyFeedback(ctx context.Context, rec *entities.Recommendation, fb *entities.RecommendationFeedback) error {
	args := m.Called(ctx, rec, fb)
	return args.Error(0)
}

func newService(txnRepo *mockTxnRepo, eventRepo *mockEventRepo, recRepo *mockRecRepo) *Service {
	return NewService(txnRepo, eventRepo, recRepo, logger.New("error", "test"))
}

func txn(merchant, card, country string, approved bool, occurredAt time.Time) *entities.NormalizedTransaction {
	t := &entities.NormalizedTransaction{
		ID:         uuid.New(),
		Approved:   approved,
		OccurredAt: occurredAt,
	}
	if merchant != "" {
		t.MerchantID = &merchant
	}
	if card != "" {
		t.CardFingerprintToken = &card
	}
	if country != "" {
		t.Country = &country
	}
	return t
}

func findEvent(events []*entities.RiskEvent, eventType entities.RiskEventType) *entities.RiskEvent {
	for _, e := range events {
		if e.EventType == eventType {
			return e
		}
	}
	return nil
}

func TestScanWindow_DeclineRateAnomaly(t *testing.T) {
	txnRepo := &mockTxnRepo{}
	eventRepo := &mockEventRepo{}
	svc := newService(txnRepo, eventRepo, &mockRecRepo{})

	tenantID := uuid.New()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	// 12 transactions, 5 declined: rate 0.4167 crosses the threshold but
	// stays under the critical cutoff.
	var rows []*entities.NormalizedTransaction
	for i := 0; i < 12; i++ {
		rows = append(rows, txn("m-1", "", "", i >= 5, base.Add(time.Duration(i)*time.Minute)))
	}

	txnRepo.On("Window", mock.Anything, tenantID, mock.Anything, mock.Anything).Return(rows, nil)
	eventRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	result, err := svc.ScanWindow(context.Background(), tenantID, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 12, result.ScannedRows)
	assert.Equal(t, 1, result.CreatedEvents)

	event := findEvent(eventRepo.inserted, entities.RiskEventDeclineAnomaly)
	require.NotNil(t, event)
	assert.Equal(t, entities.SeverityHigh, event.Severity)
	assert.Equal(t, "41.67", event.Score.StringFixed(2))
	assert.Equal(t, "open", event.Status)
	assert.Equal(t, entities.WorkflowStateNew, event.WorkflowState)
}

func TestScanWindow_DeclineRateCritical(t *testing.T) {
	txnRepo := &mockTxnRepo{}
	eventRepo := &mockEventRepo{}
	svc := newService(txnRepo, eventRepo, &mockRecRepo{})

	tenantID := uuid.New()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	// 10 transactions, 6 declined: rate 0.6 exceeds the critical cutoff.
	var rows []*entities.NormalizedTransaction
	for i := 0; i < 10; i++ {
		rows = append(rows, txn("m-2", "", "", i >= 6, base.Add(time.Duration(i)*time.Minute)))
	}

	txnRepo.On("Window", mock.Anything, tenantID, mock.Anything, mock.Anything).Return(rows, nil)
	eventRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.ScanWindow(context.Background(), tenantID, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	event := findEvent(eventRepo.inserted, entities.RiskEventDeclineAnomaly)
	require.NotNil(t, event)
	assert.Equal(t, entities.SeverityCritical, event.Severity)
	assert.Equal(t, "60.00", event.Score.StringFixed(2))
}

func TestScanWindow_DeclineRateBelowMinimumCount(t *testing.T) {
	txnRepo := &mockTxnRepo{}
	eventRepo := &mockEventRepo{}
	svc := newService(txnRepo, eventRepo, &mockRecRepo{})

	tenantID := uuid.New()
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	// 9 transactions all declined: rate 1.0 but under the 10-txn floor.
	var rows []*entities.NormalizedTransaction
	for i := 0; i < 9; i++ {
		rows = append(rows, txn("m-3", "", "", false, base.Add(time.Duration(i)*time.Minute)))
	}

	txnRepo.On("Window", mock.Anything, tenantID, mock.Anything, mock.Anything).Return(rows, nil)
	eventRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	result, err := svc.ScanWindow(context.Background(), tenantID, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, result.CreatedEvents)
}

func TestScanWindow_VelocityViolation(t *testing.T) {
	txnRepo := &mockTxnRepo{}
	eventRepo := &mockEventRepo{}
	svc := newService(txnRepo, eventRepo, &mockRecRepo{})

	tenantID := uuid.New()
	base := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)

	// 9 swipes of one card within a single clock hour.
	var rows []*entities.NormalizedTransaction
	for i := 0; i < 9; i++ {
		rows = append(rows, txn("m-1", "card-A", "US", true, base.Add(time.Duration(i)*5*time.Minute)))
	}

	txnRepo.On("Window", mock.Anything, tenantID, mock.Anything, mock.Anything).Return(rows, nil)
	eventRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.ScanWindow(context.Background(), tenantID, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	event := findEvent(eventRepo.inserted, entities.RiskEventVelocityViolation)
	require.NotNil(t, event)
	assert.Equal(t, entities.SeverityHigh, event.Severity)
	assert.Equal(t, "9", event.Score.String())
	assert.Equal(t, "card-A:2026-08-20T14", event.Reasons["bucket"])
}

func TestScanWindow_VelocityCritical(t *testing.T) {
	txnRepo := &mockTxnRepo{}
	eventRepo := &mockEventRepo{}
	svc := newService(txnRepo, eventRepo, &mockRecRepo{})

	tenantID := uuid.New()
	base := time.Date(2026, 8, 20, 14, 0, 0, 0, time.UTC)

	var rows []*entities.NormalizedTransaction
	for i := 0; i < 15; i++ {
		rows = append(rows, txn("m-1", "card-B", "US", true, base.Add(time.Duration(i)*time.Minute)))
	}

	txnRepo.On("Window", mock.Anything, tenantID, mock.Anything, mock.Anything).Return(rows, nil)
	eventRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.ScanWindow(context.Background(), tenantID, base.Add(-time.Hour), base.Add(time.Hour))
	require.NoError(t, err)

	event := findEvent(eventRepo.inserted, entities.RiskEventVelocityViolation)
	require.NotNil(t, event)
	assert.Equal(t, entities.SeverityCritical, event.Severity)
}

func TestScanWindow_GeographicAnomaly(t *testing.T) {
	txnRepo := &mockTxnRepo{}
	eventRepo := &mockEventRepo{}
	svc := newService(txnRepo, eventRepo, &mockRecRepo{})

	tenantID := uuid.New()
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)

	rows := []*entities.NormalizedTransaction{
		txn("m-1", "card-C", "US", true, base),
		txn("m-1", "card-C", "GB", true, base.Add(2*time.Hour)),
		txn("m-1", "card-C", "BR", true, base.Add(4*time.Hour)),
	}

	txnRepo.On("Window", mock.Anything, tenantID, mock.Anything, mock.Anything).Return(rows, nil)
	eventRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.ScanWindow(context.Background(), tenantID, base.Add(-time.Hour), base.Add(6*time.Hour))
	require.NoError(t, err)

	event := findEvent(eventRepo.inserted, entities.RiskEventGeographicAnomaly)
	require.NotNil(t, event)
	assert.Equal(t, entities.SeverityMedium, event.Severity)
	assert.Equal(t, "3", event.Score.String())
	assert.Equal(t, "card-C", event.Reasons["card_token"])
}

func TestScanWindow_EmptyWindow(t *testing.T) {
	txnRepo := &mockTxnRepo{}
	eventRepo := &mockEventRepo{}
	svc := newService(txnRepo, eventRepo, &mockRecRepo{})

	tenantID := uuid.New()
	txnRepo.On("Window", mock.Anything, tenantID, mock.Anything, mock.Anything).
		Return([]*entities.NormalizedTransaction{}, nil)
	eventRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	result, err := svc.ScanWindow(context.Background(), tenantID, time.Now().Add(-time.Hour), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, result.ScannedRows)
	assert.Equal(t, 0, result.CreatedEvents)
}

func TestGenerateRecommendations_FromSignals(t *testing.T) {
	eventRepo := &mockEventRepo{}
	recRepo := &mockRecRepo{}
	svc := newService(&mockTxnRepo{}, eventRepo, recRepo)

	tenantID := uuid.New()
	open := []*entities.RiskEvent{
		{EventType: entities.RiskEventVelocityViolation, Severity: entities.SeverityHigh},
		{EventType: entities.RiskEventGeographicAnomaly, Severity: entities.SeverityMedium},
	}

	eventRepo.On("ListOpen", mock.Anything, tenantID, openEventScanLimit).Return(open, nil)
	recRepo.On("ListOpenCategories", mock.Anything, tenantID).Return(map[string]bool{}, nil)
	recRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	created, err := svc.GenerateRecommendations(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	require.Len(t, recRepo.inserted, 2)
	assert.Equal(t, "risk-controls", recRepo.inserted[0].Category)
	assert.Equal(t, entities.PriorityHigh, recRepo.inserted[0].Priority)
	assert.Equal(t, "0.83", recRepo.inserted[0].Confidence.StringFixed(2))
	assert.Equal(t, "rules-v1", recRepo.inserted[0].Model)
	assert.Equal(t, "p2-rec-v1", recRepo.inserted[0].PromptVersion)

	assert.Equal(t, "fraud-ops", recRepo.inserted[1].Category)
	assert.Equal(t, "0.74", recRepo.inserted[1].Confidence.StringFixed(2))
}

func TestGenerateRecommendations_HighBacklog(t *testing.T) {
	eventRepo := &mockEventRepo{}
	recRepo := &mockRecRepo{}
	svc := newService(&mockTxnRepo{}, eventRepo, recRepo)

	tenantID := uuid.New()
	var open []*entities.RiskEvent
	for i := 0; i < 6; i++ {
		open = append(open, &entities.RiskEvent{
			EventType: entities.RiskEventDeclineAnomaly,
			Severity:  entities.SeverityCritical,
		})
	}

	eventRepo.On("ListOpen", mock.Anything, tenantID, openEventScanLimit).Return(open, nil)
	recRepo.On("ListOpenCategories", mock.Anything, tenantID).Return(map[string]bool{}, nil)
	recRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	created, err := svc.GenerateRecommendations(context.Background(), tenantID)
	require.NoError(t, err)
	require.Equal(t, 1, created)
	assert.Equal(t, "operations", recRepo.inserted[0].Category)
	assert.Equal(t, "0.70", recRepo.inserted[0].Confidence.StringFixed(2))
}

func TestGenerateRecommendations_SuppressesOpenCategories(t *testing.T) {
	eventRepo := &mockEventRepo{}
	recRepo := &mockRecRepo{}
	svc := newService(&mockTxnRepo{}, eventRepo, recRepo)

	tenantID := uuid.New()
	open := []*entities.RiskEvent{
		{EventType: entities.RiskEventVelocityViolation, Severity: entities.SeverityHigh},
	}

	eventRepo.On("ListOpen", mock.Anything, tenantID, openEventScanLimit).Return(open, nil)
	recRepo.On("ListOpenCategories", mock.Anything, tenantID).
		Return(map[string]bool{"risk-controls": true}, nil)
	recRepo.On("InsertBatch", mock.Anything, mock.Anything).Return(nil)

	created, err := svc.GenerateRecommendations(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, 0, created)
}

func TestUpdateWorkflow_ValidTransition(t *testing.T) {
	eventRepo := &mockEventRepo{}
	svc := newService(&mockTxnRepo{}, eventRepo, &mockRecRepo{})

	event := &entities.RiskEvent{
		ID:            uuid.New(),
		WorkflowState: entities.WorkflowStateNew,
		Status:        "open",
	}
	owner := "analyst@example.com"

	eventRepo.On("GetByID", mock.Anything, event.ID).Return(event, nil)
	eventRepo.On("UpdateWorkflow", mock.Anything, event.ID, entities.WorkflowStateInvestigating, &owner).Return(nil)

	updated, err := svc.UpdateWorkflow(context.Background(), event.ID, entities.WorkflowStateInvestigating, &owner)
	require.NoError(t, err)
	assert.Equal(t, entities.WorkflowStateInvestigating, updated.WorkflowState)
	assert.Equal(t, "open", updated.Status)
}

func TestUpdateWorkflow_InvalidTransition(t *testing.T) {
	eventRepo := &mockEventRepo{}
	svc := newService(&mockTxnRepo{}, eventRepo, &mockRecRepo{})

	event := &entities.RiskEvent{
		ID:            uuid.New(),
		WorkflowState: entities.WorkflowStateResolved,
	}
	eventRepo.On("GetByID", mock.Anything, event.ID).Return(event, nil)

	_, err := svc.UpdateWorkflow(context.Background(), event.ID, entities.WorkflowStateNew, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	eventRepo.AssertNotCalled(t, "UpdateWorkflow", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateWorkflow_CloseSetsStatus(t *testing.T) {
	eventRepo := &mockEventRepo{}
	svc := newService(&mockTxnRepo{}, eventRepo, &mockRecRepo{})

	event := &entities.RiskEvent{
		ID:            uuid.New(),
		WorkflowState: entities.WorkflowStateInvestigating,
		Status:        "open",
	}
	eventRepo.On("GetByID", mock.Anything, event.ID).Return(event, nil)
	eventRepo.On("UpdateWorkflow", mock.Anything, event.ID, entities.WorkflowStateResolved, (*string)(nil)).Return(nil)

	updated, err := svc.UpdateWorkflow(context.Background(), event.ID, entities.WorkflowStateResolved, nil)
	require.NoError(t, err)
	assert.Equal(t, "closed", updated.Status)
}

func TestApplyFeedback(t *testing.T) {
	recRepo := &mockRecRepo{}
	svc := newService(&mockTxnRepo{}, &mockEventRepo{}, recRepo)

	tenantID := uuid.New()
	rec := &entities.Recommendation{
		ID:             uuid.New(),
		TenantID:       tenantID,
		LifecycleState: entities.LifecycleOpen,
	}
	reason := "already mitigated upstream"

	recRepo.On("GetByID", mock.Anything, rec.ID).Return(rec, nil)
	recRepo.On("ApplyFeedback", mock.Anything, rec, mock.MatchedBy(func(fb *entities.RecommendationFeedback) bool {
		return fb.RecommendationID == rec.ID && fb.Feedback == "rejected" && fb.Reason == &reason
	})).Return(nil)

	updated, err := svc.ApplyFeedback(context.Background(), tenantID, rec.ID, nil, "rejected", &reason)
	require.NoError(t, err)
	assert.Equal(t, entities.LifecycleRejected, updated.LifecycleState)
	require.NotNil(t, updated.AnalystFeedback)
	assert.Equal(t, "rejected", *updated.AnalystFeedback)
}

func TestApplyFeedback_InvalidVerdict(t *testing.T) {
	recRepo := &mockRecRepo{}
	svc := newService(&mockTxnRepo{}, &mockEventRepo{}, recRepo)

	_, err := svc.ApplyFeedback(context.Background(), uuid.New(), uuid.New(), nil, "meh", nil)
	assert.ErrorIs(t, err, ErrInvalidFeedback)
	recRepo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}
