package ingestion

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pulse-service/pulse_service/internal/adapters/providers"
	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/infrastructure/config"
	"github.com/pulse-service/pulse_service/internal/infrastructure/repositories"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

type mockConnRepo struct {
	mock.Mock
}

func (m *mockConnRepo) Upsert(ctx context.Context, conn *entities.ProcessorConnection) error {
	args := m.Called(ctx, conn)
	return args.Error(0)
}

func (m *mockConnRepo) GetByTenantAndProvider(ctx context.Context, tenantID uuid.UUID, provider entities.Provider) (*entities.ProcessorConnection, error) {
	args := m.Called(ctx, tenantID, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.ProcessorConnection), args.Error(1)
}

func (m *mockConnRepo) ListActive(ctx context.Context) ([]*entities.ProcessorConnection, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*entities.ProcessorConnection), args.Error(1)
}

func (m *mockConnRepo) MarkSynced(ctx context.Context, id uuid.UUID, syncedAt time.Time) error {
	args := m.Called(ctx, id, syncedAt)
	return args.Error(0)
}

func (m *mockConnRepo) MarkError(ctx context.Context, id uuid.UUID, lastError string, deadLetterJobID *uuid.UUID) error {
	args := m.Called(ctx, id, lastError, deadLetterJobID)
	return args.Error(0)
}

func (m *mockConnRepo) Disconnect(ctx context.Context, tenantID uuid.UUID, provider entities.Provider) error {
	args := m.Called(ctx, tenantID, provider)
	return args.Error(0)
}

type mockJobRepo struct {
	mock.Mock
}

func (m *mockJobRepo) Create(ctx context.Context, job *entities.IngestionJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *mockJobRepo) GetByID(ctx context.Context, id uuid.UUID) (*entities.IngestionJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.IngestionJob), args.Error(1)
}

func (m *mockJobRepo) GetByIdempotencyKey(ctx context.Context, tenantID uuid.UUID, sourceType entities.Provider, key string) (*entities.IngestionJob, error) {
	args := m.Called(ctx, tenantID, sourceType, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.IngestionJob), args.Error(1)
}

func (m *mockJobRepo) Update(ctx context.Context, job *entities.IngestionJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *mockJobRepo) ClaimForRetry(ctx context.Context, id uuid.UUID, expectedRetryCount int) (bool, error) {
	args := m.Called(ctx, id, expectedRetryCount)
	return args.Bool(0), args.Error(1)
}

type mockTxnRepo struct {
	mock.Mock
}

func (m *mockTxnRepo) UpsertBatch(ctx context.Context, tenantID uuid.UUID, drafts []entities.TransactionDraft) (int, error) {
	args := m.Called(ctx, tenantID, drafts)
	return args.Int(0), args.Error(1)
}

type mockAdapter struct {
	mock.Mock
	provider entities.Provider
}

func (m *mockAdapter) Provider() entities.Provider {
	return m.provider
}

func (m *mockAdapter) VerifyWebhook(headers http.Header, requestURL string, body []byte, secret string) error {
	args := m.Called(headers, requestURL, body, secret)
	return args.Error(0)
}

func (m *mockAdapter) MapWebhookEvent(body []byte) (*providers.WebhookEvent, error) {
	args := m.Called(body)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.WebhookEvent), args.Error(1)
}

func (m *mockAdapter) PullTransactions(ctx context.Context, creds providers.Credentials, params providers.PullParams) (*providers.PullResult, error) {
	args := m.Called(ctx, creds, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*providers.PullResult), args.Error(1)
}

type fixture struct {
	svc      *Service
	connRepo *mockConnRepo
	jobRepo  *mockJobRepo
	txnRepo  *mockTxnRepo
	adapter  *mockAdapter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	connRepo := &mockConnRepo{}
	jobRepo := &mockJobRepo{}
	txnRepo := &mockTxnRepo{}
	adapter := &mockAdapter{provider: entities.ProviderStripe}

	svc := NewService(
		connRepo,
		jobRepo,
		txnRepo,
		providers.NewRegistry(adapter),
		config.ProvidersConfig{
			Stripe: config.ProviderConfig{APIKey: "sk_test", WebhookSecret: "whsec_fallback"},
		},
		3,
		logger.New("error", "test"),
	)

	return &fixture{svc: svc, connRepo: connRepo, jobRepo: jobRepo, txnRepo: txnRepo, adapter: adapter}
}

func activeConnection(tenantID uuid.UUID) *entities.ProcessorConnection {
	secret := "whsec_conn"
	return &entities.ProcessorConnection{
		ID:               uuid.New(),
		TenantID:         tenantID,
		Provider:         entities.ProviderStripe,
		Status:           entities.ConnectionStatusConnected,
		WebhookSecretRef: &secret,
	}
}

func TestHandleWebhook_IngestsDraft(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	body := []byte(`{"id":"evt_1"}`)
	conn := activeConnection(tenantID)

	f.connRepo.On("GetByTenantAndProvider", mock.Anything, tenantID, entities.ProviderStripe).Return(conn, nil)
	f.adapter.On("VerifyWebhook", mock.Anything, "", body, "whsec_conn").Return(nil)
	f.adapter.On("MapWebhookEvent", body).Return(&providers.WebhookEvent{
		EventID:   "evt_1",
		EventType: "charge.succeeded",
		Draft:     &entities.TransactionDraft{SourceProvider: entities.ProviderStripe, SourceTxnID: "ch_1"},
	}, nil)

	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.ProviderStripe, "wh-evt_1").
		Return(nil, repositories.ErrNotFound)
	f.jobRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.jobRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	f.txnRepo.On("UpsertBatch", mock.Anything, tenantID, mock.Anything).Return(1, nil)

	job, err := f.svc.HandleWebhook(context.Background(), tenantID, entities.ProviderStripe, http.Header{}, "", body)
	require.NoError(t, err)

	assert.Equal(t, entities.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.IngestedRows)
	require.NotNil(t, job.IdempotencyKey)
	assert.Equal(t, "wh-evt_1", *job.IdempotencyKey)
	f.txnRepo.AssertExpectations(t)
}

func TestHandleWebhook_InvalidSignature(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	body := []byte(`{}`)

	f.connRepo.On("GetByTenantAndProvider", mock.Anything, tenantID, entities.ProviderStripe).
		Return(activeConnection(tenantID), nil)
	f.adapter.On("VerifyWebhook", mock.Anything, "", body, "whsec_conn").
		Return(errors.New("signature mismatch"))

	_, err := f.svc.HandleWebhook(context.Background(), tenantID, entities.ProviderStripe, http.Header{}, "", body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	f.jobRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.txnRepo.AssertNotCalled(t, "UpsertBatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhook_Redelivery(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	body := []byte(`{"id":"evt_dup"}`)

	existing := &entities.IngestionJob{
		ID:       uuid.New(),
		TenantID: tenantID,
		Status:   entities.JobStatusCompleted,
	}

	f.connRepo.On("GetByTenantAndProvider", mock.Anything, tenantID, entities.ProviderStripe).
		Return(activeConnection(tenantID), nil)
	f.adapter.On("VerifyWebhook", mock.Anything, "", body, "whsec_conn").Return(nil)
	f.adapter.On("MapWebhookEvent", body).Return(&providers.WebhookEvent{EventID: "evt_dup"}, nil)
	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.ProviderStripe, "wh-evt_dup").
		Return(existing, nil)

	job, err := f.svc.HandleWebhook(context.Background(), tenantID, entities.ProviderStripe, http.Header{}, "", body)
	require.NoError(t, err)

	assert.Equal(t, existing.ID, job.ID)
	f.jobRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
	f.txnRepo.AssertNotCalled(t, "UpsertBatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleWebhook_FallbackSecret(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	body := []byte(`{"id":"evt_2"}`)

	f.connRepo.On("GetByTenantAndProvider", mock.Anything, tenantID, entities.ProviderStripe).
		Return(nil, repositories.ErrNotFound)
	f.adapter.On("VerifyWebhook", mock.Anything, "", body, "whsec_fallback").Return(nil)
	f.adapter.On("MapWebhookEvent", body).Return(&providers.WebhookEvent{EventID: "evt_2"}, nil)
	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.ProviderStripe, "wh-evt_2").
		Return(nil, repositories.ErrNotFound)
	f.jobRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.jobRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	f.txnRepo.On("UpsertBatch", mock.Anything, tenantID, mock.Anything).Return(0, nil)

	job, err := f.svc.HandleWebhook(context.Background(), tenantID, entities.ProviderStripe, http.Header{}, "", body)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, job.Status)
}

func TestImportCSV_MixedRows(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()

	content := []byte("amount,occurred_at\n10.00,2026-08-01\nbogus,2026-08-01\n")

	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.SourceCSV, "upload-1").
		Return(nil, repositories.ErrNotFound)
	f.jobRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.jobRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	f.txnRepo.On("UpsertBatch", mock.Anything, tenantID, mock.Anything).Return(1, nil)

	job, rejects, err := f.svc.ImportCSV(context.Background(), tenantID, "upload-1", nil, content)
	require.NoError(t, err)

	assert.Equal(t, entities.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.IngestedRows)
	assert.Equal(t, 1, job.RejectedRows)
	require.Len(t, rejects, 1)
	assert.Equal(t, 3, rejects[0].Row)
}

func TestImportCSV_AllRowsRejected(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()

	content := []byte("amount,occurred_at\nbogus,2026-08-01\n")

	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.SourceCSV, "upload-2").
		Return(nil, repositories.ErrNotFound)
	f.jobRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.jobRepo.On("Update", mock.Anything, mock.Anything).Return(nil)

	job, rejects, err := f.svc.ImportCSV(context.Background(), tenantID, "upload-2", nil, content)
	assert.ErrorIs(t, err, ErrNoValidRows)
	assert.Equal(t, entities.JobStatusFailed, job.Status)
	assert.Len(t, rejects, 1)
	f.txnRepo.AssertNotCalled(t, "UpsertBatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestImportCSV_ReplayReturnsCompletedJob(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()

	existing := &entities.IngestionJob{
		ID:           uuid.New(),
		TenantID:     tenantID,
		SourceType:   entities.SourceCSV,
		Status:       entities.JobStatusCompleted,
		IngestedRows: 5,
	}

	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.SourceCSV, "upload-3").
		Return(existing, nil)

	job, _, err := f.svc.ImportCSV(context.Background(), tenantID, "upload-3", nil, []byte("amount,occurred_at\n10,2026-08-01\n"))
	require.NoError(t, err)
	assert.Equal(t, existing.ID, job.ID)
	f.txnRepo.AssertNotCalled(t, "UpsertBatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryJob_Exhausted(t *testing.T) {
	f := newFixture(t)

	job := &entities.IngestionJob{
		ID:         uuid.New(),
		Status:     entities.JobStatusFailed,
		RetryCount: 3,
		MaxRetries: 3,
	}
	f.jobRepo.On("GetByID", mock.Anything, job.ID).Return(job, nil)

	_, err := f.svc.RetryJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	f.jobRepo.AssertNotCalled(t, "ClaimForRetry", mock.Anything, mock.Anything, mock.Anything)
}

func TestRetryJob_NotFailed(t *testing.T) {
	f := newFixture(t)

	job := &entities.IngestionJob{ID: uuid.New(), Status: entities.JobStatusCompleted}
	f.jobRepo.On("GetByID", mock.Anything, job.ID).Return(job, nil)

	_, err := f.svc.RetryJob(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrJobNotRetryable)
}

func TestRetryJob_ReExecutesSync(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	conn := activeConnection(tenantID)

	job := &entities.IngestionJob{
		ID:         uuid.New(),
		TenantID:   tenantID,
		SourceType: entities.ProviderStripe,
		Status:     entities.JobStatusFailed,
		RetryCount: 1,
		MaxRetries: 3,
		Params: entities.JSONMap{
			"since": "2026-08-01T00:00:00Z",
			"until": "2026-08-02T00:00:00Z",
		},
	}

	f.jobRepo.On("GetByID", mock.Anything, job.ID).Return(job, nil)
	f.jobRepo.On("ClaimForRetry", mock.Anything, job.ID, 1).Return(true, nil)
	f.jobRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	f.connRepo.On("GetByTenantAndProvider", mock.Anything, tenantID, entities.ProviderStripe).Return(conn, nil)
	f.connRepo.On("MarkSynced", mock.Anything, conn.ID, mock.Anything).Return(nil)

	f.adapter.On("PullTransactions", mock.Anything, mock.Anything, mock.MatchedBy(func(p providers.PullParams) bool {
		return p.Since.Equal(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)) && p.Cursor == ""
	})).Return(&providers.PullResult{
		Drafts: []entities.TransactionDraft{
			{SourceProvider: entities.ProviderStripe, SourceTxnID: "ch_1"},
			{SourceProvider: entities.ProviderStripe, SourceTxnID: "ch_2"},
		},
	}, nil)
	f.txnRepo.On("UpsertBatch", mock.Anything, tenantID, mock.Anything).Return(2, nil)

	retried, err := f.svc.RetryJob(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, entities.JobStatusCompleted, retried.Status)
	assert.Equal(t, 2, retried.RetryCount)
	assert.Equal(t, 2, retried.IngestedRows)
	f.connRepo.AssertCalled(t, "MarkSynced", mock.Anything, conn.ID, mock.Anything)
}

func TestRunSync_FailureDegradesConnection(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()
	conn := activeConnection(tenantID)

	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.ProviderStripe, mock.Anything).
		Return(nil, repositories.ErrNotFound)
	f.jobRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	f.jobRepo.On("Update", mock.Anything, mock.Anything).Return(nil)
	f.connRepo.On("GetByTenantAndProvider", mock.Anything, tenantID, entities.ProviderStripe).Return(conn, nil)
	f.connRepo.On("MarkError", mock.Anything, conn.ID, mock.Anything, mock.Anything).Return(nil)

	f.adapter.On("PullTransactions", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("upstream 500"))

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	job, reused, err := f.svc.RunSync(context.Background(), tenantID, entities.ProviderStripe, since, since.Add(24*time.Hour), "", "")
	require.Error(t, err)
	assert.False(t, reused)

	assert.Equal(t, entities.JobStatusFailed, job.Status)
	require.NotNil(t, job.NextRetryAt)

	// First failure schedules the retry roughly five minutes out, within
	// the policy's jitter band.
	delay := time.Until(*job.NextRetryAt)
	assert.Greater(t, delay, 4*time.Minute)
	assert.Less(t, delay, 6*time.Minute)

	f.connRepo.AssertCalled(t, "MarkError", mock.Anything, conn.ID, mock.Anything, mock.Anything)
}

func TestRunSync_ReusesCompletedJob(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()

	existing := &entities.IngestionJob{
		ID:           uuid.New(),
		TenantID:     tenantID,
		SourceType:   entities.ProviderStripe,
		Status:       entities.JobStatusCompleted,
		IngestedRows: 42,
	}
	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.ProviderStripe, "backfill-aug").
		Return(existing, nil)

	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	job, reused, err := f.svc.RunSync(context.Background(), tenantID, entities.ProviderStripe, since, since.Add(24*time.Hour), "backfill-aug", "")
	require.NoError(t, err)

	assert.True(t, reused)
	assert.Equal(t, existing.ID, job.ID)
	f.adapter.AssertNotCalled(t, "PullTransactions", mock.Anything, mock.Anything, mock.Anything)
}

func TestRegisterCSVJob_Dedup(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()

	existing := &entities.IngestionJob{
		ID:         uuid.New(),
		TenantID:   tenantID,
		SourceType: entities.SourceCSV,
		Status:     entities.JobStatusQueued,
	}
	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.SourceCSV, "upload-1").
		Return(existing, nil)

	job, reused, err := f.svc.RegisterCSVJob(context.Background(), tenantID, "upload-1", nil, 100, 2)
	require.NoError(t, err)

	assert.True(t, reused)
	assert.Equal(t, existing.ID, job.ID)
	f.jobRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestRegisterCSVJob_RecordsAnnouncedCounts(t *testing.T) {
	f := newFixture(t)
	tenantID := uuid.New()

	f.jobRepo.On("GetByIdempotencyKey", mock.Anything, tenantID, entities.SourceCSV, "upload-2").
		Return(nil, repositories.ErrNotFound)
	f.jobRepo.On("Create", mock.Anything, mock.Anything).Return(nil)

	job, reused, err := f.svc.RegisterCSVJob(context.Background(), tenantID, "upload-2", nil, 250, 3)
	require.NoError(t, err)

	assert.False(t, reused)
	assert.Equal(t, entities.JobStatusQueued, job.Status)
	assert.Equal(t, 250, job.Params["announced_rows"])
	assert.Equal(t, 3, job.Params["announced_rejected_rows"])
}
