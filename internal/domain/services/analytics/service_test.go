package analytics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/domain/services/risk"
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

func (m *mockTxnRepo) DistinctTenantIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]uuid.UUID), args.Error(1)
}

type mockAnalyticsRepo struct {
	mock.Mock
	snapshots []*entities.InsightSnapshot
	scores    []*entities.MerchantScore
	runs      []*entities.PipelineRun
	lockErr   error
}

func (m *mockAnalyticsRepo) WithTenantLock(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	if m.lockErr != nil {
		return m.lockErr
	}
	return fn(ctx)
}

func (m *mockAnalyticsRepo) InsertSnapshots(ctx context.Context, snapshots []*entities.InsightSnapshot) error {
	m.snapshots = append(m.snapshots, snapshots...)
	args := m.Called(ctx, snapshots)
	return args.Error(0)
}

func (m *mockAnalyticsRepo) InsertMerchantScores(ctx context.Context, scores []*entities.MerchantScore) error {
	m.scores = append(m.scores, scores...)
	args := m.Called(ctx, scores)
	return args.Error(0)
}

func (m *mockAnalyticsRepo) StartPipelineRun(ctx context.Context, jobType string, tenantID *uuid.UUID) (*entities.PipelineRun, error) {
	run := &entities.PipelineRun{
		ID:        uuid.New(),
		JobType:   jobType,
		TenantID:  tenantID,
		Status:    "running",
		StartedAt: time.Now().UTC(),
	}
	m.runs = append(m.runs, run)
	args := m.Called(ctx, jobType, tenantID)
	return run, args.Error(0)
}

func (m *mockAnalyticsRepo) FinishPipelineRun(ctx context.Context, run *entities.PipelineRun, runErr error) error {
	if runErr != nil {
		run.Status = "failed"
	} else {
		run.Status = "completed"
	}
	args := m.Called(ctx, run, runErr)
	return args.Error(0)
}

type mockRiskScanner struct {
	mock.Mock
}

func (m *mockRiskScanner) ScanWindow(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (*risk.ScanResult, error) {
	args := m.Called(ctx, tenantID, since, until)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*risk.ScanResult), args.Error(1)
}

func (m *mockRiskScanner) GenerateRecommendations(ctx context.Context, tenantID uuid.UUID) (int, error) {
	args := m.Called(ctx, tenantID)
	return args.Int(0), args.Error(1)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, tenantID uuid.UUID) (int, error) {
	args := m.Called(ctx, tenantID)
	return args.Int(0), args.Error(1)
}

type mockExportRepo struct {
	mock.Mock
	jobs []*entities.ExportJob
}

func (m *mockExportRepo) Create(ctx context.Context, job *entities.ExportJob) error {
	m.jobs = append(m.jobs, job)
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *mockExportRepo) Finish(ctx context.Context, job *entities.ExportJob) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

func (m *mockExportRepo) GetByID(ctx context.Context, id uuid.UUID) (*entities.ExportJob, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.ExportJob), args.Error(1)
}

func txn(merchantID string, amount string, approved bool) *entities.NormalizedTransaction {
	t := &entities.NormalizedTransaction{
		ID:       uuid.New(),
		Amount:   decimal.RequireFromString(amount),
		Currency: "USD",
		Approved: approved,
	}
	if merchantID != "" {
		t.MerchantID = &merchantID
	}
	return t
}

func newFixture() (*Service, *mockTxnRepo, *mockAnalyticsRepo, *mockRiskScanner, *mockDispatcher, *mockExportRepo) {
	txnRepo := &mockTxnRepo{}
	analyticsRepo := &mockAnalyticsRepo{}
	scanner := &mockRiskScanner{}
	dispatcher := &mockDispatcher{}
	exportRepo := &mockExportRepo{}
	svc := NewService(txnRepo, analyticsRepo, exportRepo, scanner, dispatcher, logger.New("error", "test"))
	return svc, txnRepo, analyticsRepo, scanner, dispatcher, exportRepo
}

func TestMaterializeSnapshots_ComputesMetrics(t *testing.T) {
	svc, txnRepo, analyticsRepo, _, _, _ := newFixture()

	tenantID := uuid.New()
	since := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	txns := []*entities.NormalizedTransaction{
		txn("m-1", "10.00", true),
		txn("m-1", "20.00", true),
		txn("m-2", "30.00", true),
		txn("m-2", "40.00", false),
	}

	txnRepo.On("Window", mock.Anything, tenantID, since, until).Return(txns, nil)
	analyticsRepo.On("StartPipelineRun", mock.Anything, "snapshots.materialize", mock.Anything).Return(nil)
	analyticsRepo.On("InsertSnapshots", mock.Anything, mock.Anything).Return(nil)
	analyticsRepo.On("FinishPipelineRun", mock.Anything, mock.Anything, nil).Return(nil)

	written, err := svc.MaterializeSnapshots(context.Background(), tenantID, since, until)
	require.NoError(t, err)
	assert.Equal(t, 6, written)

	byKey := make(map[string]*entities.InsightSnapshot)
	for _, s := range analyticsRepo.snapshots {
		byKey[s.MetricKey] = s
	}
	require.Len(t, byKey, 6)

	assert.Equal(t, "100", byKey["volume"].MetricValue.String())
	assert.Equal(t, "60", byKey["revenue"].MetricValue.String())
	assert.Equal(t, "4", byKey["tx_count"].MetricValue.String())
	assert.Equal(t, "75", byKey["approval_rate"].MetricValue.String())
	assert.Equal(t, "15", byKey["avg_ticket"].MetricValue.String())
	assert.Equal(t, "1", byKey["declines"].MetricValue.String())

	snapshot := byKey["approval_rate"]
	assert.Equal(t, "deterministic-v1", snapshot.Model)
	assert.Equal(t, "p2-summary-v1", snapshot.PromptVersion)
	assert.Equal(t, "deterministic_rollup", snapshot.Provenance["method"])
	assert.Equal(t,
		"From 2026-08-19T00:00:00Z to 2026-08-20T00:00:00Z: 4 txns, volume 100, approval rate 75%.",
		snapshot.NarrativeSummary)
}

func TestMaterializeSnapshots_EmptyWindow(t *testing.T) {
	svc, txnRepo, analyticsRepo, _, _, _ := newFixture()

	tenantID := uuid.New()
	since := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	txnRepo.On("Window", mock.Anything, tenantID, since, until).Return([]*entities.NormalizedTransaction{}, nil)
	analyticsRepo.On("StartPipelineRun", mock.Anything, "snapshots.materialize", mock.Anything).Return(nil)
	analyticsRepo.On("InsertSnapshots", mock.Anything, mock.Anything).Return(nil)
	analyticsRepo.On("FinishPipelineRun", mock.Anything, mock.Anything, nil).Return(nil)

	written, err := svc.MaterializeSnapshots(context.Background(), tenantID, since, until)
	require.NoError(t, err)
	assert.Equal(t, 6, written)

	byKey := make(map[string]*entities.InsightSnapshot)
	for _, s := range analyticsRepo.snapshots {
		byKey[s.MetricKey] = s
	}
	assert.Equal(t, "0", byKey["approval_rate"].MetricValue.String())
	assert.Equal(t, "0", byKey["avg_ticket"].MetricValue.String())
}

func TestUpdateMerchantScores_ApprovalHealth(t *testing.T) {
	svc, txnRepo, analyticsRepo, _, _, _ := newFixture()

	tenantID := uuid.New()
	since := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	txns := []*entities.NormalizedTransaction{
		txn("m-1", "10.00", true),
		txn("m-1", "10.00", true),
		txn("m-1", "10.00", false),
		txn("m-2", "10.00", true),
		txn("", "10.00", false), // no merchant attribution, excluded from scoring
	}

	txnRepo.On("Window", mock.Anything, tenantID, since, until).Return(txns, nil)
	analyticsRepo.On("StartPipelineRun", mock.Anything, "merchant_scores.update", mock.Anything).Return(nil)
	analyticsRepo.On("InsertMerchantScores", mock.Anything, mock.Anything).Return(nil)
	analyticsRepo.On("FinishPipelineRun", mock.Anything, mock.Anything, nil).Return(nil)

	written, err := svc.UpdateMerchantScores(context.Background(), tenantID, since, until)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	require.Len(t, analyticsRepo.scores, 2)
	first := analyticsRepo.scores[0]
	assert.Equal(t, "m-1", first.MerchantID)
	assert.Equal(t, "approval_health", first.ScoreType)
	assert.Equal(t, "66.667", first.ScoreValue.String())
	assert.EqualValues(t, 2, first.Factors["approved"])
	assert.EqualValues(t, 3, first.Factors["total"])
	assert.Equal(t, until, first.AsOf)

	second := analyticsRepo.scores[1]
	assert.Equal(t, "m-2", second.MerchantID)
	assert.Equal(t, "100", second.ScoreValue.String())
}

func TestRunDaily_OrchestratesStages(t *testing.T) {
	svc, txnRepo, analyticsRepo, scanner, dispatcher, _ := newFixture()

	tenantID := uuid.New()
	since := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	txnRepo.On("Window", mock.Anything, tenantID, since, until).Return([]*entities.NormalizedTransaction{
		txn("m-1", "25.00", true),
	}, nil)
	analyticsRepo.On("StartPipelineRun", mock.Anything, "pipeline.daily", mock.Anything).Return(nil)
	analyticsRepo.On("InsertSnapshots", mock.Anything, mock.Anything).Return(nil)
	analyticsRepo.On("InsertMerchantScores", mock.Anything, mock.Anything).Return(nil)
	analyticsRepo.On("FinishPipelineRun", mock.Anything, mock.Anything, nil).Return(nil)
	scanner.On("ScanWindow", mock.Anything, tenantID, since, until).Return(&risk.ScanResult{ScannedRows: 1, CreatedEvents: 2}, nil)
	scanner.On("GenerateRecommendations", mock.Anything, tenantID).Return(1, nil)
	dispatcher.On("Dispatch", mock.Anything, tenantID).Return(3, nil)

	result, err := svc.RunDaily(context.Background(), tenantID, since, until)
	require.NoError(t, err)

	assert.Equal(t, 2, result.RiskEvents)
	assert.Equal(t, 6, result.Snapshots)
	assert.Equal(t, 1, result.MerchantScores)
	assert.Equal(t, 1, result.Recommendations)
	assert.Equal(t, 3, result.AlertDispatches)

	require.Len(t, analyticsRepo.runs, 1)
	assert.Equal(t, "completed", analyticsRepo.runs[0].Status)
}

func TestRunDaily_StageFailureMarksRunFailed(t *testing.T) {
	svc, _, analyticsRepo, scanner, dispatcher, _ := newFixture()

	tenantID := uuid.New()
	since := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	analyticsRepo.On("StartPipelineRun", mock.Anything, "pipeline.daily", mock.Anything).Return(nil)
	analyticsRepo.On("FinishPipelineRun", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	scanner.On("ScanWindow", mock.Anything, tenantID, since, until).Return(nil, errors.New("window query timed out"))

	_, err := svc.RunDaily(context.Background(), tenantID, since, until)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anomaly scan")

	require.Len(t, analyticsRepo.runs, 1)
	assert.Equal(t, "failed", analyticsRepo.runs[0].Status)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestRunDaily_TenantLockBusy(t *testing.T) {
	svc, _, analyticsRepo, _, _, _ := newFixture()
	analyticsRepo.lockErr = errors.New("tenant pipeline already running")

	_, err := svc.RunDaily(context.Background(), uuid.New(), time.Now().Add(-24*time.Hour), time.Now())
	require.Error(t, err)
	assert.Empty(t, analyticsRepo.runs)
}

func TestRunExport_CompletesWithFileRef(t *testing.T) {
	svc, txnRepo, _, _, _, exportRepo := newFixture()

	tenantID := uuid.New()
	since := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	txnRepo.On("Window", mock.Anything, tenantID, since, until).Return([]*entities.NormalizedTransaction{
		txn("m-1", "10.00", true),
		txn("m-2", "20.00", false),
	}, nil)
	exportRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	exportRepo.On("Finish", mock.Anything, mock.Anything).Return(nil)

	result, err := svc.RunExport(context.Background(), tenantID, "", "", since, until)
	require.NoError(t, err)

	assert.Equal(t, entities.JobStatusCompleted, result.Status)
	assert.Equal(t, 2, result.Rows)

	require.Len(t, exportRepo.jobs, 1)
	job := exportRepo.jobs[0]
	assert.Equal(t, entities.ExportFormatCSV, job.ExportFormat)
	assert.Equal(t, entities.ExportTargetDownload, job.Target)
	assert.Equal(t, entities.JobStatusCompleted, job.Status)
	require.NotNil(t, job.FileRef)
	assert.Equal(t, fmt.Sprintf("exports/%s/%s.csv", tenantID, job.ID), *job.FileRef)
	assert.Equal(t, *job.FileRef, result.FileRef)
	assert.Equal(t, 2, job.Stats["rows"])
	require.NotNil(t, job.FinishedAt)
}

func TestRunExport_RejectsUnknownFormat(t *testing.T) {
	svc, _, _, _, _, exportRepo := newFixture()

	_, err := svc.RunExport(context.Background(), uuid.New(), "xlsx", "download",
		time.Now().Add(-24*time.Hour), time.Now())
	require.ErrorIs(t, err, ErrInvalidExport)
	exportRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestRunExport_WindowFailureMarksJobFailed(t *testing.T) {
	svc, txnRepo, _, _, _, exportRepo := newFixture()

	tenantID := uuid.New()
	since := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)

	txnRepo.On("Window", mock.Anything, tenantID, since, until).
		Return(nil, errors.New("window query timed out"))
	exportRepo.On("Create", mock.Anything, mock.Anything).Return(nil)
	exportRepo.On("Finish", mock.Anything, mock.Anything).Return(nil)

	_, err := svc.RunExport(context.Background(), tenantID, "parquet", "s3", since, until)
	require.Error(t, err)

	require.Len(t, exportRepo.jobs, 1)
	job := exportRepo.jobs[0]
	assert.Equal(t, entities.JobStatusFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "window query timed out")
	assert.Nil(t, job.FileRef)
}
