package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/domain/services/risk"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

const (
	snapshotModel         = "deterministic-v1"
	snapshotPromptVersion = "p2-summary-v1"

	scoreTypeApprovalHealth = "approval_health"

	jobTypeDailyPipeline  = "pipeline.daily"
	jobTypeSnapshots      = "snapshots.materialize"
	jobTypeMerchantScores = "merchant_scores.update"
)

// ErrInvalidExport marks export requests with an unsupported format or
// delivery target.
var ErrInvalidExport = errors.New("unsupported export format or target")

// TransactionRepository interface for reading the normalized window
type TransactionRepository interface {
	Window(ctx context.Context, tenantID uuid.UUID, since, until time.Time) ([]*entities.NormalizedTransaction, error)
	DistinctTenantIDs(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// AnalyticsRepository interface for snapshot, score and run persistence
type AnalyticsRepository interface {
	WithTenantLock(ctx context.Context, tenantID uuid.UUID, fn func(ctx context.Context) error) error
	InsertSnapshots(ctx context.Context, snapshots []*entities.InsightSnapshot) error
	InsertMerchantScores(ctx context.Context, scores []*entities.MerchantScore) error
	StartPipelineRun(ctx context.Context, jobType string, tenantID *uuid.UUID) (*entities.PipelineRun, error)
	FinishPipelineRun(ctx context.Context, run *entities.PipelineRun, runErr error) error
}

// RiskScanner runs detection and recommendation generation for a tenant.
type RiskScanner interface {
	ScanWindow(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (*risk.ScanResult, error)
	GenerateRecommendations(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// AlertDispatcher fans open events out to notification channels.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// ExportJobRepository interface for export job persistence
type ExportJobRepository interface {
	Create(ctx context.Context, job *entities.ExportJob) error
	Finish(ctx context.Context, job *entities.ExportJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*entities.ExportJob, error)
}

// ExportResult reports one export job execution.
type ExportResult struct {
	ExportJobID uuid.UUID          `json:"export_job_id"`
	FileRef     string             `json:"file_ref"`
	Status      entities.JobStatus `json:"status"`
	Rows        int                `json:"rows"`
}

// DailyRunResult summarizes one tenant's daily pipeline pass.
type DailyRunResult struct {
	TenantID        uuid.UUID `json:"tenant_id"`
	RiskEvents      int       `json:"anomaly"`
	Snapshots       int       `json:"snapshots"`
	MerchantScores  int       `json:"scores"`
	Recommendations int       `json:"recs"`
	AlertDispatches int       `json:"alerts"`
}

// Service materializes insight snapshots and merchant health scores from
// the normalized window and orchestrates the daily per-tenant pipeline.
// Each pass runs under the tenant's advisory lock and is logged as a
// pipeline run.
type Service struct {
	txnRepo       TransactionRepository
	analyticsRepo AnalyticsRepository
	exportRepo    ExportJobRepository
	risk          RiskScanner
	alerts        AlertDispatcher
	logger        *logger.Logger
}

// NewService creates the analytics service.
func NewService(txnRepo TransactionRepository, analyticsRepo AnalyticsRepository, exportRepo ExportJobRepository, risk RiskScanner, alerts AlertDispatcher, log *logger.Logger) *Service {
	return &Service{
		txnRepo:       txnRepo,
		analyticsRepo: analyticsRepo,
		exportRepo:    exportRepo,
		risk:          risk,
		alerts:        alerts,
		logger:        log,
	}
}

// ActiveTenants lists tenants with transaction activity since the cutoff,
// for the daily scheduler to iterate.
func (s *Service) ActiveTenants(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	return s.txnRepo.DistinctTenantIDs(ctx, since)
}

// MaterializeSnapshots computes and stores the tenant's metric points for
// the window. Returns the number of snapshot rows written.
func (s *Service) MaterializeSnapshots(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (int, error) {
	var written int
	err := s.runLocked(ctx, jobTypeSnapshots, tenantID, func(ctx context.Context) error {
		var err error
		written, err = s.materializeSnapshots(ctx, tenantID, since, until)
		return err
	})
	return written, err
}

// UpdateMerchantScores recomputes per-merchant approval health for the
// window. Returns the number of score rows written.
func (s *Service) UpdateMerchantScores(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (int, error) {
	var written int
	err := s.runLocked(ctx, jobTypeMerchantScores, tenantID, func(ctx context.Context) error {
		var err error
		written, err = s.updateMerchantScores(ctx, tenantID, since, until)
		return err
	})
	return written, err
}

// RunExport runs a transaction export for the window, recorded in the
// export job ledger. The job row carries the file reference and row stats
// an object-storage uploader needs to deliver the export to its target.
func (s *Service) RunExport(ctx context.Context, tenantID uuid.UUID, format, target string, since, until time.Time) (*ExportResult, error) {
	if format == "" {
		format = entities.ExportFormatCSV
	}
	if target == "" {
		target = entities.ExportTargetDownload
	}
	if !entities.ValidExportFormat(format) || !entities.ValidExportTarget(target) {
		return nil, fmt.Errorf("%w: format %q, target %q", ErrInvalidExport, format, target)
	}

	job := &entities.ExportJob{
		ID:           uuid.New(),
		TenantID:     tenantID,
		ExportFormat: format,
		Target:       target,
		Status:       entities.JobStatusRunning,
		PeriodStart:  &since,
		PeriodEnd:    &until,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.exportRepo.Create(ctx, job); err != nil {
		return nil, err
	}

	txns, err := s.txnRepo.Window(ctx, tenantID, since, until)
	if err != nil {
		job.MarkExportFailed(err)
		if finishErr := s.exportRepo.Finish(ctx, job); finishErr != nil {
			s.logger.WithContext(ctx).Warnw("failed to record export failure",
				"export_job_id", job.ID.String(),
				"error", finishErr.Error(),
			)
		}
		return nil, err
	}

	fileRef := fmt.Sprintf("exports/%s/%s.%s", tenantID, job.ID, format)
	job.MarkExportCompleted(fileRef, entities.JSONMap{
		"rows":   len(txns),
		"format": format,
		"target": target,
	})
	if err := s.exportRepo.Finish(ctx, job); err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).Infow("export job completed",
		"tenant_id", tenantID.String(),
		"export_job_id", job.ID.String(),
		"file_ref", fileRef,
		"rows", len(txns),
	)

	return &ExportResult{
		ExportJobID: job.ID,
		FileRef:     fileRef,
		Status:      job.Status,
		Rows:        len(txns),
	}, nil
}

// GetExportJob returns one export job by id.
func (s *Service) GetExportJob(ctx context.Context, id uuid.UUID) (*entities.ExportJob, error) {
	return s.exportRepo.GetByID(ctx, id)
}

// RunDaily executes the full pipeline for one tenant: anomaly scan,
// snapshot materialization, merchant scoring, recommendation generation,
// then alert dispatch. Stages run in order; a stage failure aborts the
// pass and marks the run failed.
func (s *Service) RunDaily(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (*DailyRunResult, error) {
	result := &DailyRunResult{TenantID: tenantID}

	err := s.runLocked(ctx, jobTypeDailyPipeline, tenantID, func(ctx context.Context) error {
		scan, err := s.risk.ScanWindow(ctx, tenantID, since, until)
		if err != nil {
			return fmt.Errorf("anomaly scan: %w", err)
		}
		result.RiskEvents = scan.CreatedEvents

		snapshots, err := s.materializeSnapshots(ctx, tenantID, since, until)
		if err != nil {
			return fmt.Errorf("snapshot materialization: %w", err)
		}
		result.Snapshots = snapshots

		scores, err := s.updateMerchantScores(ctx, tenantID, since, until)
		if err != nil {
			return fmt.Errorf("merchant scoring: %w", err)
		}
		result.MerchantScores = scores

		recs, err := s.risk.GenerateRecommendations(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("recommendation generation: %w", err)
		}
		result.Recommendations = recs

		dispatches, err := s.alerts.Dispatch(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("alert dispatch: %w", err)
		}
		result.AlertDispatches = dispatches

		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).Infow("daily pipeline pass completed",
		"tenant_id", tenantID.String(),
		"risk_events", result.RiskEvents,
		"snapshots", result.Snapshots,
		"merchant_scores", result.MerchantScores,
		"recommendations", result.Recommendations,
		"alert_dispatches", result.AlertDispatches,
	)

	return result, nil
}

// runLocked serializes the job on the tenant's advisory lock and books a
// pipeline run around it.
func (s *Service) runLocked(ctx context.Context, jobType string, tenantID uuid.UUID, fn func(ctx context.Context) error) error {
	return s.analyticsRepo.WithTenantLock(ctx, tenantID, func(ctx context.Context) error {
		run, err := s.analyticsRepo.StartPipelineRun(ctx, jobType, &tenantID)
		if err != nil {
			return err
		}

		fnErr := fn(ctx)

		if err := s.analyticsRepo.FinishPipelineRun(ctx, run, fnErr); err != nil {
			s.logger.WithContext(ctx).Warnw("failed to record pipeline run outcome",
				"job_type", jobType,
				"tenant_id", tenantID.String(),
				"error", err.Error(),
			)
		}

		return fnErr
	})
}

func (s *Service) materializeSnapshots(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (int, error) {
	txns, err := s.txnRepo.Window(ctx, tenantID, since, until)
	if err != nil {
		return 0, err
	}

	txCount := int64(len(txns))
	volume := decimal.Zero
	approvedVolume := decimal.Zero
	var declines int64

	for _, txn := range txns {
		volume = volume.Add(txn.Amount)
		if txn.Approved {
			approvedVolume = approvedVolume.Add(txn.Amount)
		} else {
			declines++
		}
	}

	approvalRate := decimal.Zero
	avgTicket := decimal.Zero
	if txCount > 0 {
		approvalRate = decimal.NewFromInt(txCount - declines).
			Div(decimal.NewFromInt(txCount)).
			Mul(decimal.NewFromInt(100)).
			Round(2)
		avgTicket = approvedVolume.Div(decimal.NewFromInt(txCount)).Round(2)
	}

	narrative := fmt.Sprintf("From %s to %s: %d txns, volume %s, approval rate %s%%.",
		since.Format(time.RFC3339),
		until.Format(time.RFC3339),
		txCount,
		volume.String(),
		approvalRate.String(),
	)

	now := time.Now().UTC()
	provenance := entities.JSONMap{
		"source_tables": []string{"normalized_transactions"},
		"method":        "deterministic_rollup",
		"generated_at":  now.Format(time.RFC3339),
	}

	metricValues := []struct {
		key   string
		value decimal.Decimal
	}{
		{"volume", volume},
		{"revenue", approvedVolume},
		{"tx_count", decimal.NewFromInt(txCount)},
		{"approval_rate", approvalRate},
		{"avg_ticket", avgTicket},
		{"declines", decimal.NewFromInt(declines)},
	}

	snapshots := make([]*entities.InsightSnapshot, 0, len(metricValues))
	for _, m := range metricValues {
		snapshots = append(snapshots, &entities.InsightSnapshot{
			ID:               uuid.New(),
			TenantID:         tenantID,
			PeriodStart:      since,
			PeriodEnd:        until,
			MetricKey:        m.key,
			MetricValue:      m.value,
			NarrativeSummary: narrative,
			Model:            snapshotModel,
			PromptVersion:    snapshotPromptVersion,
			Provenance:       provenance,
			CreatedAt:        now,
		})
	}

	if err := s.analyticsRepo.InsertSnapshots(ctx, snapshots); err != nil {
		return 0, err
	}

	return len(snapshots), nil
}

func (s *Service) updateMerchantScores(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (int, error) {
	txns, err := s.txnRepo.Window(ctx, tenantID, since, until)
	if err != nil {
		return 0, err
	}

	type merchantTally struct {
		approved int64
		total    int64
	}

	byMerchant := make(map[string]*merchantTally)
	for _, txn := range txns {
		if txn.MerchantID == nil || *txn.MerchantID == "" {
			continue
		}
		tally := byMerchant[*txn.MerchantID]
		if tally == nil {
			tally = &merchantTally{}
			byMerchant[*txn.MerchantID] = tally
		}
		tally.total++
		if txn.Approved {
			tally.approved++
		}
	}

	merchants := make([]string, 0, len(byMerchant))
	for merchantID := range byMerchant {
		merchants = append(merchants, merchantID)
	}
	sort.Strings(merchants)

	now := time.Now().UTC()
	scores := make([]*entities.MerchantScore, 0, len(merchants))
	for _, merchantID := range merchants {
		tally := byMerchant[merchantID]
		value := decimal.NewFromInt(tally.approved).
			Div(decimal.NewFromInt(tally.total)).
			Mul(decimal.NewFromInt(100)).
			Round(3)

		scores = append(scores, &entities.MerchantScore{
			ID:         uuid.New(),
			TenantID:   tenantID,
			MerchantID: merchantID,
			ScoreType:  scoreTypeApprovalHealth,
			ScoreValue: value,
			Factors: entities.JSONMap{
				"approved": tally.approved,
				"total":    tally.total,
				"window": map[string]interface{}{
					"from": since.Format(time.RFC3339),
					"to":   until.Format(time.RFC3339),
				},
			},
			AsOf:      until,
			CreatedAt: now,
		})
	}

	if err := s.analyticsRepo.InsertMerchantScores(ctx, scores); err != nil {
		return 0, err
	}

	return len(scores), nil
}
