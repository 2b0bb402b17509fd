package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/services/analytics"
	"github.com/pulse-service/pulse_service/internal/infrastructure/repositories"
)

// PipelineRunner executes the daily pipeline for one tenant.
type PipelineRunner interface {
	ActiveTenants(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	RunDaily(ctx context.Context, tenantID uuid.UUID, since, until time.Time) (*analytics.DailyRunResult, error)
}

// Config controls the scheduled daily pipeline.
type Config struct {
	CronSpec    string        // Cron expression for the daily pass
	WindowHours int           // Trailing window width
	RunTimeout  time.Duration // Upper bound on one full pass across all tenants
}

// DefaultConfig returns default pipeline scheduler configuration
func DefaultConfig() Config {
	return Config{
		CronSpec:    "15 0 * * *",
		WindowHours: 24,
		RunTimeout:  30 * time.Minute,
	}
}

// Scheduler runs the daily analytics pipeline for every tenant with
// recent activity. Tenants are processed sequentially; per-tenant advisory
// locks make concurrent passes from other instances skip, not collide.
type Scheduler struct {
	runner PipelineRunner
	config Config
	cron   *cron.Cron
	logger *zap.Logger

	mu      sync.RWMutex
	running bool
	lastRun time.Time
}

// NewScheduler creates the daily pipeline scheduler
func NewScheduler(runner PipelineRunner, config Config, logger *zap.Logger) *Scheduler {
	if config.CronSpec == "" {
		config.CronSpec = DefaultConfig().CronSpec
	}
	if config.WindowHours <= 0 {
		config.WindowHours = DefaultConfig().WindowHours
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = DefaultConfig().RunTimeout
	}

	return &Scheduler{
		runner: runner,
		config: config,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
	}
}

// Start registers the cron entry and begins scheduling
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("pipeline scheduler is already running")
	}

	if _, err := s.cron.AddFunc(s.config.CronSpec, s.runPass); err != nil {
		return fmt.Errorf("invalid pipeline cron spec %q: %w", s.config.CronSpec, err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Starting daily pipeline scheduler",
		zap.String("cron_spec", s.config.CronSpec),
		zap.Int("window_hours", s.config.WindowHours))

	return nil
}

// Stop halts scheduling and waits for a running pass to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	ctx := s.cron.Stop()
	<-ctx.Done()
	s.running = false

	s.logger.Info("Daily pipeline scheduler stopped")
}

// IsRunning returns whether the scheduler is active
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// RunOnce executes one full pass immediately, outside the schedule.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	return s.run(ctx)
}

func (s *Scheduler) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RunTimeout)
	defer cancel()

	if err := s.run(ctx); err != nil {
		s.logger.Error("Daily pipeline pass failed", zap.Error(err))
	}
}

func (s *Scheduler) run(ctx context.Context) error {
	until := time.Now().UTC()
	since := until.Add(-time.Duration(s.config.WindowHours) * time.Hour)

	tenants, err := s.runner.ActiveTenants(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to list active tenants: %w", err)
	}

	s.logger.Info("Daily pipeline pass starting",
		zap.Int("tenants", len(tenants)),
		zap.Time("since", since),
		zap.Time("until", until))

	completed := 0
	skipped := 0
	failed := 0

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		result, err := s.runner.RunDaily(ctx, tenantID, since, until)
		if err != nil {
			if errors.Is(err, repositories.ErrTenantLocked) {
				skipped++
				continue
			}
			failed++
			s.logger.Error("Tenant pipeline pass failed",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err))
			continue
		}

		completed++
		s.logger.Debug("Tenant pipeline pass completed",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("risk_events", result.RiskEvents),
			zap.Int("alert_dispatches", result.AlertDispatches))
	}

	s.mu.Lock()
	s.lastRun = until
	s.mu.Unlock()

	s.logger.Info("Daily pipeline pass finished",
		zap.Int("completed", completed),
		zap.Int("skipped", skipped),
		zap.Int("failed", failed))

	if failed > 0 {
		return fmt.Errorf("%d tenant passes failed", failed)
	}
	return nil
}
