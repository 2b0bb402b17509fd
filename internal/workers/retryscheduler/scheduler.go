package retryscheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/domain/services/ingestion"
)

// JobRepository lists failed ingestion jobs whose retry time has come.
type JobRepository interface {
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]*entities.IngestionJob, error)
}

// JobRetrier claims and re-executes a failed job.
type JobRetrier interface {
	RetryJob(ctx context.Context, jobID uuid.UUID) (*entities.IngestionJob, error)
}

// SchedulerConfig holds configuration for the retry scheduler
type SchedulerConfig struct {
	PollInterval    time.Duration // How often to check for due jobs
	MaxConcurrency  int           // Maximum number of jobs to retry concurrently
	JobBatchSize    int           // Number of jobs to fetch per poll
	ShutdownTimeout time.Duration // How long to wait for in-flight retries during shutdown
}

// DefaultSchedulerConfig returns default scheduler configuration
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:    60 * time.Second,
		MaxConcurrency:  4,
		JobBatchSize:    20,
		ShutdownTimeout: 60 * time.Second,
	}
}

// Scheduler polls for failed ingestion jobs that are due and re-executes
// them. Claims are guarded by the job's retry count, so multiple instances
// can poll the same table without double execution.
type Scheduler struct {
	retrier JobRetrier
	jobRepo JobRepository
	config  SchedulerConfig
	logger  *zap.Logger

	semaphore chan struct{}
	wg        sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	isRunning bool
	mu        sync.RWMutex
}

// NewScheduler creates a new retry scheduler
func NewScheduler(retrier JobRetrier, jobRepo JobRepository, config SchedulerConfig, logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		retrier:   retrier,
		jobRepo:   jobRepo,
		config:    config,
		logger:    logger,
		semaphore: make(chan struct{}, config.MaxConcurrency),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins the scheduler's polling loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	s.logger.Info("Starting ingestion retry scheduler",
		zap.Duration("poll_interval", s.config.PollInterval),
		zap.Int("max_concurrency", s.config.MaxConcurrency),
		zap.Int("batch_size", s.config.JobBatchSize))

	go s.pollLoop()

	return nil
}

// Stop gracefully shuts down the scheduler
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("scheduler is not running")
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("All in-flight retries completed, scheduler stopped")
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn("Shutdown timeout reached, some retries may not have completed",
			zap.Duration("timeout", s.config.ShutdownTimeout))
	}

	s.mu.Lock()
	s.isRunning = false
	s.mu.Unlock()

	return nil
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) pollLoop() {
	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	s.processDueJobs()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("Retry poll loop stopped")
			return

		case <-ticker.C:
			s.processDueJobs()
		}
	}
}

func (s *Scheduler) processDueJobs() {
	jobs, err := s.jobRepo.ListDueForRetry(s.ctx, time.Now().UTC(), s.config.JobBatchSize)
	if err != nil {
		s.logger.Error("Failed to fetch due retry jobs", zap.Error(err))
		return
	}
	if len(jobs) == 0 {
		return
	}

	s.logger.Info("Found failed jobs due for retry", zap.Int("count", len(jobs)))
	for _, job := range jobs {
		s.enqueueJob(job.ID)
	}
}

func (s *Scheduler) enqueueJob(jobID uuid.UUID) {
	select {
	case <-s.ctx.Done():
		return

	case s.semaphore <- struct{}{}:
		s.wg.Add(1)
		go s.retryJobAsync(jobID)

	default:
		// Semaphore full; the job stays due and the next poll picks it up.
		s.logger.Warn("Concurrency limit reached, retry deferred to next poll",
			zap.String("job_id", jobID.String()),
			zap.Int("max_concurrency", s.config.MaxConcurrency))
	}
}

func (s *Scheduler) retryJobAsync(jobID uuid.UUID) {
	defer func() {
		<-s.semaphore
		s.wg.Done()

		if r := recover(); r != nil {
			s.logger.Error("Panic in job retry",
				zap.String("job_id", jobID.String()),
				zap.Any("panic", r))
		}
	}()

	if _, err := s.retrier.RetryJob(s.ctx, jobID); err != nil {
		// Lost claims and exhausted jobs are expected outcomes, not errors.
		if errors.Is(err, ingestion.ErrJobNotRetryable) || errors.Is(err, ingestion.ErrRetriesExhausted) {
			s.logger.Debug("Job not retried",
				zap.String("job_id", jobID.String()),
				zap.String("reason", err.Error()))
			return
		}
		s.logger.Error("Job retry failed",
			zap.String("job_id", jobID.String()),
			zap.Error(err))
	}
}
