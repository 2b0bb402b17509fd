package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pulse-service/pulse_service/internal/api/routes"
	"github.com/pulse-service/pulse_service/internal/infrastructure/config"
	"github.com/pulse-service/pulse_service/internal/infrastructure/database"
	"github.com/pulse-service/pulse_service/internal/infrastructure/di"
	"github.com/pulse-service/pulse_service/internal/workers/pipeline"
	"github.com/pulse-service/pulse_service/internal/workers/retryscheduler"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Initialize logger
	log := logger.New(cfg.LogLevel, cfg.Environment)

	// Initialize database
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	// Run migrations
	if err := database.RunMigrations(cfg.Database.URL); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	// Set Gin mode
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// Build dependency injection container
	container := di.NewContainer(cfg, db, log)

	// Initialize router with DI container
	router := routes.SetupRoutes(container)

	// Start the failed-job retry scheduler
	retryConfig := retryscheduler.DefaultSchedulerConfig()
	if cfg.Retry.PollIntervalSeconds > 0 {
		retryConfig.PollInterval = time.Duration(cfg.Retry.PollIntervalSeconds) * time.Second
	}
	if cfg.Retry.MaxConcurrency > 0 {
		retryConfig.MaxConcurrency = cfg.Retry.MaxConcurrency
	}
	if cfg.Retry.BatchSize > 0 {
		retryConfig.JobBatchSize = cfg.Retry.BatchSize
	}

	retryScheduler := retryscheduler.NewScheduler(
		container.IngestionService,
		container.JobRepo,
		retryConfig,
		log.Zap(),
	)
	if err := retryScheduler.Start(); err != nil {
		log.Fatal("Failed to start retry scheduler", "error", err)
	}
	log.Info("Ingestion retry scheduler started")

	// Start the daily pipeline scheduler
	pipelineConfig := pipeline.DefaultConfig()
	pipelineConfig.CronSpec = cfg.Pipeline.CronSpec
	pipelineConfig.WindowHours = cfg.Pipeline.WindowHours

	pipelineScheduler := pipeline.NewScheduler(container.AnalyticsService, pipelineConfig, log.Zap())
	if err := pipelineScheduler.Start(); err != nil {
		log.Fatal("Failed to start pipeline scheduler", "error", err)
	}
	log.Info("Daily pipeline scheduler started")

	// Create server
	server := &http.Server{
		Addr:           fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:        router,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	// Start server in goroutine
	go func() {
		log.Info("Starting server", "port", cfg.Server.Port, "environment", cfg.Environment)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Stop the schedulers before the HTTP surface
	pipelineScheduler.Stop()
	if err := retryScheduler.Stop(); err != nil {
		log.Warn("Error stopping retry scheduler", "error", err)
	}

	// Give outstanding requests 30 seconds to complete
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", "error", err)
	}

	log.Info("Server exited")
}
