package di

import (
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/adapters/providers"
	"github.com/pulse-service/pulse_service/internal/domain/services/alerts"
	"github.com/pulse-service/pulse_service/internal/domain/services/analytics"
	"github.com/pulse-service/pulse_service/internal/domain/services/ingestion"
	"github.com/pulse-service/pulse_service/internal/domain/services/risk"
	"github.com/pulse-service/pulse_service/internal/infrastructure/adapters"
	"github.com/pulse-service/pulse_service/internal/infrastructure/config"
	"github.com/pulse-service/pulse_service/internal/infrastructure/repositories"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

// Container holds all application dependencies
type Container struct {
	Config *config.Config
	DB     *sqlx.DB
	Logger *logger.Logger
	ZapLog *zap.Logger

	// Repositories
	ConnectionRepo     *repositories.ConnectionRepository
	JobRepo            *repositories.IngestionJobRepository
	TransactionRepo    *repositories.TransactionRepository
	RiskEventRepo      *repositories.RiskEventRepository
	RecommendationRepo *repositories.RecommendationRepository
	AlertRepo          *repositories.AlertRepository
	AnalyticsRepo      *repositories.AnalyticsRepository
	ExportJobRepo      *repositories.ExportJobRepository

	// External adapters
	ProviderRegistry *providers.Registry
	EmailService     *adapters.EmailService
	WebhookNotifier  *adapters.WebhookNotifier

	// Domain services
	IngestionService *ingestion.Service
	RiskService      *risk.Service
	AlertService     *alerts.Service
	AnalyticsService *analytics.Service
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *config.Config, db *sqlx.DB, log *logger.Logger) *Container {
	zapLog := log.Zap()

	// Repositories
	connectionRepo := repositories.NewConnectionRepository(db, zapLog)
	jobRepo := repositories.NewIngestionJobRepository(db, zapLog)
	transactionRepo := repositories.NewTransactionRepository(db, zapLog)
	riskEventRepo := repositories.NewRiskEventRepository(db, zapLog)
	recommendationRepo := repositories.NewRecommendationRepository(db, zapLog)
	alertRepo := repositories.NewAlertRepository(db, zapLog)
	analyticsRepo := repositories.NewAnalyticsRepository(db, zapLog)
	exportJobRepo := repositories.NewExportJobRepository(db, zapLog)

	// Provider adapters
	registry := providers.NewRegistry(
		providers.NewStripeAdapter(cfg.Providers.Stripe, zapLog),
		providers.NewSquareAdapter(cfg.Providers.Square, zapLog),
		providers.NewAuthorizeNetAdapter(cfg.Providers.AuthorizeNet, zapLog),
	)

	// Delivery adapters
	emailService := adapters.NewEmailService(zapLog, adapters.EmailServiceConfig{
		APIKey:      cfg.Email.APIKey,
		FromEmail:   cfg.Email.FromEmail,
		FromName:    cfg.Email.FromName,
		Environment: cfg.Environment,
	})
	webhookNotifier := adapters.NewWebhookNotifier(zapLog)

	// Domain services
	ingestionService := ingestion.NewService(
		connectionRepo,
		jobRepo,
		transactionRepo,
		registry,
		cfg.Providers,
		cfg.Retry.MaxRetries,
		log,
	)
	riskService := risk.NewService(transactionRepo, riskEventRepo, recommendationRepo, log)
	alertService := alerts.NewService(alertRepo, riskEventRepo, emailService, webhookNotifier, log)
	analyticsService := analytics.NewService(transactionRepo, analyticsRepo, exportJobRepo, riskService, alertService, log)

	return &Container{
		Config: cfg,
		DB:     db,
		Logger: log,
		ZapLog: zapLog,

		ConnectionRepo:     connectionRepo,
		JobRepo:            jobRepo,
		TransactionRepo:    transactionRepo,
		RiskEventRepo:      riskEventRepo,
		RecommendationRepo: recommendationRepo,
		AlertRepo:          alertRepo,
		AnalyticsRepo:      analyticsRepo,
		ExportJobRepo:      exportJobRepo,

		ProviderRegistry: registry,
		EmailService:     emailService,
		WebhookNotifier:  webhookNotifier,

		IngestionService: ingestionService,
		RiskService:      riskService,
		AlertService:     alertService,
		AnalyticsService: analyticsService,
	}
}
