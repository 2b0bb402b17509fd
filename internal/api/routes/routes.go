package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulse-service/pulse_service/internal/api/handlers"
	"github.com/pulse-service/pulse_service/internal/api/middleware"
	"github.com/pulse-service/pulse_service/internal/infrastructure/di"
)

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	router := gin.New()

	// Global middleware, order matters
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(container.Config.Server.AllowedOrigins))
	router.Use(middleware.RateLimit(container.Config.Server.RateLimitPerMin))
	router.Use(middleware.SecurityHeaders())

	healthHandler := handlers.NewHealthHandler(container.DB, container.Logger)
	ingestionHandlers := handlers.NewIngestionHandlers(container.IngestionService, container.Logger)
	riskHandlers := handlers.NewRiskHandlers(container.RiskService, container.RiskEventRepo, container.Logger)
	alertHandlers := handlers.NewAlertHandlers(container.AlertService, container.Logger)
	pipelineHandlers := handlers.NewPipelineHandlers(
		container.AnalyticsService,
		container.RiskService,
		container.AlertService,
		container.Config.Pipeline.WindowHours,
		container.Logger,
	)

	// Health checks and metrics (no auth required)
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/live", healthHandler.Live)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Provider webhook intake; signature verification is the auth
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/:provider", ingestionHandlers.HandleWebhook)
		}

		// Processor connections and backfill syncs
		connectors := v1.Group("/connectors")
		{
			connectors.POST("/:provider/connect", ingestionHandlers.Connect)
			connectors.DELETE("/:provider", ingestionHandlers.Disconnect)
			connectors.POST("/:provider/sync", ingestionHandlers.RunSync)
		}

		// CSV intake and ingestion job inspection
		ingestionGroup := v1.Group("/ingestion")
		{
			ingestionGroup.POST("/csv/jobs", ingestionHandlers.RegisterCSVJob)
			ingestionGroup.POST("/csv/import", ingestionHandlers.ImportCSV)
			ingestionGroup.GET("/jobs/:id", ingestionHandlers.GetJob)
			ingestionGroup.POST("/jobs/:id/retry", ingestionHandlers.RetryJob)
		}

		// Risk triage surface
		riskEvents := v1.Group("/risk/events")
		{
			riskEvents.GET("", riskHandlers.ListOpenEvents)
			riskEvents.POST("/:id/workflow", riskHandlers.UpdateWorkflow)
		}
		recommendations := v1.Group("/recommendations")
		{
			recommendations.POST("/:id/feedback", riskHandlers.SubmitFeedback)
		}

		// Alert channel configuration
		alertChannels := v1.Group("/alert-channels")
		{
			alertChannels.POST("", alertHandlers.CreateChannel)
		}

		// Internal batch job surface
		jobs := v1.Group("/jobs")
		jobs.Use(middleware.InternalToken(container.Config.Pipeline.InternalToken, container.Config.Environment))
		{
			jobs.POST("/run-daily", pipelineHandlers.RunDaily)
			jobs.POST("/anomaly-detect", pipelineHandlers.AnomalyDetect)
			jobs.POST("/snapshots/materialize", pipelineHandlers.MaterializeSnapshots)
			jobs.POST("/merchant-scores/update", pipelineHandlers.UpdateMerchantScores)
			jobs.POST("/recommendations/generate", pipelineHandlers.GenerateRecommendations)
			jobs.POST("/alerts/dispatch", pipelineHandlers.DispatchAlerts)
			jobs.POST("/exports/run", pipelineHandlers.RunExport)
		}

		// Export job inspection
		exports := v1.Group("/exports")
		{
			exports.GET("/:id", pipelineHandlers.GetExportJob)
		}
	}

	return router
}
