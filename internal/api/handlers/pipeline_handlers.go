package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/domain/services/alerts"
	"github.com/pulse-service/pulse_service/internal/domain/services/analytics"
	"github.com/pulse-service/pulse_service/internal/domain/services/risk"
	"github.com/pulse-service/pulse_service/internal/infrastructure/repositories"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

// PipelineHandlers exposes the internal batch job surface. All routes are
// guarded by the internal token middleware.
type PipelineHandlers struct {
	analyticsService *analytics.Service
	riskService      *risk.Service
	alertService     *alerts.Service
	windowHours      int
	logger           *logger.Logger
}

// NewPipelineHandlers creates pipeline job handlers
func NewPipelineHandlers(analyticsService *analytics.Service, riskService *risk.Service, alertService *alerts.Service, windowHours int, logger *logger.Logger) *PipelineHandlers {
	return &PipelineHandlers{
		analyticsService: analyticsService,
		riskService:      riskService,
		alertService:     alertService,
		windowHours:      windowHours,
		logger:           logger,
	}
}

// jobWindow resolves the since/until query parameters, defaulting to the
// trailing configured window.
func (h *PipelineHandlers) jobWindow(c *gin.Context) (time.Time, time.Time, bool) {
	until, ok, err := parseTimeQuery(c, "until")
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return time.Time{}, time.Time{}, false
	}
	if !ok {
		until = time.Now().UTC()
	}

	since, ok, err := parseTimeQuery(c, "since")
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return time.Time{}, time.Time{}, false
	}
	if !ok {
		since = until.Add(-time.Duration(h.windowHours) * time.Hour)
	}

	if !since.Before(until) {
		respondBadRequest(c, "since must be before until", nil)
		return time.Time{}, time.Time{}, false
	}

	return since, until, true
}

// RunDaily executes the full pipeline for one tenant, or for every tenant
// with recent activity when tenant_id is omitted. Tenants whose advisory
// lock is held are skipped, not failed.
func (h *PipelineHandlers) RunDaily(c *gin.Context) {
	since, until, ok := h.jobWindow(c)
	if !ok {
		return
	}

	if raw := c.Query("tenant_id"); raw != "" {
		tenantID, err := uuid.Parse(raw)
		if err != nil {
			respondBadRequest(c, "Invalid tenant_id", nil)
			return
		}

		result, err := h.analyticsService.RunDaily(c.Request.Context(), tenantID, since, until)
		if err != nil {
			if errors.Is(err, repositories.ErrTenantLocked) {
				respondConflict(c, "TENANT_LOCKED", "A pipeline pass for this tenant is already running")
				return
			}
			respondInternalError(c, "Pipeline run failed")
			return
		}

		c.JSON(http.StatusOK, result)
		return
	}

	tenants, err := h.analyticsService.ActiveTenants(c.Request.Context(), since)
	if err != nil {
		respondInternalError(c, "Failed to list active tenants")
		return
	}

	results := make([]*analytics.DailyRunResult, 0, len(tenants))
	skipped := 0
	failed := 0
	for _, tenantID := range tenants {
		result, err := h.analyticsService.RunDaily(c.Request.Context(), tenantID, since, until)
		if err != nil {
			if errors.Is(err, repositories.ErrTenantLocked) {
				skipped++
				continue
			}
			failed++
			h.logger.WithContext(c.Request.Context()).Errorw("pipeline run failed for tenant",
				"tenant_id", tenantID.String(),
				"error", err.Error(),
			)
			continue
		}
		results = append(results, result)
	}

	c.JSON(http.StatusOK, gin.H{
		"tenants": len(tenants),
		"results": results,
		"skipped": skipped,
		"failed":  failed,
	})
}

// AnomalyDetect runs the detection rules over the window for one tenant.
func (h *PipelineHandlers) AnomalyDetect(c *gin.Context) {
	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	since, until, ok := h.jobWindow(c)
	if !ok {
		return
	}

	result, err := h.riskService.ScanWindow(c.Request.Context(), tenantID, since, until)
	if err != nil {
		respondInternalError(c, "Anomaly scan failed")
		return
	}

	c.JSON(http.StatusOK, result)
}

// MaterializeSnapshots computes and stores the tenant's metric points.
func (h *PipelineHandlers) MaterializeSnapshots(c *gin.Context) {
	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	since, until, ok := h.jobWindow(c)
	if !ok {
		return
	}

	written, err := h.analyticsService.MaterializeSnapshots(c.Request.Context(), tenantID, since, until)
	if err != nil {
		if errors.Is(err, repositories.ErrTenantLocked) {
			respondConflict(c, "TENANT_LOCKED", "A pipeline pass for this tenant is already running")
			return
		}
		respondInternalError(c, "Snapshot materialization failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"snapshots": written})
}

// UpdateMerchantScores recomputes per-merchant approval health.
func (h *PipelineHandlers) UpdateMerchantScores(c *gin.Context) {
	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	since, until, ok := h.jobWindow(c)
	if !ok {
		return
	}

	written, err := h.analyticsService.UpdateMerchantScores(c.Request.Context(), tenantID, since, until)
	if err != nil {
		if errors.Is(err, repositories.ErrTenantLocked) {
			respondConflict(c, "TENANT_LOCKED", "A pipeline pass for this tenant is already running")
			return
		}
		respondInternalError(c, "Merchant scoring failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"merchant_scores": written})
}

// GenerateRecommendations derives recommendations from open risk signals.
func (h *PipelineHandlers) GenerateRecommendations(c *gin.Context) {
	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	created, err := h.riskService.GenerateRecommendations(c.Request.Context(), tenantID)
	if err != nil {
		respondInternalError(c, "Recommendation generation failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"recommendations": created})
}

// RunExport executes a transaction export over the window and returns the
// produced file reference.
func (h *PipelineHandlers) RunExport(c *gin.Context) {
	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	since, until, ok := h.jobWindow(c)
	if !ok {
		return
	}

	format := c.DefaultQuery("format", entities.ExportFormatCSV)
	target := c.DefaultQuery("target", entities.ExportTargetDownload)

	result, err := h.analyticsService.RunExport(c.Request.Context(), tenantID, format, target, since, until)
	if err != nil {
		if errors.Is(err, analytics.ErrInvalidExport) {
			respondBadRequest(c, "Unsupported export format or target", map[string]interface{}{
				"format": format,
				"target": target,
			})
			return
		}
		respondInternalError(c, "Export failed")
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetExportJob returns one export job by ID.
func (h *PipelineHandlers) GetExportJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "Invalid export job ID", nil)
		return
	}

	job, err := h.analyticsService.GetExportJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondNotFound(c, "Export job not found")
			return
		}
		respondInternalError(c, "Failed to load export job")
		return
	}

	c.JSON(http.StatusOK, job)
}

// DispatchAlerts delivers open events to the tenant's channels.
func (h *PipelineHandlers) DispatchAlerts(c *gin.Context) {
	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	dispatched, err := h.alertService.Dispatch(c.Request.Context(), tenantID)
	if err != nil {
		respondInternalError(c, "Alert dispatch failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispatches": dispatched})
}
