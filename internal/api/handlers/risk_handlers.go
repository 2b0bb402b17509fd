package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/domain/services/risk"
	"github.com/pulse-service/pulse_service/internal/infrastructure/repositories"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

const defaultOpenEventsLimit = 50

// RiskEventLister reads open risk events for the API surface.
type RiskEventLister interface {
	ListOpen(ctx context.Context, tenantID uuid.UUID, limit int) ([]*entities.RiskEvent, error)
}

// RiskHandlers handles risk event triage and recommendation feedback.
type RiskHandlers struct {
	riskService *risk.Service
	events      RiskEventLister
	logger      *logger.Logger
}

// NewRiskHandlers creates risk handlers
func NewRiskHandlers(riskService *risk.Service, events RiskEventLister, logger *logger.Logger) *RiskHandlers {
	return &RiskHandlers{
		riskService: riskService,
		events:      events,
		logger:      logger,
	}
}

// ListOpenEvents returns the tenant's open risk events, newest first.
func (h *RiskHandlers) ListOpenEvents(c *gin.Context) {
	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	limit := defaultOpenEventsLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			respondBadRequest(c, "limit must be between 1 and 500", nil)
			return
		}
		limit = parsed
	}

	events, err := h.events.ListOpen(c.Request.Context(), tenantID, limit)
	if err != nil {
		respondInternalError(c, "Failed to list risk events")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// WorkflowRequest is the body for a workflow state change.
type WorkflowRequest struct {
	WorkflowState string  `json:"workflow_state" binding:"required"`
	Owner         *string `json:"owner"`
}

// UpdateWorkflow moves a risk event through analyst triage.
func (h *RiskHandlers) UpdateWorkflow(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "Invalid risk event ID", nil)
		return
	}

	var req WorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	state := entities.WorkflowState(req.WorkflowState)
	switch state {
	case entities.WorkflowStateNew, entities.WorkflowStateInvestigating,
		entities.WorkflowStateResolved, entities.WorkflowStateFalsePositive:
	default:
		respondBadRequest(c, "Unknown workflow state", nil)
		return
	}

	event, err := h.riskService.UpdateWorkflow(c.Request.Context(), id, state, req.Owner)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			respondNotFound(c, "Risk event not found")
		case errors.Is(err, risk.ErrInvalidTransition):
			respondConflict(c, "INVALID_TRANSITION", "Workflow transition not allowed from the current state")
		default:
			respondInternalError(c, "Failed to update workflow state")
		}
		return
	}

	c.JSON(http.StatusOK, event)
}

// FeedbackRequest is the body for analyst feedback on a recommendation.
type FeedbackRequest struct {
	TenantID uuid.UUID  `json:"tenant_id" binding:"required"`
	UserID   *uuid.UUID `json:"user_id"`
	Feedback string     `json:"feedback" binding:"required"`
	Reason   *string    `json:"reason"`
}

// SubmitFeedback records an analyst verdict on a recommendation and
// updates its lifecycle state.
func (h *RiskHandlers) SubmitFeedback(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "Invalid recommendation ID", nil)
		return
	}

	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	rec, err := h.riskService.ApplyFeedback(c.Request.Context(), req.TenantID, id, req.UserID, req.Feedback, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			respondNotFound(c, "Recommendation not found")
		case errors.Is(err, risk.ErrInvalidFeedback):
			respondBadRequest(c, "feedback must be one of accepted, rejected, deferred", nil)
		default:
			respondInternalError(c, "Failed to record feedback")
		}
		return
	}

	c.JSON(http.StatusOK, rec)
}
