package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/domain/services/alerts"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

// AlertHandlers handles alert channel configuration.
type AlertHandlers struct {
	alertService *alerts.Service
	logger       *logger.Logger
}

// NewAlertHandlers creates alert handlers
func NewAlertHandlers(alertService *alerts.Service, logger *logger.Logger) *AlertHandlers {
	return &AlertHandlers{
		alertService: alertService,
		logger:       logger,
	}
}

// CreateChannelRequest is the body for registering a notification channel.
type CreateChannelRequest struct {
	TenantID    uuid.UUID `json:"tenant_id" binding:"required"`
	ChannelType string    `json:"channel_type" binding:"required"`
	Destination string    `json:"destination" binding:"required"`
	MinSeverity string    `json:"min_severity" binding:"required"`
}

// CreateChannel registers a notification destination with a severity floor.
func (h *AlertHandlers) CreateChannel(c *gin.Context) {
	var req CreateChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	channelType := entities.AlertChannelType(req.ChannelType)
	if channelType != entities.ChannelEmail && channelType != entities.ChannelWebhook {
		respondBadRequest(c, "channel_type must be email or webhook", nil)
		return
	}

	severity := entities.Severity(req.MinSeverity)
	if severity.Rank() == 0 {
		respondBadRequest(c, "min_severity must be one of low, medium, high, critical", nil)
		return
	}

	channel, err := h.alertService.CreateChannel(c.Request.Context(), req.TenantID, channelType, req.Destination, severity)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Errorw("failed to create alert channel",
			"tenant_id", req.TenantID.String(),
			"error", err.Error(),
		)
		respondInternalError(c, "Failed to create alert channel")
		return
	}

	c.JSON(http.StatusCreated, channel)
}
