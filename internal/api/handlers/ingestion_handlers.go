package handlers

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/domain/services/ingestion"
	"github.com/pulse-service/pulse_service/internal/infrastructure/repositories"
	"github.com/pulse-service/pulse_service/pkg/logger"
)

// maxWebhookBodyBytes bounds inbound webhook payload size.
const maxWebhookBodyBytes = 1 << 20

// maxCSVUploadBytes bounds CSV upload size.
const maxCSVUploadBytes = 10 << 20

// IngestionHandlers handles processor connections, webhooks, syncs and
// CSV imports.
type IngestionHandlers struct {
	ingestionService *ingestion.Service
	logger           *logger.Logger
}

// NewIngestionHandlers creates ingestion handlers
func NewIngestionHandlers(ingestionService *ingestion.Service, logger *logger.Logger) *IngestionHandlers {
	return &IngestionHandlers{
		ingestionService: ingestionService,
		logger:           logger,
	}
}

// ConnectRequest is the body for registering a processor connection.
type ConnectRequest struct {
	TenantID         uuid.UUID `json:"tenant_id" binding:"required"`
	CredentialsRef   *string   `json:"credentials_ref"`
	WebhookSecretRef *string   `json:"webhook_secret_ref"`
}

// Connect registers or reactivates a processor connection for a tenant.
// The provider comes from the path; secrets travel as opaque references.
func (h *IngestionHandlers) Connect(c *gin.Context) {
	provider, err := entities.ParseProvider(c.Param("provider"))
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	var req ConnectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	conn, err := h.ingestionService.Connect(c.Request.Context(), req.TenantID, provider, req.CredentialsRef, req.WebhookSecretRef)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Errorw("failed to connect processor",
			"tenant_id", req.TenantID.String(),
			"provider", string(provider),
			"error", err.Error(),
		)
		respondInternalError(c, "Failed to register connection")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"connection_id": conn.ID,
		"status":        conn.Status,
	})
}

// Disconnect deactivates a tenant's processor connection.
func (h *IngestionHandlers) Disconnect(c *gin.Context) {
	provider, err := entities.ParseProvider(c.Param("provider"))
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	if err := h.ingestionService.Disconnect(c.Request.Context(), tenantID, provider); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondNotFound(c, "Connection not found")
			return
		}
		respondInternalError(c, "Failed to disconnect")
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "disconnected"})
}

// HandleWebhook verifies and ingests one provider webhook delivery.
// Signature verification happens before anything is persisted.
func (h *IngestionHandlers) HandleWebhook(c *gin.Context) {
	provider, err := entities.ParseProvider(c.Param("provider"))
	if err != nil {
		respondNotFound(c, err.Error())
		return
	}

	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		respondBadRequest(c, "Failed to read request body", nil)
		return
	}

	job, err := h.ingestionService.HandleWebhook(c.Request.Context(), tenantID, provider, c.Request.Header, c.Request.URL.String(), body)
	if err != nil {
		switch {
		case errors.Is(err, ingestion.ErrInvalidSignature):
			respondError(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature verification failed", nil)
		case errors.Is(err, ingestion.ErrNoWebhookSecret):
			respondError(c, http.StatusUnauthorized, "NO_WEBHOOK_SECRET", "No webhook secret configured for this connection", nil)
		default:
			h.logger.WithContext(c.Request.Context()).Errorw("webhook ingestion failed",
				"tenant_id", tenantID.String(),
				"provider", string(provider),
				"error", err.Error(),
			)
			respondInternalError(c, "Webhook ingestion failed")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accepted":      true,
		"ingested_rows": job.IngestedRows,
		"job_id":        job.ID,
	})
}

// SyncRequest is the body for a backfill sync.
type SyncRequest struct {
	TenantID       uuid.UUID `json:"tenant_id" binding:"required"`
	IdempotencyKey string    `json:"idempotency_key"`
	Since          *string   `json:"since"`
	Until          *string   `json:"until"`
	Cursor         string    `json:"cursor"`
}

// RunSync pulls a historical transaction window from the provider API.
func (h *IngestionHandlers) RunSync(c *gin.Context) {
	provider, err := entities.ParseProvider(c.Param("provider"))
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	var since, until time.Time
	if req.Since != nil {
		if since, err = time.Parse(time.RFC3339, *req.Since); err != nil {
			respondBadRequest(c, "since must be RFC3339", nil)
			return
		}
	}
	if req.Until != nil {
		if until, err = time.Parse(time.RFC3339, *req.Until); err != nil {
			respondBadRequest(c, "until must be RFC3339", nil)
			return
		}
	}

	job, reused, err := h.ingestionService.RunSync(c.Request.Context(), req.TenantID, provider, since, until, req.IdempotencyKey, req.Cursor)
	if err != nil {
		if errors.Is(err, ingestion.ErrConnectionNotFound) {
			respondNotFound(c, "No active connection for this provider")
			return
		}
		// The job row carries the failure; report it rather than a 500.
		if job != nil {
			c.JSON(http.StatusOK, syncResponse(job, false))
			return
		}
		respondInternalError(c, "Sync failed")
		return
	}

	c.JSON(http.StatusOK, syncResponse(job, reused))
}

// syncResponse reports a sync job's outcome. A failed job that stopped
// mid-pagination exposes its resume cursor.
func syncResponse(job *entities.IngestionJob, deduplicated bool) gin.H {
	resp := gin.H{
		"job_id":        job.ID,
		"status":        job.Status,
		"ingested_rows": job.IngestedRows,
	}
	if deduplicated {
		resp["deduplicated"] = true
	}
	if job.Status == entities.JobStatusFailed && job.Params != nil {
		if cursor, ok := job.Params["cursor"].(string); ok && cursor != "" {
			resp["next_cursor"] = cursor
		}
	}
	return resp
}

// CSVJobRequest announces a client-side CSV upload as an ingestion job.
type CSVJobRequest struct {
	TenantID       uuid.UUID `json:"tenant_id" binding:"required"`
	SourceRef      string    `json:"source_ref" binding:"required"`
	RowCount       int       `json:"row_count" binding:"required"`
	IdempotencyKey string    `json:"idempotency_key"`
	RejectedRows   int       `json:"rejected_rows"`
}

// RegisterCSVJob records an announced CSV upload in the job ledger without
// ingesting content. Repeat announcements under the same idempotency key
// return the original job.
func (h *IngestionHandlers) RegisterCSVJob(c *gin.Context) {
	var req CSVJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "Invalid request body", map[string]interface{}{"error": err.Error()})
		return
	}

	sourceRef := req.SourceRef
	job, reused, err := h.ingestionService.RegisterCSVJob(c.Request.Context(), req.TenantID, req.IdempotencyKey, &sourceRef, req.RowCount, req.RejectedRows)
	if err != nil {
		h.logger.WithContext(c.Request.Context()).Errorw("failed to register CSV job",
			"tenant_id", req.TenantID.String(),
			"error", err.Error(),
		)
		respondInternalError(c, "Failed to register CSV job")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":       job.ID,
		"status":       job.Status,
		"deduplicated": reused,
	})
}

// ImportCSV ingests a raw CSV request body. Per-row rejects are returned
// alongside the job; a payload with zero valid rows fails the job.
func (h *IngestionHandlers) ImportCSV(c *gin.Context) {
	tenantID, err := tenantIDFromQuery(c)
	if err != nil {
		respondBadRequest(c, err.Error(), nil)
		return
	}

	idempotencyKey := c.Query("idempotency_key")
	if idempotencyKey == "" {
		respondBadRequest(c, "idempotency_key query parameter is required", nil)
		return
	}

	var sourceRef *string
	if ref := c.Query("source_ref"); ref != "" {
		sourceRef = &ref
	}

	if c.Request.ContentLength > maxCSVUploadBytes {
		respondError(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "CSV payload exceeds size limit", nil)
		return
	}

	content, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCSVUploadBytes))
	if err != nil {
		respondBadRequest(c, "Failed to read request body", nil)
		return
	}
	if len(content) == 0 {
		respondBadRequest(c, "Request body must contain CSV content", nil)
		return
	}

	job, rejects, err := h.ingestionService.ImportCSV(c.Request.Context(), tenantID, idempotencyKey, sourceRef, content)
	if err != nil {
		if errors.Is(err, ingestion.ErrNoValidRows) {
			respondError(c, http.StatusBadRequest, "NO_VALID_ROWS", "No valid rows in upload", map[string]interface{}{
				"rejects": rejects,
			})
			return
		}
		h.logger.WithContext(c.Request.Context()).Errorw("CSV import failed",
			"tenant_id", tenantID.String(),
			"error", err.Error(),
		)
		respondInternalError(c, "CSV import failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job":     job,
		"rejects": rejects,
	})
}

// GetJob returns one ingestion job by ID.
func (h *IngestionHandlers) GetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "Invalid job ID", nil)
		return
	}

	job, err := h.ingestionService.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			respondNotFound(c, "Job not found")
			return
		}
		respondInternalError(c, "Failed to load job")
		return
	}

	c.JSON(http.StatusOK, job)
}

// RetryJob re-executes a failed ingestion job.
func (h *IngestionHandlers) RetryJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondBadRequest(c, "Invalid job ID", nil)
		return
	}

	job, err := h.ingestionService.RetryJob(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			respondNotFound(c, "Job not found")
		case errors.Is(err, ingestion.ErrRetriesExhausted):
			respondConflict(c, "RETRIES_EXHAUSTED", "Job has exhausted its retries and is dead lettered")
		case errors.Is(err, ingestion.ErrJobNotRetryable):
			respondConflict(c, "JOB_NOT_RETRYABLE", "Job is not in a retryable state")
		default:
			// Execution failure after a successful claim leaves the job
			// failed with a fresh retry schedule; surface the outcome.
			if job != nil {
				c.JSON(http.StatusOK, retryResponse(job))
				return
			}
			respondInternalError(c, "Retry failed")
		}
		return
	}

	c.JSON(http.StatusOK, retryResponse(job))
}

func retryResponse(job *entities.IngestionJob) gin.H {
	return gin.H{
		"job_id":      job.ID,
		"status":      job.Status,
		"retry_count": job.RetryCount,
		"max_retries": job.MaxRetries,
	}
}
