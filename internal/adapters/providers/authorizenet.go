package providers

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/internal/infrastructure/config"
	"github.com/pulse-service/pulse_service/pkg/webhook"
)

// maxSettlementBatches caps how many settled batches one pull walks.
const maxSettlementBatches = 10

// AuthorizeNetAdapter talks to the Authorize.net reporting API and maps its
// payloads. Unlike the other processors, amounts arrive in major units.
type AuthorizeNetAdapter struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewAuthorizeNetAdapter creates an Authorize.net adapter from provider config.
func NewAuthorizeNetAdapter(cfg config.ProviderConfig, logger *zap.Logger) *AuthorizeNetAdapter {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 45 * time.Second
	}

	return &AuthorizeNetAdapter{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: newBreaker("AuthorizeNetAPI"),
		logger:  logger,
	}
}

func (a *AuthorizeNetAdapter) Provider() entities.Provider {
	return entities.ProviderAuthorizeNet
}

// VerifyWebhook validates the HMAC-SHA512 signature header.
func (a *AuthorizeNetAdapter) VerifyWebhook(headers http.Header, _ string, body []byte, secret string) error {
	return webhook.VerifyAuthorizeNet(headers.Get(webhook.AuthorizeNetSignatureHeader), body, secret)
}

type anetWebhookPayload struct {
	ID           string  `json:"id"`
	AuthAmount   float64 `json:"authAmount"`
	ResponseCode int     `json:"responseCode"`
	AVSResponse  string  `json:"avsResponse"`
	CVVResponse  string  `json:"cvvResponse"`
	MerchantID   string  `json:"merchantReferenceId"`
	EntityName   string  `json:"entityName"`
}

type anetEvent struct {
	NotificationID string             `json:"notificationId"`
	EventType      string             `json:"eventType"`
	EventDate      string             `json:"eventDate"`
	Payload        anetWebhookPayload `json:"payload"`
}

// MapWebhookEvent parses a verified Authorize.net notification. Payment
// events produce a draft; responseCode 1 means approved.
func (a *AuthorizeNetAdapter) MapWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event anetEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse authorize.net event: %w", err)
	}
	if event.NotificationID == "" {
		return nil, fmt.Errorf("authorize.net event missing notificationId")
	}

	result := &WebhookEvent{EventID: event.NotificationID, EventType: event.EventType}
	if !strings.HasPrefix(event.EventType, "net.authorize.payment.") || event.Payload.ID == "" {
		return result, nil
	}

	occurredAt, err := time.Parse(time.RFC3339, event.EventDate)
	if err != nil {
		occurredAt = time.Now().UTC()
	}

	var declineCode *string
	if event.Payload.ResponseCode != 1 {
		declineCode = strPtr("response_code_" + strconv.Itoa(event.Payload.ResponseCode))
	}

	result.Draft = &entities.TransactionDraft{
		SourceProvider: entities.ProviderAuthorizeNet,
		SourceTxnID:    event.Payload.ID,
		MerchantID:     strPtr(event.Payload.MerchantID),
		Amount:         decimal.NewFromFloat(event.Payload.AuthAmount),
		Currency:       "USD",
		Approved:       event.Payload.ResponseCode == 1,
		DeclineCode:    declineCode,
		AVSResult:      strPtr(event.Payload.AVSResponse),
		CVVResult:      strPtr(event.Payload.CVVResponse),
		OccurredAt:     occurredAt.UTC(),
		PaymentMethod:  strPtr("card"),
		RawRef:         strPtr(event.Payload.ID),
	}

	return result, nil
}

type anetBatch struct {
	BatchID            string `json:"batchId"`
	SettlementTimeUTC  string `json:"settlementTimeUTC"`
	SettlementState    string `json:"settlementState"`
	PaymentMethod      string `json:"paymentMethod"`
	MarketType         string `json:"marketType"`
	Product            string `json:"product"`
	TotalCharge        string `json:"totalCharge"`
	TotalRefund        string `json:"totalRefund"`
	ChargeCount        int    `json:"chargeCount"`
	RefundCount        int    `json:"refundCount"`
	VoidCount          int    `json:"voidCount"`
	DeclineCount       int    `json:"declineCount"`
	ErrorCount         int    `json:"errorCount"`
	ReturnedItemsCount int    `json:"returnedItemsCount"`
}

type anetTransaction struct {
	TransID           string  `json:"transId"`
	SubmitTimeUTC     string  `json:"submitTimeUTC"`
	TransactionStatus string  `json:"transactionStatus"`
	SettleAmount      float64 `json:"settleAmount"`
	AccountType       string  `json:"accountType"`
	MarketType        string  `json:"marketType"`
	Product           string  `json:"product"`
	InvoiceNumber     string  `json:"invoiceNumber"`
}

type anetBatchListResponse struct {
	BatchList []anetBatch `json:"batchList"`
	Messages  struct {
		ResultCode string `json:"resultCode"`
	} `json:"messages"`
}

type anetTransactionListResponse struct {
	Transactions []anetTransaction `json:"transactions"`
	Messages     struct {
		ResultCode string `json:"resultCode"`
	} `json:"messages"`
}

// PullTransactions walks settled batches in the window, newest capped at
// maxSettlementBatches, and flattens their transaction lists. The API has
// no continuation cursor, so a pull is always a single page.
func (a *AuthorizeNetAdapter) PullTransactions(ctx context.Context, creds Credentials, params PullParams) (*PullResult, error) {
	batches, err := a.fetchBatches(ctx, creds, params)
	if err != nil {
		return nil, err
	}
	if len(batches) > maxSettlementBatches {
		batches = batches[:maxSettlementBatches]
	}

	result := &PullResult{}
	for _, batch := range batches {
		settledAt, _ := time.Parse(time.RFC3339, batch.SettlementTimeUTC)

		txns, err := a.fetchBatchTransactions(ctx, creds, batch.BatchID)
		if err != nil {
			return nil, err
		}

		for i := range txns {
			draft := a.mapSettledTransaction(&txns[i], settledAt)
			result.Drafts = append(result.Drafts, draft)
		}
	}

	return result, nil
}

func (a *AuthorizeNetAdapter) mapSettledTransaction(t *anetTransaction, settledAt time.Time) entities.TransactionDraft {
	occurredAt, err := time.Parse(time.RFC3339, t.SubmitTimeUTC)
	if err != nil {
		occurredAt = settledAt
	}

	approved := t.TransactionStatus == "settledSuccessfully" || t.TransactionStatus == "capturedPendingSettlement"

	var declineCode *string
	if !approved {
		declineCode = strPtr(t.TransactionStatus)
	}

	var settled *time.Time
	if !settledAt.IsZero() {
		utc := settledAt.UTC()
		settled = &utc
	}

	paymentMethod := strings.ToLower(t.AccountType)
	if paymentMethod == "" {
		paymentMethod = "card"
	}

	return entities.TransactionDraft{
		SourceProvider: entities.ProviderAuthorizeNet,
		SourceTxnID:    t.TransID,
		Amount:         decimal.NewFromFloat(t.SettleAmount),
		Currency:       "USD",
		Approved:       approved,
		DeclineCode:    declineCode,
		Channel:        strPtr(strings.ToLower(t.MarketType)),
		OccurredAt:     occurredAt.UTC(),
		SettledAt:      settled,
		PaymentMethod:  strPtr(paymentMethod),
		RawRef:         strPtr(t.TransID),
	}
}

func (a *AuthorizeNetAdapter) fetchBatches(ctx context.Context, creds Credentials, params PullParams) ([]anetBatch, error) {
	reqBody := map[string]interface{}{
		"getSettledBatchListRequest": map[string]interface{}{
			"merchantAuthentication": map[string]string{
				"name":           creds.APIKey,
				"transactionKey": creds.APISecret,
			},
			"firstSettlementDate": params.Since.UTC().Format(time.RFC3339),
			"lastSettlementDate":  params.Until.UTC().Format(time.RFC3339),
		},
	}

	var resp anetBatchListResponse
	if err := a.post(ctx, reqBody, &resp); err != nil {
		a.logger.Error("authorize.net batch list failed", zap.Error(err))
		return nil, fmt.Errorf("authorize.net batch list failed: %w", err)
	}
	if resp.Messages.ResultCode != "Ok" {
		return nil, fmt.Errorf("authorize.net batch list returned %s", resp.Messages.ResultCode)
	}

	return resp.BatchList, nil
}

func (a *AuthorizeNetAdapter) fetchBatchTransactions(ctx context.Context, creds Credentials, batchID string) ([]anetTransaction, error) {
	reqBody := map[string]interface{}{
		"getTransactionListRequest": map[string]interface{}{
			"merchantAuthentication": map[string]string{
				"name":           creds.APIKey,
				"transactionKey": creds.APISecret,
			},
			"batchId": batchID,
		},
	}

	var resp anetTransactionListResponse
	if err := a.post(ctx, reqBody, &resp); err != nil {
		a.logger.Error("authorize.net transaction list failed",
			zap.Error(err),
			zap.String("batch_id", batchID),
		)
		return nil, fmt.Errorf("authorize.net transaction list failed: %w", err)
	}
	if resp.Messages.ResultCode != "Ok" {
		return nil, fmt.Errorf("authorize.net transaction list returned %s", resp.Messages.ResultCode)
	}

	return resp.Transactions, nil
}

func (a *AuthorizeNetAdapter) post(ctx context.Context, body interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return doJSON(a.httpClient, a.breaker, req, out)
}
