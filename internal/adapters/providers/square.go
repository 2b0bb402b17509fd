package providers

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
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

// SquareAdapter talks to the Square payments API and maps its payloads.
// Square reports amounts in minor units.
type SquareAdapter struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewSquareAdapter creates a Square adapter from provider config.
func NewSquareAdapter(cfg config.ProviderConfig, logger *zap.Logger) *SquareAdapter {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &SquareAdapter{
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
		breaker: newBreaker("SquareAPI"),
		logger:  logger,
	}
}

func (a *SquareAdapter) Provider() entities.Provider {
	return entities.ProviderSquare
}

// VerifyWebhook validates the Square signature, which covers the
// notification URL concatenated with the raw body.
func (a *SquareAdapter) VerifyWebhook(headers http.Header, requestURL string, body []byte, secret string) error {
	return webhook.VerifySquare(headers.Get(webhook.SquareSignatureHeader), requestURL, body, secret)
}

type squarePayment struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	LocationID  string `json:"location_id"`
	SourceType  string `json:"source_type"`
	AmountMoney struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount_money"`
	CardDetails struct {
		AVSStatus string `json:"avs_status"`
		CVVStatus string `json:"cvv_status"`
		Card      struct {
			Fingerprint string `json:"fingerprint"`
			CardBrand   string `json:"card_brand"`
			BIN         string `json:"bin"`
		} `json:"card"`
	} `json:"card_details"`
}

type squareEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Data    struct {
		Object struct {
			Payment squarePayment `json:"payment"`
		} `json:"object"`
	} `json:"data"`
}

// MapWebhookEvent parses a verified Square event body. Only payment events
// produce a draft.
func (a *SquareAdapter) MapWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event squareEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse square event: %w", err)
	}
	if event.EventID == "" {
		return nil, fmt.Errorf("square event missing event_id")
	}

	result := &WebhookEvent{EventID: event.EventID, EventType: event.Type}
	if !strings.HasPrefix(event.Type, "payment.") || event.Data.Object.Payment.ID == "" {
		return result, nil
	}

	draft := a.mapPayment(&event.Data.Object.Payment)
	result.Draft = &draft
	return result, nil
}

func (a *SquareAdapter) mapPayment(p *squarePayment) entities.TransactionDraft {
	occurredAt, err := time.Parse(time.RFC3339, p.CreatedAt)
	if err != nil {
		occurredAt = time.Now().UTC()
	}

	var declineCode *string
	if p.Status != "COMPLETED" && p.Status != "" {
		declineCode = strPtr(strings.ToLower(p.Status))
	}

	paymentMethod := strings.ToLower(p.SourceType)
	if paymentMethod == "" {
		paymentMethod = "card"
	}

	return entities.TransactionDraft{
		SourceProvider:       entities.ProviderSquare,
		SourceTxnID:          p.ID,
		MerchantID:           strPtr(p.LocationID),
		CardFingerprintToken: strPtr(p.CardDetails.Card.Fingerprint),
		Amount:               decimal.New(p.AmountMoney.Amount, -2),
		Currency:             strings.ToUpper(p.AmountMoney.Currency),
		Approved:             p.Status == "COMPLETED",
		DeclineCode:          declineCode,
		AVSResult:            strPtr(p.CardDetails.AVSStatus),
		CVVResult:            strPtr(p.CardDetails.CVVStatus),
		OccurredAt:           occurredAt.UTC(),
		PaymentMethod:        strPtr(paymentMethod),
		RawRef:               strPtr(p.ID),
	}
}

type squarePaymentList struct {
	Payments []squarePayment `json:"payments"`
	Cursor   string          `json:"cursor"`
}

// PullTransactions pages through /v2/payments using Square's opaque cursor.
func (a *SquareAdapter) PullTransactions(ctx context.Context, creds Credentials, params PullParams) (*PullResult, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pullPageSize))
	if !params.Since.IsZero() {
		q.Set("begin_time", params.Since.UTC().Format(time.RFC3339))
	}
	if !params.Until.IsZero() {
		q.Set("end_time", params.Until.UTC().Format(time.RFC3339))
	}
	if params.Cursor != "" {
		q.Set("cursor", params.Cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/v2/payments?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build square request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)
	req.Header.Set("Square-Version", "2024-01-18")

	var list squarePaymentList
	if err := doJSON(a.httpClient, a.breaker, req, &list); err != nil {
		a.logger.Error("square payment pull failed", zap.Error(err))
		return nil, fmt.Errorf("square payment pull failed: %w", err)
	}

	result := &PullResult{
		NextCursor: list.Cursor,
		HasMore:    list.Cursor != "",
	}
	for i := range list.Payments {
		result.Drafts = append(result.Drafts, a.mapPayment(&list.Payments[i]))
	}

	return result, nil
}
