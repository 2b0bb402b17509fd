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

// stripeChargeEvents are the webhook types that carry an ingestable charge.
// Other types are acknowledged without producing a draft.
var stripeChargeEvents = map[string]bool{
	"charge.succeeded": true,
	"charge.failed":    true,
	"charge.captured":  true,
}

// StripeAdapter talks to the Stripe charges API and maps its payloads.
// Stripe reports amounts in minor units.
type StripeAdapter struct {
	baseURL    string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// NewStripeAdapter creates a Stripe adapter from provider config.
func NewStripeAdapter(cfg config.ProviderConfig, logger *zap.Logger) *StripeAdapter {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &StripeAdapter{
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
		breaker: newBreaker("StripeAPI"),
		logger:  logger,
	}
}

func (a *StripeAdapter) Provider() entities.Provider {
	return entities.ProviderStripe
}

// VerifyWebhook validates the Stripe-Signature header against the raw body.
func (a *StripeAdapter) VerifyWebhook(headers http.Header, _ string, body []byte, secret string) error {
	return webhook.VerifyStripe(headers.Get(webhook.StripeSignatureHeader), body, secret, time.Now())
}

type stripeCharge struct {
	ID                   string `json:"id"`
	Amount               int64  `json:"amount"`
	Currency             string `json:"currency"`
	Status               string `json:"status"`
	Created              int64  `json:"created"`
	FailureCode          string `json:"failure_code"`
	PaymentMethodDetails struct {
		Type string `json:"type"`
		Card struct {
			Brand       string `json:"brand"`
			Fingerprint string `json:"fingerprint"`
			Country     string `json:"country"`
			Checks      struct {
				AddressLine1Check string `json:"address_line1_check"`
				CVCCheck          string `json:"cvc_check"`
			} `json:"checks"`
		} `json:"card"`
	} `json:"payment_method_details"`
	BillingDetails struct {
		Address struct {
			Country string `json:"country"`
			State   string `json:"state"`
		} `json:"address"`
	} `json:"billing_details"`
	OnBehalfOf string `json:"on_behalf_of"`
}

type stripeEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object stripeCharge `json:"object"`
	} `json:"data"`
}

// MapWebhookEvent parses a verified Stripe event body.
func (a *StripeAdapter) MapWebhookEvent(body []byte) (*WebhookEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to parse stripe event: %w", err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("stripe event missing id")
	}

	result := &WebhookEvent{EventID: event.ID, EventType: event.Type}
	if !stripeChargeEvents[event.Type] {
		return result, nil
	}

	draft := a.mapCharge(&event.Data.Object)
	result.Draft = &draft
	return result, nil
}

func (a *StripeAdapter) mapCharge(c *stripeCharge) entities.TransactionDraft {
	occurredAt := time.Unix(c.Created, 0).UTC()
	if c.Created == 0 {
		occurredAt = time.Now().UTC()
	}

	country := c.PaymentMethodDetails.Card.Country
	if country == "" {
		country = c.BillingDetails.Address.Country
	}

	paymentMethod := c.PaymentMethodDetails.Type
	if paymentMethod == "" {
		paymentMethod = "card"
	}

	return entities.TransactionDraft{
		SourceProvider:       entities.ProviderStripe,
		SourceTxnID:          c.ID,
		MerchantID:           strPtr(c.OnBehalfOf),
		CardFingerprintToken: strPtr(c.PaymentMethodDetails.Card.Fingerprint),
		Amount:               decimal.New(c.Amount, -2),
		Currency:             strings.ToUpper(c.Currency),
		Approved:             c.Status == "succeeded",
		DeclineCode:          strPtr(c.FailureCode),
		AVSResult:            strPtr(c.PaymentMethodDetails.Card.Checks.AddressLine1Check),
		CVVResult:            strPtr(c.PaymentMethodDetails.Card.Checks.CVCCheck),
		Country:              strPtr(country),
		Region:               strPtr(c.BillingDetails.Address.State),
		OccurredAt:           occurredAt,
		PaymentMethod:        strPtr(paymentMethod),
		RawRef:               strPtr(c.ID),
	}
}

type stripeChargeList struct {
	Data    []stripeCharge `json:"data"`
	HasMore bool           `json:"has_more"`
}

// PullTransactions pages through /v1/charges with created-time bounds.
// The continuation cursor is the last charge id of the previous page.
func (a *StripeAdapter) PullTransactions(ctx context.Context, creds Credentials, params PullParams) (*PullResult, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(pullPageSize))
	if !params.Since.IsZero() {
		q.Set("created[gte]", strconv.FormatInt(params.Since.Unix(), 10))
	}
	if !params.Until.IsZero() {
		q.Set("created[lt]", strconv.FormatInt(params.Until.Unix(), 10))
	}
	if params.Cursor != "" {
		q.Set("starting_after", params.Cursor)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.baseURL+"/v1/charges?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stripe request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.APIKey)

	var list stripeChargeList
	if err := doJSON(a.httpClient, a.breaker, req, &list); err != nil {
		a.logger.Error("stripe charge pull failed", zap.Error(err))
		return nil, fmt.Errorf("stripe charge pull failed: %w", err)
	}

	result := &PullResult{HasMore: list.HasMore}
	for i := range list.Data {
		result.Drafts = append(result.Drafts, a.mapCharge(&list.Data[i]))
	}
	if list.HasMore && len(list.Data) > 0 {
		result.NextCursor = list.Data[len(list.Data)-1].ID
	}

	return result, nil
}
