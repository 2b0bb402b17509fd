package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// Credentials are the resolved API credentials for a tenant's connection.
type Credentials struct {
	APIKey    string
	APISecret string
}

// PullParams bound a backfill pull. Cursor is the provider-specific
// continuation token from a previous page, empty for the first page.
type PullParams struct {
	Since  time.Time
	Until  time.Time
	Cursor string
}

// PullResult is one page of normalized drafts plus continuation state.
type PullResult struct {
	Drafts     []entities.TransactionDraft
	NextCursor string
	HasMore    bool
}

// WebhookEvent is a parsed webhook delivery. Draft is nil for event types
// that are acknowledged but carry no payment to ingest.
type WebhookEvent struct {
	EventID   string
	EventType string
	Draft     *entities.TransactionDraft
}

// Adapter converts one processor's API surface into normalized drafts.
type Adapter interface {
	Provider() entities.Provider

	// VerifyWebhook checks the delivery signature before any parsing.
	VerifyWebhook(headers http.Header, requestURL string, body []byte, secret string) error

	// MapWebhookEvent parses a verified webhook body.
	MapWebhookEvent(body []byte) (*WebhookEvent, error)

	// PullTransactions fetches one page of historical transactions.
	PullTransactions(ctx context.Context, creds Credentials, params PullParams) (*PullResult, error)
}

// Registry resolves adapters by provider.
type Registry struct {
	adapters map[entities.Provider]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[entities.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	return &Registry{adapters: m}
}

// Get returns the adapter for a provider.
func (r *Registry) Get(provider entities.Provider) (Adapter, error) {
	a, ok := r.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s", provider)
	}
	return a, nil
}

const pullPageSize = 100

// doJSON executes the request through the circuit breaker and decodes the
// response into out. Non-2xx responses fail with the body snippet attached.
func doJSON(client *http.Client, breaker *gobreaker.CircuitBreaker, req *http.Request, out interface{}) error {
	_, err := breaker.Execute(func() (interface{}, error) {
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet := body
			if len(snippet) > 256 {
				snippet = snippet[:256]
			}
			return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
		}

		if out != nil {
			if err := json.Unmarshal(body, out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}

// newBreaker builds a circuit breaker with the shared trip policy.
func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
