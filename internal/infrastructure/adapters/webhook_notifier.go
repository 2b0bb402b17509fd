package adapters

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// WebhookNotifier posts alert payloads to customer-configured endpoints.
type WebhookNotifier struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWebhookNotifier creates a new webhook notifier
func NewWebhookNotifier(logger *zap.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: logger,
	}
}

// Post delivers one alert payload. Any non-2xx status is a failure; the
// caller records the dispatch outcome either way.
func (n *WebhookNotifier) Post(ctx context.Context, destination string, payload entities.JSONMap) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Error("alert webhook delivery failed",
			zap.String("destination", destination),
			zap.Error(err),
		)
		return fmt.Errorf("alert webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("alert webhook rejected",
			zap.String("destination", destination),
			zap.Int("status_code", resp.StatusCode),
		)
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	return nil
}
