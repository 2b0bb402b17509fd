package adapters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
)

// EmailServiceConfig holds email service configuration
type EmailServiceConfig struct {
	APIKey      string
	FromEmail   string
	FromName    string
	Environment string
}

// EmailService delivers risk alert notifications via SendGrid.
type EmailService struct {
	logger   *zap.Logger
	config   EmailServiceConfig
	client   *sendgrid.Client
	mockMode bool // true in development or when no API key is configured
}

// NewEmailService creates a new email service
func NewEmailService(logger *zap.Logger, config EmailServiceConfig) *EmailService {
	mockMode := config.Environment == "development" || config.APIKey == ""

	var client *sendgrid.Client
	if !mockMode {
		client = sendgrid.NewSendClient(config.APIKey)
	}

	return &EmailService{
		logger:   logger,
		config:   config,
		client:   client,
		mockMode: mockMode,
	}
}

// SendRiskAlert sends a risk event notification to the channel destination.
func (e *EmailService) SendRiskAlert(ctx context.Context, to string, event *entities.RiskEvent) error {
	subject := fmt.Sprintf("[%s] Risk alert: %s", strings.ToUpper(string(event.Severity)), event.EventType)

	textContent := fmt.Sprintf(`A risk event was detected for your account.

Event type: %s
Severity:   %s
Score:      %s
Detected:   %s

Review the event in the risk console and move it through triage.
`, event.EventType, event.Severity, event.Score.String(), event.DetectedAt.Format(time.RFC3339))

	htmlContent := fmt.Sprintf(`
	<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
		<div style="background-color: #f8f9fa; padding: 30px; border-radius: 8px;">
			<h2 style="color: #333;">Risk alert: %s</h2>
			<table style="color: #495057; font-size: 14px; line-height: 1.8;">
				<tr><td><strong>Severity</strong></td><td>%s</td></tr>
				<tr><td><strong>Score</strong></td><td>%s</td></tr>
				<tr><td><strong>Detected</strong></td><td>%s</td></tr>
			</table>
			<p style="color: #888; font-size: 12px; margin-top: 20px;">
				Review the event in the risk console and move it through triage.
			</p>
		</div>
	</body>
	`, event.EventType, event.Severity, event.Score.String(), event.DetectedAt.Format(time.RFC3339))

	return e.sendEmail(ctx, to, subject, htmlContent, textContent)
}

func (e *EmailService) sendEmail(ctx context.Context, to, subject, htmlContent, textContent string) error {
	if e.mockMode {
		e.logger.Info("email sent (mock)",
			zap.String("to", to),
			zap.String("subject", subject),
		)
		return nil
	}

	from := mail.NewEmail(e.config.FromName, e.config.FromEmail)
	toEmail := mail.NewEmail("", to)
	message := mail.NewSingleEmail(from, subject, toEmail, textContent, htmlContent)

	ctxWithTimeout, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	response, err := e.client.SendWithContext(ctxWithTimeout, message)
	if err != nil {
		e.logger.Error("failed to send email",
			zap.String("to", to),
			zap.String("subject", subject),
			zap.Error(err),
		)
		return fmt.Errorf("failed to send email: %w", err)
	}

	if response.StatusCode >= 400 {
		e.logger.Error("email service returned error",
			zap.String("to", to),
			zap.Int("status_code", response.StatusCode),
			zap.String("response_body", response.Body),
		)
		return fmt.Errorf("email service error: status %d", response.StatusCode)
	}

	e.logger.Info("email sent",
		zap.String("to", to),
		zap.String("subject", subject),
	)

	return nil
}
