package alerts

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/pulse-service/pulse_service/internal/domain/entities"
	"github.com/pulse-service/pulse_service/pkg/logger"
	"github.com/pulse-service/pulse_service/pkg/metrics"
)

// dispatchEventLimit caps how many open events one pass fans out.
const dispatchEventLimit = 100

// ChannelRepository interface for alert channel and dispatch persistence
type ChannelRepository interface {
	CreateChannel(ctx context.Context, ch *entities.AlertChannel) error
	ListEnabledChannels(ctx context.Context, tenantID uuid.UUID) ([]*entities.AlertChannel, error)
	InsertDispatch(ctx context.Context, d *entities.AlertDispatch) error
	HasDispatch(ctx context.Context, riskEventID, channelID uuid.UUID) (bool, error)
}

// EventRepository interface for reading open risk events
type EventRepository interface {
	ListOpen(ctx context.Context, tenantID uuid.UUID, limit int) ([]*entities.RiskEvent, error)
}

// EmailDeliverer sends alert emails.
type EmailDeliverer interface {
	SendRiskAlert(ctx context.Context, to string, event *entities.RiskEvent) error
}

// WebhookDeliverer posts alert payloads to customer endpoints.
type WebhookDeliverer interface {
	Post(ctx context.Context, destination string, payload entities.JSONMap) error
}

// Service fans open risk events out to the tenant's notification channels.
// Delivery is at-least-once; every attempt is recorded as a dispatch row.
type Service struct {
	channelRepo ChannelRepository
	eventRepo   EventRepository
	email       EmailDeliverer
	webhook     WebhookDeliverer
	logger      *logger.Logger
}

// NewService creates the alerts service.
func NewService(channelRepo ChannelRepository, eventRepo EventRepository, email EmailDeliverer, webhook WebhookDeliverer, log *logger.Logger) *Service {
	return &Service{
		channelRepo: channelRepo,
		eventRepo:   eventRepo,
		email:       email,
		webhook:     webhook,
		logger:      log,
	}
}

// CreateChannel registers a notification destination with a severity floor.
func (s *Service) CreateChannel(ctx context.Context, tenantID uuid.UUID, channelType entities.AlertChannelType, destination string, minSeverity entities.Severity) (*entities.AlertChannel, error) {
	ch := &entities.AlertChannel{
		ID:          uuid.New(),
		TenantID:    tenantID,
		ChannelType: channelType,
		Destination: destination,
		MinSeverity: minSeverity,
		Enabled:     true,
	}

	if err := s.channelRepo.CreateChannel(ctx, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// Dispatch delivers the tenant's open events to every enabled channel whose
// severity floor they meet. Already-sent (event, channel) pairs are skipped,
// but a crash between delivery and recording means redelivery, never loss.
// Returns the number of dispatch rows written.
func (s *Service) Dispatch(ctx context.Context, tenantID uuid.UUID) (int, error) {
	channels, err := s.channelRepo.ListEnabledChannels(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(channels) == 0 {
		return 0, nil
	}

	events, err := s.eventRepo.ListOpen(ctx, tenantID, dispatchEventLimit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, event := range events {
		for _, channel := range channels {
			if !event.Severity.MeetsThreshold(channel.MinSeverity) {
				continue
			}

			sent, err := s.channelRepo.HasDispatch(ctx, event.ID, channel.ID)
			if err != nil {
				return dispatched, err
			}
			if sent {
				continue
			}

			status := "sent"
			if err := s.deliver(ctx, channel, event); err != nil {
				status = "failed"
				s.logger.WithContext(ctx).Warnw("alert delivery failed",
					"tenant_id", tenantID.String(),
					"risk_event_id", event.ID.String(),
					"channel_id", channel.ID.String(),
					"error", err.Error(),
				)
			}

			dispatch := &entities.AlertDispatch{
				ID:          uuid.New(),
				TenantID:    tenantID,
				RiskEventID: event.ID,
				ChannelID:   channel.ID,
				Status:      status,
				Payload:     s.dispatchPayload(channel, event),
				AttemptedAt: time.Now().UTC(),
			}
			if err := s.channelRepo.InsertDispatch(ctx, dispatch); err != nil {
				return dispatched, err
			}

			metrics.AlertDispatches.WithLabelValues(status).Inc()
			dispatched++
		}
	}

	s.logger.WithContext(ctx).Infow("alert dispatch pass completed",
		"tenant_id", tenantID.String(),
		"events", len(events),
		"channels", len(channels),
		"dispatches", dispatched,
	)

	return dispatched, nil
}

func (s *Service) deliver(ctx context.Context, channel *entities.AlertChannel, event *entities.RiskEvent) error {
	switch channel.ChannelType {
	case entities.ChannelEmail:
		return s.email.SendRiskAlert(ctx, channel.Destination, event)
	default:
		return s.webhook.Post(ctx, channel.Destination, s.dispatchPayload(channel, event))
	}
}

func (s *Service) dispatchPayload(channel *entities.AlertChannel, event *entities.RiskEvent) entities.JSONMap {
	return entities.JSONMap{
		"event_type":  string(event.EventType),
		"severity":    string(event.Severity),
		"destination": channel.Destination,
		"reasons":     map[string]interface{}(event.Reasons),
	}
}
