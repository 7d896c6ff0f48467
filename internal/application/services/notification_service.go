package services

import (
	"context"
	"log"

	"github.com/clearledger/backend/internal/domain/events"
	"github.com/clearledger/backend/internal/domain/ports"
	apperrors "github.com/clearledger/backend/pkg/errors"
)

// NotificationService publishes notification requests on the signal
// bus. Rendering and delivery are handled downstream by whoever
// subscribes to the notification channel; the engine only requests.
type NotificationService struct {
	signals   ports.SignalPublisher
	templates map[string]bool
}

// NewNotificationService creates a notification service that accepts
// the given template ids. An empty list accepts every template.
func NewNotificationService(signals ports.SignalPublisher, templateIDs []string) *NotificationService {
	templates := make(map[string]bool, len(templateIDs))
	for _, id := range templateIDs {
		templates[id] = true
	}
	return &NotificationService{signals: signals, templates: templates}
}

// Notify publishes a notification request for the template. An unknown
// template id is a validation error so misconfigured definitions
// surface in the log instead of vanishing downstream.
func (s *NotificationService) Notify(ctx context.Context, templateID, instanceID string, payload map[string]interface{}) error {
	if len(s.templates) > 0 && !s.templates[templateID] {
		return apperrors.NewValidationError("template_id", "unknown notification template '"+templateID+"'")
	}

	s.signals.PublishAsync(events.NotificationRequested, events.NotificationPayload{
		TemplateID: templateID,
		InstanceID: instanceID,
		Context:    payload,
	})
	log.Printf("📧 Notification %s requested for workflow %s", templateID, instanceID)
	return nil
}
