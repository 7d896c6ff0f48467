package ports

import (
	"context"

	"github.com/clearledger/backend/internal/domain/events"
)

// SignalHandler is a function that handles a published engine event
type SignalHandler func(ctx context.Context, payload interface{}) error

// SignalPublisher is the cross-process signal boundary. The engine
// publishes transition events on it and does not depend on any
// particular subscriber behavior.
type SignalPublisher interface {
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType events.EventType, handler SignalHandler) func()

	// Publish dispatches an event to all registered handlers.
	Publish(ctx context.Context, eventType events.EventType, payload interface{}) error

	// PublishAsync dispatches without blocking the transition point.
	PublishAsync(eventType events.EventType, payload interface{})
}
