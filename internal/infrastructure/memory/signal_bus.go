package memory

import (
	"context"
	"log"
	"sync"

	"github.com/clearledger/backend/internal/domain/events"
	"github.com/clearledger/backend/internal/domain/ports"
)

// SignalBus manages a publish-subscribe event system within one process.
// It implements ports.SignalPublisher.
type SignalBus struct {
	handlers map[events.EventType][]subscription
	nextID   int
	mu       sync.RWMutex
}

// subscription keys each handler so unsubscribing stays correct after
// earlier registrations are removed
type subscription struct {
	id      int
	handler ports.SignalHandler
}

// Ensure SignalBus implements ports.SignalPublisher at compile time
var _ ports.SignalPublisher = (*SignalBus)(nil)

// NewSignalBus creates a new SignalBus instance
func NewSignalBus() *SignalBus {
	return &SignalBus{
		handlers: make(map[events.EventType][]subscription),
	}
}

// Subscribe registers a handler for a specific event type
// Returns an unsubscribe function
func (b *SignalBus) Subscribe(eventType events.EventType, handler ports.SignalHandler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		handlers := b.handlers[eventType]
		for i, sub := range handlers {
			if sub.id == id {
				b.handlers[eventType] = append(handlers[:i], handlers[i+1:]...)
				return
			}
		}
	}
}

// Publish dispatches an event to all registered handlers in sequence
func (b *SignalBus) Publish(ctx context.Context, eventType events.EventType, payload interface{}) error {
	b.mu.RLock()
	handlers := make([]subscription, len(b.handlers[eventType]))
	copy(handlers, b.handlers[eventType])
	b.mu.RUnlock()

	for _, sub := range handlers {
		if err := sub.handler(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

// PublishAsync publishes an event asynchronously
func (b *SignalBus) PublishAsync(eventType events.EventType, payload interface{}) {
	go func() {
		// Async events are decoupled from the publishing transition
		if err := b.Publish(context.Background(), eventType, payload); err != nil {
			log.Printf("⚠️ SignalBus async publish error for %s: %v", eventType, err)
		}
	}()
}

// Clear removes all handlers (useful for testing)
func (b *SignalBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[events.EventType][]subscription)
}
