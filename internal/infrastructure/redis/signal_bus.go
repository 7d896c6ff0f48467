package redis

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/clearledger/backend/internal/domain/events"
	"github.com/clearledger/backend/internal/domain/ports"
)

const signalChannel = "workflow:signals"

// SignalBus is the cross-process signal boundary over Redis pub/sub.
// Published events reach subscribers in every engine process; local
// handlers receive the JSON-decoded payload.
type SignalBus struct {
	client   *redis.Client
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

type wireEvent struct {
	Type    events.EventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// Compile-time interface check
var _ ports.SignalPublisher = (*SignalBus)(nil)

// NewSignalBus creates the bus and starts its listener goroutine, which
// runs until ctx is cancelled
func NewSignalBus(ctx context.Context, client *redis.Client) *SignalBus {
	b := &SignalBus{
		client:   client,
		handlers: make(map[events.EventType][]subscription),
	}
	go b.listen(ctx)
	return b
}

// Subscribe registers a local handler for a specific event type.
// Returns an unsubscribe function.
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

// Publish broadcasts the event over Redis; subscribers in every process
// (this one included) receive it through the listener loop
func (b *SignalBus) Publish(ctx context.Context, eventType events.EventType, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(wireEvent{Type: eventType, Payload: raw})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, signalChannel, data).Err()
}

// PublishAsync publishes without blocking the transition point
func (b *SignalBus) PublishAsync(eventType events.EventType, payload interface{}) {
	go func() {
		if err := b.Publish(context.Background(), eventType, payload); err != nil {
			log.Printf("⚠️ SignalBus async publish error for %s: %v", eventType, err)
		}
	}()
}

// listen forwards Redis messages to the locally registered handlers
func (b *SignalBus) listen(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, signalChannel)
	defer pubsub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("⚠️ SignalBus receive error: %v", err)
				continue
			}

			var event wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("⚠️ SignalBus dropped malformed event: %v", err)
				continue
			}

			var payload interface{}
			if len(event.Payload) > 0 {
				if err := json.Unmarshal(event.Payload, &payload); err != nil {
					log.Printf("⚠️ SignalBus dropped malformed payload for %s: %v", event.Type, err)
					continue
				}
			}

			b.dispatch(ctx, event.Type, payload)
		}
	}
}

func (b *SignalBus) dispatch(ctx context.Context, eventType events.EventType, payload interface{}) {
	b.mu.RLock()
	handlers := make([]subscription, len(b.handlers[eventType]))
	copy(handlers, b.handlers[eventType])
	b.mu.RUnlock()

	for _, sub := range handlers {
		if err := sub.handler(ctx, payload); err != nil {
			log.Printf("⚠️ SignalBus handler error for %s: %v", eventType, err)
		}
	}
}
