package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/backend/internal/domain/events"
	"github.com/clearledger/backend/internal/infrastructure/memory"
	apperrors "github.com/clearledger/backend/pkg/errors"
)

func TestNotificationService_PublishesRequest(t *testing.T) {
	bus := memory.NewSignalBus()
	svc := NewNotificationService(bus, []string{"payout_released"})

	var mu sync.Mutex
	var received []events.NotificationPayload
	bus.Subscribe(events.NotificationRequested, func(ctx context.Context, payload interface{}) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, payload.(events.NotificationPayload))
		return nil
	})

	err := svc.Notify(context.Background(), "payout_released", "wf-1",
		map[string]interface{}{"amount": 100})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "payout_released", received[0].TemplateID)
	assert.Equal(t, "wf-1", received[0].InstanceID)
}

func TestNotificationService_RejectsUnknownTemplate(t *testing.T) {
	bus := memory.NewSignalBus()
	svc := NewNotificationService(bus, []string{"payout_released"})

	err := svc.Notify(context.Background(), "no_such_template", "wf-1", nil)
	require.Error(t, err)
	var validation *apperrors.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestNotificationService_EmptyCatalogAcceptsAll(t *testing.T) {
	bus := memory.NewSignalBus()
	svc := NewNotificationService(bus, nil)

	assert.NoError(t, svc.Notify(context.Background(), "anything", "wf-1", nil))
}
