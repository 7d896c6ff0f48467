package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/backend/internal/domain/events"
)

func TestSignalBus_PublishReachesSubscribers(t *testing.T) {
	bus := NewSignalBus()

	var got []string
	bus.Subscribe(events.WorkflowStarted, func(ctx context.Context, payload interface{}) error {
		got = append(got, payload.(string))
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), events.WorkflowStarted, "wf-1"))
	require.NoError(t, bus.Publish(context.Background(), events.WorkflowCompleted, "ignored"))

	assert.Equal(t, []string{"wf-1"}, got)
}

func TestSignalBus_UnsubscribeRemovesOnlyItsHandler(t *testing.T) {
	bus := NewSignalBus()

	var first, second, third int
	unsubFirst := bus.Subscribe(events.StepCompleted, func(ctx context.Context, payload interface{}) error {
		first++
		return nil
	})
	unsubSecond := bus.Subscribe(events.StepCompleted, func(ctx context.Context, payload interface{}) error {
		second++
		return nil
	})
	bus.Subscribe(events.StepCompleted, func(ctx context.Context, payload interface{}) error {
		third++
		return nil
	})

	// Removing an earlier registration must not shift later ones
	unsubFirst()
	require.NoError(t, bus.Publish(context.Background(), events.StepCompleted, nil))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 1, third)

	unsubSecond()
	require.NoError(t, bus.Publish(context.Background(), events.StepCompleted, nil))
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)
	assert.Equal(t, 2, third)

	// Unsubscribing twice is a no-op
	unsubSecond()
	require.NoError(t, bus.Publish(context.Background(), events.StepCompleted, nil))
	assert.Equal(t, 3, third)
}
