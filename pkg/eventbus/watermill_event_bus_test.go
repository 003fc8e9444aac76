package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/pipestudio/pkg/channels/gochannel"
	"github.com/dukex/pipestudio/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T) EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(slog.Default()))
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub, slog.Default())
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishAndHandle(t *testing.T) {
	bus := newTestBus(t)

	failed := make(chan *events.NodeFailed, 2)

	for range 2 {
		require.NoError(t, bus.Handle(events.NodeFailedEvent, func(_ context.Context, event any) error {
			failed <- event.(*events.NodeFailed)

			return nil
		}))
	}

	require.NoError(t, bus.Subscribe(t.Context()))

	// Events without handlers are acknowledged and dropped.
	require.NoError(t, bus.Publish(t.Context(), "p1", events.RunStarted{
		BaseEvent: events.NewBaseEvent(events.RunStartedEvent, "r1", "p1"),
	}))

	require.NoError(t, bus.Publish(t.Context(), "p1", events.NodeFailed{
		BaseEvent: events.NewBaseEvent(events.NodeFailedEvent, "r1", "p1"),
		NodeID:    "tts",
		Error:     "boom",
	}))

	for range 2 {
		select {
		case got := <-failed:
			assert.Equal(t, "tts", got.NodeID)
			assert.Equal(t, "boom", got.Error)
			assert.Equal(t, "r1", got.RunID)
		case <-time.After(2 * time.Second):
			t.Fatal("event was not delivered")
		}
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	assert.NotEqual(t, bus.GenerateID(), bus.GenerateID())
}

func TestNewEvent(t *testing.T) {
	assert.IsType(t, &events.RunReview{}, newEvent(events.RunReviewEvent))
	assert.Nil(t, newEvent("workflow.triggered"))
}
