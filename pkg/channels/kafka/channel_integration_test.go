//go:build integration

package kafka_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/pipestudio/pkg/channels/kafka"
	"github.com/dukex/pipestudio/pkg/eventbus"
	"github.com/dukex/pipestudio/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	kafkaTc "github.com/testcontainers/testcontainers-go/modules/kafka"
)

var brokers []string

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := kafkaTc.Run(ctx, "confluentinc/confluent-local:7.7.0", testcontainers.WithEnv(map[string]string{
		"KAFKA_AUTO_CREATE_TOPICS_ENABLE": "true",
	}))
	if err != nil {
		panic("Failed to start Kafka container: " + err.Error())
	}

	brokers, err = container.Brokers(ctx)
	if err != nil {
		panic("Failed to get Kafka brokers: " + err.Error())
	}

	code := m.Run()

	if err := container.Terminate(ctx); err != nil {
		panic("Failed to terminate Kafka container: " + err.Error())
	}

	os.Exit(code)
}

func TestKafkaEventBus_RoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), brokers, "pipestudio-test")
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)
	t.Cleanup(func() { _ = bus.Close() })

	completed := make(chan *events.RunCompleted, 16)

	require.NoError(t, bus.Handle(events.RunCompletedEvent, func(_ context.Context, event any) error {
		completed <- event.(*events.RunCompleted)

		return nil
	}))

	require.NoError(t, bus.Subscribe(t.Context()))

	// The consumer group joins asynchronously and starts at the newest offset,
	// so keep publishing until the first message arrives.
	var got *events.RunCompleted

	require.Eventually(t, func() bool {
		err := bus.Publish(t.Context(), "p1", events.RunCompleted{
			BaseEvent:     events.NewBaseEvent(events.RunCompletedEvent, "r1", "p1"),
			DurationMs:    1200,
			NodesExecuted: 4,
		})
		if err != nil {
			return false
		}

		select {
		case got = <-completed:
			return true
		case <-time.After(500 * time.Millisecond):
			return false
		}
	}, 60*time.Second, 100*time.Millisecond)

	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, int64(1200), got.DurationMs)
	assert.Equal(t, 4, got.NodesExecuted)
}
