package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/dukex/pipestudio/pkg/channels/gochannel"
	"github.com/dukex/pipestudio/pkg/eventbus"
	"github.com/dukex/pipestudio/pkg/events"
	"github.com/dukex/pipestudio/pkg/mocks"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/protocol"
	"github.com/dukex/pipestudio/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newSupervisedFixture(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, logger)
	t.Cleanup(func() { _ = bus.Close() })

	f := newFixture(t, WithEventBus(bus))

	supervisor := NewSupervisor(f.engine, logger)
	t.Cleanup(supervisor.Close)

	require.NoError(t, supervisor.Register(bus))
	require.NoError(t, bus.Subscribe(t.Context()))

	return f
}

func failingExecutor(failures int) func(context.Context, *protocol.Invocation) (*protocol.Result, error) {
	var (
		mu    sync.Mutex
		calls int
	)

	return func(context.Context, *protocol.Invocation) (*protocol.Result, error) {
		mu.Lock()
		defer mu.Unlock()

		calls++
		if calls <= failures {
			return nil, errors.New("provider error")
		}

		return &protocol.Result{Outputs: map[string]any{"result": "ok"}}, nil
	}
}

func fastRetries(maxRetries int) func(*models.Node) {
	return func(n *models.Node) {
		n.MaxRetries = maxRetries
		n.RetryDelays = []models.Duration{models.Duration(10 * time.Millisecond)}
	}
}

func TestSupervisor_RetriesUntilSuccess(t *testing.T) {
	f := newSupervisedFixture(t)
	f.executor("flaky", failingExecutor(2))

	step := f.step("flaky", "flaky")
	p := f.pipeline([]*models.Node{testutil.CreateTestNode("f", step, fastRetries(3))}, nil)

	f.createRun("project-1", p)
	f.start("project-1")

	run := f.waitStatus("project-1", models.RunStatusCompleted)
	st := run.State("f")
	assert.Equal(t, 3, st.AttemptNumber)
	assert.Equal(t, 2, st.RetryCount)
}

func TestSupervisor_StopsAfterMaxRetries(t *testing.T) {
	f := newSupervisedFixture(t)
	f.executor("broken", failingExecutor(100))

	step := f.step("broken", "broken")
	p := f.pipeline([]*models.Node{testutil.CreateTestNode("b", step, fastRetries(1))}, nil)

	f.createRun("project-1", p)
	f.start("project-1")

	require.Eventually(t, func() bool {
		run, err := f.engine.Get(context.Background(), "project-1")

		return err == nil && run.Status == models.RunStatusFailed && run.State("b").RetryCount == 2
	}, waitFor, tick)

	// No further attempt is scheduled.
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, f.calls.list(), 2)
}

func TestEngine_PublishesLifecycleEvents(t *testing.T) {
	bus := &mocks.MockEventBus{}

	var (
		mu    sync.Mutex
		types []events.EventType
	)

	bus.On("Publish", mock.Anything, "project-1", mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()

		types = append(types, args.Get(2).(eventbus.Event).GetType())
	}).Return(nil)

	f := newFixture(t, WithEventBus(bus))
	step := f.step("echo", "echo")
	p := f.pipeline([]*models.Node{testutil.CreateTestNode("a", step)}, nil)

	f.createRun("project-1", p)
	f.start("project-1")
	f.waitStatus("project-1", models.RunStatusCompleted)

	want := []events.EventType{
		events.RunQueuedEvent,
		events.RunStartedEvent,
		events.NodeStartedEvent,
		events.NodeCompletedEvent,
		events.RunCompletedEvent,
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(types) == len(want)
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, want, types)
}

func TestSupervisor_FiredTimerKeepsReplacement(t *testing.T) {
	f := newFixture(t)

	supervisor := NewSupervisor(f.engine, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(supervisor.Close)

	failed := &events.NodeFailed{
		BaseEvent:  events.BaseEvent{ProjectID: "project-1"},
		NodeID:     "n",
		Attempt:    1,
		RetryCount: 1,
	}
	key := "project-1/n"

	// The first timer fires while the lock is held, so its callback runs
	// only after the replacement is in place.
	supervisor.mu.Lock()
	supervisor.scheduleLocked(failed, 0)
	time.Sleep(20 * time.Millisecond)
	supervisor.scheduleLocked(failed, time.Hour)
	replacement := supervisor.timers[key]
	supervisor.mu.Unlock()

	assert.Never(t, func() bool {
		supervisor.mu.Lock()
		defer supervisor.mu.Unlock()

		return supervisor.timers[key] != replacement
	}, 100*time.Millisecond, 5*time.Millisecond)

	supervisor.Close()

	supervisor.mu.Lock()
	defer supervisor.mu.Unlock()
	assert.Empty(t, supervisor.timers)
}
