package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/pipestudio/pkg/eventbus"
	"github.com/dukex/pipestudio/pkg/events"
	"github.com/dukex/pipestudio/pkg/models"
)

// Supervisor retries failed nodes automatically following their retry
// delays, as long as retryCount does not exceed maxRetries.
type Supervisor struct {
	engine *Engine
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

func NewSupervisor(engine *Engine, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		engine: engine,
		logger: logger.With("module", "supervisor"),
		timers: make(map[string]*time.Timer),
	}
}

// Register subscribes the supervisor to node failures.
func (s *Supervisor) Register(sub eventbus.EventSubscriber) error {
	return sub.Handle(events.NodeFailedEvent, s.handleNodeFailed)
}

func (s *Supervisor) handleNodeFailed(ctx context.Context, event any) error {
	failed, ok := event.(*events.NodeFailed)
	if !ok {
		return nil
	}

	if failed.RetryCount > failed.MaxRetries {
		s.logger.InfoContext(ctx, "Retries exhausted, leaving node failed",
			"project_id", failed.ProjectID,
			"node_id", failed.NodeID,
			"retry_count", failed.RetryCount,
			"max_retries", failed.MaxRetries,
		)

		return nil
	}

	delay, err := s.delay(ctx, failed)
	if err != nil {
		s.logger.WarnContext(ctx, "Cannot schedule retry", "project_id", failed.ProjectID, "node_id", failed.NodeID, "error", err)

		return nil
	}

	s.schedule(failed, delay)

	return nil
}

func (s *Supervisor) delay(ctx context.Context, failed *events.NodeFailed) (time.Duration, error) {
	run, err := s.engine.Get(ctx, failed.ProjectID)
	if err != nil {
		return 0, err
	}

	p, err := s.engine.persistence.PipelineRepository().GetByID(ctx, run.PipelineID)
	if err != nil {
		return 0, err
	}

	node, ok := p.Node(failed.NodeID)
	if !ok {
		return 0, errors.New("node is no longer part of the pipeline")
	}

	return node.RetryDelay(failed.RetryCount), nil
}

func (s *Supervisor) schedule(failed *events.NodeFailed, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scheduleLocked(failed, delay)
}

// scheduleLocked replaces any pending retry of the node. The caller holds s.mu.
func (s *Supervisor) scheduleLocked(failed *events.NodeFailed, delay time.Duration) {
	key := failed.ProjectID + "/" + failed.NodeID

	if s.closed {
		return
	}

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	s.logger.Info("Scheduling automatic retry",
		"project_id", failed.ProjectID,
		"node_id", failed.NodeID,
		"attempt", failed.Attempt,
		"delay", delay,
	)

	var timer *time.Timer

	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timers[key] == timer {
			delete(s.timers, key)
		}
		s.mu.Unlock()

		s.retry(failed)
	})

	s.timers[key] = timer
}

// retry only touches the node when it still sits in the failed attempt.
func (s *Supervisor) retry(failed *events.NodeFailed) {
	ctx := s.engine.ctx

	run, err := s.engine.Get(ctx, failed.ProjectID)
	if err != nil {
		return
	}

	st, ok := run.NodeStates[failed.NodeID]
	if !ok || st.Status != models.NodeStatusFailed || st.AttemptNumber != failed.Attempt {
		return
	}

	if _, err := s.engine.RetryStep(ctx, failed.ProjectID, failed.NodeID); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Warn("Automatic retry failed", "project_id", failed.ProjectID, "node_id", failed.NodeID, "error", err)
	}
}

// Close cancels pending retries.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
