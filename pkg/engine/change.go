package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/pipestudio/pkg/eventbus"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/scheduler"
)

// errNoChange makes mutate return the current run without saving.
var errNoChange = errors.New("no change")

// change is one atomic state transition of a run: the mutated copy, its log
// entries and the side effects to apply once both are stored.
type change struct {
	ctx context.Context
	h   *handle
	run *models.Run

	entries []models.LogEntry
	events  []eventbus.Event

	// Graph loaded for this transition, installed on the handle on commit.
	pipeline *models.Pipeline
	defs     map[string]*models.StepDefinition

	enqueue      bool
	reprioritize bool
	dequeue      bool
	release      bool
	startLoop    bool
	startNext    bool
	invalidate   bool
}

func (c *change) log(nodeID string, level models.LogLevel, format string, args ...any) {
	c.entries = append(c.entries, newEntry(c.run, nodeID, level, fmt.Sprintf(format, args...)))
}

func (c *change) emit(event eventbus.Event) {
	c.events = append(c.events, event)
}

func (c *change) setStatus(status models.RunStatus) {
	c.run.Status = status
}

// mutate applies fn to a copy of the run under the run lock and stores the
// result with its log entries in one Save. Nothing changes when fn or the
// Save fails.
func (e *Engine) mutate(ctx context.Context, projectID string, fn func(c *change) error) (*models.Run, error) {
	if e.ctx.Err() != nil {
		return nil, ErrClosed
	}

	h, err := e.handle(ctx, projectID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()

	if h.deleted {
		h.mu.Unlock()

		return nil, persistence.NewRunError("Get", projectID, persistence.ErrRunNotFound)
	}

	c := &change{ctx: ctx, h: h, run: h.run.Clone()}
	before := h.run.Status

	err = fn(c)
	if errors.Is(err, errNoChange) {
		run := h.run.Clone()
		h.mu.Unlock()

		return run, nil
	}

	if err != nil {
		h.mu.Unlock()

		return nil, err
	}

	if err := e.commit(ctx, h, c, before); err != nil {
		h.mu.Unlock()

		return nil, err
	}

	run := h.run.Clone()
	h.mu.Unlock()

	e.afterCommit(ctx, run, c)

	// The loop starts after the transition's events are out so subscribers
	// see them before any node event.
	if c.startLoop {
		h.mu.Lock()
		if h.run.Status == models.RunStatusRunning {
			e.startLoop(h)
		}
		h.mu.Unlock()
	}

	if c.startNext {
		if next, err := e.StartNext(context.WithoutCancel(ctx)); err != nil {
			e.logger.ErrorContext(ctx, "Failed to start next run", "error", err)
		} else if next != nil && next.ID == run.ID {
			run = next
		}
	}

	return run, nil
}

// commit stores the change and applies its side effects on the handle and
// the scheduler. The caller holds h.mu.
func (e *Engine) commit(ctx context.Context, h *handle, c *change, before models.RunStatus) error {
	c.run.UpdatedAt = time.Now().UTC()

	if err := e.persistence.RunRepository().Save(ctx, c.run, c.entries...); err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	h.run = c.run

	if c.pipeline != nil {
		h.pipeline = c.pipeline
		h.defs = c.defs
		h.conditions = nil
	}

	if c.invalidate {
		h.gen++

		if h.cancel != nil {
			h.cancel()
		}
	}

	if before != c.run.Status {
		e.metrics.RecordRunStatus(string(c.run.Status))
	}

	if c.release {
		e.scheduler.Release(c.run.ID)
	}

	if c.dequeue {
		if err := e.scheduler.Dequeue(ctx, c.run.ID); err != nil && !errors.Is(err, scheduler.ErrNotQueued) {
			e.logger.ErrorContext(ctx, "Failed to dequeue run", "run_id", c.run.ID, "error", err)
		}
	}

	if c.enqueue {
		if _, err := e.scheduler.Enqueue(ctx, c.run.ID, c.run.Priority); err != nil {
			e.logger.ErrorContext(ctx, "Failed to enqueue run", "run_id", c.run.ID, "error", err)
		}
	}

	if c.reprioritize {
		if _, err := e.scheduler.SetPriority(ctx, c.run.ID, c.run.Priority); err != nil {
			e.logger.ErrorContext(ctx, "Failed to update queue priority", "run_id", c.run.ID, "error", err)
		}
	}

	return nil
}

func (e *Engine) afterCommit(ctx context.Context, run *models.Run, c *change) {
	for _, event := range c.events {
		e.publish(ctx, run.ProjectID, event)
	}

	if c.enqueue || c.dequeue || c.release || c.reprioritize || c.startLoop {
		e.refreshQueueMetrics(ctx)
	}
}
