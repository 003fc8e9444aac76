// Package engine runs pipelines for projects: one checkpointed run per
// project, admitted one at a time through the scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dukex/pipestudio/pkg/condition"
	"github.com/dukex/pipestudio/pkg/eventbus"
	"github.com/dukex/pipestudio/pkg/events"
	"github.com/dukex/pipestudio/pkg/metrics"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/otelhelper"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/protocol"
	"github.com/dukex/pipestudio/pkg/scheduler"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Executors resolves a step definition executorRef.
type Executors interface {
	Get(ref string) (protocol.Executor, error)
}

type Option func(*Engine)

func WithEventBus(bus eventbus.EventPublisher) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

type Engine struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	executors   Executors
	scheduler   *scheduler.Scheduler
	bus         eventbus.EventPublisher
	metrics     *metrics.Collector
	tracer      trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	handles map[string]*handle
}

// handle owns the in-memory state of one run. Every field is guarded by mu.
type handle struct {
	mu  sync.Mutex
	run *models.Run

	pipeline   *models.Pipeline
	defs       map[string]*models.StepDefinition
	conditions map[string]*condition.Condition

	looping  bool
	deleted  bool
	gen      int
	inflight string
	cancel   context.CancelFunc
}

func New(
	p persistence.Persistence,
	executors Executors,
	sched *scheduler.Scheduler,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		logger:      logger.With("module", "engine"),
		persistence: p,
		executors:   executors,
		scheduler:   sched,
		tracer:      otelhelper.NoopTracer(),
		ctx:         ctx,
		cancel:      cancel,
		handles:     make(map[string]*handle),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CreateRunRequest configures the run of a project.
type CreateRunRequest struct {
	ProjectID     string
	PipelineID    string
	Priority      int
	Checkpoints   []string
	DisabledNodes []string
	ProjectFields map[string]any
}

// CreateRun creates the run of a project in the config state.
func (e *Engine) CreateRun(ctx context.Context, req CreateRunRequest) (*models.Run, error) {
	if e.ctx.Err() != nil {
		return nil, ErrClosed
	}

	pipeline, err := e.persistence.PipelineRepository().GetByID(ctx, req.PipelineID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.handles[req.ProjectID]; ok {
		return nil, ErrRunExists
	}

	_, err = e.persistence.RunRepository().GetByProject(ctx, req.ProjectID)
	if err == nil {
		return nil, ErrRunExists
	}

	if !persistence.IsRunNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()

	run := &models.Run{
		ID:              uuid.New().String(),
		ProjectID:       req.ProjectID,
		PipelineID:      pipeline.ID,
		Status:          models.RunStatusConfig,
		NodeStates:      make(map[string]*models.NodeState, len(pipeline.Nodes)),
		Priority:        scheduler.ClampPriority(req.Priority),
		Checkpoints:     nonNil(req.Checkpoints),
		DisabledNodes:   nonNil(req.DisabledNodes),
		ProjectFields:   req.ProjectFields,
		FeedbackHistory: []models.FeedbackEntry{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if run.ProjectFields == nil {
		run.ProjectFields = map[string]any{}
	}

	for _, n := range pipeline.Nodes {
		run.State(n.ID)
	}

	entry := newEntry(run, "", models.LogLevelInfo, fmt.Sprintf("Run created for pipeline %s", pipeline.Slug))

	if err := e.persistence.RunRepository().Save(ctx, run, entry); err != nil {
		return nil, err
	}

	e.handles[run.ProjectID] = &handle{run: run}

	e.logger.InfoContext(ctx, "Run created", "run_id", run.ID, "project_id", run.ProjectID, "pipeline_id", pipeline.ID)

	return run.Clone(), nil
}

// Start validates the pipeline and queues the run. GraphError and
// DefinitionError block the transition.
func (e *Engine) Start(ctx context.Context, projectID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		switch c.run.Status {
		case models.RunStatusQueued, models.RunStatusRunning:
			return errNoChange
		case models.RunStatusConfig, models.RunStatusPaused:
		default:
			return runConflict("start", c.run)
		}

		if err := e.prepare(c.ctx, c); err != nil {
			return err
		}

		e.admit(c)

		return nil
	})
}

// Get returns the run of a project.
func (e *Engine) Get(ctx context.Context, projectID string) (*models.Run, error) {
	h, err := e.handle(ctx, projectID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	return h.run.Clone(), nil
}

func (e *Engine) List(ctx context.Context) ([]*models.Run, error) {
	runs, err := e.persistence.RunRepository().GetAll(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, r := range runs {
		if h, ok := e.handles[r.ProjectID]; ok {
			h.mu.Lock()
			runs[i] = h.run.Clone()
			h.mu.Unlock()
		}
	}

	return runs, nil
}

// Logs returns the audit trail of a project run.
func (e *Engine) Logs(ctx context.Context, projectID string) ([]models.LogEntry, error) {
	run, err := e.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}

	return e.persistence.RunRepository().Logs(ctx, run.ID)
}

// Delete cancels any in-flight work, frees the slot and queue entry and
// removes the run with its logs.
func (e *Engine) Delete(ctx context.Context, projectID string) error {
	h, err := e.handle(ctx, projectID)
	if err != nil {
		return err
	}

	h.mu.Lock()

	if err := e.persistence.RunRepository().Delete(ctx, projectID); err != nil {
		h.mu.Unlock()

		return err
	}

	run := h.run
	h.deleted = true
	h.gen++

	if h.cancel != nil {
		h.cancel()
	}

	h.mu.Unlock()

	e.mu.Lock()
	delete(e.handles, projectID)
	e.mu.Unlock()

	released := e.scheduler.Release(run.ID)

	if err := e.scheduler.Dequeue(ctx, run.ID); err != nil && !errors.Is(err, scheduler.ErrNotQueued) {
		e.logger.ErrorContext(ctx, "Failed to remove deleted run from queue", "run_id", run.ID, "error", err)
	}

	e.logger.InfoContext(ctx, "Run deleted", "run_id", run.ID, "project_id", projectID, "released_slot", released)

	e.publish(ctx, run.ProjectID, events.RunDeleted{BaseEvent: baseEvent(events.RunDeletedEvent, run)})

	if _, err := e.StartNext(context.WithoutCancel(ctx)); err != nil {
		e.logger.ErrorContext(ctx, "Failed to start next run", "error", err)
	}

	return nil
}

// Recover re-queues runs that were queued or running when the process stopped.
func (e *Engine) Recover(ctx context.Context) error {
	runs, err := e.persistence.RunRepository().GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load runs: %w", err)
	}

	// Oldest enqueue first so the queue keeps its previous order among equal priorities.
	slices.SortStableFunc(runs, func(a, b *models.Run) int {
		return timeOrZero(a.EnqueuedAt).Compare(timeOrZero(b.EnqueuedAt))
	})

	recovered := 0

	for _, r := range runs {
		if r.Status != models.RunStatusQueued && r.Status != models.RunStatusRunning {
			continue
		}

		_, err := e.mutate(ctx, r.ProjectID, func(c *change) error {
			for id, st := range c.run.NodeStates {
				if st.Status == models.NodeStatusRunning {
					st.Status = models.NodeStatusWaiting
					c.log(id, models.LogLevelWarn, "Node %s was interrupted by a restart and will run again", id)
				}
			}

			c.setStatus(models.RunStatusQueued)
			c.enqueue = true
			c.log("", models.LogLevelInfo, "Run re-queued after restart")

			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to recover run %s: %w", r.ProjectID, err)
		}

		recovered++
	}

	e.logger.InfoContext(ctx, "Runs recovered", "count", recovered)

	_, err = e.StartNext(ctx)

	return err
}

// Close stops every run loop. In-flight nodes are left running in the store
// and picked up again by Recover.
func (e *Engine) Close(ctx context.Context) error {
	e.cancel()

	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueItem is a queued run with its derived position.
type QueueItem struct {
	Run      *models.Run `json:"run"`
	Position int         `json:"position"`
	Priority int         `json:"priority"`
}

// QueueView is the state of the global run queue.
type QueueView struct {
	Running *models.Run `json:"running"`
	Queued  []QueueItem `json:"queued"`
}

func (e *Engine) GetQueue(ctx context.Context) (*QueueView, error) {
	snap, err := e.scheduler.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	runs, err := e.runsByID(ctx)
	if err != nil {
		return nil, err
	}

	view := &QueueView{Queued: make([]QueueItem, 0, len(snap.Queued))}

	if r, ok := runs[snap.Running]; ok {
		view.Running = r
	}

	for _, q := range snap.Queued {
		r, ok := runs[q.RunID]
		if !ok {
			continue
		}

		view.Queued = append(view.Queued, QueueItem{Run: r, Position: q.Position, Priority: q.Priority})
	}

	return view, nil
}

// QueuePosition returns the 1-based position of a queued run.
func (e *Engine) QueuePosition(ctx context.Context, runID string) (int, bool) {
	pos, ok, err := e.scheduler.Position(ctx, runID)
	if err != nil {
		e.logger.WarnContext(ctx, "Failed to read queue position", "run_id", runID, "error", err)

		return 0, false
	}

	return pos, ok
}

// SetPriority stores the clamped priority on the run and re-sorts the queue when it is queued.
func (e *Engine) SetPriority(ctx context.Context, runID string, priority int) (*models.Run, error) {
	projectID, err := e.projectOf(ctx, runID)
	if err != nil {
		return nil, err
	}

	return e.mutate(ctx, projectID, func(c *change) error {
		priority = scheduler.ClampPriority(priority)
		if c.run.Priority == priority {
			return errNoChange
		}

		c.log("", models.LogLevelInfo, "Priority changed from %d to %d", c.run.Priority, priority)
		c.run.Priority = priority

		if c.run.Status == models.RunStatusQueued {
			c.reprioritize = true
		}

		return nil
	})
}

// Dequeue takes a queued run out of the queue and back to config.
func (e *Engine) Dequeue(ctx context.Context, runID string) (*models.Run, error) {
	projectID, err := e.projectOf(ctx, runID)
	if err != nil {
		return nil, err
	}

	return e.mutate(ctx, projectID, func(c *change) error {
		if c.run.Status != models.RunStatusQueued {
			return runConflict("dequeue", c.run)
		}

		c.setStatus(models.RunStatusConfig)
		c.run.EnqueuedAt = nil
		c.dequeue = true
		c.log("", models.LogLevelInfo, "Run removed from the queue")

		return nil
	})
}

// StartNext admits the head of the queue when the slot is free. It returns
// the admitted run, or nil when nothing was started.
func (e *Engine) StartNext(ctx context.Context) (*models.Run, error) {
	for {
		if e.ctx.Err() != nil {
			return nil, ErrClosed
		}

		entry, ok, err := e.scheduler.Next(ctx)
		if err != nil {
			return nil, err
		}

		if !ok {
			e.refreshQueueMetrics(ctx)

			return nil, nil
		}

		projectID, err := e.projectOf(ctx, entry.RunID)
		if err != nil {
			e.logger.WarnContext(ctx, "Dropping stale queue entry", "run_id", entry.RunID, "error", err)
			e.scheduler.Release(entry.RunID)

			continue
		}

		started := false

		run, err := e.mutate(ctx, projectID, func(c *change) error {
			if c.run.Status != models.RunStatusQueued {
				return errNoChange
			}

			if err := e.prepare(c.ctx, c); err != nil {
				c.setStatus(models.RunStatusFailed)
				c.log("", models.LogLevelError, "Run could not start: %v", err)
				c.release = true

				return nil
			}

			now := time.Now().UTC()
			if c.run.StartedAt == nil {
				c.run.StartedAt = &now
			}

			c.setStatus(models.RunStatusRunning)
			c.log("", models.LogLevelInfo, "Run started")
			c.emit(events.RunStarted{BaseEvent: baseEvent(events.RunStartedEvent, c.run)})
			c.startLoop = true
			started = true

			return nil
		})
		if err != nil {
			e.logger.ErrorContext(ctx, "Failed to admit run", "run_id", entry.RunID, "error", err)
			e.scheduler.Release(entry.RunID)

			continue
		}

		if !started {
			e.scheduler.Release(entry.RunID)

			continue
		}

		e.refreshQueueMetrics(ctx)

		return run, nil
	}
}

func (e *Engine) handle(ctx context.Context, projectID string) (*handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.handles[projectID]; ok {
		return h, nil
	}

	run, err := e.persistence.RunRepository().GetByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	h := &handle{run: run}
	e.handles[projectID] = h

	return h, nil
}

func (e *Engine) projectOf(ctx context.Context, runID string) (string, error) {
	e.mu.Lock()

	for projectID, h := range e.handles {
		h.mu.Lock()
		id := h.run.ID
		h.mu.Unlock()

		if id == runID {
			e.mu.Unlock()

			return projectID, nil
		}
	}

	e.mu.Unlock()

	runs, err := e.persistence.RunRepository().GetAll(ctx)
	if err != nil {
		return "", err
	}

	for _, r := range runs {
		if r.ID == runID {
			return r.ProjectID, nil
		}
	}

	return "", persistence.NewRunError("GetByID", runID, persistence.ErrRunNotFound)
}

func (e *Engine) runsByID(ctx context.Context) (map[string]*models.Run, error) {
	runs, err := e.List(ctx)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*models.Run, len(runs))
	for _, r := range runs {
		byID[r.ID] = r
	}

	return byID, nil
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "Failed to publish event", "event_type", event.GetType(), "error", err)
	}
}

func (e *Engine) refreshQueueMetrics(ctx context.Context) {
	if e.metrics == nil {
		return
	}

	snap, err := e.scheduler.Snapshot(ctx)
	if err != nil {
		return
	}

	e.metrics.SetQueue(len(snap.Queued), snap.Running != "")
}

func baseEvent(eventType events.EventType, run *models.Run) events.BaseEvent {
	base := events.NewBaseEvent(eventType, run.ID, run.ProjectID)
	base.PipelineID = run.PipelineID

	return base
}

func newEntry(run *models.Run, nodeID string, level models.LogLevel, message string) models.LogEntry {
	return models.LogEntry{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		NodeID:    nodeID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}

	return *t
}
