package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/dukex/pipestudio/pkg/condition"
	"github.com/dukex/pipestudio/pkg/events"
	"github.com/dukex/pipestudio/pkg/graph"
	pslog "github.com/dukex/pipestudio/pkg/log"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/otelhelper"
	"github.com/dukex/pipestudio/pkg/protocol"
	"github.com/dukex/pipestudio/pkg/template"
	"go.opentelemetry.io/otel/attribute"
)

// step is a node claimed by the loop for one executor call.
type step struct {
	node     *models.Node
	def      *models.StepDefinition
	executor protocol.Executor
	inv      *protocol.Invocation
	err      error
	gen      int
	started  time.Time
}

// startLoop spawns the run loop unless one is active. The caller holds h.mu.
func (e *Engine) startLoop(h *handle) {
	if h.looping || h.deleted {
		return
	}

	h.looping = true
	e.wg.Add(1)

	go e.loop(h)
}

// loop executes the run one node at a time until it stops being running.
func (e *Engine) loop(h *handle) {
	defer e.wg.Done()

	for {
		s, c := e.advance(h)
		e.finish(c)

		if s == nil {
			return
		}

		e.finish(e.execute(h, s))
	}
}

func (e *Engine) finish(c *change) {
	if c == nil {
		return
	}

	e.afterCommit(e.ctx, c.run, c)

	if c.startNext {
		if _, err := e.StartNext(e.ctx); err != nil && !errors.Is(err, ErrClosed) {
			e.logger.ErrorContext(e.ctx, "Failed to start next run", "error", err)
		}
	}
}

// advance picks the next ready node and marks it running, or settles the run
// when nothing is left to do. A nil step ends the loop.
func (e *Engine) advance(h *handle) (*step, *change) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.deleted || e.ctx.Err() != nil || h.run.Status != models.RunStatusRunning {
		h.looping = false

		return nil, nil
	}

	ctx := e.ctx
	c := &change{ctx: ctx, h: h, run: h.run.Clone()}

	if h.pipeline == nil {
		p, defs, err := e.loadGraph(ctx, c.run.PipelineID)
		if err != nil {
			return nil, e.settle(h, c, fmt.Sprintf("pipeline could not be loaded: %v", err))
		}

		c.pipeline, c.defs = p, defs
		h.pipeline, h.defs = p, defs
	}

	p := h.pipeline

	order, err := graph.TopologicalOrder(p, func(n *models.Node) bool { return n.IsActive })
	if err != nil {
		return nil, e.settle(h, c, "pipeline contains a circular dependency")
	}

	for _, n := range order {
		if st := c.run.State(n.ID); st.Status == models.NodeStatusReview {
			c.setStatus(models.RunStatusReview)
			c.log(n.ID, models.LogLevelInfo, "Run waiting for review of node %s", n.ID)

			return nil, e.commitLoop(h, c)
		}
	}

	var next *models.Node

	for _, n := range order {
		st := c.run.State(n.ID)
		if st.Status != models.NodeStatusWaiting || !dependenciesDone(c.run, p, n.ID) {
			continue
		}

		if c.run.IsDisabled(n.ID) {
			st.Status = models.NodeStatusSkipped
			c.log(n.ID, models.LogLevelInfo, "Node %s skipped: disabled for this project", n.ID)

			continue
		}

		next = n

		break
	}

	if next == nil {
		return nil, e.settle(h, c, "")
	}

	now := time.Now().UTC()
	st := c.run.State(next.ID)

	if st.AttemptNumber == 0 {
		st.AttemptNumber = 1
	}

	st.Status = models.NodeStatusRunning
	st.StartedAt = &now
	st.Error = ""
	st.Result = nil
	st.Duration = 0

	if st.FirstAttemptAt == nil {
		st.FirstAttemptAt = &now
	}

	def := h.defs[next.StepDefinitionID]
	s := &step{node: next, def: def, gen: h.gen, started: now}
	s.executor, s.inv, s.err = e.buildInvocation(c.run, p, def, next)

	executorRef := ""
	if def != nil {
		executorRef = def.ExecutorRef
	}

	c.log(next.ID, models.LogLevelInfo, "Node %s started (attempt %d)", next.ID, st.AttemptNumber)
	c.emit(events.NodeStarted{
		BaseEvent:   baseEvent(events.NodeStartedEvent, c.run),
		NodeID:      next.ID,
		ExecutorRef: executorRef,
		Attempt:     st.AttemptNumber,
	})

	if err := e.commit(ctx, h, c, c.run.Status); err != nil {
		e.logger.ErrorContext(ctx, "Failed to record node start, stopping loop", "run_id", c.run.ID, "error", err)
		h.looping = false

		return nil, nil
	}

	h.inflight = next.ID

	return s, c
}

// settle ends the loop with the run completed or failed. A non-empty reason
// fails the run outright. The caller holds h.mu.
func (e *Engine) settle(h *handle, c *change, reason string) *change {
	var failed []string

	done := true

	for _, n := range h.pipelineNodes() {
		switch st := c.run.State(n.ID); st.Status {
		case models.NodeStatusCompleted, models.NodeStatusSkipped:
		case models.NodeStatusFailed:
			failed = append(failed, n.ID)
			done = false
		default:
			done = false
		}
	}

	slices.Sort(failed)

	now := time.Now().UTC()
	c.release = true
	c.startNext = true

	switch {
	case reason == "" && done:
		c.setStatus(models.RunStatusCompleted)
		c.run.CompletedAt = &now
		c.log("", models.LogLevelInfo, "Run completed")

		completed := 0

		for _, st := range c.run.NodeStates {
			if st.Status == models.NodeStatusCompleted {
				completed++
			}
		}

		c.emit(events.RunCompleted{
			BaseEvent:     baseEvent(events.RunCompletedEvent, c.run),
			DurationMs:    now.Sub(timeOrZero(c.run.StartedAt)).Milliseconds(),
			NodesExecuted: completed,
		})
	default:
		if reason == "" && len(failed) > 0 {
			reason = fmt.Sprintf("nodes %v failed and nothing else can run", failed)
		} else if reason == "" {
			reason = "no runnable node left"
		}

		c.setStatus(models.RunStatusFailed)
		c.log("", models.LogLevelError, "Run failed: %s", reason)
		c.emit(events.RunFailed{
			BaseEvent:   baseEvent(events.RunFailedEvent, c.run),
			FailedNodes: nonNil(failed),
			Error:       reason,
		})
	}

	return e.commitLoop(h, c)
}

func (e *Engine) commitLoop(h *handle, c *change) *change {
	h.looping = false

	if err := e.commit(c.ctx, h, c, h.run.Status); err != nil {
		e.logger.ErrorContext(c.ctx, "Failed to save run state", "run_id", c.run.ID, "error", err)

		return nil
	}

	return c
}

func (h *handle) pipelineNodes() []*models.Node {
	if h.pipeline == nil {
		return nil
	}

	return h.pipeline.Nodes
}

func dependenciesDone(run *models.Run, p *models.Pipeline, nodeID string) bool {
	for _, dep := range graph.Dependencies(p, nodeID) {
		if st, ok := run.NodeStates[dep]; ok && !st.Status.Done() {
			return false
		}
	}

	return true
}

// execute calls the executor outside the run lock and records the outcome.
// The outcome is dropped when the run was stopped, rolled back or deleted meanwhile.
func (e *Engine) execute(h *handle, s *step) *change {
	logger := e.logger.With("run_id", s.inv.RunID, "project_id", s.inv.ProjectID, "node_id", s.node.ID)

	ctx, span := otelhelper.StartSpan(e.ctx, e.tracer, "node.invoke",
		attribute.String(otelhelper.RunIDKey, s.inv.RunID),
		attribute.String(otelhelper.ProjectIDKey, s.inv.ProjectID),
		attribute.String(otelhelper.NodeIDKey, s.node.ID),
		attribute.Int(otelhelper.AttemptKey, s.inv.Attempt),
	)
	defer span.End()

	var (
		result  *protocol.Result
		err     = s.err
		timeout = s.node.EffectiveTimeout()
		timeOut bool
	)

	if err == nil {
		span.SetAttributes(
			attribute.String(otelhelper.StepSlugKey, s.def.Slug),
			attribute.String(otelhelper.ExecutorRefKey, s.def.ExecutorRef),
		)

		invokeCtx, cancel := context.WithTimeout(ctx, timeout)

		h.mu.Lock()
		if h.gen == s.gen {
			h.cancel = cancel
		} else {
			cancel()
		}
		h.mu.Unlock()

		result, err = invoke(pslog.WithContext(invokeCtx, logger), s.executor, s.inv)
		timeOut = errors.Is(invokeCtx.Err(), context.DeadlineExceeded)

		cancel()
	}

	elapsed := time.Since(s.started)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancel = nil
	h.inflight = ""

	if e.ctx.Err() != nil || h.deleted || h.gen != s.gen {
		logger.InfoContext(ctx, "Discarding node outcome, run changed while it executed")

		return nil
	}

	c := &change{ctx: ctx, h: h, run: h.run.Clone()}
	st := c.run.State(s.node.ID)
	st.Duration = models.Duration(elapsed)

	executorRef := "unknown"
	if s.def != nil {
		executorRef = s.def.ExecutorRef
	}

	if err != nil {
		execErr := &ExecutionError{NodeID: s.node.ID, Timeout: timeOut, Err: err}
		if timeOut {
			execErr.Err = fmt.Errorf("no result after %s", timeout)
		}

		otelhelper.RecordNodeFailure(span, execErr, timeOut)
		e.fail(c, s, st, execErr, executorRef, elapsed)
	} else {
		e.complete(h, c, s, st, result, executorRef, elapsed)
	}

	if err := e.commit(ctx, h, c, h.run.Status); err != nil {
		logger.ErrorContext(ctx, "Failed to record node outcome", "error", err)

		return nil
	}

	return c
}

func (e *Engine) fail(c *change, s *step, st *models.NodeState, err *ExecutionError, executorRef string, elapsed time.Duration) {
	st.Status = models.NodeStatusFailed
	st.Error = err.Err.Error()
	st.RetryCount++

	status := "failed"
	if err.Timeout {
		status = "timeout"
	}

	e.metrics.RecordNode(executorRef, status, elapsed)

	c.log(s.node.ID, models.LogLevelError, "Node %s failed: %s", s.node.ID, st.Error)
	c.emit(events.NodeFailed{
		BaseEvent:  baseEvent(events.NodeFailedEvent, c.run),
		NodeID:     s.node.ID,
		Attempt:    st.AttemptNumber,
		RetryCount: st.RetryCount,
		MaxRetries: s.node.MaxRetries,
		Error:      st.Error,
		Timeout:    err.Timeout,
		DurationMs: elapsed.Milliseconds(),
	})
}

func (e *Engine) complete(
	h *handle,
	c *change,
	s *step,
	st *models.NodeState,
	result *protocol.Result,
	executorRef string,
	elapsed time.Duration,
) {
	e.metrics.RecordNode(executorRef, "completed", elapsed)

	outputs := result.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}

	st.Result = outputs

	if len(result.Retrigger) > 0 && e.retrigger(h, c, s.node, result.Retrigger) {
		return
	}

	review := e.isCheckpoint(h, c.run, s.node, s.inv, outputs)

	if review {
		st.Status = models.NodeStatusReview

		if c.run.Status == models.RunStatusRunning {
			c.setStatus(models.RunStatusReview)
		}

		c.log(s.node.ID, models.LogLevelInfo, "Node %s completed and is waiting for review", s.node.ID)
		c.emit(events.RunReview{
			BaseEvent: baseEvent(events.RunReviewEvent, c.run),
			NodeID:    s.node.ID,
			Result:    outputs,
		})
	} else {
		st.Status = models.NodeStatusCompleted
		c.log(s.node.ID, models.LogLevelInfo, "Node %s completed in %s", s.node.ID, elapsed.Round(time.Millisecond))
	}

	c.emit(events.NodeCompleted{
		BaseEvent:  baseEvent(events.NodeCompletedEvent, c.run),
		NodeID:     s.node.ID,
		Attempt:    st.AttemptNumber,
		DurationMs: elapsed.Milliseconds(),
		Review:     review,
	})
}

// isCheckpoint applies the effective checkpoint set: the project list, or the
// node flag narrowed by its condition.
func (e *Engine) isCheckpoint(h *handle, run *models.Run, node *models.Node, inv *protocol.Invocation, outputs map[string]any) bool {
	if run.IsCheckpoint(node.ID) {
		return true
	}

	if !node.IsCheckpoint {
		return false
	}

	if h.conditions == nil {
		h.conditions = make(map[string]*condition.Condition)
	}

	cond, ok := h.conditions[node.ID]
	if !ok {
		var err error

		cond, err = condition.Compile(node.CheckpointCondition)
		if err != nil {
			e.logger.Warn("Invalid checkpoint condition, reviewing anyway", "node_id", node.ID, "error", err)

			return true
		}

		h.conditions[node.ID] = cond
	}

	review, err := cond.Evaluate(condition.Env{
		Outputs: outputs,
		Inputs:  inv.Inputs,
		Project: run.ProjectFields,
		Attempt: inv.Attempt,
	})
	if err != nil {
		e.logger.Warn("Checkpoint condition failed, reviewing anyway", "node_id", node.ID, "error", err)

		return true
	}

	return review
}

// retrigger resets the nodes of the given step slugs, their completed
// downstream nodes and the current node to waiting. It reports false when
// nothing was reset.
func (e *Engine) retrigger(h *handle, c *change, current *models.Node, slugs []string) bool {
	st := c.run.State(current.ID)

	if st.AttemptNumber > max(current.MaxRetries, 0) {
		c.log(current.ID, models.LogLevelWarn,
			"Node %s asked to retrigger %v but reached its attempt limit", current.ID, slugs)

		return false
	}

	var targets []string

	for _, n := range h.pipeline.Nodes {
		def := h.defs[n.StepDefinitionID]
		if n.IsActive && def != nil && slices.Contains(slugs, def.Slug) && n.ID != current.ID {
			targets = append(targets, n.ID)
		}
	}

	if len(targets) == 0 {
		c.log(current.ID, models.LogLevelWarn, "Node %s asked to retrigger unknown steps %v", current.ID, slugs)

		return false
	}

	reset := make([]string, 0, len(targets)+1)

	for _, id := range targets {
		if !slices.Contains(reset, id) {
			reset = append(reset, id)
		}

		for _, down := range graph.Downstream(h.pipeline, id) {
			ds := c.run.State(down)
			if (ds.Status == models.NodeStatusCompleted || ds.Status == models.NodeStatusReview) && !slices.Contains(reset, down) {
				reset = append(reset, down)
			}
		}
	}

	if !slices.Contains(reset, current.ID) {
		reset = append(reset, current.ID)
	}

	for _, id := range reset {
		resetNode(c.run.State(id))
		c.log(id, models.LogLevelInfo, "Node %s reset to waiting, retriggered by %s", id, current.ID)
	}

	return true
}

// resetNode puts a node back to waiting for a new attempt. firstAttemptAt
// and retryCount are kept.
func resetNode(st *models.NodeState) {
	st.Status = models.NodeStatusWaiting
	st.AttemptNumber++
	st.Result = nil
	st.Error = ""
	st.Duration = 0
	st.StartedAt = nil
}

type outcome struct {
	result *protocol.Result
	err    error
}

// invoke runs the executor and gives up when ctx ends, even if the executor ignores it.
func invoke(ctx context.Context, executor protocol.Executor, inv *protocol.Invocation) (*protocol.Result, error) {
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()

		result, err := executor.Invoke(ctx, inv)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err == nil && o.result == nil {
			o.result = &protocol.Result{}
		}

		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buildInvocation resolves the executor, inputs, config and prompts of a node.
func (e *Engine) buildInvocation(
	run *models.Run,
	p *models.Pipeline,
	def *models.StepDefinition,
	node *models.Node,
) (protocol.Executor, *protocol.Invocation, error) {
	st := run.State(node.ID)

	inv := &protocol.Invocation{
		RunID:     run.ID,
		ProjectID: run.ProjectID,
		NodeID:    node.ID,
		Step:      def,
		Inputs:    make(map[string]any),
		Config:    make(map[string]any),
		Project:   maps.Clone(run.ProjectFields),
		Attempt:   st.AttemptNumber,
	}

	if def == nil {
		return nil, inv, fmt.Errorf("step definition %s not found", node.StepDefinitionID)
	}

	executor, err := e.executors.Get(def.ExecutorRef)
	if err != nil {
		return nil, inv, err
	}

	for _, conn := range p.Incoming(node.ID) {
		src, ok := run.NodeStates[conn.SourceNodeID]
		if !ok || src.Result == nil {
			continue
		}

		if v, ok := src.Result[conn.SourceOutputKey]; ok {
			inv.Inputs[conn.TargetInputKey] = v
		}
	}

	for _, input := range def.InputSchema {
		if !input.FromProject() {
			continue
		}

		if v, ok := run.ProjectFields[input.Key]; ok {
			inv.Inputs[input.Key] = v
		}
	}

	maps.Copy(inv.Config, def.DefaultConfig)
	maps.Copy(inv.Config, node.ConfigOverrides)

	if fb, ok := run.LatestFeedback(node.ID); ok && fb.Attempt == st.AttemptNumber {
		inv.Feedback = fb.Feedback
		inv.Config["feedback"] = fb.Feedback
	}

	data := inv.TemplateData()

	if node.SystemPromptOverride != nil {
		if inv.SystemPrompt, err = template.RenderString(*node.SystemPromptOverride, data); err != nil {
			return nil, inv, fmt.Errorf("system prompt: %w", err)
		}
	}

	if node.UserPromptOverride != nil {
		if inv.UserPrompt, err = template.RenderString(*node.UserPromptOverride, data); err != nil {
			return nil, inv, fmt.Errorf("user prompt: %w", err)
		}
	}

	if node.LLMModelOverrideID != nil {
		inv.LLMModelID = *node.LLMModelOverrideID
	} else if model, ok := inv.Config["model"].(string); ok {
		inv.LLMModelID = model
	}

	return executor, inv, nil
}

// loadGraph reads the pipeline and every step definition keyed by id.
func (e *Engine) loadGraph(ctx context.Context, pipelineID string) (*models.Pipeline, map[string]*models.StepDefinition, error) {
	p, err := e.persistence.PipelineRepository().GetByID(ctx, pipelineID)
	if err != nil {
		return nil, nil, err
	}

	steps, err := e.persistence.StepRepository().GetAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	defs := make(map[string]*models.StepDefinition, len(steps))
	for _, s := range steps {
		defs[s.ID] = s
	}

	return p, defs, nil
}

// prepare loads and validates the graph and syncs node states with it.
func (e *Engine) prepare(ctx context.Context, c *change) error {
	p, defs, err := e.loadGraph(ctx, c.run.PipelineID)
	if err != nil {
		return err
	}

	result := graph.Validate(p, defs)
	if !result.Valid {
		return &GraphError{Result: result}
	}

	if issues := definitionIssues(p, defs); len(issues) > 0 {
		return &DefinitionError{Issues: issues}
	}

	syncNodeStates(c, p)

	c.pipeline, c.defs = p, defs

	return nil
}

func definitionIssues(p *models.Pipeline, defs map[string]*models.StepDefinition) []models.ValidationIssue {
	var issues []models.ValidationIssue

	for _, n := range p.Nodes {
		if !n.IsActive {
			continue
		}

		def, ok := defs[n.StepDefinitionID]

		switch {
		case !ok:
			issues = append(issues, models.ValidationIssue{
				NodeID:   n.ID,
				NodeName: n.StepDefinitionID,
				Type:     models.IssueSkeleton,
				Message:  fmt.Sprintf("step definition %q is missing", n.StepDefinitionID),
			})
		case !def.IsActive:
			issues = append(issues, models.ValidationIssue{
				NodeID:   n.ID,
				NodeName: def.Name,
				Type:     models.IssueSkeleton,
				Message:  fmt.Sprintf("step definition %q is inactive", def.Slug),
			})
		}
	}

	return issues
}

// syncNodeStates aligns node states with the current graph: new nodes wait,
// removed ones are dropped, interrupted ones run again and globally inactive
// ones are skipped. The node whose executor is still in flight is left running.
func syncNodeStates(c *change, p *models.Pipeline) {
	present := make(map[string]bool, len(p.Nodes))

	for _, n := range p.Nodes {
		present[n.ID] = true
		st := c.run.State(n.ID)

		if st.Status == models.NodeStatusRunning && n.ID != c.h.inflight {
			st.Status = models.NodeStatusWaiting
			c.log(n.ID, models.LogLevelWarn, "Node %s was interrupted and will run again", n.ID)
		}

		if !n.IsActive && st.Status != models.NodeStatusSkipped {
			st.Status = models.NodeStatusSkipped
			c.log(n.ID, models.LogLevelInfo, "Node %s skipped: inactive in the pipeline", n.ID)
		}
	}

	for id := range c.run.NodeStates {
		if !present[id] {
			delete(c.run.NodeStates, id)
			c.log(id, models.LogLevelInfo, "Node %s removed from the pipeline", id)
		}
	}
}
