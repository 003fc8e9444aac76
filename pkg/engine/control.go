package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dukex/pipestudio/pkg/events"
	"github.com/dukex/pipestudio/pkg/graph"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
)

// admit puts a prepared run back to work: straight to running when it still
// holds the slot, otherwise into the queue.
func (e *Engine) admit(c *change) {
	if e.scheduler.Holds(c.run.ID) {
		c.setStatus(models.RunStatusRunning)
		c.startLoop = true
		c.log("", models.LogLevelInfo, "Run resumed")
		c.emit(events.RunResumed{BaseEvent: baseEvent(events.RunResumedEvent, c.run)})

		return
	}

	now := time.Now().UTC()
	c.run.EnqueuedAt = &now
	c.run.CompletedAt = nil
	c.setStatus(models.RunStatusQueued)
	c.enqueue = true
	c.startNext = true
	c.log("", models.LogLevelInfo, "Run queued with priority %d", c.run.Priority)
	c.emit(events.RunQueued{BaseEvent: baseEvent(events.RunQueuedEvent, c.run), Priority: c.run.Priority})
}

// resumeIfIdle gets the loop going again after an operator changed node states.
func (e *Engine) resumeIfIdle(c *change) {
	switch c.run.Status {
	case models.RunStatusReview, models.RunStatusCompleted, models.RunStatusFailed:
		e.admit(c)
	case models.RunStatusRunning:
		c.startLoop = true
	}
}

// graphOf returns the graph of the run, loading it when the run has not been
// prepared yet in this process.
func (e *Engine) graphOf(c *change) (*models.Pipeline, error) {
	if c.h.pipeline != nil {
		return c.h.pipeline, nil
	}

	p, defs, err := e.loadGraph(c.ctx, c.run.PipelineID)
	if err != nil {
		return nil, err
	}

	c.pipeline, c.defs = p, defs

	return p, nil
}

func existingState(c *change, nodeID string) (*models.NodeState, error) {
	st, ok := c.run.NodeStates[nodeID]
	if !ok {
		return nil, fmt.Errorf("node %s of run %s: %w", nodeID, c.run.ID, persistence.ErrNodeNotFound)
	}

	return st, nil
}

// Pause stops scheduling new nodes. The in-flight node finishes and is recorded.
func (e *Engine) Pause(ctx context.Context, projectID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		switch c.run.Status {
		case models.RunStatusPaused:
			return errNoChange
		case models.RunStatusRunning, models.RunStatusReview:
		default:
			return runConflict("pause", c.run)
		}

		c.setStatus(models.RunStatusPaused)
		c.log("", models.LogLevelInfo, "Run paused")
		c.emit(events.RunPaused{BaseEvent: baseEvent(events.RunPausedEvent, c.run), Reason: "pause"})

		return nil
	})
}

// Resume re-enters the scheduling loop of a paused run.
func (e *Engine) Resume(ctx context.Context, projectID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		switch c.run.Status {
		case models.RunStatusRunning, models.RunStatusQueued:
			return errNoChange
		case models.RunStatusPaused:
		default:
			return runConflict("resume", c.run)
		}

		if err := e.prepare(c.ctx, c); err != nil {
			return err
		}

		e.admit(c)

		return nil
	})
}

// Stop cancels the in-flight executor, puts its node back to waiting and
// parks the run in paused without the slot.
func (e *Engine) Stop(ctx context.Context, projectID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		switch c.run.Status {
		case models.RunStatusPaused:
			if !e.scheduler.Holds(c.run.ID) {
				return errNoChange
			}
		case models.RunStatusQueued, models.RunStatusRunning, models.RunStatusReview:
		default:
			return runConflict("stop", c.run)
		}

		for id, st := range c.run.NodeStates {
			if st.Status == models.NodeStatusRunning {
				st.Status = models.NodeStatusWaiting
				st.StartedAt = nil
				c.log(id, models.LogLevelWarn, "Node %s interrupted by stop", id)
			}
		}

		c.invalidate = true
		c.release = true
		c.dequeue = true
		c.startNext = true
		c.setStatus(models.RunStatusPaused)
		c.log("", models.LogLevelInfo, "Run stopped")
		c.emit(events.RunPaused{BaseEvent: baseEvent(events.RunPausedEvent, c.run), Reason: "stop"})

		return nil
	})
}

// RetryStep forces a failed or completed node back to waiting for a new attempt.
func (e *Engine) RetryStep(ctx context.Context, projectID, nodeID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		st, err := existingState(c, nodeID)
		if err != nil {
			return err
		}

		switch st.Status {
		case models.NodeStatusWaiting:
			return errNoChange
		case models.NodeStatusFailed, models.NodeStatusCompleted:
		default:
			return nodeConflict("retry", nodeID, st.Status)
		}

		resetNode(st)
		c.log(nodeID, models.LogLevelInfo, "Node %s queued for retry (attempt %d)", nodeID, st.AttemptNumber)
		e.resumeIfIdle(c)

		return nil
	})
}

// SkipStep marks a waiting or failed node as skipped so downstream nodes can proceed.
func (e *Engine) SkipStep(ctx context.Context, projectID, nodeID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		st, err := existingState(c, nodeID)
		if err != nil {
			return err
		}

		switch st.Status {
		case models.NodeStatusSkipped:
			return errNoChange
		case models.NodeStatusWaiting, models.NodeStatusFailed:
		default:
			return nodeConflict("skip", nodeID, st.Status)
		}

		st.Status = models.NodeStatusSkipped
		c.log(nodeID, models.LogLevelInfo, "Node %s skipped by operator", nodeID)

		if c.run.Status == models.RunStatusFailed {
			e.resumeIfIdle(c)
		} else if c.run.Status == models.RunStatusRunning {
			c.startLoop = true
		}

		return nil
	})
}

// Approve accepts a node in review. The run resumes once nothing else awaits review.
func (e *Engine) Approve(ctx context.Context, projectID, nodeID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		st, err := existingState(c, nodeID)
		if err != nil {
			return err
		}

		switch st.Status {
		case models.NodeStatusCompleted:
			return errNoChange
		case models.NodeStatusReview:
		default:
			return nodeConflict("approve", nodeID, st.Status)
		}

		st.Status = models.NodeStatusCompleted
		c.log(nodeID, models.LogLevelInfo, "Node %s approved", nodeID)

		for _, other := range c.run.NodeStates {
			if other.Status == models.NodeStatusReview {
				return nil
			}
		}

		if c.run.Status == models.RunStatusReview {
			e.resumeIfIdle(c)
		}

		return nil
	})
}

// Feedback rejects a node result: the feedback is recorded and the node runs
// again with it, together with its completed downstream nodes.
func (e *Engine) Feedback(ctx context.Context, projectID, nodeID, text string) (*models.Run, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrFeedbackRequired
	}

	return e.mutate(ctx, projectID, func(c *change) error {
		st, err := existingState(c, nodeID)
		if err != nil {
			return err
		}

		if st.Status != models.NodeStatusReview && st.Status != models.NodeStatusCompleted {
			return nodeConflict("feedback", nodeID, st.Status)
		}

		p, err := e.graphOf(c)
		if err != nil {
			return err
		}

		c.run.FeedbackHistory = append(c.run.FeedbackHistory, models.FeedbackEntry{
			NodeID:    nodeID,
			Feedback:  text,
			Attempt:   st.AttemptNumber + 1,
			Timestamp: time.Now().UTC(),
		})

		resetNode(st)
		c.log(nodeID, models.LogLevelInfo, "Feedback received for node %s, regenerating (attempt %d)", nodeID, st.AttemptNumber)

		for _, id := range graph.Downstream(p, nodeID) {
			ds, ok := c.run.NodeStates[id]
			if ok && (ds.Status == models.NodeStatusCompleted || ds.Status == models.NodeStatusReview) {
				resetNode(ds)
				c.log(id, models.LogLevelInfo, "Node %s reset to waiting after feedback on %s", id, nodeID)
			}
		}

		if !slices.ContainsFunc(nodeStates(c.run), isReview) {
			e.resumeIfIdle(c)
		}

		return nil
	})
}

// RetryFailed puts every failed node back to waiting.
func (e *Engine) RetryFailed(ctx context.Context, projectID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		retried := 0

		for _, id := range sortedNodeIDs(c.run) {
			if st := c.run.NodeStates[id]; st.Status == models.NodeStatusFailed {
				resetNode(st)
				c.log(id, models.LogLevelInfo, "Node %s queued for retry (attempt %d)", id, st.AttemptNumber)
				retried++
			}
		}

		if retried == 0 {
			return errNoChange
		}

		e.resumeIfIdle(c)

		return nil
	})
}

// ForceContinue skips every failed node so the rest of the graph can run.
// Nodes in any other state are left untouched.
func (e *Engine) ForceContinue(ctx context.Context, projectID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		skipped := 0

		for _, id := range sortedNodeIDs(c.run) {
			if st := c.run.NodeStates[id]; st.Status == models.NodeStatusFailed {
				st.Status = models.NodeStatusSkipped
				c.log(id, models.LogLevelWarn, "Node %s skipped by force continue: %s", id, st.Error)
				skipped++
			}
		}

		if skipped == 0 {
			return errNoChange
		}

		e.resumeIfIdle(c)

		return nil
	})
}

// Rollback resets the node and every node after it in topological order to
// waiting and pauses the run. Earlier nodes keep their results.
func (e *Engine) Rollback(ctx context.Context, projectID, nodeID string) (*models.Run, error) {
	return e.mutate(ctx, projectID, func(c *change) error {
		if _, err := existingState(c, nodeID); err != nil {
			return err
		}

		switch c.run.Status {
		case models.RunStatusConfig, models.RunStatusQueued:
			return runConflict("rollback", c.run)
		}

		p, err := e.graphOf(c)
		if err != nil {
			return err
		}

		order, err := graph.TopologicalOrder(p, func(*models.Node) bool { return true })
		if err != nil {
			return &GraphError{Result: graph.Validate(p, c.h.defs)}
		}

		idx := slices.IndexFunc(order, func(n *models.Node) bool { return n.ID == nodeID })
		if idx < 0 {
			return fmt.Errorf("node %s of pipeline %s: %w", nodeID, p.ID, persistence.ErrNodeNotFound)
		}

		for _, n := range order[idx:] {
			st, ok := c.run.NodeStates[n.ID]
			if !ok || st.Status == models.NodeStatusWaiting {
				continue
			}

			if n.ID == c.h.inflight {
				c.invalidate = true
			}

			if st.Status == models.NodeStatusSkipped {
				st.Status = models.NodeStatusWaiting
				st.Error = ""
			} else {
				resetNode(st)
			}
		}

		c.log(nodeID, models.LogLevelInfo, "Run rolled back to node %s", nodeID)

		if c.run.Status != models.RunStatusPaused {
			if c.run.Status == models.RunStatusCompleted || c.run.Status == models.RunStatusFailed {
				c.run.CompletedAt = nil
			}

			c.setStatus(models.RunStatusPaused)
			c.emit(events.RunPaused{BaseEvent: baseEvent(events.RunPausedEvent, c.run), Reason: "rollback"})
		}

		return nil
	})
}

func nodeStates(run *models.Run) []*models.NodeState {
	states := make([]*models.NodeState, 0, len(run.NodeStates))
	for _, st := range run.NodeStates {
		states = append(states, st)
	}

	return states
}

func isReview(st *models.NodeState) bool {
	return st.Status == models.NodeStatusReview
}

func sortedNodeIDs(run *models.Run) []string {
	ids := make([]string, 0, len(run.NodeStates))
	for id := range run.NodeStates {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
