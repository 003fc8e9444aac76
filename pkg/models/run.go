package models

import (
	"slices"
	"time"
)

// RunStatus is the run-level lifecycle state.
type RunStatus string

const (
	RunStatusConfig    RunStatus = "config"
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusReview    RunStatus = "review"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed" // Not terminal: retry and force-continue revive the run
)

// NodeStatus is the per-node runtime state inside a run.
type NodeStatus string

const (
	NodeStatusWaiting   NodeStatus = "waiting"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusReview    NodeStatus = "review"
)

// Done reports whether downstream nodes may consume this state.
func (s NodeStatus) Done() bool {
	return s == NodeStatusCompleted || s == NodeStatusSkipped
}

// NodeState is the runtime state of one node in a run.
type NodeState struct {
	Status         NodeStatus     `json:"status"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	FirstAttemptAt *time.Time     `json:"firstAttemptAt,omitempty"`
	AttemptNumber  int            `json:"attemptNumber"`
	RetryCount     int            `json:"retryCount"`
	Duration       Duration       `json:"duration"`
	Result         map[string]any `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// FeedbackEntry records operator feedback that triggered a regeneration.
type FeedbackEntry struct {
	NodeID    string    `json:"nodeId"`
	Feedback  string    `json:"feedback"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is one execution of a pipeline for a project.
type Run struct {
	ID              string                `json:"id"`
	ProjectID       string                `json:"projectId"`
	PipelineID      string                `json:"pipelineId"`
	Status          RunStatus             `json:"status"`
	NodeStates      map[string]*NodeState `json:"nodeStates"`
	Priority        int                   `json:"priority"`
	Checkpoints     []string              `json:"checkpoints"`
	DisabledNodes   []string              `json:"disabledNodes"`
	ProjectFields   map[string]any        `json:"projectFields"`
	FeedbackHistory []FeedbackEntry       `json:"feedbackHistory"`
	EnqueuedAt      *time.Time            `json:"enqueuedAt,omitempty"`
	StartedAt       *time.Time            `json:"startedAt,omitempty"`
	CompletedAt     *time.Time            `json:"completedAt,omitempty"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

// State returns the node state, creating a waiting entry when missing.
func (r *Run) State(nodeID string) *NodeState {
	if r.NodeStates == nil {
		r.NodeStates = make(map[string]*NodeState)
	}

	state, ok := r.NodeStates[nodeID]
	if !ok {
		state = &NodeState{Status: NodeStatusWaiting}
		r.NodeStates[nodeID] = state
	}

	return state
}

// IsCheckpoint reports whether the project-level checkpoint list contains the node.
func (r *Run) IsCheckpoint(nodeID string) bool {
	return slices.Contains(r.Checkpoints, nodeID)
}

// IsDisabled reports whether the node is switched off for this run's content type.
func (r *Run) IsDisabled(nodeID string) bool {
	return slices.Contains(r.DisabledNodes, nodeID)
}

// LatestFeedback returns the most recent feedback given for the node.
func (r *Run) LatestFeedback(nodeID string) (FeedbackEntry, bool) {
	for i := len(r.FeedbackHistory) - 1; i >= 0; i-- {
		if r.FeedbackHistory[i].NodeID == nodeID {
			return r.FeedbackHistory[i], true
		}
	}

	return FeedbackEntry{}, false
}

// Clone returns a deep copy of the run safe to hand out of the engine.
func (r *Run) Clone() *Run {
	cp := *r

	cp.NodeStates = make(map[string]*NodeState, len(r.NodeStates))
	for id, s := range r.NodeStates {
		st := *s
		st.Result = cloneMap(s.Result)
		cp.NodeStates[id] = &st
	}

	cp.Checkpoints = slices.Clone(r.Checkpoints)
	cp.DisabledNodes = slices.Clone(r.DisabledNodes)
	cp.ProjectFields = cloneMap(r.ProjectFields)
	cp.FeedbackHistory = slices.Clone(r.FeedbackHistory)

	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}

// LogLevel is the severity of a run log entry.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogEntry is one line of a run's audit trail.
type LogEntry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId"`
	NodeID    string    `json:"nodeId,omitempty"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
