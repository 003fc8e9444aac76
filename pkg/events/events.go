// Package events defines the run and node lifecycle events published by the engine.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the single topic every lifecycle event is published to.
const Topic = "pipestudio.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Run lifecycle events.
	RunQueuedEvent    EventType = "run.queued"
	RunStartedEvent   EventType = "run.started"
	RunPausedEvent    EventType = "run.paused"
	RunResumedEvent   EventType = "run.resumed"
	RunReviewEvent    EventType = "run.review"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"
	RunDeletedEvent   EventType = "run.deleted"

	// Node execution events.
	NodeStartedEvent   EventType = "node.started"
	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"
)

type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	RunID      string         `json:"run_id"`
	ProjectID  string         `json:"project_id"`
	PipelineID string         `json:"pipeline_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type RunQueued struct {
	BaseEvent

	Priority int `json:"priority"`
}

func (e RunQueued) GetType() EventType {
	return RunQueuedEvent
}

type RunStarted struct {
	BaseEvent
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunPaused struct {
	BaseEvent

	Reason string `json:"reason"`
}

func (e RunPaused) GetType() EventType {
	return RunPausedEvent
}

type RunResumed struct {
	BaseEvent
}

func (e RunResumed) GetType() EventType {
	return RunResumedEvent
}

// RunReview is published when a checkpoint node waits for approval or feedback.
type RunReview struct {
	BaseEvent

	NodeID string         `json:"node_id"`
	Result map[string]any `json:"result,omitempty"`
}

func (e RunReview) GetType() EventType {
	return RunReviewEvent
}

type RunCompleted struct {
	BaseEvent

	DurationMs    int64 `json:"duration_ms"`
	NodesExecuted int   `json:"nodes_executed"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

// RunFailed is published when a failed node leaves nothing else runnable.
type RunFailed struct {
	BaseEvent

	FailedNodes []string `json:"failed_nodes"`
	Error       string   `json:"error"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunDeleted struct {
	BaseEvent
}

func (e RunDeleted) GetType() EventType {
	return RunDeletedEvent
}

type NodeStarted struct {
	BaseEvent

	NodeID      string `json:"node_id"`
	ExecutorRef string `json:"executor_ref"`
	Attempt     int    `json:"attempt"`
}

func (e NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeCompleted struct {
	BaseEvent

	NodeID     string `json:"node_id"`
	Attempt    int    `json:"attempt"`
	DurationMs int64  `json:"duration_ms"`
	Review     bool   `json:"review"`
}

func (e NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type NodeFailed struct {
	BaseEvent

	NodeID     string `json:"node_id"`
	Attempt    int    `json:"attempt"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	Error      string `json:"error"`
	Timeout    bool   `json:"timeout"`
	DurationMs int64  `json:"duration_ms"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

func NewBaseEvent(eventType EventType, runID, projectID string) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		RunID:     runID,
		ProjectID: projectID,
		Metadata:  make(map[string]any),
	}
}
