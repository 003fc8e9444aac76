package models

import "time"

const (
	DefaultNodeTimeout = Duration(5 * time.Minute)
	DefaultMaxRetries  = 3
)

// DefaultRetryDelays is the advisory backoff schedule for nodes that don't set one.
func DefaultRetryDelays() []Duration {
	return []Duration{
		Duration(5 * time.Second),
		Duration(15 * time.Second),
		Duration(30 * time.Second),
	}
}

// Pipeline is the DAG template used for one content type.
type Pipeline struct {
	ID          string        `json:"id"`
	Slug        string        `json:"slug"                  validate:"required,min=2"`
	Name        string        `json:"name"                  validate:"required"`
	Description string        `json:"description,omitempty"`
	IsActive    bool          `json:"isActive"`
	Nodes       []*Node       `json:"nodes"`
	Connections []*Connection `json:"connections"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	DeletedAt   *time.Time    `json:"deletedAt,omitempty"`
}

// Node returns the node with the given id.
func (p *Pipeline) Node(id string) (*Node, bool) {
	for _, n := range p.Nodes {
		if n.ID == id {
			return n, true
		}
	}

	return nil, false
}

// Incoming returns the connections that target the given node.
func (p *Pipeline) Incoming(nodeID string) []*Connection {
	var conns []*Connection

	for _, c := range p.Connections {
		if c.TargetNodeID == nodeID {
			conns = append(conns, c)
		}
	}

	return conns
}

// Outgoing returns the connections that leave the given node.
func (p *Pipeline) Outgoing(nodeID string) []*Connection {
	var conns []*Connection

	for _, c := range p.Connections {
		if c.SourceNodeID == nodeID {
			conns = append(conns, c)
		}
	}

	return conns
}

// Position is the editor canvas position of a node. The engine ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Node is one step instance inside a pipeline.
type Node struct {
	ID                   string         `json:"id"`
	PipelineID           string         `json:"pipelineId"`
	StepDefinitionID     string         `json:"stepDefinitionId"               validate:"required"`
	SortOrder            int            `json:"sortOrder"`
	Position             Position       `json:"position"`
	IsActive             bool           `json:"isActive"`
	ConfigOverrides      map[string]any `json:"configOverrides"`
	SystemPromptOverride *string        `json:"systemPromptOverride,omitempty"`
	UserPromptOverride   *string        `json:"userPromptOverride,omitempty"`
	LLMModelOverrideID   *string        `json:"llmModelOverrideId,omitempty"`
	IsCheckpoint         bool           `json:"isCheckpoint"`
	CheckpointCondition  string         `json:"checkpointCondition,omitempty"`
	Timeout              Duration       `json:"timeout"`
	MaxRetries           int            `json:"maxRetries"                     validate:"gte=0"`
	RetryDelays          []Duration     `json:"retryDelays"`
}

// EffectiveTimeout returns the node timeout, falling back to the default.
func (n *Node) EffectiveTimeout() time.Duration {
	if n.Timeout <= 0 {
		return DefaultNodeTimeout.Std()
	}

	return n.Timeout.Std()
}

// RetryDelay returns the advisory delay before retry number attempt (1-based).
// The last configured delay is reused when attempt runs past the list.
func (n *Node) RetryDelay(attempt int) time.Duration {
	delays := n.RetryDelays
	if len(delays) == 0 {
		delays = DefaultRetryDelays()
	}

	if attempt < 1 {
		attempt = 1
	}

	if attempt > len(delays) {
		return delays[len(delays)-1].Std()
	}

	return delays[attempt-1].Std()
}

// Connection is a directed data binding from one node output to another node input.
type Connection struct {
	ID              string `json:"id"`
	PipelineID      string `json:"pipelineId"`
	SourceNodeID    string `json:"sourceNodeId"    validate:"required"`
	SourceOutputKey string `json:"sourceOutputKey" validate:"required"`
	TargetNodeID    string `json:"targetNodeId"    validate:"required"`
	TargetInputKey  string `json:"targetInputKey"  validate:"required"`
}
