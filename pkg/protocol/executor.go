// Package protocol defines the contract between the run engine and pluggable step executors.
package protocol

import (
	"context"

	"github.com/dukex/pipestudio/pkg/models"
)

// Executor performs the work of one step definition. Executors are looked up by
// the definition's executorRef and must honour ctx cancellation.
type Executor interface {
	// ID returns the executor reference step definitions point at
	ID() string

	// Name returns the human-readable name for this executor
	Name() string

	// Description returns a description of what this executor does
	Description() string

	// Schema returns the JSON schema for the executor config
	Schema() map[string]any

	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// Invocation is everything an executor gets for one attempt of a node.
type Invocation struct {
	RunID        string
	ProjectID    string
	NodeID       string
	Step         *models.StepDefinition
	Inputs       map[string]any
	Config       map[string]any
	Project      map[string]any
	SystemPrompt string
	UserPrompt   string
	LLMModelID   string
	Attempt      int
	Feedback     string
}

// TemplateData is the data prompt and config templates are rendered with.
func (inv *Invocation) TemplateData() map[string]any {
	return map[string]any{
		"inputs":   inv.Inputs,
		"config":   inv.Config,
		"project":  inv.Project,
		"feedback": inv.Feedback,
		"attempt":  inv.Attempt,
		"run": map[string]any{
			"id":        inv.RunID,
			"projectId": inv.ProjectID,
			"nodeId":    inv.NodeID,
		},
	}
}

// Result is the outcome of a successful invocation.
type Result struct {
	// Outputs keyed by the step output keys
	Outputs map[string]any

	// Retrigger lists step slugs whose nodes must run again, together with
	// their completed downstream nodes and the current node.
	Retrigger []string
}
