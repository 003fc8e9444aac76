// Package models defines the core domain models for step catalogs, pipeline graphs and runs.
package models

import "time"

// StepCategory groups step definitions in the catalog.
type StepCategory string

const (
	StepCategorySetup    StepCategory = "setup"
	StepCategoryResearch StepCategory = "research"
	StepCategoryScript   StepCategory = "script"
	StepCategoryAudio    StepCategory = "audio"
	StepCategoryVisual   StepCategory = "visual"
	StepCategoryPost     StepCategory = "post"
	StepCategoryOutput   StepCategory = "output" // Terminal steps, allowed to have no outgoing connections
	StepCategoryGeneral  StepCategory = "general"
)

// InputSource tells the engine where an input value comes from.
type InputSource string

const (
	InputSourceNode    InputSource = "node"
	InputSourceProject InputSource = "project"
)

// StepInput describes one input slot of a step definition.
type StepInput struct {
	Key      string      `json:"key"             validate:"required"`
	Label    string      `json:"label"`
	Type     string      `json:"type,omitempty"`
	Required bool        `json:"required"`
	Source   InputSource `json:"source,omitempty" validate:"omitempty,oneof=node project"`
}

// FromProject reports whether the input is filled from project fields instead of a connection.
func (i StepInput) FromProject() bool {
	return i.Source == InputSourceProject
}

// StepOutput describes one output value produced by a step definition.
type StepOutput struct {
	Key   string `json:"key"            validate:"required"`
	Label string `json:"label"`
	Type  string `json:"type,omitempty"`
}

// StepDefinition is the reusable template describing one unit of pipeline work.
type StepDefinition struct {
	ID            string         `json:"id"`
	Slug          string         `json:"slug"                   validate:"required,min=2"`
	Name          string         `json:"name"                   validate:"required"`
	Description   string         `json:"description,omitempty"`
	Category      StepCategory   `json:"category"               validate:"required,oneof=setup research script audio visual post output general"`
	ExecutorRef   string         `json:"executorRef"            validate:"required"`
	IsReady       bool           `json:"isReady"`
	IsActive      bool           `json:"isActive"`
	InputSchema   []StepInput    `json:"inputSchema"            validate:"dive"`
	OutputSchema  []StepOutput   `json:"outputSchema"           validate:"dive"`
	DefaultConfig map[string]any `json:"defaultConfig"`
	ConfigSchema  map[string]any `json:"configSchema,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Input returns the input slot with the given key.
func (d *StepDefinition) Input(key string) (StepInput, bool) {
	for _, in := range d.InputSchema {
		if in.Key == key {
			return in, true
		}
	}

	return StepInput{}, false
}

// IsOutput reports whether the step is a terminal output step.
func (d *StepDefinition) IsOutput() bool {
	return d.Category == StepCategoryOutput
}
