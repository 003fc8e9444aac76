// Package web provides HTTP request and response types for the pipeline studio API.
package web

import (
	"github.com/dukex/pipestudio/pkg/engine"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/services"
)

// CreatePipelineRequest represents the request body for creating a new pipeline.
type CreatePipelineRequest struct {
	Slug        string `json:"slug"        validate:"required,min=2"`
	Name        string `json:"name"        validate:"required"`
	Description string `json:"description"`
	IsActive    *bool  `json:"isActive"`
}

func (r CreatePipelineRequest) toService() services.CreatePipelineRequest {
	return services.CreatePipelineRequest{
		Slug:        r.Slug,
		Name:        r.Name,
		Description: r.Description,
		IsActive:    r.IsActive,
	}
}

// UpdatePipelineRequest represents a partial pipeline update.
type UpdatePipelineRequest struct {
	Slug        *string `json:"slug,omitempty"        validate:"omitempty,min=2"`
	Name        *string `json:"name,omitempty"        validate:"omitempty,min=1"`
	Description *string `json:"description,omitempty"`
	IsActive    *bool   `json:"isActive,omitempty"`
}

func (r UpdatePipelineRequest) toService() services.UpdatePipelineRequest {
	return services.UpdatePipelineRequest{
		Slug:        r.Slug,
		Name:        r.Name,
		Description: r.Description,
		IsActive:    r.IsActive,
	}
}

// ClonePipelineRequest represents the request body for cloning a pipeline.
type ClonePipelineRequest struct {
	Slug string `json:"slug" validate:"required,min=2"`
	Name string `json:"name"`
}

// NodeRequest represents the request body for adding or updating a node.
// On update absent fields are left untouched.
type NodeRequest struct {
	ID                   string            `json:"id,omitempty"`
	StepDefinitionID     *string           `json:"stepDefinitionId,omitempty"     validate:"omitempty,min=1"`
	SortOrder            *int              `json:"sortOrder,omitempty"`
	Position             *models.Position  `json:"position,omitempty"`
	IsActive             *bool             `json:"isActive,omitempty"`
	ConfigOverrides      map[string]any    `json:"configOverrides,omitempty"`
	SystemPromptOverride *string           `json:"systemPromptOverride,omitempty"`
	UserPromptOverride   *string           `json:"userPromptOverride,omitempty"`
	LLMModelOverrideID   *string           `json:"llmModelOverrideId,omitempty"`
	IsCheckpoint         *bool             `json:"isCheckpoint,omitempty"`
	CheckpointCondition  *string           `json:"checkpointCondition,omitempty"`
	Timeout              *models.Duration  `json:"timeout,omitempty"              validate:"omitempty,gt=0"`
	MaxRetries           *int              `json:"maxRetries,omitempty"           validate:"omitempty,gte=0"`
	RetryDelays          []models.Duration `json:"retryDelays,omitempty"`
}

func (r NodeRequest) toService() services.NodeRequest {
	return services.NodeRequest{
		ID:                   r.ID,
		StepDefinitionID:     r.StepDefinitionID,
		SortOrder:            r.SortOrder,
		Position:             r.Position,
		IsActive:             r.IsActive,
		ConfigOverrides:      r.ConfigOverrides,
		SystemPromptOverride: r.SystemPromptOverride,
		UserPromptOverride:   r.UserPromptOverride,
		LLMModelOverrideID:   r.LLMModelOverrideID,
		IsCheckpoint:         r.IsCheckpoint,
		CheckpointCondition:  r.CheckpointCondition,
		Timeout:              r.Timeout,
		MaxRetries:           r.MaxRetries,
		RetryDelays:          r.RetryDelays,
	}
}

// ConnectRequest represents the request body for connecting two nodes.
type ConnectRequest struct {
	SourceNodeID    string `json:"sourceNodeId"    validate:"required"`
	SourceOutputKey string `json:"sourceOutputKey" validate:"required"`
	TargetNodeID    string `json:"targetNodeId"    validate:"required"`
	TargetInputKey  string `json:"targetInputKey"  validate:"required"`
}

func (r ConnectRequest) toService() services.ConnectRequest {
	return services.ConnectRequest{
		SourceNodeID:    r.SourceNodeID,
		SourceOutputKey: r.SourceOutputKey,
		TargetNodeID:    r.TargetNodeID,
		TargetInputKey:  r.TargetInputKey,
	}
}

// CreateRunRequest represents the request body for configuring the run of a project.
type CreateRunRequest struct {
	ProjectID     string         `json:"projectId"     validate:"required"`
	PipelineID    string         `json:"pipelineId"    validate:"required"`
	Priority      int            `json:"priority"`
	Checkpoints   []string       `json:"checkpoints"`
	DisabledNodes []string       `json:"disabledNodes"`
	ProjectFields map[string]any `json:"projectFields"`
}

func (r CreateRunRequest) toEngine() engine.CreateRunRequest {
	return engine.CreateRunRequest{
		ProjectID:     r.ProjectID,
		PipelineID:    r.PipelineID,
		Priority:      r.Priority,
		Checkpoints:   r.Checkpoints,
		DisabledNodes: r.DisabledNodes,
		ProjectFields: r.ProjectFields,
	}
}

// FeedbackRequest carries the reviewer's feedback on a node.
type FeedbackRequest struct {
	Feedback string `json:"feedback" validate:"required"`
}

// PriorityRequest sets the queue priority of a run. Values outside 0..10 are clamped.
type PriorityRequest struct {
	Priority *int `json:"priority" validate:"required"`
}

// ExecutorResponse describes a registered executor.
type ExecutorResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// StepRequest represents the request body for creating or replacing a step definition.
// A missing isActive means active.
type StepRequest struct {
	Slug          string              `json:"slug"`
	Name          string              `json:"name"`
	Description   string              `json:"description"`
	Category      models.StepCategory `json:"category"`
	ExecutorRef   string              `json:"executorRef"`
	IsReady       bool                `json:"isReady"`
	IsActive      *bool               `json:"isActive"`
	InputSchema   []models.StepInput  `json:"inputSchema"`
	OutputSchema  []models.StepOutput `json:"outputSchema"`
	DefaultConfig map[string]any      `json:"defaultConfig"`
	ConfigSchema  map[string]any      `json:"configSchema"`
}

func (r StepRequest) toModel(id string) *models.StepDefinition {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}

	return &models.StepDefinition{
		ID:            id,
		Slug:          r.Slug,
		Name:          r.Name,
		Description:   r.Description,
		Category:      r.Category,
		ExecutorRef:   r.ExecutorRef,
		IsReady:       r.IsReady,
		IsActive:      active,
		InputSchema:   r.InputSchema,
		OutputSchema:  r.OutputSchema,
		DefaultConfig: r.DefaultConfig,
		ConfigSchema:  r.ConfigSchema,
	}
}
