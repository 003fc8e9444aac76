// Package persistence provides the storage abstraction for the step catalog, pipelines and runs.
package persistence

import (
	"context"

	"github.com/dukex/pipestudio/pkg/models"
)

type Persistence interface {
	StepRepository() StepRepository
	PipelineRepository() PipelineRepository
	RunRepository() RunRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// StepRepository stores step definitions.
type StepRepository interface {
	GetAll(ctx context.Context) ([]*models.StepDefinition, error)
	GetByID(ctx context.Context, id string) (*models.StepDefinition, error)
	GetBySlug(ctx context.Context, slug string) (*models.StepDefinition, error)
	Save(ctx context.Context, step *models.StepDefinition) error
}

// PipelineRepository stores pipelines together with their nodes and connections.
// Save replaces the whole graph of the pipeline.
type PipelineRepository interface {
	GetAll(ctx context.Context) ([]*models.Pipeline, error)
	GetByID(ctx context.Context, id string) (*models.Pipeline, error)
	GetBySlug(ctx context.Context, slug string) (*models.Pipeline, error)
	Save(ctx context.Context, pipeline *models.Pipeline) error
	Delete(ctx context.Context, id string) error
}

// RunRepository stores runs and their audit log.
//
// Save persists the run state and the accompanying log entries atomically:
// either both are stored or neither is.
type RunRepository interface {
	GetAll(ctx context.Context) ([]*models.Run, error)
	GetByProject(ctx context.Context, projectID string) (*models.Run, error)
	Save(ctx context.Context, run *models.Run, entries ...models.LogEntry) error
	Logs(ctx context.Context, runID string) ([]models.LogEntry, error)
	Delete(ctx context.Context, projectID string) error
}
