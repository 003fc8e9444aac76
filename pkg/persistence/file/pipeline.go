package file

import (
	"context"
	"errors"
	"io/fs"
	"sort"
	"sync"
	"time"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
)

const pipelinesDir = "pipelines"

// PipelineRepository handles pipeline file operations. A pipeline document
// carries its nodes and connections.
type PipelineRepository struct {
	root string
	mu   sync.RWMutex
}

// NewPipelineRepository creates a new pipeline repository.
func NewPipelineRepository(root string) *PipelineRepository {
	return &PipelineRepository{root: root}
}

// GetAll returns every pipeline that is not soft deleted, newest first.
func (pr *PipelineRepository) GetAll(_ context.Context) ([]*models.Pipeline, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	ids, err := listDocuments(pr.root, pipelinesDir)
	if err != nil {
		return nil, err
	}

	pipelines := make([]*models.Pipeline, 0, len(ids))

	for _, id := range ids {
		var pipeline models.Pipeline
		if err := readDocument(pr.root, pipelinesDir, id, &pipeline); err != nil {
			return nil, persistence.NewPipelineError("GetAll", id, err)
		}

		if pipeline.DeletedAt != nil {
			continue
		}

		pipelines = append(pipelines, &pipeline)
	}

	sort.Slice(pipelines, func(i, j int) bool {
		return pipelines[i].CreatedAt.After(pipelines[j].CreatedAt)
	})

	return pipelines, nil
}

// GetByID retrieves a pipeline by its ID.
func (pr *PipelineRepository) GetByID(_ context.Context, id string) (*models.Pipeline, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	var pipeline models.Pipeline

	err := readDocument(pr.root, pipelinesDir, id, &pipeline)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && pipeline.DeletedAt != nil) {
		return nil, persistence.NewPipelineError("GetByID", id, persistence.ErrPipelineNotFound)
	}

	if err != nil {
		return nil, persistence.NewPipelineError("GetByID", id, err)
	}

	return &pipeline, nil
}

// GetBySlug returns the active pipeline with the given slug.
func (pr *PipelineRepository) GetBySlug(ctx context.Context, slug string) (*models.Pipeline, error) {
	pipelines, err := pr.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	for _, p := range pipelines {
		if p.Slug == slug && p.IsActive {
			return p, nil
		}
	}

	return nil, persistence.NewPipelineError("GetBySlug", slug, persistence.ErrPipelineNotFound)
}

// Save creates or replaces a pipeline with its whole graph.
func (pr *PipelineRepository) Save(_ context.Context, pipeline *models.Pipeline) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	now := time.Now().UTC()
	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = now
	}

	pipeline.UpdatedAt = now

	if err := writeDocument(pr.root, pipelinesDir, pipeline.ID, pipeline); err != nil {
		return persistence.NewPipelineError("Save", pipeline.ID, err)
	}

	return nil
}

// Delete soft deletes a pipeline.
func (pr *PipelineRepository) Delete(_ context.Context, id string) error {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	var pipeline models.Pipeline

	err := readDocument(pr.root, pipelinesDir, id, &pipeline)
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.NewPipelineError("Delete", id, persistence.ErrPipelineNotFound)
	}

	if err != nil {
		return persistence.NewPipelineError("Delete", id, err)
	}

	now := time.Now().UTC()
	pipeline.DeletedAt = &now
	pipeline.IsActive = false

	if err := writeDocument(pr.root, pipelinesDir, id, &pipeline); err != nil {
		return persistence.NewPipelineError("Delete", id, err)
	}

	return nil
}
