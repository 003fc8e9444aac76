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

const stepsDir = "steps"

// StepRepository handles step definition file operations.
type StepRepository struct {
	root string
	mu   sync.RWMutex
}

// NewStepRepository creates a new step repository.
func NewStepRepository(root string) *StepRepository {
	return &StepRepository{root: root}
}

// GetAll returns every stored step definition ordered by category and name.
func (sr *StepRepository) GetAll(ctx context.Context) ([]*models.StepDefinition, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	ids, err := listDocuments(sr.root, stepsDir)
	if err != nil {
		return nil, err
	}

	steps := make([]*models.StepDefinition, 0, len(ids))

	for _, id := range ids {
		var step models.StepDefinition
		if err := readDocument(sr.root, stepsDir, id, &step); err != nil {
			return nil, persistence.NewStepError("GetAll", id, err)
		}

		steps = append(steps, &step)
	}

	sort.Slice(steps, func(i, j int) bool {
		if steps[i].Category != steps[j].Category {
			return steps[i].Category < steps[j].Category
		}

		return steps[i].Name < steps[j].Name
	})

	return steps, nil
}

// GetByID retrieves a step definition by its ID.
func (sr *StepRepository) GetByID(_ context.Context, id string) (*models.StepDefinition, error) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	var step models.StepDefinition

	err := readDocument(sr.root, stepsDir, id, &step)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, persistence.NewStepError("GetByID", id, persistence.ErrStepNotFound)
	}

	if err != nil {
		return nil, persistence.NewStepError("GetByID", id, err)
	}

	return &step, nil
}

// GetBySlug retrieves a step definition by its slug.
func (sr *StepRepository) GetBySlug(ctx context.Context, slug string) (*models.StepDefinition, error) {
	steps, err := sr.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	for _, step := range steps {
		if step.Slug == slug {
			return step, nil
		}
	}

	return nil, persistence.NewStepError("GetBySlug", slug, persistence.ErrStepNotFound)
}

// Save creates or replaces a step definition.
func (sr *StepRepository) Save(_ context.Context, step *models.StepDefinition) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}

	step.UpdatedAt = now

	if err := writeDocument(sr.root, stepsDir, step.ID, step); err != nil {
		return persistence.NewStepError("Save", step.ID, err)
	}

	return nil
}
