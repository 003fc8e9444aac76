package mocks

import (
	"context"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockStepRepository is a mock implementation of persistence.StepRepository interface.
type MockStepRepository struct {
	mock.Mock
}

func (m *MockStepRepository) GetAll(ctx context.Context) ([]*models.StepDefinition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.StepDefinition), args.Error(1)
}

func (m *MockStepRepository) GetByID(ctx context.Context, id string) (*models.StepDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepDefinition), args.Error(1)
}

func (m *MockStepRepository) GetBySlug(ctx context.Context, slug string) (*models.StepDefinition, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.StepDefinition), args.Error(1)
}

func (m *MockStepRepository) Save(ctx context.Context, step *models.StepDefinition) error {
	args := m.Called(ctx, step)

	return args.Error(0)
}

// MockPipelineRepository is a mock implementation of persistence.PipelineRepository interface.
type MockPipelineRepository struct {
	mock.Mock
}

func (m *MockPipelineRepository) GetAll(ctx context.Context) ([]*models.Pipeline, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Pipeline), args.Error(1)
}

func (m *MockPipelineRepository) GetByID(ctx context.Context, id string) (*models.Pipeline, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Pipeline), args.Error(1)
}

func (m *MockPipelineRepository) GetBySlug(ctx context.Context, slug string) (*models.Pipeline, error) {
	args := m.Called(ctx, slug)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Pipeline), args.Error(1)
}

func (m *MockPipelineRepository) Save(ctx context.Context, pipeline *models.Pipeline) error {
	args := m.Called(ctx, pipeline)

	return args.Error(0)
}

func (m *MockPipelineRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)

	return args.Error(0)
}

// MockRunRepository is a mock implementation of persistence.RunRepository interface.
type MockRunRepository struct {
	mock.Mock
}

func (m *MockRunRepository) GetAll(ctx context.Context) ([]*models.Run, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Run), args.Error(1)
}

func (m *MockRunRepository) GetByProject(ctx context.Context, projectID string) (*models.Run, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Run), args.Error(1)
}

func (m *MockRunRepository) Save(ctx context.Context, run *models.Run, entries ...models.LogEntry) error {
	args := m.Called(ctx, run, entries)

	return args.Error(0)
}

func (m *MockRunRepository) Logs(ctx context.Context, runID string) ([]models.LogEntry, error) {
	args := m.Called(ctx, runID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]models.LogEntry), args.Error(1)
}

func (m *MockRunRepository) Delete(ctx context.Context, projectID string) error {
	args := m.Called(ctx, projectID)

	return args.Error(0)
}

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock

	stepRepo     *MockStepRepository
	pipelineRepo *MockPipelineRepository
	runRepo      *MockRunRepository
}

// NewMockPersistence creates a new MockPersistence with all mock repositories.
func NewMockPersistence() *MockPersistence {
	return &MockPersistence{
		stepRepo:     &MockStepRepository{},
		pipelineRepo: &MockPipelineRepository{},
		runRepo:      &MockRunRepository{},
	}
}

// GetMockStepRepository returns the underlying mock step repository for setting up expectations.
func (m *MockPersistence) GetMockStepRepository() *MockStepRepository {
	return m.stepRepo
}

// GetMockPipelineRepository returns the underlying mock pipeline repository for setting up expectations.
func (m *MockPersistence) GetMockPipelineRepository() *MockPipelineRepository {
	return m.pipelineRepo
}

// GetMockRunRepository returns the underlying mock run repository for setting up expectations.
func (m *MockPersistence) GetMockRunRepository() *MockRunRepository {
	return m.runRepo
}

func (m *MockPersistence) StepRepository() persistence.StepRepository {
	return m.stepRepo
}

func (m *MockPersistence) PipelineRepository() persistence.PipelineRepository {
	return m.pipelineRepo
}

func (m *MockPersistence) RunRepository() persistence.RunRepository {
	return m.runRepo
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
