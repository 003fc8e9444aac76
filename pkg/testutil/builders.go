// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"time"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/google/uuid"
)

// CreateTestStep creates a ready, active step definition that can be overridden.
func CreateTestStep(slug string, overrides ...func(*models.StepDefinition)) *models.StepDefinition {
	step := &models.StepDefinition{
		ID:            uuid.New().String(),
		Slug:          slug,
		Name:          slug,
		Category:      models.StepCategoryGeneral,
		ExecutorRef:   "log",
		IsReady:       true,
		IsActive:      true,
		InputSchema:   []models.StepInput{},
		OutputSchema:  []models.StepOutput{{Key: "result", Label: "Result"}},
		DefaultConfig: map[string]any{},
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// WithInput adds an input slot to the step definition.
func WithInput(key string, required bool, source models.InputSource) func(*models.StepDefinition) {
	return func(s *models.StepDefinition) {
		s.InputSchema = append(s.InputSchema, models.StepInput{
			Key:      key,
			Label:    key,
			Required: required,
			Source:   source,
		})
	}
}

// WithCategory sets the step category.
func WithCategory(category models.StepCategory) func(*models.StepDefinition) {
	return func(s *models.StepDefinition) {
		s.Category = category
	}
}

// WithExecutor sets the executor reference.
func WithExecutor(ref string) func(*models.StepDefinition) {
	return func(s *models.StepDefinition) {
		s.ExecutorRef = ref
	}
}

// NotReady marks the step definition as not implemented yet.
func NotReady() func(*models.StepDefinition) {
	return func(s *models.StepDefinition) {
		s.IsReady = false
	}
}

// CreateTestNode creates an active node bound to the given step definition.
func CreateTestNode(id string, step *models.StepDefinition, overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		ID:               id,
		StepDefinitionID: step.ID,
		IsActive:         true,
		ConfigOverrides:  map[string]any{},
		Timeout:          models.Duration(time.Second),
		MaxRetries:       models.DefaultMaxRetries,
		RetryDelays:      models.DefaultRetryDelays(),
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithSortOrder sets the display order hint.
func WithSortOrder(order int) func(*models.Node) {
	return func(n *models.Node) {
		n.SortOrder = order
	}
}

// AsCheckpoint flags the node as a review checkpoint.
func AsCheckpoint() func(*models.Node) {
	return func(n *models.Node) {
		n.IsCheckpoint = true
	}
}

// Inactive switches the node off in the pipeline.
func Inactive() func(*models.Node) {
	return func(n *models.Node) {
		n.IsActive = false
	}
}

// WithTimeout sets the node timeout.
func WithTimeout(d time.Duration) func(*models.Node) {
	return func(n *models.Node) {
		n.Timeout = models.Duration(d)
	}
}

// Connect creates a connection between two nodes.
func Connect(source, output, target, input string) *models.Connection {
	return &models.Connection{
		ID:              uuid.New().String(),
		SourceNodeID:    source,
		SourceOutputKey: output,
		TargetNodeID:    target,
		TargetInputKey:  input,
	}
}

// CreateTestPipeline assembles a pipeline and stamps the pipeline id on nodes and connections.
func CreateTestPipeline(slug string, nodes []*models.Node, conns []*models.Connection) *models.Pipeline {
	p := &models.Pipeline{
		ID:          uuid.New().String(),
		Slug:        slug,
		Name:        slug,
		IsActive:    true,
		Nodes:       nodes,
		Connections: conns,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}

	if p.Nodes == nil {
		p.Nodes = []*models.Node{}
	}

	if p.Connections == nil {
		p.Connections = []*models.Connection{}
	}

	for _, n := range p.Nodes {
		n.PipelineID = p.ID
	}

	for _, c := range p.Connections {
		c.PipelineID = p.ID
	}

	return p
}

// Definitions indexes step definitions by id.
func Definitions(steps ...*models.StepDefinition) map[string]*models.StepDefinition {
	defs := make(map[string]*models.StepDefinition, len(steps))
	for _, s := range steps {
		defs[s.ID] = s
	}

	return defs
}
