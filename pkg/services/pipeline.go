package services

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/dukex/pipestudio/pkg/condition"
	"github.com/dukex/pipestudio/pkg/graph"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/google/uuid"
)

// CreatePipelineRequest holds the fields of a new pipeline.
type CreatePipelineRequest struct {
	Slug        string
	Name        string
	Description string
	IsActive    *bool
}

// UpdatePipelineRequest holds a partial pipeline update. Nil fields are left untouched.
type UpdatePipelineRequest struct {
	Slug        *string
	Name        *string
	Description *string
	IsActive    *bool
}

// NodeRequest holds the fields of a node. On update nil fields are left untouched.
type NodeRequest struct {
	ID                   string
	StepDefinitionID     *string
	SortOrder            *int
	Position             *models.Position
	IsActive             *bool
	ConfigOverrides      map[string]any
	SystemPromptOverride *string
	UserPromptOverride   *string
	LLMModelOverrideID   *string
	IsCheckpoint         *bool
	CheckpointCondition  *string
	Timeout              *models.Duration
	MaxRetries           *int
	RetryDelays          []models.Duration
}

// ConnectRequest binds a source node output to a target node input.
type ConnectRequest struct {
	SourceNodeID    string
	SourceOutputKey string
	TargetNodeID    string
	TargetInputKey  string
}

// Pipeline handles pipeline graph editing.
type Pipeline struct {
	persistence persistence.Persistence
	catalog     *Catalog
}

// NewPipeline creates a new pipeline service.
func NewPipeline(persistence persistence.Persistence, catalog *Catalog) *Pipeline {
	return &Pipeline{
		persistence: persistence,
		catalog:     catalog,
	}
}

// HealthCheck checks the health of the persistence layer.
func (p *Pipeline) HealthCheck(ctx context.Context) (string, bool) {
	if p.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := p.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List returns every pipeline that is not deleted.
func (p *Pipeline) List(ctx context.Context) ([]*models.Pipeline, error) {
	pipelines, err := p.persistence.PipelineRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	return pipelines, nil
}

// Get returns a pipeline with its graph.
func (p *Pipeline) Get(ctx context.Context, id string) (*models.Pipeline, error) {
	return p.persistence.PipelineRepository().GetByID(ctx, id)
}

// GetBySlug returns the active pipeline with the given slug.
func (p *Pipeline) GetBySlug(ctx context.Context, slug string) (*models.Pipeline, error) {
	return p.persistence.PipelineRepository().GetBySlug(ctx, slug)
}

// Create stores a new empty pipeline.
func (p *Pipeline) Create(ctx context.Context, req CreatePipelineRequest) (*models.Pipeline, error) {
	if req.Slug == "" || req.Name == "" {
		return nil, NewValidationError("Create", "INVALID_REQUEST", "slug and name are required", ErrInvalidRequest)
	}

	pipeline := &models.Pipeline{
		ID:          uuid.New().String(),
		Slug:        req.Slug,
		Name:        req.Name,
		Description: req.Description,
		IsActive:    req.IsActive == nil || *req.IsActive,
		Nodes:       []*models.Node{},
		Connections: []*models.Connection{},
	}

	if err := p.ensureSlugAvailable(ctx, pipeline); err != nil {
		return nil, err
	}

	return p.save(ctx, pipeline)
}

// Update changes the pipeline metadata.
func (p *Pipeline) Update(ctx context.Context, id string, req UpdatePipelineRequest) (*models.Pipeline, error) {
	pipeline, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Slug != nil {
		pipeline.Slug = *req.Slug
	}

	if req.Name != nil {
		pipeline.Name = *req.Name
	}

	if req.Description != nil {
		pipeline.Description = *req.Description
	}

	if req.IsActive != nil {
		pipeline.IsActive = *req.IsActive
	}

	if pipeline.Slug == "" || pipeline.Name == "" {
		return nil, NewValidationError("Update", "INVALID_REQUEST", "slug and name cannot be empty", ErrInvalidRequest)
	}

	if err := p.ensureSlugAvailable(ctx, pipeline); err != nil {
		return nil, err
	}

	return p.save(ctx, pipeline)
}

// Delete soft deletes a pipeline.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	return p.persistence.PipelineRepository().Delete(ctx, id)
}

// AddNode adds a node to the pipeline. The step definition is not required to exist yet.
func (p *Pipeline) AddNode(ctx context.Context, pipelineID string, req NodeRequest) (*models.Node, error) {
	pipeline, err := p.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	if req.StepDefinitionID == nil || *req.StepDefinitionID == "" {
		return nil, NewValidationError("AddNode", "INVALID_REQUEST", "stepDefinitionId is required", ErrInvalidRequest)
	}

	node := &models.Node{
		ID:              req.ID,
		PipelineID:      pipeline.ID,
		IsActive:        true,
		ConfigOverrides: map[string]any{},
		Timeout:         models.DefaultNodeTimeout,
		MaxRetries:      models.DefaultMaxRetries,
		RetryDelays:     models.DefaultRetryDelays(),
	}

	if node.ID == "" {
		node.ID = uuid.New().String()
	}

	if _, exists := pipeline.Node(node.ID); exists {
		return nil, NewValidationError("AddNode", "INVALID_REQUEST",
			fmt.Sprintf("node %q already exists", node.ID), ErrInvalidRequest)
	}

	if req.SortOrder == nil {
		node.SortOrder = len(pipeline.Nodes)
	}

	if err := p.applyNode(ctx, node, req); err != nil {
		return nil, err
	}

	pipeline.Nodes = append(pipeline.Nodes, node)

	if _, err := p.save(ctx, pipeline); err != nil {
		return nil, err
	}

	return node, nil
}

// UpdateNode changes an existing node.
func (p *Pipeline) UpdateNode(ctx context.Context, pipelineID, nodeID string, req NodeRequest) (*models.Node, error) {
	pipeline, err := p.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	node, ok := pipeline.Node(nodeID)
	if !ok {
		return nil, persistence.ErrNodeNotFound
	}

	if err := p.applyNode(ctx, node, req); err != nil {
		return nil, err
	}

	if _, err := p.save(ctx, pipeline); err != nil {
		return nil, err
	}

	return node, nil
}

// DeleteNode removes a node and every connection touching it.
func (p *Pipeline) DeleteNode(ctx context.Context, pipelineID, nodeID string) error {
	pipeline, err := p.Get(ctx, pipelineID)
	if err != nil {
		return err
	}

	if _, ok := pipeline.Node(nodeID); !ok {
		return persistence.ErrNodeNotFound
	}

	pipeline.Nodes = slices.DeleteFunc(pipeline.Nodes, func(n *models.Node) bool { return n.ID == nodeID })
	pipeline.Connections = slices.DeleteFunc(pipeline.Connections, func(c *models.Connection) bool {
		return c.SourceNodeID == nodeID || c.TargetNodeID == nodeID
	})

	_, err = p.save(ctx, pipeline)

	return err
}

// Connect adds a connection between two nodes of the pipeline.
// The target input key is not checked against the step definition; the validator reports unbound inputs.
func (p *Pipeline) Connect(ctx context.Context, pipelineID string, req ConnectRequest) (*models.Connection, error) {
	pipeline, err := p.Get(ctx, pipelineID)
	if err != nil {
		return nil, err
	}

	if req.SourceOutputKey == "" || req.TargetInputKey == "" {
		return nil, NewValidationError("Connect", "INVALID_REQUEST",
			"sourceOutputKey and targetInputKey are required", ErrInvalidRequest)
	}

	if req.SourceNodeID == req.TargetNodeID {
		return nil, NewValidationError("Connect", "SELF_CONNECTION", ErrSelfConnection.Error(), ErrSelfConnection)
	}

	for _, id := range []string{req.SourceNodeID, req.TargetNodeID} {
		if _, ok := pipeline.Node(id); !ok {
			return nil, &ServiceError{
				Op:      "Connect",
				Code:    "NODE_NOT_IN_PIPELINE",
				Message: fmt.Sprintf("node %q does not belong to pipeline %s", id, pipeline.ID),
				Err:     ErrNodeNotInPipeline,
			}
		}
	}

	conn := &models.Connection{
		ID:              uuid.New().String(),
		PipelineID:      pipeline.ID,
		SourceNodeID:    req.SourceNodeID,
		SourceOutputKey: req.SourceOutputKey,
		TargetNodeID:    req.TargetNodeID,
		TargetInputKey:  req.TargetInputKey,
	}

	pipeline.Connections = append(pipeline.Connections, conn)

	if _, err := p.save(ctx, pipeline); err != nil {
		return nil, err
	}

	return conn, nil
}

// Disconnect removes a connection.
func (p *Pipeline) Disconnect(ctx context.Context, pipelineID, connectionID string) error {
	pipeline, err := p.Get(ctx, pipelineID)
	if err != nil {
		return err
	}

	before := len(pipeline.Connections)

	pipeline.Connections = slices.DeleteFunc(pipeline.Connections, func(c *models.Connection) bool {
		return c.ID == connectionID
	})

	if len(pipeline.Connections) == before {
		return persistence.ErrConnectionNotFound
	}

	_, err = p.save(ctx, pipeline)

	return err
}

// Clone deep copies a pipeline under a new slug and name. Node ids are remapped
// and a connection is only copied when both of its endpoints were copied.
func (p *Pipeline) Clone(ctx context.Context, id, slug, name string) (*models.Pipeline, error) {
	source, err := p.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if slug == "" {
		return nil, NewValidationError("Clone", "INVALID_REQUEST", "slug is required", ErrInvalidRequest)
	}

	if name == "" {
		name = source.Name + " (copy)"
	}

	clone := &models.Pipeline{
		ID:          uuid.New().String(),
		Slug:        slug,
		Name:        name,
		Description: source.Description,
		IsActive:    true,
		Nodes:       make([]*models.Node, 0, len(source.Nodes)),
		Connections: make([]*models.Connection, 0, len(source.Connections)),
	}

	if err := p.ensureSlugAvailable(ctx, clone); err != nil {
		return nil, err
	}

	idMap := make(map[string]string, len(source.Nodes))

	for _, n := range source.Nodes {
		cp := *n
		cp.ID = uuid.New().String()
		cp.PipelineID = clone.ID
		cp.ConfigOverrides = maps.Clone(n.ConfigOverrides)
		cp.RetryDelays = slices.Clone(n.RetryDelays)

		idMap[n.ID] = cp.ID
		clone.Nodes = append(clone.Nodes, &cp)
	}

	for _, c := range source.Connections {
		src, okSrc := idMap[c.SourceNodeID]
		dst, okDst := idMap[c.TargetNodeID]

		if !okSrc || !okDst {
			continue
		}

		clone.Connections = append(clone.Connections, &models.Connection{
			ID:              uuid.New().String(),
			PipelineID:      clone.ID,
			SourceNodeID:    src,
			SourceOutputKey: c.SourceOutputKey,
			TargetNodeID:    dst,
			TargetInputKey:  c.TargetInputKey,
		})
	}

	return p.save(ctx, clone)
}

// Validate checks the pipeline graph against the step catalog.
func (p *Pipeline) Validate(ctx context.Context, id string) (models.ValidationResult, error) {
	pipeline, err := p.Get(ctx, id)
	if err != nil {
		return models.ValidationResult{}, err
	}

	defs, err := p.catalog.Definitions(ctx)
	if err != nil {
		return models.ValidationResult{}, err
	}

	return graph.Validate(pipeline, defs), nil
}

// Import stores a complete pipeline graph as is, keeping its node ids. Used by seeding.
func (p *Pipeline) Import(ctx context.Context, pipeline *models.Pipeline) (*models.Pipeline, error) {
	if pipeline.ID == "" {
		pipeline.ID = uuid.New().String()
	}

	if err := p.ensureSlugAvailable(ctx, pipeline); err != nil {
		return nil, err
	}

	for _, n := range pipeline.Nodes {
		n.PipelineID = pipeline.ID
	}

	for _, c := range pipeline.Connections {
		c.PipelineID = pipeline.ID
		if c.ID == "" {
			c.ID = uuid.New().String()
		}

		_, okSrc := pipeline.Node(c.SourceNodeID)
		_, okDst := pipeline.Node(c.TargetNodeID)

		if !okSrc || !okDst {
			return nil, &ServiceError{
				Op:      "Import",
				Code:    "NODE_NOT_IN_PIPELINE",
				Message: fmt.Sprintf("connection %s references a node outside pipeline %s", c.ID, pipeline.Slug),
				Err:     ErrNodeNotInPipeline,
			}
		}
	}

	return p.save(ctx, pipeline)
}

func (p *Pipeline) applyNode(ctx context.Context, node *models.Node, req NodeRequest) error {
	if req.StepDefinitionID != nil {
		node.StepDefinitionID = *req.StepDefinitionID
	}

	if req.SortOrder != nil {
		node.SortOrder = *req.SortOrder
	}

	if req.Position != nil {
		node.Position = *req.Position
	}

	if req.IsActive != nil {
		node.IsActive = *req.IsActive
	}

	if req.ConfigOverrides != nil {
		node.ConfigOverrides = req.ConfigOverrides
	}

	if req.SystemPromptOverride != nil {
		node.SystemPromptOverride = emptyToNil(req.SystemPromptOverride)
	}

	if req.UserPromptOverride != nil {
		node.UserPromptOverride = emptyToNil(req.UserPromptOverride)
	}

	if req.LLMModelOverrideID != nil {
		node.LLMModelOverrideID = emptyToNil(req.LLMModelOverrideID)
	}

	if req.IsCheckpoint != nil {
		node.IsCheckpoint = *req.IsCheckpoint
	}

	if req.CheckpointCondition != nil {
		if _, err := condition.Compile(*req.CheckpointCondition); err != nil {
			return NewValidationError("applyNode", "INVALID_CONDITION", err.Error(), ErrInvalidRequest)
		}

		node.CheckpointCondition = *req.CheckpointCondition
	}

	if req.Timeout != nil {
		if *req.Timeout <= 0 {
			return NewValidationError("applyNode", "INVALID_REQUEST", "timeout must be positive", ErrInvalidRequest)
		}

		node.Timeout = *req.Timeout
	}

	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return NewValidationError("applyNode", "INVALID_REQUEST", "maxRetries cannot be negative", ErrInvalidRequest)
		}

		node.MaxRetries = *req.MaxRetries
	}

	if req.RetryDelays != nil {
		node.RetryDelays = req.RetryDelays
	}

	return p.validateOverrides(ctx, node)
}

// validateOverrides checks the definition defaults merged with the node overrides
// against the definition config schema. Unknown definitions are left to the validator.
func (p *Pipeline) validateOverrides(ctx context.Context, node *models.Node) error {
	def, err := p.catalog.Get(ctx, node.StepDefinitionID)
	if persistence.IsStepNotFound(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to load step definition: %w", err)
	}

	merged := maps.Clone(def.DefaultConfig)
	if merged == nil {
		merged = map[string]any{}
	}

	maps.Copy(merged, node.ConfigOverrides)

	return ValidateConfig(def.ConfigSchema, merged)
}

func (p *Pipeline) ensureSlugAvailable(ctx context.Context, pipeline *models.Pipeline) error {
	if !pipeline.IsActive {
		return nil
	}

	existing, err := p.persistence.PipelineRepository().GetBySlug(ctx, pipeline.Slug)
	if persistence.IsPipelineNotFound(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to check pipeline slug: %w", err)
	}

	if existing.ID != pipeline.ID {
		return &ServiceError{
			Op:      "ensureSlugAvailable",
			Code:    "SLUG_TAKEN",
			Message: fmt.Sprintf("an active pipeline already uses slug %q", pipeline.Slug),
			Err:     ErrSlugTaken,
		}
	}

	return nil
}

func (p *Pipeline) save(ctx context.Context, pipeline *models.Pipeline) (*models.Pipeline, error) {
	if err := p.persistence.PipelineRepository().Save(ctx, pipeline); err != nil {
		return nil, fmt.Errorf("failed to save pipeline: %w", err)
	}

	return pipeline, nil
}

func emptyToNil(s *string) *string {
	if *s == "" {
		return nil
	}

	return s
}
