package services

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
)

// Catalog manages the reusable step definitions pipelines are built from.
type Catalog struct {
	persistence persistence.Persistence
	validate    *validator.Validate
}

// NewCatalog creates a new catalog service.
func NewCatalog(persistence persistence.Persistence) *Catalog {
	return &Catalog{
		persistence: persistence,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Get returns a step definition by id.
func (c *Catalog) Get(ctx context.Context, id string) (*models.StepDefinition, error) {
	return c.persistence.StepRepository().GetByID(ctx, id)
}

// GetBySlug returns a step definition by slug.
func (c *Catalog) GetBySlug(ctx context.Context, slug string) (*models.StepDefinition, error) {
	return c.persistence.StepRepository().GetBySlug(ctx, slug)
}

// List returns step definitions ordered by category then name.
func (c *Catalog) List(ctx context.Context, activeOnly bool) ([]*models.StepDefinition, error) {
	steps, err := c.persistence.StepRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list step definitions: %w", err)
	}

	if activeOnly {
		steps = slices.DeleteFunc(steps, func(s *models.StepDefinition) bool { return !s.IsActive })
	}

	slices.SortStableFunc(steps, func(a, b *models.StepDefinition) int {
		return cmp.Or(
			cmp.Compare(a.Category, b.Category),
			cmp.Compare(a.Name, b.Name),
		)
	})

	return steps, nil
}

// Definitions resolves every step definition, active or not, indexed by id.
func (c *Catalog) Definitions(ctx context.Context) (map[string]*models.StepDefinition, error) {
	steps, err := c.persistence.StepRepository().GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load step definitions: %w", err)
	}

	defs := make(map[string]*models.StepDefinition, len(steps))
	for _, s := range steps {
		defs[s.ID] = s
	}

	return defs, nil
}

// Upsert validates and stores a step definition. A definition without id is created.
func (c *Catalog) Upsert(ctx context.Context, def *models.StepDefinition) (*models.StepDefinition, error) {
	if def == nil {
		return nil, NewValidationError("Upsert", "INVALID_REQUEST", "step definition cannot be nil", ErrInvalidRequest)
	}

	if err := c.validate.Struct(def); err != nil {
		return nil, NewValidationError("Upsert", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	if key, ok := firstDuplicate(def.InputSchema, func(in models.StepInput) string { return in.Key }); ok {
		return nil, NewValidationError("Upsert", "DUPLICATE_INPUT_KEY",
			fmt.Sprintf("input key %q is declared more than once", key), ErrDuplicateInputKey)
	}

	if key, ok := firstDuplicate(def.OutputSchema, func(out models.StepOutput) string { return out.Key }); ok {
		return nil, NewValidationError("Upsert", "DUPLICATE_OUTPUT_KEY",
			fmt.Sprintf("output key %q is declared more than once", key), ErrDuplicateOutputKey)
	}

	if def.DefaultConfig == nil {
		def.DefaultConfig = map[string]any{}
	}

	if err := ValidateConfig(def.ConfigSchema, def.DefaultConfig); err != nil {
		return nil, err
	}

	existing, err := c.persistence.StepRepository().GetBySlug(ctx, def.Slug)
	switch {
	case err == nil && existing.ID != def.ID:
		return nil, &ServiceError{
			Op:      "Upsert",
			Code:    "SLUG_TAKEN",
			Message: fmt.Sprintf("step slug %q is already in use", def.Slug),
			Err:     ErrSlugTaken,
		}
	case err != nil && !persistence.IsStepNotFound(err):
		return nil, fmt.Errorf("failed to check step slug: %w", err)
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	} else if current, err := c.persistence.StepRepository().GetByID(ctx, def.ID); err == nil {
		def.CreatedAt = current.CreatedAt
	}

	if def.InputSchema == nil {
		def.InputSchema = []models.StepInput{}
	}

	if def.OutputSchema == nil {
		def.OutputSchema = []models.StepOutput{}
	}

	if err := c.persistence.StepRepository().Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save step definition: %w", err)
	}

	return def, nil
}

// Deactivate soft deletes a step definition. Nodes referencing it stay in place.
func (c *Catalog) Deactivate(ctx context.Context, id string) (*models.StepDefinition, error) {
	def, err := c.persistence.StepRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if !def.IsActive {
		return def, nil
	}

	def.IsActive = false

	if err := c.persistence.StepRepository().Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to deactivate step definition: %w", err)
	}

	return def, nil
}

// ValidateConfig checks config against a JSON schema. A nil schema accepts anything.
func ValidateConfig(schema, config map[string]any) error {
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(config))
	if err != nil {
		return NewValidationError("ValidateConfig", "INVALID_CONFIG_SCHEMA", err.Error(), ErrInvalidConfigSchema)
	}

	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, desc.String())
		}

		return NewValidationError("ValidateConfig", "INVALID_CONFIG", strings.Join(problems, "; "), ErrInvalidConfig)
	}

	return nil
}

func firstDuplicate[T any](items []T, key func(T) string) (string, bool) {
	seen := make(map[string]struct{}, len(items))

	for _, item := range items {
		k := key(item)
		if _, ok := seen[k]; ok {
			return k, true
		}

		seen[k] = struct{}{}
	}

	return "", false
}
