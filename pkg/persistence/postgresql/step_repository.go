package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
)

// StepRepository handles step definition database operations.
type StepRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStepRepository creates a new step repository.
func NewStepRepository(db *sql.DB, logger *slog.Logger) *StepRepository {
	return &StepRepository{db: db, logger: logger}
}

const stepColumns = `
	id
  , slug
  , name
  , description
  , category
  , executor_ref
  , is_ready
  , is_active
  , input_schema
  , output_schema
  , default_config
  , config_schema
  , created_at
  , updated_at
`

// GetAll returns every step definition ordered by category and name.
func (r *StepRepository) GetAll(ctx context.Context) ([]*models.StepDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+stepColumns+` FROM step_definitions ORDER BY category, name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query step definitions: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	steps := make([]*models.StepDefinition, 0)

	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step definition: %w", err)
		}

		steps = append(steps, step)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating step definitions: %w", err)
	}

	return steps, nil
}

// GetByID retrieves a step definition by its ID.
func (r *StepRepository) GetByID(ctx context.Context, id string) (*models.StepDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM step_definitions WHERE id = $1`, id)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStepError("GetByID", id, persistence.ErrStepNotFound)
	}

	if err != nil {
		return nil, persistence.NewStepError("GetByID", id, err)
	}

	return step, nil
}

// GetBySlug retrieves a step definition by its slug.
func (r *StepRepository) GetBySlug(ctx context.Context, slug string) (*models.StepDefinition, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+stepColumns+` FROM step_definitions WHERE slug = $1`, slug)

	step, err := scanStep(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewStepError("GetBySlug", slug, persistence.ErrStepNotFound)
	}

	if err != nil {
		return nil, persistence.NewStepError("GetBySlug", slug, err)
	}

	return step, nil
}

// Save creates or replaces a step definition.
func (r *StepRepository) Save(ctx context.Context, step *models.StepDefinition) error {
	now := time.Now().UTC()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}

	step.UpdatedAt = now

	inputJSON, err := json.Marshal(nonNil(step.InputSchema))
	if err != nil {
		return fmt.Errorf("failed to marshal input schema: %w", err)
	}

	outputJSON, err := json.Marshal(nonNil(step.OutputSchema))
	if err != nil {
		return fmt.Errorf("failed to marshal output schema: %w", err)
	}

	configJSON, err := json.Marshal(nonNilMap(step.DefaultConfig))
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}

	var schemaJSON any
	if step.ConfigSchema != nil {
		b, err := json.Marshal(step.ConfigSchema)
		if err != nil {
			return fmt.Errorf("failed to marshal config schema: %w", err)
		}

		schemaJSON = string(b)
	}

	query := `
		INSERT INTO step_definitions (id, slug, name, description, category, executor_ref, is_ready,
			is_active, input_schema, output_schema, default_config, config_schema, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			category = EXCLUDED.category,
			executor_ref = EXCLUDED.executor_ref,
			is_ready = EXCLUDED.is_ready,
			is_active = EXCLUDED.is_active,
			input_schema = EXCLUDED.input_schema,
			output_schema = EXCLUDED.output_schema,
			default_config = EXCLUDED.default_config,
			config_schema = EXCLUDED.config_schema,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		step.ID,
		step.Slug,
		step.Name,
		step.Description,
		step.Category,
		step.ExecutorRef,
		step.IsReady,
		step.IsActive,
		string(inputJSON),
		string(outputJSON),
		string(configJSON),
		schemaJSON,
		step.CreatedAt,
		step.UpdatedAt,
	)
	if err != nil {
		return persistence.NewStepError("Save", step.ID, err)
	}

	return nil
}

func scanStep(row scanner) (*models.StepDefinition, error) {
	var (
		step                                          models.StepDefinition
		inputJSON, outputJSON, configJSON, schemaJSON []byte
	)

	err := row.Scan(
		&step.ID,
		&step.Slug,
		&step.Name,
		&step.Description,
		&step.Category,
		&step.ExecutorRef,
		&step.IsReady,
		&step.IsActive,
		&inputJSON,
		&outputJSON,
		&configJSON,
		&schemaJSON,
		&step.CreatedAt,
		&step.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(inputJSON, &step.InputSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input schema: %w", err)
	}

	if err := json.Unmarshal(outputJSON, &step.OutputSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal output schema: %w", err)
	}

	if err := json.Unmarshal(configJSON, &step.DefaultConfig); err != nil {
		return nil, fmt.Errorf("failed to unmarshal default config: %w", err)
	}

	if schemaJSON != nil {
		if err := json.Unmarshal(schemaJSON, &step.ConfigSchema); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config schema: %w", err)
		}
	}

	return &step, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}

	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}

	return m
}
