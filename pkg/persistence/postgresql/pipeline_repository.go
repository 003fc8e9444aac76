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

// PipelineRepository handles pipeline, node and connection database operations.
type PipelineRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPipelineRepository creates a new pipeline repository.
func NewPipelineRepository(db *sql.DB, logger *slog.Logger) *PipelineRepository {
	return &PipelineRepository{db: db, logger: logger}
}

const pipelineColumns = `
	id
  , slug
  , name
  , description
  , is_active
  , created_at
  , updated_at
  , deleted_at
`

// GetAll returns all pipelines that are not soft deleted, newest first.
func (r *PipelineRepository) GetAll(ctx context.Context) ([]*models.Pipeline, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+pipelineColumns+`
		FROM pipelines
		WHERE deleted_at IS NULL
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipelines: %w", err)
	}

	pipelines := make([]*models.Pipeline, 0)

	for rows.Next() {
		pipeline, err := scanPipeline(rows)
		if err != nil {
			closeRows(ctx, r.logger, rows)

			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}

		pipelines = append(pipelines, pipeline)
	}

	err = rows.Err()
	closeRows(ctx, r.logger, rows)

	if err != nil {
		return nil, fmt.Errorf("error iterating pipelines: %w", err)
	}

	for _, pipeline := range pipelines {
		if err := r.loadGraph(ctx, pipeline); err != nil {
			return nil, err
		}
	}

	return pipelines, nil
}

// GetByID retrieves a pipeline with its graph.
func (r *PipelineRepository) GetByID(ctx context.Context, id string) (*models.Pipeline, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+`
		FROM pipelines
		WHERE id = $1 AND deleted_at IS NULL`, id)

	return r.getOne(ctx, "GetByID", id, row)
}

// GetBySlug retrieves the active pipeline with the given slug.
func (r *PipelineRepository) GetBySlug(ctx context.Context, slug string) (*models.Pipeline, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+`
		FROM pipelines
		WHERE slug = $1 AND is_active AND deleted_at IS NULL`, slug)

	return r.getOne(ctx, "GetBySlug", slug, row)
}

func (r *PipelineRepository) getOne(ctx context.Context, op, key string, row *sql.Row) (*models.Pipeline, error) {
	pipeline, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewPipelineError(op, key, persistence.ErrPipelineNotFound)
	}

	if err != nil {
		return nil, persistence.NewPipelineError(op, key, err)
	}

	if err := r.loadGraph(ctx, pipeline); err != nil {
		return nil, err
	}

	return pipeline, nil
}

// Save upserts the pipeline row and replaces its nodes and connections in one transaction.
func (r *PipelineRepository) Save(ctx context.Context, pipeline *models.Pipeline) (err error) {
	now := time.Now().UTC()
	if pipeline.CreatedAt.IsZero() {
		pipeline.CreatedAt = now
	}

	pipeline.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipelines (id, slug, name, description, is_active, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			slug = EXCLUDED.slug,
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at`,
		pipeline.ID,
		pipeline.Slug,
		pipeline.Name,
		pipeline.Description,
		pipeline.IsActive,
		pipeline.CreatedAt,
		pipeline.UpdatedAt,
		pipeline.DeletedAt,
	)
	if err != nil {
		return persistence.NewPipelineError("Save", pipeline.ID, err)
	}

	// Connections cascade when their nodes are deleted.
	_, err = tx.ExecContext(ctx, "DELETE FROM pipeline_nodes WHERE pipeline_id = $1", pipeline.ID)
	if err != nil {
		return fmt.Errorf("failed to delete existing nodes: %w", err)
	}

	if err = saveNodes(ctx, tx, pipeline); err != nil {
		return err
	}

	if err = saveConnections(ctx, tx, pipeline); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Delete soft deletes a pipeline by setting deleted_at timestamp.
func (r *PipelineRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE pipelines SET deleted_at = NOW(), is_active = false WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewPipelineError("Delete", id, persistence.ErrPipelineNotFound)
	}

	return nil
}

func saveNodes(ctx context.Context, tx *sql.Tx, pipeline *models.Pipeline) error {
	query := `
		INSERT INTO pipeline_nodes (pipeline_id, id, step_definition_id, sort_order, position_x, position_y,
			is_active, config_overrides, system_prompt_override, user_prompt_override, llm_model_override_id,
			is_checkpoint, checkpoint_condition, timeout_ms, max_retries, retry_delays)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	for _, node := range pipeline.Nodes {
		configJSON, err := json.Marshal(nonNilMap(node.ConfigOverrides))
		if err != nil {
			return fmt.Errorf("failed to marshal config overrides of node %s: %w", node.ID, err)
		}

		delaysJSON, err := json.Marshal(models.Millis(node.RetryDelays))
		if err != nil {
			return fmt.Errorf("failed to marshal retry delays of node %s: %w", node.ID, err)
		}

		_, err = tx.ExecContext(ctx, query,
			pipeline.ID,
			node.ID,
			node.StepDefinitionID,
			node.SortOrder,
			node.Position.X,
			node.Position.Y,
			node.IsActive,
			string(configJSON),
			node.SystemPromptOverride,
			node.UserPromptOverride,
			node.LLMModelOverrideID,
			node.IsCheckpoint,
			node.CheckpointCondition,
			node.Timeout.Std().Milliseconds(),
			node.MaxRetries,
			string(delaysJSON),
		)
		if err != nil {
			return fmt.Errorf("failed to save node %s: %w", node.ID, err)
		}
	}

	return nil
}

func saveConnections(ctx context.Context, tx *sql.Tx, pipeline *models.Pipeline) error {
	query := `
		INSERT INTO pipeline_connections (pipeline_id, id, source_node_id, source_output_key,
			target_node_id, target_input_key, position)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	for i, conn := range pipeline.Connections {
		_, err := tx.ExecContext(ctx, query,
			pipeline.ID,
			conn.ID,
			conn.SourceNodeID,
			conn.SourceOutputKey,
			conn.TargetNodeID,
			conn.TargetInputKey,
			i,
		)
		if err != nil {
			return fmt.Errorf("failed to save connection %s: %w", conn.ID, err)
		}
	}

	return nil
}

func (r *PipelineRepository) loadGraph(ctx context.Context, pipeline *models.Pipeline) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, step_definition_id, sort_order, position_x, position_y, is_active, config_overrides,
			system_prompt_override, user_prompt_override, llm_model_override_id, is_checkpoint,
			checkpoint_condition, timeout_ms, max_retries, retry_delays
		FROM pipeline_nodes
		WHERE pipeline_id = $1
		ORDER BY sort_order, id`, pipeline.ID)
	if err != nil {
		return fmt.Errorf("failed to query pipeline nodes: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	pipeline.Nodes = make([]*models.Node, 0)

	for rows.Next() {
		var (
			node                   models.Node
			configJSON, delaysJSON []byte
			timeoutMs              int64
			delays                 []int64
		)

		err := rows.Scan(
			&node.ID,
			&node.StepDefinitionID,
			&node.SortOrder,
			&node.Position.X,
			&node.Position.Y,
			&node.IsActive,
			&configJSON,
			&node.SystemPromptOverride,
			&node.UserPromptOverride,
			&node.LLMModelOverrideID,
			&node.IsCheckpoint,
			&node.CheckpointCondition,
			&timeoutMs,
			&node.MaxRetries,
			&delaysJSON,
		)
		if err != nil {
			return fmt.Errorf("failed to scan node: %w", err)
		}

		if err := json.Unmarshal(configJSON, &node.ConfigOverrides); err != nil {
			return fmt.Errorf("failed to unmarshal config overrides: %w", err)
		}

		if err := json.Unmarshal(delaysJSON, &delays); err != nil {
			return fmt.Errorf("failed to unmarshal retry delays: %w", err)
		}

		node.PipelineID = pipeline.ID
		node.Timeout = models.Duration(time.Duration(timeoutMs) * time.Millisecond)
		node.RetryDelays = models.FromMillis(delays)

		pipeline.Nodes = append(pipeline.Nodes, &node)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating nodes: %w", err)
	}

	connRows, err := r.db.QueryContext(ctx, `
		SELECT id, source_node_id, source_output_key, target_node_id, target_input_key
		FROM pipeline_connections
		WHERE pipeline_id = $1
		ORDER BY position, id`, pipeline.ID)
	if err != nil {
		return fmt.Errorf("failed to query pipeline connections: %w", err)
	}

	defer closeRows(ctx, r.logger, connRows)

	pipeline.Connections = make([]*models.Connection, 0)

	for connRows.Next() {
		conn := models.Connection{PipelineID: pipeline.ID}

		err := connRows.Scan(
			&conn.ID,
			&conn.SourceNodeID,
			&conn.SourceOutputKey,
			&conn.TargetNodeID,
			&conn.TargetInputKey,
		)
		if err != nil {
			return fmt.Errorf("failed to scan connection: %w", err)
		}

		pipeline.Connections = append(pipeline.Connections, &conn)
	}

	if err := connRows.Err(); err != nil {
		return fmt.Errorf("error iterating connections: %w", err)
	}

	return nil
}

func scanPipeline(row scanner) (*models.Pipeline, error) {
	var pipeline models.Pipeline

	err := row.Scan(
		&pipeline.ID,
		&pipeline.Slug,
		&pipeline.Name,
		&pipeline.Description,
		&pipeline.IsActive,
		&pipeline.CreatedAt,
		&pipeline.UpdatedAt,
		&pipeline.DeletedAt,
	)
	if err != nil {
		return nil, err
	}

	return &pipeline, nil
}
