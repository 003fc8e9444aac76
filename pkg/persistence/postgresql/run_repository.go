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

// RunRepository handles run and run log database operations.
type RunRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewRunRepository creates a new run repository.
func NewRunRepository(db *sql.DB, logger *slog.Logger) *RunRepository {
	return &RunRepository{db: db, logger: logger}
}

const runColumns = `
	id
  , project_id
  , pipeline_id
  , status
  , node_states
  , priority
  , checkpoints
  , disabled_nodes
  , project_fields
  , feedback_history
  , enqueued_at
  , started_at
  , completed_at
  , created_at
  , updated_at
`

// GetAll returns every run ordered by creation time.
func (r *RunRepository) GetAll(ctx context.Context) ([]*models.Run, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	runs := make([]*models.Run, 0)

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// GetByProject retrieves the run of a project.
func (r *RunRepository) GetByProject(ctx context.Context, projectID string) (*models.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE project_id = $1`, projectID)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewRunError("GetByProject", projectID, persistence.ErrRunNotFound)
	}

	if err != nil {
		return nil, persistence.NewRunError("GetByProject", projectID, err)
	}

	return run, nil
}

// Save upserts the run and appends the log entries in one transaction.
func (r *RunRepository) Save(ctx context.Context, run *models.Run, entries ...models.LogEntry) (err error) {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}

	run.UpdatedAt = now

	fields, err := marshalRunFields(run)
	if err != nil {
		return err
	}

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
		INSERT INTO runs (id, project_id, pipeline_id, status, node_states, priority, checkpoints,
			disabled_nodes, project_fields, feedback_history, enqueued_at, started_at, completed_at,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			pipeline_id = EXCLUDED.pipeline_id,
			status = EXCLUDED.status,
			node_states = EXCLUDED.node_states,
			priority = EXCLUDED.priority,
			checkpoints = EXCLUDED.checkpoints,
			disabled_nodes = EXCLUDED.disabled_nodes,
			project_fields = EXCLUDED.project_fields,
			feedback_history = EXCLUDED.feedback_history,
			enqueued_at = EXCLUDED.enqueued_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = EXCLUDED.updated_at`,
		run.ID,
		run.ProjectID,
		run.PipelineID,
		run.Status,
		fields.nodeStates,
		run.Priority,
		fields.checkpoints,
		fields.disabledNodes,
		fields.projectFields,
		fields.feedbackHistory,
		run.EnqueuedAt,
		run.StartedAt,
		run.CompletedAt,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return persistence.NewRunError("Save", run.ProjectID, err)
	}

	for _, entry := range entries {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_logs (id, run_id, node_id, level, message, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			entry.ID,
			run.ID,
			entry.NodeID,
			entry.Level,
			entry.Message,
			entry.Timestamp,
		)
		if err != nil {
			return fmt.Errorf("failed to append run log: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Logs returns the audit log of a run in write order.
func (r *RunRepository) Logs(ctx context.Context, runID string) ([]models.LogEntry, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1)", runID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check run: %w", err)
	}

	if !exists {
		return nil, persistence.NewRunError("Logs", runID, persistence.ErrRunNotFound)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, node_id, level, message, created_at
		FROM run_logs
		WHERE run_id = $1
		ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run logs: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	entries := make([]models.LogEntry, 0)

	for rows.Next() {
		var entry models.LogEntry

		err := rows.Scan(&entry.ID, &entry.RunID, &entry.NodeID, &entry.Level, &entry.Message, &entry.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run logs: %w", err)
	}

	return entries, nil
}

// Delete removes the run of a project; its log goes with it.
func (r *RunRepository) Delete(ctx context.Context, projectID string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM runs WHERE project_id = $1", projectID)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.NewRunError("Delete", projectID, persistence.ErrRunNotFound)
	}

	return nil
}

type runFields struct {
	nodeStates      string
	checkpoints     string
	disabledNodes   string
	projectFields   string
	feedbackHistory string
}

func marshalRunFields(run *models.Run) (runFields, error) {
	var (
		fields runFields
		err    error
	)

	encode := func(name string, v any, dst *string) {
		if err != nil {
			return
		}

		b, mErr := json.Marshal(v)
		if mErr != nil {
			err = fmt.Errorf("failed to marshal %s: %w", name, mErr)

			return
		}

		*dst = string(b)
	}

	nodeStates := run.NodeStates
	if nodeStates == nil {
		nodeStates = map[string]*models.NodeState{}
	}

	encode("node states", nodeStates, &fields.nodeStates)
	encode("checkpoints", nonNil(run.Checkpoints), &fields.checkpoints)
	encode("disabled nodes", nonNil(run.DisabledNodes), &fields.disabledNodes)
	encode("project fields", nonNilMap(run.ProjectFields), &fields.projectFields)
	encode("feedback history", nonNil(run.FeedbackHistory), &fields.feedbackHistory)

	return fields, err
}

func scanRun(row scanner) (*models.Run, error) {
	var (
		run                                           models.Run
		nodeStatesJSON, checkpointsJSON, disabledJSON []byte
		fieldsJSON, feedbackJSON                      []byte
	)

	err := row.Scan(
		&run.ID,
		&run.ProjectID,
		&run.PipelineID,
		&run.Status,
		&nodeStatesJSON,
		&run.Priority,
		&checkpointsJSON,
		&disabledJSON,
		&fieldsJSON,
		&feedbackJSON,
		&run.EnqueuedAt,
		&run.StartedAt,
		&run.CompletedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	decode := []struct {
		name string
		data []byte
		dst  any
	}{
		{"node states", nodeStatesJSON, &run.NodeStates},
		{"checkpoints", checkpointsJSON, &run.Checkpoints},
		{"disabled nodes", disabledJSON, &run.DisabledNodes},
		{"project fields", fieldsJSON, &run.ProjectFields},
		{"feedback history", feedbackJSON, &run.FeedbackHistory},
	}

	for _, d := range decode {
		if err := json.Unmarshal(d.data, d.dst); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", d.name, err)
		}
	}

	return &run, nil
}
