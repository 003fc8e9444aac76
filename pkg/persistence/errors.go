// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrStepNotFound indicates a step definition was not found by the given identifier.
	ErrStepNotFound = errors.New("step definition not found")

	// ErrPipelineNotFound indicates a pipeline was not found by the given identifier.
	ErrPipelineNotFound = errors.New("pipeline not found")

	// ErrRunNotFound indicates no run exists for the given project.
	ErrRunNotFound = errors.New("run not found")

	// ErrNodeNotFound indicates a node was not found in its pipeline.
	ErrNodeNotFound = errors.New("node not found")

	// ErrConnectionNotFound indicates a connection was not found in its pipeline.
	ErrConnectionNotFound = errors.New("connection not found")
)

// EntityError wraps repository errors with the operation and the entity they concern.
type EntityError struct {
	Op     string // Operation being performed (e.g., "GetByID", "Save", "Delete")
	Entity string // "step", "pipeline" or "run"
	ID     string
	Err    error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStepError creates a step definition error with context.
func NewStepError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "step", ID: id, Err: err}
}

// NewPipelineError creates a pipeline error with context.
func NewPipelineError(op, id string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "pipeline", ID: id, Err: err}
}

// NewRunError creates a run error with context.
func NewRunError(op, projectID string, err error) *EntityError {
	return &EntityError{Op: op, Entity: "run", ID: projectID, Err: err}
}

// IsStepNotFound checks if an error indicates a step definition was not found.
func IsStepNotFound(err error) bool {
	return errors.Is(err, ErrStepNotFound)
}

// IsPipelineNotFound checks if an error indicates a pipeline was not found.
func IsPipelineNotFound(err error) bool {
	return errors.Is(err, ErrPipelineNotFound)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

// IsNodeNotFound checks if an error indicates a node was not found.
func IsNodeNotFound(err error) bool {
	return errors.Is(err, ErrNodeNotFound)
}

// IsConnectionNotFound checks if an error indicates a connection was not found.
func IsConnectionNotFound(err error) bool {
	return errors.Is(err, ErrConnectionNotFound)
}
