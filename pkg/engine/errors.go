package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/pipestudio/pkg/models"
)

var (
	// ErrRunExists is returned when a project already has a run.
	ErrRunExists = errors.New("project already has a run")
	// ErrFeedbackRequired is returned when feedback text is blank.
	ErrFeedbackRequired = errors.New("feedback text is required")
	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("engine is closed")
)

// DefinitionError reports nodes whose step definition is missing or inactive.
type DefinitionError struct {
	Issues []models.ValidationIssue
}

func (e *DefinitionError) Error() string {
	msgs := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		msgs[i] = fmt.Sprintf("node %s: %s", issue.NodeID, issue.Message)
	}

	return "pipeline has unusable step definitions: " + strings.Join(msgs, "; ")
}

// GraphError blocks a run from starting. It carries the full validation result.
type GraphError struct {
	Result models.ValidationResult
}

func (e *GraphError) Error() string {
	msgs := make([]string, len(e.Result.Errors))
	for i, issue := range e.Result.Errors {
		if issue.NodeID == "" {
			msgs[i] = string(issue.Type)
		} else {
			msgs[i] = fmt.Sprintf("%s on node %s", issue.Type, issue.NodeID)
		}
	}

	return "pipeline graph is invalid: " + strings.Join(msgs, ", ")
}

// ExecutionError is a failed or timed out executor call. It is recorded on the
// node and never returned from the run loop.
type ExecutionError struct {
	NodeID  string
	Timeout bool
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("node %s timed out: %v", e.NodeID, e.Err)
	}

	return fmt.Sprintf("node %s failed: %v", e.NodeID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// StateConflictError rejects an operation on a run or node in an incompatible state.
type StateConflictError struct {
	Op      string
	Target  string
	Current string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("cannot %s %s in state %s", e.Op, e.Target, e.Current)
}

func runConflict(op string, run *models.Run) error {
	return &StateConflictError{Op: op, Target: "run " + run.ProjectID, Current: string(run.Status)}
}

func nodeConflict(op, nodeID string, status models.NodeStatus) error {
	return &StateConflictError{Op: op, Target: "node " + nodeID, Current: string(status)}
}

func IsStateConflict(err error) bool {
	var target *StateConflictError

	return errors.As(err, &target)
}

func IsGraphError(err error) bool {
	var target *GraphError

	return errors.As(err, &target)
}

func IsDefinitionError(err error) bool {
	var target *DefinitionError

	return errors.As(err, &target)
}
