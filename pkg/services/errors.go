// Package services provides the catalog and pipeline editing operations on top of persistence.
package services

import (
	"errors"
	"fmt"
)

// Business Logic Errors - These indicate client errors (4xx responses).
var (
	// Validation Errors (400 Bad Request).
	ErrInvalidRequest      = errors.New("invalid request")
	ErrDuplicateInputKey   = errors.New("duplicate input key")
	ErrDuplicateOutputKey  = errors.New("duplicate output key")
	ErrInvalidConfig       = errors.New("config does not match the step config schema")
	ErrInvalidConfigSchema = errors.New("invalid config schema")
	ErrSelfConnection      = errors.New("a node cannot connect to itself")

	// Business Logic Conflicts (409 Conflict).
	ErrSlugTaken         = errors.New("slug already in use")
	ErrNodeNotInPipeline = errors.New("node does not belong to the pipeline")
)

// ServiceError wraps service-level errors with additional context.
type ServiceError struct {
	Op      string // Operation name
	Code    string // Error code for API responses
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError checks if an error is a validation error that should return HTTP 400.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDuplicateInputKey) ||
		errors.Is(err, ErrDuplicateOutputKey) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidConfigSchema) ||
		errors.Is(err, ErrSelfConnection)
}

// IsConflictError checks if an error is a business logic conflict that should return HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrSlugTaken) ||
		errors.Is(err, ErrNodeNotInPipeline)
}

// NewValidationError creates a new validation error with context.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}
