package web

import (
	"errors"

	"github.com/dukex/pipestudio/pkg/engine"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// ValidationProblem is a 422 problem carrying the validation result that blocked a run.
type ValidationProblem struct {
	*problems.Problem

	Validation models.ValidationResult `json:"validation"`
}

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, kind, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, kind string, err error) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(kind).
		WithDetail(err.Error())

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func unprocessable(c fiber.Ctx, kind string, err error, result models.ValidationResult) error {
	problem := ValidationProblem{
		Problem: problems.NewStatusProblem(422).
			WithInstance(c.Path()).
			WithType(kind).
			WithDetail(err.Error()),
		Validation: result,
	}

	return c.Status(fiber.StatusUnprocessableEntity).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleError maps service, engine and persistence errors to problem responses.
func handleError(c fiber.Ctx, err error) error {
	var (
		graphErr      *engine.GraphError
		definitionErr *engine.DefinitionError
	)

	switch {
	case services.IsValidationError(err), errors.Is(err, engine.ErrFeedbackRequired):
		return badRequest(c, err.Error())

	case errors.As(err, &graphErr):
		return unprocessable(c, "graph_error", err, graphErr.Result)

	case errors.As(err, &definitionErr):
		return unprocessable(c, "definition_error", err, models.ValidationResult{
			Valid:    false,
			Errors:   definitionErr.Issues,
			Warnings: []models.ValidationIssue{},
		})

	case engine.IsStateConflict(err):
		return conflict(c, "state_conflict", err)

	case errors.Is(err, engine.ErrRunExists), services.IsConflictError(err):
		return conflict(c, "conflict", err)

	case persistence.IsStepNotFound(err):
		return notFound(c, "step_not_found", "step definition not found")

	case persistence.IsPipelineNotFound(err):
		return notFound(c, "pipeline_not_found", "pipeline not found")

	case persistence.IsRunNotFound(err):
		return notFound(c, "run_not_found", "run not found")

	case persistence.IsNodeNotFound(err):
		return notFound(c, "node_not_found", "node not found")

	case persistence.IsConnectionNotFound(err):
		return notFound(c, "connection_not_found", "connection not found")

	default:
		return internalError(c, err)
	}
}
