// Package web provides HTTP handlers and REST API endpoints for the pipeline studio.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/pipestudio/pkg/engine"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/registry"
	"github.com/dukex/pipestudio/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

type APIHandlers struct {
	catalog   *services.Catalog
	pipelines *services.Pipeline
	engine    *engine.Engine
	validator *validator.Validate
	registry  *registry.Registry
}

func NewAPIHandlers(
	catalog *services.Catalog,
	pipelines *services.Pipeline,
	runEngine *engine.Engine,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		catalog:   catalog,
		pipelines: pipelines,
		engine:    runEngine,
		validator: validator,
		registry:  registry,
	}
}

// RunResponse is a run with its queue position while it waits for the slot.
type RunResponse struct {
	*models.Run

	QueuePosition *int `json:"queuePosition,omitempty"`
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.pipelines.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Pipeline studio API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Pipeline studio API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetExecutors(c fiber.Ctx) error {
	executors := h.registry.List()

	response := make([]ExecutorResponse, 0, len(executors))
	for _, e := range executors {
		response = append(response, ExecutorResponse{
			ID:          e.ID(),
			Name:        e.Name(),
			Description: e.Description(),
			Schema:      e.Schema(),
		})
	}

	return c.JSON(response)
}

// Steps

func (h *APIHandlers) GetSteps(c fiber.Ctx) error {
	activeOnly := false

	if active := c.Query("active"); active != "" {
		parsed, err := strconv.ParseBool(active)
		if err != nil {
			return badRequest(c, "Invalid query parameters: active must be a boolean")
		}

		activeOnly = parsed
	}

	steps, err := h.catalog.List(c.Context(), activeOnly)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(steps)
}

func (h *APIHandlers) GetStep(c fiber.Ctx) error {
	step, err := h.catalog.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(step)
}

func (h *APIHandlers) CreateStep(c fiber.Ctx) error {
	var req StepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	// The catalog validates the definition itself.
	created, err := h.catalog.Upsert(c.Context(), req.toModel(""))
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateStep(c fiber.Ctx) error {
	existing, err := h.catalog.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	var req StepRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	updated, err := h.catalog.Upsert(c.Context(), req.toModel(existing.ID))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) DeactivateStep(c fiber.Ctx) error {
	step, err := h.catalog.Deactivate(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(step)
}

// Pipelines

func (h *APIHandlers) GetPipelines(c fiber.Ctx) error {
	pipelines, err := h.pipelines.List(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(pipelines)
}

func (h *APIHandlers) GetPipeline(c fiber.Ctx) error {
	pipeline, err := h.pipelines.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(pipeline)
}

func (h *APIHandlers) CreatePipeline(c fiber.Ctx) error {
	var req CreatePipelineRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	pipeline, err := h.pipelines.Create(c.Context(), req.toService())
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(pipeline)
}

func (h *APIHandlers) UpdatePipeline(c fiber.Ctx) error {
	var req UpdatePipelineRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	pipeline, err := h.pipelines.Update(c.Context(), c.Params("id"), req.toService())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(pipeline)
}

func (h *APIHandlers) DeletePipeline(c fiber.Ctx) error {
	if err := h.pipelines.Delete(c.Context(), c.Params("id")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) ClonePipeline(c fiber.Ctx) error {
	var req ClonePipelineRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	clone, err := h.pipelines.Clone(c.Context(), c.Params("id"), req.Slug, req.Name)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(clone)
}

func (h *APIHandlers) ValidatePipeline(c fiber.Ctx) error {
	result, err := h.pipelines.Validate(c.Context(), c.Params("id"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(result)
}

func (h *APIHandlers) AddNode(c fiber.Ctx) error {
	var req NodeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if req.StepDefinitionID == nil {
		return badRequest(c, "stepDefinitionId is required")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	node, err := h.pipelines.AddNode(c.Context(), c.Params("id"), req.toService())
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(node)
}

func (h *APIHandlers) UpdateNode(c fiber.Ctx) error {
	var req NodeRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	node, err := h.pipelines.UpdateNode(c.Context(), c.Params("id"), c.Params("nodeId"), req.toService())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(node)
}

func (h *APIHandlers) DeleteNode(c fiber.Ctx) error {
	if err := h.pipelines.DeleteNode(c.Context(), c.Params("id"), c.Params("nodeId")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) Connect(c fiber.Ctx) error {
	var req ConnectRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	conn, err := h.pipelines.Connect(c.Context(), c.Params("id"), req.toService())
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(conn)
}

func (h *APIHandlers) Disconnect(c fiber.Ctx) error {
	if err := h.pipelines.Disconnect(c.Context(), c.Params("id"), c.Params("connectionId")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// Runs

func (h *APIHandlers) CreateRun(c fiber.Ctx) error {
	var req CreateRunRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.engine.CreateRun(c.Context(), req.toEngine())
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(run)
}

func (h *APIHandlers) GetRuns(c fiber.Ctx) error {
	runs, err := h.engine.List(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(runs)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	run, err := h.engine.Get(c.Context(), c.Params("projectId"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(h.runResponse(c.Context(), run))
}

func (h *APIHandlers) GetRunLogs(c fiber.Ctx) error {
	logs, err := h.engine.Logs(c.Context(), c.Params("projectId"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(logs)
}

func (h *APIHandlers) DeleteRun(c fiber.Ctx) error {
	if err := h.engine.Delete(c.Context(), c.Params("projectId")); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// RunAction adapts a project-level engine operation to a handler.
func (h *APIHandlers) RunAction(action func(ctx context.Context, projectID string) (*models.Run, error)) fiber.Handler {
	return func(c fiber.Ctx) error {
		run, err := action(c.Context(), c.Params("projectId"))
		if err != nil {
			return handleError(c, err)
		}

		return c.JSON(h.runResponse(c.Context(), run))
	}
}

// NodeAction adapts a node-level engine operation to a handler.
func (h *APIHandlers) NodeAction(action func(ctx context.Context, projectID, nodeID string) (*models.Run, error)) fiber.Handler {
	return func(c fiber.Ctx) error {
		run, err := action(c.Context(), c.Params("projectId"), c.Params("nodeId"))
		if err != nil {
			return handleError(c, err)
		}

		return c.JSON(h.runResponse(c.Context(), run))
	}
}

func (h *APIHandlers) Feedback(c fiber.Ctx) error {
	var req FeedbackRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.engine.Feedback(c.Context(), c.Params("projectId"), c.Params("nodeId"), req.Feedback)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(h.runResponse(c.Context(), run))
}

func (h *APIHandlers) runResponse(ctx context.Context, run *models.Run) RunResponse {
	response := RunResponse{Run: run}

	if run.Status == models.RunStatusQueued {
		if pos, ok := h.engine.QueuePosition(ctx, run.ID); ok {
			response.QueuePosition = &pos
		}
	}

	return response
}

// Queue

func (h *APIHandlers) GetQueue(c fiber.Ctx) error {
	queue, err := h.engine.GetQueue(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(queue)
}

func (h *APIHandlers) SetPriority(c fiber.Ctx) error {
	var req PriorityRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	run, err := h.engine.SetPriority(c.Context(), c.Params("runId"), *req.Priority)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(h.runResponse(c.Context(), run))
}

func (h *APIHandlers) Dequeue(c fiber.Ctx) error {
	run, err := h.engine.Dequeue(c.Context(), c.Params("runId"))
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) StartNext(c fiber.Ctx) error {
	run, err := h.engine.StartNext(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(fiber.Map{"started": run})
}
