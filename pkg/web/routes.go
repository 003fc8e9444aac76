package web

import (
	"errors"
	"time"

	"github.com/dukex/pipestudio/pkg/metrics"
	"github.com/gofiber/fiber/v3"
)

// RegisterRoutes mounts every API endpoint on the router.
func (h *APIHandlers) RegisterRoutes(router fiber.Router) {
	router.Get("/health", h.HealthCheck)
	router.Get("/executors", h.GetExecutors)

	steps := router.Group("/steps")
	steps.Get("/", h.GetSteps)
	steps.Post("/", h.CreateStep)
	steps.Get("/:id", h.GetStep)
	steps.Put("/:id", h.UpdateStep)
	steps.Delete("/:id", h.DeactivateStep)

	pipelines := router.Group("/pipelines")
	pipelines.Get("/", h.GetPipelines)
	pipelines.Post("/", h.CreatePipeline)
	pipelines.Get("/:id", h.GetPipeline)
	pipelines.Patch("/:id", h.UpdatePipeline)
	pipelines.Delete("/:id", h.DeletePipeline)
	pipelines.Post("/:id/clone", h.ClonePipeline)
	pipelines.Get("/:id/validate", h.ValidatePipeline)
	pipelines.Post("/:id/nodes", h.AddNode)
	pipelines.Patch("/:id/nodes/:nodeId", h.UpdateNode)
	pipelines.Delete("/:id/nodes/:nodeId", h.DeleteNode)
	pipelines.Post("/:id/connections", h.Connect)
	pipelines.Delete("/:id/connections/:connectionId", h.Disconnect)

	runs := router.Group("/runs")
	runs.Post("/", h.CreateRun)
	runs.Get("/", h.GetRuns)
	runs.Get("/:projectId", h.GetRun)
	runs.Get("/:projectId/logs", h.GetRunLogs)
	runs.Delete("/:projectId", h.DeleteRun)
	runs.Post("/:projectId/start", h.RunAction(h.engine.Start))
	runs.Post("/:projectId/pause", h.RunAction(h.engine.Pause))
	runs.Post("/:projectId/resume", h.RunAction(h.engine.Resume))
	runs.Post("/:projectId/stop", h.RunAction(h.engine.Stop))
	runs.Post("/:projectId/retry-failed", h.RunAction(h.engine.RetryFailed))
	runs.Post("/:projectId/force-continue", h.RunAction(h.engine.ForceContinue))
	runs.Post("/:projectId/nodes/:nodeId/retry", h.NodeAction(h.engine.RetryStep))
	runs.Post("/:projectId/nodes/:nodeId/skip", h.NodeAction(h.engine.SkipStep))
	runs.Post("/:projectId/nodes/:nodeId/approve", h.NodeAction(h.engine.Approve))
	runs.Post("/:projectId/nodes/:nodeId/rollback", h.NodeAction(h.engine.Rollback))
	runs.Post("/:projectId/nodes/:nodeId/feedback", h.Feedback)

	queue := router.Group("/queue")
	queue.Get("/", h.GetQueue)
	queue.Put("/:runId/priority", h.SetPriority)
	queue.Delete("/:runId", h.Dequeue)
	queue.Post("/start-next", h.StartNext)
}

// Metrics records the duration and status of every request against its route pattern.
func Metrics(collector *metrics.Collector) fiber.Handler {
	return func(c fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			var fe *fiber.Error
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		collector.RecordHTTPRequest(c.Method(), c.Route().Path, status, time.Since(start))

		return err
	}
}
