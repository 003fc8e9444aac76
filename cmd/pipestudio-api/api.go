// Package main provides the pipeline studio API server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/dukex/pipestudio/pkg/engine"
	"github.com/dukex/pipestudio/pkg/metrics"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/registry"
	"github.com/dukex/pipestudio/pkg/services"
	"github.com/dukex/pipestudio/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

type API struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	registry    *registry.Registry
	engine      *engine.Engine
	metrics     *metrics.Collector
	validate    *validator.Validate

	app *fiber.App
}

func NewAPI(
	logger *slog.Logger,
	persistence persistence.Persistence,
	registry *registry.Registry,
	runEngine *engine.Engine,
	collector *metrics.Collector,
) *API {
	return &API{
		persistence: persistence,
		logger:      logger,
		registry:    registry,
		engine:      runEngine,
		metrics:     collector,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	catalog := services.NewCatalog(a.persistence)
	pipelines := services.NewPipeline(a.persistence, catalog)

	handlers := web.NewAPIHandlers(catalog, pipelines, a.engine, a.validate, a.registry)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	if a.metrics != nil {
		app.Use(web.Metrics(a.metrics))
		app.Get("/metrics", adaptor.HTTPHandler(a.metrics.Handler()))
	}

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Pipeline Studio API")
	})

	handlers.RegisterRoutes(app)

	return app
}

// Start serves the API until ctx is done, then shuts the server down.
func (a *API) Start(ctx context.Context, port int) error {
	a.app = a.App()

	errCh := make(chan error, 1)

	go func() {
		errCh <- a.app.Listen(":" + strconv.Itoa(port))
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.logger.Info("Shutting down API server")

		return a.app.ShutdownWithContext(context.WithoutCancel(ctx))
	}
}
