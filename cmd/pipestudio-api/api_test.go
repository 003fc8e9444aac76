package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dukex/pipestudio/pkg/engine"
	logexec "github.com/dukex/pipestudio/pkg/executors/log"
	"github.com/dukex/pipestudio/pkg/metrics"
	"github.com/dukex/pipestudio/pkg/persistence/file"
	"github.com/dukex/pipestudio/pkg/registry"
	"github.com/dukex/pipestudio/pkg/scheduler"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	persistence := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(logger)
	reg.Register(logexec.NewExecutor())
	collector := metrics.NewCollector()

	runEngine := engine.New(persistence, reg, scheduler.New(scheduler.NewMemoryStore(), logger), logger,
		engine.WithMetrics(collector))
	t.Cleanup(func() { _ = runEngine.Close(context.Background()) })

	return NewAPI(logger, persistence, reg, runEngine, collector).App()
}

func get(t *testing.T, app *fiber.App, path string) (int, string) {
	t.Helper()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
	require.NoError(t, err)

	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, string(body)
}

func TestAPI_RootEndpoint(t *testing.T) {
	app := setupTestApp(t)

	status, body := get(t, app, "/")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Pipeline Studio API", body)
}

func TestAPI_HealthCheck(t *testing.T) {
	app := setupTestApp(t)

	for _, path := range []string{"/livez", "/readyz", "/health"} {
		status, _ := get(t, app, path)
		assert.Equal(t, http.StatusOK, status, path)
	}
}

func TestAPI_Metrics(t *testing.T) {
	app := setupTestApp(t)

	status, _ := get(t, app, "/pipelines")
	require.Equal(t, http.StatusOK, status)

	status, body := get(t, app, "/metrics")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "pipestudio_http_requests_total")
	assert.Contains(t, body, `path="/pipelines`)
}
