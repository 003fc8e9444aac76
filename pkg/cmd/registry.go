// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"context"
	"log/slog"

	"github.com/dukex/pipestudio/pkg/executors/httprequest"
	logexecutor "github.com/dukex/pipestudio/pkg/executors/log"
	"github.com/dukex/pipestudio/pkg/executors/transform"
	"github.com/dukex/pipestudio/pkg/registry"
)

func registerExecutorPlugins(ctx context.Context, reg *registry.Registry, pluginsPath string) {
	executorPlugins, err := reg.LoadPlugins(ctx, pluginsPath)
	if err != nil {
		panic(err)
	}

	for _, plugin := range executorPlugins {
		reg.Register(plugin)
	}
}

func registerNativeExecutors(reg *registry.Registry) {
	reg.Register(httprequest.NewExecutor(nil))
	reg.Register(transform.NewExecutor())
	reg.Register(logexecutor.NewExecutor())
}

// NewRegistry builds the executor registry. Plugins are registered after the
// native executors so a plugin can replace a built-in one.
func NewRegistry(ctx context.Context, log *slog.Logger, pluginsPath string) *registry.Registry {
	reg := registry.NewRegistry(log)

	registerNativeExecutors(reg)
	registerExecutorPlugins(ctx, reg, pluginsPath)

	return reg
}
