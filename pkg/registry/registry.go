// Package registry keeps the step executors available to the run engine.
package registry

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"sync"

	"github.com/dukex/pipestudio/pkg/protocol"
)

var ErrExecutorNotFound = errors.New("executor not registered")

type Registry struct {
	logger    *slog.Logger
	mu        sync.RWMutex
	executors map[string]protocol.Executor
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log,
		executors: make(map[string]protocol.Executor),
	}
}

// LoadPlugins opens every <pluginsPath>/executors/**/*.so and returns the
// value of its exported Executor symbol.
func (r *Registry) LoadPlugins(ctx context.Context, pluginsPath string) ([]protocol.Executor, error) {
	return loadPlugin[protocol.Executor](ctx, r.logger, pluginsPath, "Executor")
}

// Register adds an executor, replacing any executor with the same id.
func (r *Registry) Register(executor protocol.Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.executors[executor.ID()]; ok {
		r.logger.Warn("Replacing registered executor", "executor", executor.ID())
	}

	r.executors[executor.ID()] = executor
}

// Get returns the executor registered under ref.
func (r *Registry) Get(ref string) (protocol.Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrExecutorNotFound, ref)
	}

	return executor, nil
}

// List returns the registered executors ordered by id.
func (r *Registry) List() []protocol.Executor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]protocol.Executor, 0, len(r.executors))
	for _, e := range r.executors {
		list = append(list, e)
	}

	slices.SortFunc(list, func(a, b protocol.Executor) int {
		return cmp.Compare(a.ID(), b.ID())
	})

	return list
}

// HealthCheck reports whether any executor is available.
func (r *Registry) HealthCheck() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.executors) == 0 {
		return "No executors registered", false
	}

	return fmt.Sprintf("%d executors registered", len(r.executors)), true
}

func loadPlugin[T any](ctx context.Context, logger *slog.Logger, pluginsPath string, symbolName string) ([]T, error) {
	rootPath := filepath.Join(pluginsPath, "executors")

	if _, err := os.Stat(rootPath); errors.Is(err, fs.ErrNotExist) {
		return []T{}, nil
	}

	var pluginPathList []string

	err := filepath.WalkDir(rootPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if !d.IsDir() && filepath.Ext(path) == ".so" {
			pluginPathList = append(pluginPathList, path)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list plugins in %s: %w", rootPath, err)
	}

	l := logger.With(slog.String("path", rootPath), slog.String("type", symbolName))
	l.InfoContext(ctx, "Loading plugins", "count", len(pluginPathList))

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		v, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, fmt.Errorf("plugin %s has no %s symbol: %w", p, symbolName, err)
		}

		// Exported variables are looked up as pointers.
		switch sym := v.(type) {
		case T:
			pluginList = append(pluginList, sym)
		case *T:
			pluginList = append(pluginList, *sym)
		default:
			return nil, fmt.Errorf("plugin %s: symbol %s has unexpected type %T", p, symbolName, v)
		}

		l.InfoContext(ctx, "Loaded executor plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
