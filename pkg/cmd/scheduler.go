package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/pipestudio/pkg/scheduler"
)

// NewScheduler builds the run queue on the "memory" or "redis" store.
func NewScheduler(ctx context.Context, logger *slog.Logger, store string, redisURL string) (*scheduler.Scheduler, error) {
	switch store {
	case "", "memory":
		return scheduler.New(scheduler.NewMemoryStore(), logger), nil
	case "redis":
		rs, err := scheduler.NewRedisStore(ctx, redisURL, "pipestudio", logger)
		if err != nil {
			return nil, err
		}

		return scheduler.New(rs, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue store: %s", store)
	}
}
