package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/pipestudio/pkg/cmd"
	"github.com/dukex/pipestudio/pkg/engine"
	"github.com/dukex/pipestudio/pkg/log"
	"github.com/dukex/pipestudio/pkg/metrics"
	"github.com/dukex/pipestudio/pkg/notify"
	"github.com/dukex/pipestudio/pkg/otelhelper"
	"github.com/dukex/pipestudio/pkg/pump"
	cli "github.com/urfave/cli/v3"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("api")

	command := &cli.Command{
		Name:                  "pipestudio-api",
		Usage:                 "Build pipelines and run them for projects",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or a file store path)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "queue-store",
				Usage:   "Run queue store (memory, redis)",
				Value:   "memory",
				Sources: cli.EnvVars("QUEUE_STORE"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the redis queue store",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing executor plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "notify-webhook-url",
				Usage:   "URL receiving review, failure and completion notifications",
				Sources: cli.EnvVars("NOTIFY_WEBHOOK_URL"),
			},
			&cli.BoolFlag{
				Name:    "auto-retry",
				Usage:   "Retry failed nodes automatically after their retry delay",
				Sources: cli.EnvVars("AUTO_RETRY"),
			},
			&cli.StringFlag{
				Name:    "queue-pump-schedule",
				Usage:   "Cron schedule admitting the next queued run when the slot is free (empty disables)",
				Value:   "@every 30s",
				Sources: cli.EnvVars("QUEUE_PUMP_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.InfoContext(ctx, "Initializing Pipeline Studio API")

			registry := cmd.NewRegistry(ctx, logger, command.String("plugins-path"))

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}

			defer func() {
				if err := persistence.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			sched, err := cmd.NewScheduler(ctx, logger, command.String("queue-store"), command.String("redis-url"))
			if err != nil {
				return err
			}

			eventBus := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			collector := metrics.NewCollector()
			opts := []engine.Option{engine.WithEventBus(eventBus), engine.WithMetrics(collector)}

			if command.Bool("otel-enabled") {
				tracer, shutdown, err := otelhelper.NewTracer(ctx, "pipestudio-api")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
					}
				}()

				opts = append(opts, engine.WithTracer(tracer))
			}

			runEngine := engine.New(persistence, registry, sched, logger, opts...)
			defer func() {
				if err := runEngine.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close engine", "error", err)
				}
			}()

			if command.Bool("auto-retry") {
				supervisor := engine.NewSupervisor(runEngine, logger)
				defer supervisor.Close()

				if err := supervisor.Register(eventBus); err != nil {
					return fmt.Errorf("failed to register supervisor: %w", err)
				}
			}

			if url := command.String("notify-webhook-url"); url != "" {
				if err := notify.NewWebhook(url, nil, logger).Register(eventBus); err != nil {
					return fmt.Errorf("failed to register webhook notifier: %w", err)
				}
			}

			if err := eventBus.Subscribe(ctx); err != nil {
				return fmt.Errorf("failed to subscribe to events: %w", err)
			}

			if err := runEngine.Recover(ctx); err != nil {
				return err
			}

			if schedule := command.String("queue-pump-schedule"); schedule != "" {
				queuePump, err := pump.New(runEngine, schedule, logger)
				if err != nil {
					return err
				}

				if err := queuePump.Start(ctx); err != nil {
					return err
				}

				defer queuePump.Stop()
			}

			api := NewAPI(logger, persistence, registry, runEngine, collector)

			return api.Start(ctx, command.Int("port"))
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		logger.Error("API stopped", "error", err)
		os.Exit(1)
	}
}
