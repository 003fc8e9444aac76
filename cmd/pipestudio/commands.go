package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/dukex/pipestudio/pkg/cmd"
	"github.com/dukex/pipestudio/pkg/config"
	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/services"
	cli "github.com/urfave/cli/v3"
)

var ErrInvalidPipeline = errors.New("pipeline is not valid")

func openServices(
	ctx context.Context,
	logger *slog.Logger,
	command *cli.Command,
) (*services.Catalog, *services.Pipeline, func(), error) {
	p, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return nil, nil, nil, err
	}

	closeFn := func() {
		if err := p.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}

	catalog := services.NewCatalog(p)

	return catalog, services.NewPipeline(p, catalog), closeFn, nil
}

func seedCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "seed",
		Usage:     "Load step definitions and pipelines from YAML seed files",
		ArgsUsage: "<file> [file...]",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() == 0 {
				return errors.New("at least one seed file is required")
			}

			catalog, pipelines, closeFn, err := openServices(ctx, logger, command)
			if err != nil {
				return err
			}
			defer closeFn()

			for _, path := range command.Args().Slice() {
				seed, err := config.LoadSeed(path)
				if err != nil {
					return err
				}

				result, err := seed.Apply(ctx, catalog, pipelines, logger)
				if err != nil {
					return fmt.Errorf("failed to apply %s: %w", path, err)
				}

				logger.InfoContext(ctx, "Seed applied",
					"file", path,
					"steps", result.Steps,
					"pipelines", result.Pipelines,
					"skipped_pipelines", result.SkippedPipelines,
				)
			}

			return nil
		},
	}
}

func validateCommand(logger *slog.Logger) *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a pipeline graph against the step catalog",
		ArgsUsage: "<pipeline id or slug>",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.NArg() != 1 {
				return errors.New("exactly one pipeline id or slug is required")
			}

			_, pipelines, closeFn, err := openServices(ctx, logger, command)
			if err != nil {
				return err
			}
			defer closeFn()

			return validatePipeline(ctx, pipelines, command.Args().First(), command.Root().Writer)
		},
	}
}

// validatePipeline prints the validation result as JSON and fails when the pipeline has errors.
func validatePipeline(ctx context.Context, pipelines *services.Pipeline, ref string, out io.Writer) error {
	pipeline, err := pipelines.Get(ctx, ref)
	if persistence.IsPipelineNotFound(err) {
		pipeline, err = pipelines.GetBySlug(ctx, ref)
	}

	if err != nil {
		return err
	}

	result, err := pipelines.Validate(ctx, pipeline.ID)
	if err != nil {
		return err
	}

	if err := writeResult(out, pipeline, result); err != nil {
		return err
	}

	if !result.Valid {
		return fmt.Errorf("%w: %s has %d error(s)", ErrInvalidPipeline, pipeline.Slug, len(result.Errors))
	}

	return nil
}

func writeResult(out io.Writer, pipeline *models.Pipeline, result models.ValidationResult) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")

	return encoder.Encode(struct {
		Pipeline string `json:"pipeline"`
		models.ValidationResult
	}{Pipeline: pipeline.Slug, ValidationResult: result})
}
