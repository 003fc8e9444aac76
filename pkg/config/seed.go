// Package config loads seed files describing step definitions and pipelines.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dukex/pipestudio/pkg/models"
	"github.com/dukex/pipestudio/pkg/persistence"
	"github.com/dukex/pipestudio/pkg/services"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

var ErrInvalidSeed = errors.New("invalid seed file")

// Seed is the content of a seed file.
type Seed struct {
	Steps     []StepSeed     `yaml:"steps"`
	Pipelines []PipelineSeed `yaml:"pipelines"`
}

type StepSeed struct {
	Slug          string              `yaml:"slug"`
	Name          string              `yaml:"name"`
	Description   string              `yaml:"description"`
	Category      models.StepCategory `yaml:"category"`
	ExecutorRef   string              `yaml:"executorRef"`
	IsReady       *bool               `yaml:"isReady"`
	IsActive      *bool               `yaml:"isActive"`
	Inputs        []InputSeed         `yaml:"inputs"`
	Outputs       []OutputSeed        `yaml:"outputs"`
	DefaultConfig map[string]any      `yaml:"defaultConfig"`
	ConfigSchema  map[string]any      `yaml:"configSchema"`
}

type InputSeed struct {
	Key      string             `yaml:"key"`
	Label    string             `yaml:"label"`
	Type     string             `yaml:"type"`
	Required bool               `yaml:"required"`
	Source   models.InputSource `yaml:"source"`
}

type OutputSeed struct {
	Key   string `yaml:"key"`
	Label string `yaml:"label"`
	Type  string `yaml:"type"`
}

type PipelineSeed struct {
	Slug        string     `yaml:"slug"`
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Nodes       []NodeSeed `yaml:"nodes"`

	// Connections are written as "node.output" -> "node.input" using node keys.
	Connections []ConnectionSeed `yaml:"connections"`
}

type NodeSeed struct {
	// Key names the node inside the seed file only. Stored nodes get fresh ids.
	Key                  string         `yaml:"key"`
	Step                 string         `yaml:"step"`
	Inactive             bool           `yaml:"inactive"`
	X                    float64        `yaml:"x"`
	Y                    float64        `yaml:"y"`
	Config               map[string]any `yaml:"config"`
	SystemPromptOverride *string        `yaml:"systemPrompt"`
	UserPromptOverride   *string        `yaml:"userPrompt"`
	LLMModelOverrideID   *string        `yaml:"llmModel"`
	Checkpoint           bool           `yaml:"checkpoint"`
	CheckpointCondition  string         `yaml:"checkpointCondition"`
	Timeout              string         `yaml:"timeout"`
	MaxRetries           *int           `yaml:"maxRetries"`
	RetryDelays          []string       `yaml:"retryDelays"`
}

type ConnectionSeed struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// LoadSeed reads and parses a YAML seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	return ParseSeed(data)
}

func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse YAML seed: %w", err)
	}

	return &seed, nil
}

// SeedResult reports what Apply stored.
type SeedResult struct {
	Steps            int
	Pipelines        int
	SkippedPipelines []string
}

// Apply upserts the step definitions by slug and imports the pipelines whose
// slug is not taken yet. Existing pipelines are left untouched.
func (s *Seed) Apply(
	ctx context.Context,
	catalog *services.Catalog,
	pipelines *services.Pipeline,
	logger *slog.Logger,
) (SeedResult, error) {
	logger = logger.With("module", "seed")

	var result SeedResult

	for _, step := range s.Steps {
		def := step.definition()

		existing, err := catalog.GetBySlug(ctx, step.Slug)
		switch {
		case err == nil:
			def.ID = existing.ID
		case !persistence.IsStepNotFound(err):
			return result, err
		}

		if _, err := catalog.Upsert(ctx, def); err != nil {
			return result, fmt.Errorf("step %s: %w", step.Slug, err)
		}

		logger.InfoContext(ctx, "Seeded step definition", "slug", step.Slug)

		result.Steps++
	}

	for _, ps := range s.Pipelines {
		if _, err := pipelines.GetBySlug(ctx, ps.Slug); err == nil {
			logger.InfoContext(ctx, "Pipeline already exists, skipping", "slug", ps.Slug)
			result.SkippedPipelines = append(result.SkippedPipelines, ps.Slug)

			continue
		} else if !persistence.IsPipelineNotFound(err) {
			return result, err
		}

		pipeline, err := ps.pipeline(ctx, catalog)
		if err != nil {
			return result, err
		}

		if _, err := pipelines.Import(ctx, pipeline); err != nil {
			return result, fmt.Errorf("pipeline %s: %w", ps.Slug, err)
		}

		logger.InfoContext(ctx, "Seeded pipeline", "slug", ps.Slug, "nodes", len(pipeline.Nodes))

		result.Pipelines++
	}

	return result, nil
}

func (s StepSeed) definition() *models.StepDefinition {
	def := &models.StepDefinition{
		Slug:          s.Slug,
		Name:          s.Name,
		Description:   s.Description,
		Category:      s.Category,
		ExecutorRef:   s.ExecutorRef,
		IsReady:       s.IsReady == nil || *s.IsReady,
		IsActive:      s.IsActive == nil || *s.IsActive,
		InputSchema:   make([]models.StepInput, 0, len(s.Inputs)),
		OutputSchema:  make([]models.StepOutput, 0, len(s.Outputs)),
		DefaultConfig: s.DefaultConfig,
		ConfigSchema:  s.ConfigSchema,
	}

	if def.Category == "" {
		def.Category = models.StepCategoryGeneral
	}

	for _, in := range s.Inputs {
		label := in.Label
		if label == "" {
			label = in.Key
		}

		def.InputSchema = append(def.InputSchema, models.StepInput{
			Key: in.Key, Label: label, Type: in.Type, Required: in.Required, Source: in.Source,
		})
	}

	for _, out := range s.Outputs {
		label := out.Label
		if label == "" {
			label = out.Key
		}

		def.OutputSchema = append(def.OutputSchema, models.StepOutput{Key: out.Key, Label: label, Type: out.Type})
	}

	return def
}

func (ps PipelineSeed) pipeline(ctx context.Context, catalog *services.Catalog) (*models.Pipeline, error) {
	pipeline := &models.Pipeline{
		ID:          uuid.New().String(),
		Slug:        ps.Slug,
		Name:        ps.Name,
		Description: ps.Description,
		IsActive:    true,
		Nodes:       make([]*models.Node, 0, len(ps.Nodes)),
		Connections: make([]*models.Connection, 0, len(ps.Connections)),
	}

	if pipeline.Name == "" {
		pipeline.Name = ps.Slug
	}

	ids := make(map[string]string, len(ps.Nodes))

	for i, ns := range ps.Nodes {
		if ns.Key == "" {
			return nil, fmt.Errorf("%w: pipeline %s node %d has no key", ErrInvalidSeed, ps.Slug, i)
		}

		if _, dup := ids[ns.Key]; dup {
			return nil, fmt.Errorf("%w: pipeline %s declares node %q twice", ErrInvalidSeed, ps.Slug, ns.Key)
		}

		def, err := catalog.GetBySlug(ctx, ns.Step)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s node %s step %q: %w", ps.Slug, ns.Key, ns.Step, err)
		}

		node, err := ns.node(def.ID, i)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s node %s: %w", ps.Slug, ns.Key, err)
		}

		ids[ns.Key] = node.ID
		pipeline.Nodes = append(pipeline.Nodes, node)
	}

	for _, cs := range ps.Connections {
		srcKey, output, err := splitEndpoint(cs.From)
		if err != nil {
			return nil, err
		}

		dstKey, input, err := splitEndpoint(cs.To)
		if err != nil {
			return nil, err
		}

		src, okSrc := ids[srcKey]
		dst, okDst := ids[dstKey]

		if !okSrc || !okDst {
			return nil, fmt.Errorf("%w: connection %s -> %s references an unknown node", ErrInvalidSeed, cs.From, cs.To)
		}

		pipeline.Connections = append(pipeline.Connections, &models.Connection{
			ID:              uuid.New().String(),
			SourceNodeID:    src,
			SourceOutputKey: output,
			TargetNodeID:    dst,
			TargetInputKey:  input,
		})
	}

	return pipeline, nil
}

func (ns NodeSeed) node(stepID string, order int) (*models.Node, error) {
	node := &models.Node{
		ID:                   uuid.New().String(),
		StepDefinitionID:     stepID,
		SortOrder:            order,
		Position:             models.Position{X: ns.X, Y: ns.Y},
		IsActive:             !ns.Inactive,
		ConfigOverrides:      ns.Config,
		SystemPromptOverride: ns.SystemPromptOverride,
		UserPromptOverride:   ns.UserPromptOverride,
		LLMModelOverrideID:   ns.LLMModelOverrideID,
		IsCheckpoint:         ns.Checkpoint,
		CheckpointCondition:  ns.CheckpointCondition,
		Timeout:              models.DefaultNodeTimeout,
		MaxRetries:           models.DefaultMaxRetries,
		RetryDelays:          models.DefaultRetryDelays(),
	}

	if node.ConfigOverrides == nil {
		node.ConfigOverrides = map[string]any{}
	}

	if ns.Timeout != "" {
		d, err := time.ParseDuration(ns.Timeout)
		if err != nil {
			return nil, fmt.Errorf("%w: timeout %q: %w", ErrInvalidSeed, ns.Timeout, err)
		}

		node.Timeout = models.Duration(d)
	}

	if ns.MaxRetries != nil {
		node.MaxRetries = *ns.MaxRetries
	}

	if len(ns.RetryDelays) > 0 {
		node.RetryDelays = make([]models.Duration, 0, len(ns.RetryDelays))

		for _, raw := range ns.RetryDelays {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: retry delay %q: %w", ErrInvalidSeed, raw, err)
			}

			node.RetryDelays = append(node.RetryDelays, models.Duration(d))
		}
	}

	return node, nil
}

func splitEndpoint(endpoint string) (string, string, error) {
	key, port, ok := strings.Cut(endpoint, ".")
	if !ok || key == "" || port == "" {
		return "", "", fmt.Errorf("%w: endpoint %q must look like node.key", ErrInvalidSeed, endpoint)
	}

	return key, port, nil
}
