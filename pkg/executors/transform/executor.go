// Package transform provides the transform executor, which builds outputs from Go templates.
package transform

import (
	"context"
	"errors"
	"fmt"
	"strings"

	pslog "github.com/dukex/pipestudio/pkg/log"
	"github.com/dukex/pipestudio/pkg/protocol"
	"github.com/dukex/pipestudio/pkg/template"
)

// ErrNoOutputs is returned when the config declares no output templates.
var ErrNoOutputs = errors.New("transform requires at least one output template")

type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) ID() string {
	return "transform"
}

func (e *Executor) Name() string {
	return "Transform"
}

func (e *Executor) Description() string {
	return "Renders one template per output key from the step inputs, config and project fields"
}

func (e *Executor) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"outputs"},
		"properties": map[string]any{
			"outputs": map[string]any{
				"type":                 "object",
				"description":          "Output key to template. JSON, numbers and booleans in the rendered text are decoded.",
				"additionalProperties": map[string]any{"type": "string"},
				"examples": []map[string]any{
					{"title": "{{ .project.title }}: {{ .inputs.topic }}"},
					{"tags": `["{{ .project.channel }}", "shorts"]`},
				},
			},
			"retrigger": map[string]any{
				"type":        "string",
				"description": "Comma separated step slugs to run again. Rendered as a template, empty means none.",
				"examples":    []string{`{{ if lt .inputs.score 7.0 }}script-writer{{ end }}`},
			},
		},
	}
}

func (e *Executor) Invoke(ctx context.Context, inv *protocol.Invocation) (*protocol.Result, error) {
	logger := pslog.FromContext(ctx).With("executor", e.ID())

	templates, ok := inv.Config["outputs"].(map[string]any)
	if !ok || len(templates) == 0 {
		return nil, ErrNoOutputs
	}

	data := inv.TemplateData()
	outputs := make(map[string]any, len(templates))

	for key, raw := range templates {
		tmpl, ok := raw.(string)
		if !ok {
			// Non-string values are literal outputs.
			outputs[key] = raw

			continue
		}

		value, err := template.Render(tmpl, data)
		if err != nil {
			return nil, fmt.Errorf("transformation of '%s' failed: %w", key, err)
		}

		outputs[key] = value
	}

	retrigger, err := e.retrigger(inv.Config["retrigger"], data)
	if err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "Transform completed", "outputs", len(outputs), "retrigger", retrigger)

	return &protocol.Result{Outputs: outputs, Retrigger: retrigger}, nil
}

func (e *Executor) retrigger(raw any, data map[string]any) ([]string, error) {
	tmpl, ok := raw.(string)
	if !ok || tmpl == "" {
		return nil, nil
	}

	rendered, err := template.RenderString(tmpl, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render retrigger: %w", err)
	}

	var slugs []string

	for _, s := range strings.Split(rendered, ",") {
		if s = strings.TrimSpace(s); s != "" {
			slugs = append(slugs, s)
		}
	}

	return slugs, nil
}
