// Package log provides the log executor, a stand-in for steps whose real generator is not wired yet.
package log

import (
	"context"
	"log/slog"

	pslog "github.com/dukex/pipestudio/pkg/log"
	"github.com/dukex/pipestudio/pkg/protocol"
	"github.com/dukex/pipestudio/pkg/template"
)

const defaultMessage = "step {{ .run.nodeId }} executed (attempt {{ .attempt }})"

// Executor logs a rendered message and echoes its inputs. Every declared
// output the inputs do not already provide is filled with the message.
type Executor struct{}

func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) ID() string {
	return "log"
}

func (e *Executor) Name() string {
	return "Log"
}

func (e *Executor) Description() string {
	return "Logs a message rendered from the step inputs and echoes them as outputs"
}

func (e *Executor) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports templating with inputs, project fields and feedback.",
				"examples": []string{
					"Writing script about {{ .project.topic }}",
					"Attempt {{ .attempt }} with feedback: {{ .feedback }}",
				},
			},
			"level": map[string]any{
				"type":    "string",
				"enum":    []string{"debug", "info", "warn", "error"},
				"default": "info",
			},
		},
	}
}

func (e *Executor) Invoke(ctx context.Context, inv *protocol.Invocation) (*protocol.Result, error) {
	message, _ := inv.Config["message"].(string)
	if message == "" {
		message = defaultMessage
	}

	rendered, err := template.RenderString(message, inv.TemplateData())
	if err != nil {
		return nil, err
	}

	level, _ := inv.Config["level"].(string)

	pslog.FromContext(ctx).Log(ctx, pslog.ParseLevel(level), rendered,
		slog.String("executor", e.ID()),
		slog.Int("attempt", inv.Attempt),
	)

	outputs := make(map[string]any, len(inv.Inputs)+1)
	for k, v := range inv.Inputs {
		outputs[k] = v
	}

	outputs["message"] = rendered

	if inv.Step != nil {
		for _, out := range inv.Step.OutputSchema {
			if _, ok := outputs[out.Key]; !ok {
				outputs[out.Key] = rendered
			}
		}
	}

	return &protocol.Result{Outputs: outputs}, nil
}
