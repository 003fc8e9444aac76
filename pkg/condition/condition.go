// Package condition evaluates node checkpoint conditions.
//
// A condition is a boolean expr-lang expression evaluated against the node's
// outputs, inputs, the project fields and the attempt number, for example
// `outputs.score < 7 || attempt > 1`. An empty condition is always true.
package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrInvalidCondition = errors.New("invalid checkpoint condition")

// Env is the evaluation environment of a condition.
type Env struct {
	Outputs map[string]any `expr:"outputs"`
	Inputs  map[string]any `expr:"inputs"`
	Project map[string]any `expr:"project"`
	Attempt int            `expr:"attempt"`
}

// Condition is a compiled checkpoint condition.
type Condition struct {
	source  string
	program *vm.Program
}

// Compile parses and type checks a condition. Empty sources compile to an always-true condition.
func Compile(source string) (*Condition, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return &Condition{}, nil
	}

	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCondition, err)
	}

	return &Condition{source: source, program: program}, nil
}

// Evaluate runs the condition against env.
func (c *Condition) Evaluate(env Env) (bool, error) {
	if c.program == nil {
		return true, nil
	}

	out, err := expr.Run(c.program, env)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", c.source, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q returned %T, expected bool", c.source, out)
	}

	return result, nil
}

// String returns the condition source.
func (c *Condition) String() string {
	return c.source
}
