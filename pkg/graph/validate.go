// Package graph provides static validation and ordering of pipeline graphs.
package graph

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/dukex/pipestudio/pkg/models"
)

// Validate checks a materialised pipeline against its resolved step definitions.
//
// It is pure: the result depends only on p and defs, and issues are returned in a
// stable order. Inactive nodes are excluded from every check.
func Validate(p *models.Pipeline, defs map[string]*models.StepDefinition) models.ValidationResult {
	result := models.ValidationResult{
		Errors:   []models.ValidationIssue{},
		Warnings: []models.ValidationIssue{},
	}

	nodes := activeNodes(p)
	live := liveConnections(p, nodes)
	bound := boundInputs(live)
	outgoing := outgoingCount(live)

	for _, node := range nodes {
		def, ok := defs[node.StepDefinitionID]
		if !ok || def == nil {
			result.Warnings = append(result.Warnings, issue(node, def, models.IssueSkeleton,
				fmt.Sprintf("step definition %q is missing", node.StepDefinitionID)))

			continue
		}

		if !def.IsActive {
			result.Warnings = append(result.Warnings, issue(node, def, models.IssueSkeleton,
				fmt.Sprintf("step definition %q is inactive", def.Slug)))

			continue
		}

		for _, input := range def.InputSchema {
			if !input.Required || input.FromProject() {
				continue
			}

			if bound[inputRef{node.ID, input.Key}] {
				continue
			}

			result.Errors = append(result.Errors, issue(node, def, models.IssueMissingInput,
				fmt.Sprintf("required input %q (%s) is not connected", labelOf(input), input.Key)))
		}

		if !def.IsReady {
			result.Warnings = append(result.Warnings, issue(node, def, models.IssueSkeleton,
				fmt.Sprintf("executor %q is not implemented yet", def.ExecutorRef)))
		}

		if !def.IsOutput() && outgoing[node.ID] == 0 {
			result.Warnings = append(result.Warnings, issue(node, def, models.IssueNoOutputsConnected,
				"node has no outgoing connections, its result is never used"))
		}
	}

	if HasCycle(p) {
		result.Errors = append(result.Errors, models.ValidationIssue{
			Type:    models.IssueCircularDependency,
			Message: "pipeline contains a circular dependency",
		})
	}

	order := sortOrderIndex(p)
	sortIssues(result.Errors, order)
	sortIssues(result.Warnings, order)

	result.Valid = len(result.Errors) == 0

	return result
}

type inputRef struct {
	nodeID string
	key    string
}

func issue(node *models.Node, def *models.StepDefinition, t models.IssueType, msg string) models.ValidationIssue {
	name := node.StepDefinitionID
	if def != nil {
		name = def.Name
	}

	return models.ValidationIssue{
		NodeID:   node.ID,
		NodeName: name,
		Type:     t,
		Message:  msg,
	}
}

func labelOf(input models.StepInput) string {
	if input.Label != "" {
		return input.Label
	}

	return input.Key
}

func activeNodes(p *models.Pipeline) []*models.Node {
	nodes := make([]*models.Node, 0, len(p.Nodes))

	for _, n := range p.Nodes {
		if n.IsActive {
			nodes = append(nodes, n)
		}
	}

	return nodes
}

// liveConnections keeps the connections whose endpoints are both among nodes.
func liveConnections(p *models.Pipeline, nodes []*models.Node) []*models.Connection {
	present := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		present[n.ID] = true
	}

	live := make([]*models.Connection, 0, len(p.Connections))

	for _, c := range p.Connections {
		if present[c.SourceNodeID] && present[c.TargetNodeID] {
			live = append(live, c)
		}
	}

	return live
}

func boundInputs(conns []*models.Connection) map[inputRef]bool {
	bound := make(map[inputRef]bool, len(conns))
	for _, c := range conns {
		bound[inputRef{c.TargetNodeID, c.TargetInputKey}] = true
	}

	return bound
}

func outgoingCount(conns []*models.Connection) map[string]int {
	counts := make(map[string]int, len(conns))
	for _, c := range conns {
		counts[c.SourceNodeID]++
	}

	return counts
}

func sortOrderIndex(p *models.Pipeline) map[string]int {
	idx := make(map[string]int, len(p.Nodes))
	for _, n := range p.Nodes {
		idx[n.ID] = n.SortOrder
	}

	return idx
}

// sortIssues orders pipeline-wide issues first, then by node sort order.
func sortIssues(issues []models.ValidationIssue, order map[string]int) {
	slices.SortStableFunc(issues, func(a, b models.ValidationIssue) int {
		if (a.NodeID == "") != (b.NodeID == "") {
			if a.NodeID == "" {
				return -1
			}

			return 1
		}

		return cmp.Or(
			cmp.Compare(order[a.NodeID], order[b.NodeID]),
			cmp.Compare(a.NodeID, b.NodeID),
			cmp.Compare(a.Type, b.Type),
			cmp.Compare(a.Message, b.Message),
		)
	})
}
