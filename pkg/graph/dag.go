package graph

import (
	"cmp"
	"errors"
	"slices"

	"github.com/dukex/pipestudio/pkg/models"
)

// ErrCycle is returned when an ordering is requested for a cyclic graph.
var ErrCycle = errors.New("graph contains a cycle")

type color uint8

const (
	white color = iota // not visited
	gray               // on the current DFS path
	black              // fully explored, cycle-free
)

// adjacency builds the successor lists restricted to the nodes accepted by include.
// Successors keep connection order so traversals are deterministic.
func adjacency(p *models.Pipeline, include func(*models.Node) bool) ([]string, map[string][]string) {
	ids := make([]string, 0, len(p.Nodes))
	present := make(map[string]bool, len(p.Nodes))

	for _, n := range p.Nodes {
		if include(n) {
			ids = append(ids, n.ID)
			present[n.ID] = true
		}
	}

	adj := make(map[string][]string, len(ids))

	for _, c := range p.Connections {
		if !present[c.SourceNodeID] || !present[c.TargetNodeID] {
			continue
		}

		if !slices.Contains(adj[c.SourceNodeID], c.TargetNodeID) {
			adj[c.SourceNodeID] = append(adj[c.SourceNodeID], c.TargetNodeID)
		}
	}

	return ids, adj
}

func isActive(n *models.Node) bool { return n.IsActive }

// HasCycle reports whether the active part of the pipeline contains a cycle.
func HasCycle(p *models.Pipeline) bool {
	ids, adj := adjacency(p, isActive)

	return detectCycle(ids, adj)
}

type frame struct {
	id   string
	next int
}

// detectCycle runs an iterative white/gray/black DFS from every unvisited root.
func detectCycle(ids []string, adj map[string][]string) bool {
	colors := make(map[string]color, len(ids))

	for _, root := range ids {
		if colors[root] != white {
			continue
		}

		stack := []frame{{id: root}}
		colors[root] = gray

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			succ := adj[top.id]

			if top.next >= len(succ) {
				colors[top.id] = black
				stack = stack[:len(stack)-1]

				continue
			}

			next := succ[top.next]
			top.next++

			switch colors[next] {
			case gray:
				return true
			case white:
				colors[next] = gray
				stack = append(stack, frame{id: next})
			case black:
			}
		}
	}

	return false
}

// TopologicalOrder returns the nodes accepted by include in dependency order.
// Among nodes that are ready at the same time, lower sortOrder goes first, then id.
func TopologicalOrder(p *models.Pipeline, include func(*models.Node) bool) ([]*models.Node, error) {
	ids, adj := adjacency(p, include)

	byID := make(map[string]*models.Node, len(ids))
	for _, n := range p.Nodes {
		byID[n.ID] = n
	}

	indegree := make(map[string]int, len(ids))
	for _, id := range ids {
		for _, next := range adj[id] {
			indegree[next]++
		}
	}

	less := func(a, b string) int {
		return cmp.Or(
			cmp.Compare(byID[a].SortOrder, byID[b].SortOrder),
			cmp.Compare(a, b),
		)
	}

	var ready []string

	for _, id := range ids {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]*models.Node, 0, len(ids))

	for len(ready) > 0 {
		slices.SortFunc(ready, less)

		id := ready[0]
		ready = ready[1:]
		order = append(order, byID[id])

		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}

	if len(order) != len(ids) {
		return nil, ErrCycle
	}

	return order, nil
}

// Dependencies returns the ids of nodes with a connection into nodeID.
func Dependencies(p *models.Pipeline, nodeID string) []string {
	var deps []string

	for _, c := range p.Connections {
		if c.TargetNodeID == nodeID && !slices.Contains(deps, c.SourceNodeID) {
			deps = append(deps, c.SourceNodeID)
		}
	}

	return deps
}

// Downstream returns every node reachable from nodeID through outgoing connections,
// in breadth-first order and without nodeID itself.
func Downstream(p *models.Pipeline, nodeID string) []string {
	_, adj := adjacency(p, func(*models.Node) bool { return true })

	seen := map[string]bool{nodeID: true}
	queue := []string{nodeID}

	var out []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range adj[current] {
			if seen[next] {
				continue
			}

			seen[next] = true
			out = append(out, next)
			queue = append(queue, next)
		}
	}

	return out
}
