// Package workflow validates and executes workflow graphs as runs.
package workflow

import (
	"fmt"
	"sort"

	"github.com/zerg-ai/zerg/internal/store"
)

// Graph is a compiled, validated workflow.
type Graph struct {
	nodes     map[string]*store.WorkflowNode
	out       map[string][]store.WorkflowEdge
	in        map[string][]store.WorkflowEdge
	order     []string
	reachable map[string]bool
}

// Compile validates the workflow and returns its execution graph. All
// structural rules are enforced here so the engine can assume a clean
// graph.
func Compile(w *store.Workflow) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*store.WorkflowNode, len(w.Nodes)),
		out:   make(map[string][]store.WorkflowEdge),
		in:    make(map[string][]store.WorkflowEdge),
	}
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has no id", i)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", n.ID)
		}
		g.nodes[n.ID] = n
	}

	var triggers []string
	for id, n := range g.nodes {
		if n.Type == store.NodeTrigger {
			triggers = append(triggers, id)
		}
	}
	if len(triggers) == 0 {
		return nil, fmt.Errorf("workflow has no trigger node")
	}

	for _, e := range w.Edges {
		if _, ok := g.nodes[e.From]; !ok {
			return nil, fmt.Errorf("edge from unknown node %q", e.From)
		}
		to, ok := g.nodes[e.To]
		if !ok {
			return nil, fmt.Errorf("edge to unknown node %q", e.To)
		}
		if to.Type == store.NodeTrigger {
			return nil, fmt.Errorf("trigger node %q cannot have incoming edges", e.To)
		}
		g.out[e.From] = append(g.out[e.From], e)
		g.in[e.To] = append(g.in[e.To], e)
	}

	for id, n := range g.nodes {
		if n.Type != store.NodeConditional {
			continue
		}
		edges := g.out[id]
		if len(edges) != 2 {
			return nil, fmt.Errorf("conditional node %q needs exactly 2 outgoing edges, has %d", id, len(edges))
		}
		branches := map[string]bool{}
		for _, e := range edges {
			branches[e.Branch] = true
		}
		if !branches["true"] || !branches["false"] {
			return nil, fmt.Errorf("conditional node %q edges must be labeled true and false", id)
		}
	}

	order, err := g.sortKahn()
	if err != nil {
		return nil, err
	}
	g.order = order

	// Nodes not reachable from a trigger stay in the graph; the engine
	// marks them skipped instead of failing the whole workflow.
	g.reachable = map[string]bool{}
	queue := append([]string(nil), triggers...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if g.reachable[id] {
			continue
		}
		g.reachable[id] = true
		for _, e := range g.out[id] {
			queue = append(queue, e.To)
		}
	}

	return g, nil
}

// Reachable reports whether a node can be reached from a trigger.
func (g *Graph) Reachable(id string) bool { return g.reachable[id] }

// sortKahn returns a deterministic topological order or a cycle error.
func (g *Graph) sortKahn() ([]string, error) {
	inDegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		inDegree[id] = len(g.in[id])
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var ready []string
		for _, e := range g.out[id] {
			inDegree[e.To]--
			if inDegree[e.To] == 0 {
				ready = append(ready, e.To)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("workflow contains a cycle")
	}
	return order, nil
}

// Order returns node ids in topological order.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Node returns a node by id, or nil.
func (g *Graph) Node(id string) *store.WorkflowNode { return g.nodes[id] }

// Incoming returns the edges arriving at a node.
func (g *Graph) Incoming(id string) []store.WorkflowEdge { return g.in[id] }

// Outgoing returns the edges leaving a node.
func (g *Graph) Outgoing(id string) []store.WorkflowEdge { return g.out[id] }

// Len returns the node count.
func (g *Graph) Len() int { return len(g.nodes) }
