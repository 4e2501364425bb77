// Package dag implements the per-run dependency graph: build/validate,
// a per-node state machine, and the completion propagation rules the
// scheduler drives jobs through. It is a pure, in-memory component —
// no store or network access — grounded on the topological-sort shape
// of the teacher's workflow engine but reworked around job completion
// semantics (skip propagation, cancellation) rather than sub-workflow
// dispatch.
package dag

import "fmt"

// Status is a node's position in the per-node state machine:
// pending -> ready -> running -> {success, failure}, or any
// pre-terminal status -> {skipped, cancelled}.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a status has no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSkipped, StatusCancelled:
		return true
	default:
		return false
	}
}

// Node is one job in the graph, identified by its ID with the set of
// job IDs it directly depends on.
type Node struct {
	ID        string
	DependsOn []string
}

// Graph tracks per-node status and the edges needed to propagate
// completions. It is not safe for concurrent use; callers (the
// scheduler) serialize access themselves.
type Graph struct {
	status     map[string]Status
	dependsOn  map[string][]string
	dependents map[string][]string // reverse edges: node -> nodes that depend on it
	order      []string            // topological order, fixed at Build time
}

// Build validates that every dependency target exists and the graph is
// acyclic (DFS with a recursion stack), then seeds initial statuses:
// ready for nodes with no dependencies, pending otherwise.
func Build(nodes []Node) (*Graph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("dag: at least one node is required")
	}

	known := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if known[n.ID] {
			return nil, fmt.Errorf("dag: duplicate node id %q", n.ID)
		}
		known[n.ID] = true
	}

	dependsOn := make(map[string][]string, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if !known[dep] {
				return nil, fmt.Errorf("dag: node %q depends on unknown node %q", n.ID, dep)
			}
			if dep == n.ID {
				return nil, fmt.Errorf("dag: node %q depends on itself", n.ID)
			}
		}
		dependsOn[n.ID] = append([]string(nil), n.DependsOn...)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.ID)
		}
	}

	order, err := topoSort(nodes, dependsOn)
	if err != nil {
		return nil, err
	}

	status := make(map[string]Status, len(nodes))
	for _, n := range nodes {
		if len(n.DependsOn) == 0 {
			status[n.ID] = StatusReady
		} else {
			status[n.ID] = StatusPending
		}
	}

	return &Graph{status: status, dependsOn: dependsOn, dependents: dependents, order: order}, nil
}

// topoSort runs DFS with a recursion stack to both detect cycles and
// produce a deterministic topological order.
func topoSort(nodes []Node, dependsOn map[string][]string) ([]string, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(nodes))
	var order []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("dag: cycle detected at node %q", id)
		}
		color[id] = gray
		for _, dep := range dependsOn[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, n := range nodes {
		if color[n.ID] == white {
			if err := visit(n.ID); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// Status returns a node's current status.
func (g *Graph) Status(id string) Status {
	return g.status[id]
}

// MarkRunning transitions a ready node to running.
func (g *Graph) MarkRunning(id string) {
	g.status[id] = StatusRunning
}

// MarkCompleted records a terminal outcome for id and propagates it:
// on success, every pending node whose dependencies are now all
// success transitions to ready, and the newly-ready set is returned.
// On failure, every node transitively depending on id is marked
// skipped if it was pending or ready, and the skipped set is returned
// so the caller can persist those transitions too.
func (g *Graph) MarkCompleted(id string, success bool) (ready []string, skipped []string) {
	if success {
		g.status[id] = StatusSuccess
		return g.promoteReady(id), nil
	}
	g.status[id] = StatusFailure
	return nil, g.cascadeSkip(id)
}

func (g *Graph) promoteReady(completed string) []string {
	var newlyReady []string
	for _, dependent := range g.dependents[completed] {
		if g.status[dependent] != StatusPending {
			continue
		}
		if g.allDepsSucceeded(dependent) {
			g.status[dependent] = StatusReady
			newlyReady = append(newlyReady, dependent)
		}
	}
	return newlyReady
}

func (g *Graph) allDepsSucceeded(id string) bool {
	for _, dep := range g.dependsOn[id] {
		if g.status[dep] != StatusSuccess {
			return false
		}
	}
	return true
}

func (g *Graph) cascadeSkip(failed string) []string {
	var skipped []string
	queue := append([]string(nil), g.dependents[failed]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		switch g.status[id] {
		case StatusPending, StatusReady:
			g.status[id] = StatusSkipped
			skipped = append(skipped, id)
			queue = append(queue, g.dependents[id]...)
		}
	}
	return skipped
}

// CancelAll transitions every non-terminal node to cancelled. Used on
// global shutdown or explicit run cancellation.
func (g *Graph) CancelAll() {
	for id, s := range g.status {
		if !s.IsTerminal() {
			g.status[id] = StatusCancelled
		}
	}
}

// CancelOne transitions a single non-terminal node to cancelled, for
// fail-fast matrix-group cancellation of one sibling at a time rather
// than the whole graph.
func (g *Graph) CancelOne(id string) {
	if s := g.status[id]; !s.IsTerminal() {
		g.status[id] = StatusCancelled
	}
}

// Done reports whether every node has reached a terminal status.
func (g *Graph) Done() bool {
	for _, s := range g.status {
		if !s.IsTerminal() {
			return false
		}
	}
	return true
}

// Outcome summarizes the graph's overall result once Done reports
// true: failure if any node failed, cancelled if any node was
// cancelled and none failed, success otherwise.
func (g *Graph) Outcome() Status {
	sawCancelled := false
	for _, s := range g.status {
		switch s {
		case StatusFailure:
			return StatusFailure
		case StatusCancelled:
			sawCancelled = true
		}
	}
	if sawCancelled {
		return StatusCancelled
	}
	return StatusSuccess
}

// TopoOrder returns the fixed topological order computed at Build
// time, for deterministic display.
func (g *Graph) TopoOrder() []string {
	return append([]string(nil), g.order...)
}

// Layers groups the topological order into parallel layers: each
// layer contains only nodes whose dependencies all lie in earlier
// layers, so every node in a layer could in principle run
// concurrently.
func (g *Graph) Layers() [][]string {
	layerOf := make(map[string]int, len(g.order))
	var layers [][]string

	for _, id := range g.order {
		maxDepLayer := -1
		for _, dep := range g.dependsOn[id] {
			if l := layerOf[dep]; l > maxDepLayer {
				maxDepLayer = l
			}
		}
		layer := maxDepLayer + 1
		layerOf[id] = layer
		for len(layers) <= layer {
			layers = append(layers, nil)
		}
		layers[layer] = append(layers[layer], id)
	}
	return layers
}

// ReadyNodes returns the IDs currently in the ready status, in
// topological order.
func (g *Graph) ReadyNodes() []string {
	var ready []string
	for _, id := range g.order {
		if g.status[id] == StatusReady {
			ready = append(ready, id)
		}
	}
	return ready
}
