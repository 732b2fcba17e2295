// Package graph provides the dependency graph for subtask scheduling.
package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/switchboard/pkg/models"
)

type node struct {
	subtask *models.Subtask
	// index is the insertion position, used as the final ordering tie-break.
	index int
	// depth is the longest path from a root.
	depth int
	// dependents are the ids that depend on this node, in insertion order.
	dependents []string
}

// DependencyGraph is a directed acyclic graph of subtasks.
// Edges point from a subtask to the subtasks it depends on.
type DependencyGraph struct {
	mu    sync.RWMutex
	nodes map[string]*node
	// order holds ids in insertion order.
	order []string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]*node),
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build ingests a complete set of subtasks, replacing any previous contents.
// The subtasks are copied and every status starts as Pending.
// Returns a *GraphError wrapping models.ErrInvalidGraph if ids are empty or
// duplicated, a dependency is unknown or self-referential, an input key is not
// an output of a declared dependency, or the graph has a cycle.
func (g *DependencyGraph) Build(subtasks []*models.Subtask) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d subtasks", len(subtasks))

	nodes := make(map[string]*node, len(subtasks))
	order := make([]string, 0, len(subtasks))

	// First pass: register all subtasks as nodes.
	for i, st := range subtasks {
		if st == nil || st.ID == "" {
			return invalidf("subtask at position %d has an empty id", i)
		}
		if _, dup := nodes[st.ID]; dup {
			return invalidf("duplicate subtask id %s", st.ID)
		}
		c := st.Clone()
		c.Status = models.StatusPending
		nodes[st.ID] = &node{subtask: c, index: i}
		order = append(order, st.ID)
	}

	// Second pass: validate edges and declared inputs.
	for _, id := range order {
		st := nodes[id].subtask
		seen := make(map[string]bool, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			if dep.ID == st.ID {
				return invalidf("subtask %s depends on itself", st.ID)
			}
			depNode, ok := nodes[dep.ID]
			if !ok {
				return invalidf("subtask %s depends on unknown subtask %s", st.ID, dep.ID)
			}
			if seen[dep.ID] {
				continue
			}
			seen[dep.ID] = true
			depNode.dependents = append(depNode.dependents, st.ID)
		}
		for _, key := range st.Inputs {
			if !producedByDependency(nodes, st, key) {
				return invalidf("subtask %s input %q is not an output of any declared dependency", st.ID, key)
			}
		}
	}

	if path := findCycle(nodes, order); path != nil {
		return cycleError(path)
	}

	computeDepths(nodes, order)

	g.nodes = nodes
	g.order = order
	g.debugLog("[graph.Build] graph built successfully with %d nodes", len(nodes))
	return nil
}

func producedByDependency(nodes map[string]*node, st *models.Subtask, key string) bool {
	for _, dep := range st.DependsOn {
		for _, out := range nodes[dep.ID].subtask.Outputs {
			if out == key {
				return true
			}
		}
	}
	return false
}

// findCycle runs a DFS in insertion order and returns one cycle as a path
// that starts and ends on the same id, or nil if the graph is acyclic.
func findCycle(nodes map[string]*node, order []string) []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(nodes))
	parent := make(map[string]string, len(nodes))
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range nodes[id].subtask.DependsOn {
			switch colors[dep.ID] {
			case 0:
				parent[dep.ID] = id
				if visit(dep.ID) {
					return true
				}
			case 1:
				// Back edge id -> dep.ID. Walk parents back to dep.ID.
				path := []string{dep.ID}
				for cur := id; cur != dep.ID; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep.ID)
				// Reverse so the path reads in dependency direction.
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				cycle = path
				return true
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// computeDepths assigns each node the length of its longest path from a root.
func computeDepths(nodes map[string]*node, order []string) {
	done := make(map[string]bool, len(nodes))
	var depth func(id string) int
	depth = func(id string) int {
		n := nodes[id]
		if done[id] {
			return n.depth
		}
		d := 0
		for _, dep := range n.subtask.DependsOn {
			if dd := depth(dep.ID) + 1; dd > d {
				d = dd
			}
		}
		n.depth = d
		done[id] = true
		return d
	}
	for _, id := range order {
		depth(id)
	}
}

// ReadySet returns Pending subtasks whose dependencies are satisfied, ordered by
// depth ascending, then priority descending, then insertion order.
// A hard edge needs its predecessor Succeeded. A soft edge also accepts a
// predecessor for which usable reports true. A nil usable treats every soft
// edge as hard.
func (g *DependencyGraph) ReadySet(usable func(id string) bool) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*node
	for _, id := range g.order {
		n := g.nodes[id]
		if n.subtask.Status != models.StatusPending {
			continue
		}
		if g.satisfiedLocked(n.subtask, usable) {
			ready = append(ready, n)
		}
	}

	sortNodes(ready)

	ids := make([]string, len(ready))
	for i, n := range ready {
		ids[i] = n.subtask.ID
	}
	g.debugLog("[graph.ReadySet] %d ready: %v", len(ids), ids)
	return ids
}

func (g *DependencyGraph) satisfiedLocked(st *models.Subtask, usable func(id string) bool) bool {
	for _, dep := range st.DependsOn {
		depStatus := g.nodes[dep.ID].subtask.Status
		if depStatus == models.StatusSucceeded {
			continue
		}
		if st.EdgeSync(dep) == models.SyncSoft && usable != nil && usable(dep.ID) {
			continue
		}
		return false
	}
	return true
}

func lessNode(a, b *node) bool {
	if a.depth != b.depth {
		return a.depth < b.depth
	}
	if pa, pb := a.subtask.Priority.Rank(), b.subtask.Priority.Rank(); pa != pb {
		return pa > pb
	}
	return a.index < b.index
}

func sortNodes(ns []*node) {
	sort.Slice(ns, func(i, j int) bool { return lessNode(ns[i], ns[j]) })
}

// Less reports whether subtask a is ordered before b in scheduling order.
// Unknown ids sort last.
func (g *DependencyGraph) Less(a, b string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	na, nb := g.nodes[a], g.nodes[b]
	if na == nil || nb == nil {
		return na != nil
	}
	return lessNode(na, nb)
}

// MarkStatus sets a subtask's status. Transition rules are enforced by the
// caller; the graph only records the value.
func (g *DependencyGraph) MarkStatus(id string, status models.SubtaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("mark %s: invalid status %q", id, status)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("mark %s: unknown subtask", id)
	}
	g.debugLog("[graph.MarkStatus] %s: %s -> %s", id, n.subtask.Status, status)
	n.subtask.Status = status
	return nil
}

// Status returns the current status of a subtask and whether it exists.
func (g *DependencyGraph) Status(id string) (models.SubtaskStatus, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return "", false
	}
	return n.subtask.Status, true
}

// Subtask returns a copy of the subtask with the given id, or nil if not found.
func (g *DependencyGraph) Subtask(id string) *models.Subtask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.subtask.Clone()
}

// Subtasks returns copies of every subtask in insertion order.
func (g *DependencyGraph) Subtasks() []*models.Subtask {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.Subtask, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].subtask.Clone())
	}
	return out
}

// IDs returns every subtask id in insertion order.
func (g *DependencyGraph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Size returns the number of subtasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Depth returns the longest path length from a root to the subtask.
func (g *DependencyGraph) Depth(id string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if n, ok := g.nodes[id]; ok {
		return n.depth
	}
	return 0
}

// Dependencies returns the ids the given subtask depends on, in declaration order.
func (g *DependencyGraph) Dependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return n.subtask.DependencyIDs()
}

// Dependents returns the ids that directly depend on the given subtask,
// in insertion order.
func (g *DependencyGraph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	return append([]string(nil), n.dependents...)
}

// TransitiveDependents returns every subtask reachable downstream of id in
// breadth-first order. The order is deterministic for a given graph.
func (g *DependencyGraph) TransitiveDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start, ok := g.nodes[id]
	if !ok {
		return nil
	}

	visited := map[string]bool{id: true}
	queue := append([]string(nil), start.dependents...)
	var out []string
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		out = append(out, cur)
		queue = append(queue, g.nodes[cur].dependents...)
	}
	return out
}

// TopologicalSort returns subtask ids with every dependency before its
// dependents. Ordering within a depth follows scheduling order.
func (g *DependencyGraph) TopologicalSort() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ns := make([]*node, 0, len(g.order))
	for _, id := range g.order {
		ns = append(ns, g.nodes[id])
	}
	sortNodes(ns)

	ids := make([]string, len(ns))
	for i, n := range ns {
		ids[i] = n.subtask.ID
	}
	return ids
}
