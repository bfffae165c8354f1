package graph

import (
	"sort"

	"github.com/expgrid/dispatchd/pkg/domain"
)

// Graph is the in-memory DAG view of one execution context's tasks. It is
// pure: no I/O, no locking. Callers serialize access through the context's
// lock in the synchronization registry and persist the change lists the
// mutating operations return.
//
// The graph is rebuilt wholesale from persisted task and edge rows; it is
// never incrementally patched from events.
type Graph struct {
	executionContextID string

	vertices map[string]*domain.TaskVertex
	outgoing map[string][]string // producer id -> consumer ids, sorted
	incoming map[string][]string // consumer id -> producer ids, sorted
}

// StateChange is one pending persistence action produced by a graph
// mutation: the task must be moved to NewState in the durable store.
type StateChange struct {
	TaskID    string
	NewState  domain.ExecState
	ContextID string
}

// Build constructs and validates the graph for one execution context from
// persisted task and edge rows. It rejects duplicate vertices, edges
// referencing unknown tasks, self-loops, duplicate edges and cycles.
func Build(executionContextID string, vertices []domain.TaskVertex, edges []domain.Edge) (*Graph, error) {
	g := &Graph{
		executionContextID: executionContextID,
		vertices:           make(map[string]*domain.TaskVertex, len(vertices)),
		outgoing:           make(map[string][]string),
		incoming:           make(map[string][]string),
	}

	for _, v := range vertices {
		if v.TaskID == "" {
			return nil, invalidf("vertex without task id")
		}
		if _, exists := g.vertices[v.TaskID]; exists {
			return nil, invalidf("duplicate vertex: %q", v.TaskID)
		}
		vc := v
		g.vertices[v.TaskID] = &vc
	}

	seen := make(map[[2]string]struct{}, len(edges))
	for _, e := range edges {
		if _, ok := g.vertices[e.FromTaskID]; !ok {
			return nil, invalidf("edge references unknown producer: %q", e.FromTaskID)
		}
		if _, ok := g.vertices[e.ToTaskID]; !ok {
			return nil, invalidf("edge references unknown consumer: %q", e.ToTaskID)
		}
		if e.FromTaskID == e.ToTaskID {
			return nil, invalidf("self-loop: %q", e.FromTaskID)
		}
		pair := [2]string{e.FromTaskID, e.ToTaskID}
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		g.outgoing[e.FromTaskID] = append(g.outgoing[e.FromTaskID], e.ToTaskID)
		g.incoming[e.ToTaskID] = append(g.incoming[e.ToTaskID], e.FromTaskID)
	}
	g.sortAdjacency()

	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

// ExecutionContextID returns the id of the owning execution context.
func (g *Graph) ExecutionContextID() string { return g.executionContextID }

// Size returns the number of vertices.
func (g *Graph) Size() int { return len(g.vertices) }

// FindAll returns every vertex, ordered by task id.
func (g *Graph) FindAll() []domain.TaskVertex {
	out := make([]domain.TaskVertex, 0, len(g.vertices))
	for _, id := range g.sortedIDs() {
		out = append(out, *g.vertices[id])
	}
	return out
}

// FindLeafs returns the sink vertices: tasks no other task depends on.
func (g *Graph) FindLeafs() []domain.TaskVertex {
	var out []domain.TaskVertex
	for _, id := range g.sortedIDs() {
		if len(g.outgoing[id]) == 0 {
			out = append(out, *g.vertices[id])
		}
	}
	return out
}

// Roots returns the source vertices: tasks with no ancestors. A well-formed
// pipeline has exactly one; the reconciler treats zero roots as corruption.
func (g *Graph) Roots() []domain.TaskVertex {
	var out []domain.TaskVertex
	for _, id := range g.sortedIDs() {
		if len(g.incoming[id]) == 0 {
			out = append(out, *g.vertices[id])
		}
	}
	return out
}

// Contains reports whether the graph has a vertex for taskID.
func (g *Graph) Contains(taskID string) bool {
	_, ok := g.vertices[taskID]
	return ok
}

// Vertex returns the projection for taskID.
func (g *Graph) Vertex(taskID string) (domain.TaskVertex, bool) {
	v, ok := g.vertices[taskID]
	if !ok {
		return domain.TaskVertex{}, false
	}
	return *v, true
}

// FindDirectDescendants returns the direct consumers of taskID.
func (g *Graph) FindDirectDescendants(taskID string) []domain.TaskVertex {
	out := make([]domain.TaskVertex, 0, len(g.outgoing[taskID]))
	for _, id := range g.outgoing[taskID] {
		out = append(out, *g.vertices[id])
	}
	return out
}

// FindDirectAncestors returns the direct producers the vertex depends on.
func (g *Graph) FindDirectAncestors(v domain.TaskVertex) []domain.TaskVertex {
	out := make([]domain.TaskVertex, 0, len(g.incoming[v.TaskID]))
	for _, id := range g.incoming[v.TaskID] {
		out = append(out, *g.vertices[id])
	}
	return out
}

// FindDescendants returns every vertex reachable from taskID, excluding the
// task itself. Traversal is an iterative BFS with a visited set; cost is
// O(V+E) regardless of diamond fan-in.
func (g *Graph) FindDescendants(taskID string) []domain.TaskVertex {
	ids := g.descendantIDs(taskID)
	out := make([]domain.TaskVertex, 0, len(ids))
	for _, id := range ids {
		out = append(out, *g.vertices[id])
	}
	return out
}

func (g *Graph) descendantIDs(taskID string) []string {
	if _, ok := g.vertices[taskID]; !ok {
		return nil
	}
	visited := map[string]struct{}{taskID: {}}
	queue := append([]string(nil), g.outgoing[taskID]...)
	var out []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		out = append(out, id)
		queue = append(queue, g.outgoing[id]...)
	}
	sort.Strings(out)
	return out
}

// FindAllForAssigning returns vertices whose own state is NONE and whose
// every direct ancestor is in a successful terminal state.
func (g *Graph) FindAllForAssigning() []domain.TaskVertex {
	var out []domain.TaskVertex
	for _, id := range g.sortedIDs() {
		if g.isAssignable(id) {
			out = append(out, *g.vertices[id])
		}
	}
	return out
}

func (g *Graph) isAssignable(taskID string) bool {
	v, ok := g.vertices[taskID]
	if !ok || v.ExecState != domain.ExecStateNone {
		return false
	}
	for _, anc := range g.incoming[taskID] {
		if !g.vertices[anc].ExecState.IsSuccessful() {
			return false
		}
	}
	return true
}

// FindAllBroken returns vertices already marked BROKEN, for cleanup and
// reporting. Broken vertices are never reassigned.
func (g *Graph) FindAllBroken() []domain.TaskVertex {
	var out []domain.TaskVertex
	for _, id := range g.sortedIDs() {
		if g.vertices[id].ExecState == domain.ExecStateBroken {
			out = append(out, *g.vertices[id])
		}
	}
	return out
}

// GetCountUnfinishedTasks returns the number of vertices not in a terminal
// state. The lifecycle controller gates FINISHED on this reaching zero.
func (g *Graph) GetCountUnfinishedTasks() int {
	count := 0
	for _, v := range g.vertices {
		if !v.ExecState.IsTerminal() {
			count++
		}
	}
	return count
}

// GetUnfinishedTaskVertices returns the vertices not in a terminal state.
func (g *Graph) GetUnfinishedTaskVertices() []domain.TaskVertex {
	var out []domain.TaskVertex
	for _, id := range g.sortedIDs() {
		if !g.vertices[id].ExecState.IsTerminal() {
			out = append(out, *g.vertices[id])
		}
	}
	return out
}

// UpdateTaskExecState sets the vertex state and, when newState is ERROR,
// iteratively marks every descendant BROKEN. Descendants that already hold
// a terminal OK or ERROR state are left untouched: with diamond
// dependencies a branch may legitimately have completed before the failure
// propagated, and replaying the same error twice must not re-break it.
//
// The returned change list is everything the caller must persist; the
// graph itself performs no I/O.
func (g *Graph) UpdateTaskExecState(taskID string, newState domain.ExecState, contextID string) ([]StateChange, error) {
	v, ok := g.vertices[taskID]
	if !ok {
		return nil, &Error{Kind: ErrUnknownTask, Msg: taskID}
	}

	var changes []StateChange
	if v.ExecState != newState {
		v.ExecState = newState
		if contextID != "" {
			v.ContextID = contextID
		}
		changes = append(changes, StateChange{TaskID: taskID, NewState: newState, ContextID: v.ContextID})
	}

	if newState != domain.ExecStateError {
		return changes, nil
	}

	// Iterative BFS keeps stack depth bounded on graphs with thousands of
	// vertices.
	visited := map[string]struct{}{taskID: {}}
	queue := append([]string(nil), g.outgoing[taskID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		d := g.vertices[id]
		switch d.ExecState {
		case domain.ExecStateOK, domain.ExecStateError:
			// Completed through another path before the failure arrived.
		case domain.ExecStateBroken, domain.ExecStateSkipped:
			// Already propagated; replays stay idempotent.
		default:
			d.ExecState = domain.ExecStateBroken
			changes = append(changes, StateChange{TaskID: id, NewState: domain.ExecStateBroken, ContextID: d.ContextID})
		}
		queue = append(queue, g.outgoing[id]...)
	}
	return changes, nil
}

func (g *Graph) sortedIDs() []string {
	ids := make([]string, 0, len(g.vertices))
	for id := range g.vertices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Graph) sortAdjacency() {
	for id := range g.outgoing {
		sort.Strings(g.outgoing[id])
	}
	for id := range g.incoming {
		sort.Strings(g.incoming[id])
	}
}

// validateAcyclic proves the edge set has no cycle using Kahn's algorithm
// and, on failure, extracts one deterministic cycle path for the error.
func (g *Graph) validateAcyclic() error {
	indeg := make(map[string]int, len(g.vertices))
	for id := range g.vertices {
		indeg[id] = len(g.incoming[id])
	}

	var ready []string
	for id, d := range indeg {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	processed := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		processed++
		for _, next := range g.outgoing[id] {
			indeg[next]--
			if indeg[next] == 0 {
				ready = append(ready, next)
			}
		}
		sort.Strings(ready)
	}

	if processed == len(g.vertices) {
		return nil
	}
	return cycleError(g.findCycle())
}

// findCycle runs a DFS over sorted ids to extract a single stable cycle
// witness for error reporting.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.vertices))
	parent := make(map[string]string, len(g.vertices))

	var cycle []string
	var dfs func(u string) bool
	dfs = func(u string) bool {
		color[u] = gray
		for _, v := range g.outgoing[u] {
			switch color[v] {
			case white:
				parent[v] = u
				if dfs(v) {
					return true
				}
			case gray:
				cycle = append(cycle, v)
				for cur := u; cur != "" && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = black
		return false
	}

	for _, id := range g.sortedIDs() {
		if color[id] == white && dfs(id) {
			break
		}
	}

	// Reverse the parent walk into forward edge order.
	for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
		cycle[i], cycle[j] = cycle[j], cycle[i]
	}
	return cycle
}
