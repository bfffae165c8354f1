package graph

import (
	"sort"

	"github.com/expgrid/dispatchd/pkg/domain"
)

// EdgeDiff lists the durable edge rows a splice produced. Added rows must
// be inserted and Removed rows deleted for the persisted edge set to match
// the graph again.
type EdgeDiff struct {
	Added   []domain.Edge
	Removed []domain.Edge
}

// AddNewTasksToGraph inserts dynamically produced tasks and splices them
// between the given parents and those parents' pre-existing direct
// descendants: every parent->child edge becomes parent->new plus
// new->child, so downstream ordering established before the fan-out is
// preserved.
//
// The mutation is applied atomically: on any validation failure, including
// a cycle introduced by a misbehaving producer, the graph is unchanged.
func (g *Graph) AddNewTasksToGraph(parentIDs []string, newVertices []domain.TaskVertex) (EdgeDiff, error) {
	if len(newVertices) == 0 {
		return EdgeDiff{}, invalidf("no tasks to insert")
	}
	for _, p := range parentIDs {
		if _, ok := g.vertices[p]; !ok {
			return EdgeDiff{}, &Error{Kind: ErrUnknownTask, Msg: p}
		}
	}

	newIDs := make(map[string]struct{}, len(newVertices))
	for _, v := range newVertices {
		if v.TaskID == "" {
			return EdgeDiff{}, invalidf("vertex without task id")
		}
		if _, exists := g.vertices[v.TaskID]; exists {
			return EdgeDiff{}, invalidf("duplicate vertex: %q", v.TaskID)
		}
		if _, dup := newIDs[v.TaskID]; dup {
			return EdgeDiff{}, invalidf("duplicate vertex in insert batch: %q", v.TaskID)
		}
		newIDs[v.TaskID] = struct{}{}
	}

	work := g.clone()
	for _, v := range newVertices {
		vc := v
		work.vertices[v.TaskID] = &vc
	}

	var diff EdgeDiff
	displaced := make(map[string]struct{})
	for _, p := range parentIDs {
		children := append([]string(nil), work.outgoing[p]...)
		for _, c := range children {
			work.removeEdge(p, c)
			diff.Removed = append(diff.Removed, g.edge(p, c))
			displaced[c] = struct{}{}
		}
		for _, v := range newVertices {
			work.addEdge(p, v.TaskID)
			diff.Added = append(diff.Added, g.edge(p, v.TaskID))
		}
	}

	displacedIDs := make([]string, 0, len(displaced))
	for c := range displaced {
		displacedIDs = append(displacedIDs, c)
	}
	sort.Strings(displacedIDs)

	for _, v := range newVertices {
		for _, c := range displacedIDs {
			work.addEdge(v.TaskID, c)
			diff.Added = append(diff.Added, g.edge(v.TaskID, c))
		}
	}

	work.sortAdjacency()
	if err := work.validateAcyclic(); err != nil {
		return EdgeDiff{}, err
	}

	g.replaceWith(work)
	return diff, nil
}

// CreateEdges adds dependency edges from every parent to every descendant
// vertex, skipping pairs already connected directly. Like the splice, it is
// all-or-nothing: a cycle leaves the graph untouched.
func (g *Graph) CreateEdges(parentIDs []string, descendants []domain.TaskVertex) ([]domain.Edge, error) {
	for _, p := range parentIDs {
		if _, ok := g.vertices[p]; !ok {
			return nil, &Error{Kind: ErrUnknownTask, Msg: p}
		}
	}
	for _, d := range descendants {
		if _, ok := g.vertices[d.TaskID]; !ok {
			return nil, &Error{Kind: ErrUnknownTask, Msg: d.TaskID}
		}
	}

	work := g.clone()
	var added []domain.Edge
	for _, p := range parentIDs {
		for _, d := range descendants {
			if p == d.TaskID {
				return nil, invalidf("self-loop: %q", p)
			}
			if work.hasEdge(p, d.TaskID) {
				continue
			}
			work.addEdge(p, d.TaskID)
			added = append(added, g.edge(p, d.TaskID))
		}
	}

	work.sortAdjacency()
	if err := work.validateAcyclic(); err != nil {
		return nil, err
	}

	g.replaceWith(work)
	return added, nil
}

func (g *Graph) edge(from, to string) domain.Edge {
	return domain.Edge{ExecutionContextID: g.executionContextID, FromTaskID: from, ToTaskID: to}
}

func (g *Graph) hasEdge(from, to string) bool {
	for _, id := range g.outgoing[from] {
		if id == to {
			return true
		}
	}
	return false
}

func (g *Graph) addEdge(from, to string) {
	g.outgoing[from] = append(g.outgoing[from], to)
	g.incoming[to] = append(g.incoming[to], from)
}

func (g *Graph) removeEdge(from, to string) {
	g.outgoing[from] = removeID(g.outgoing[from], to)
	g.incoming[to] = removeID(g.incoming[to], from)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (g *Graph) clone() *Graph {
	cp := &Graph{
		executionContextID: g.executionContextID,
		vertices:           make(map[string]*domain.TaskVertex, len(g.vertices)),
		outgoing:           make(map[string][]string, len(g.outgoing)),
		incoming:           make(map[string][]string, len(g.incoming)),
	}
	for id, v := range g.vertices {
		vc := *v
		cp.vertices[id] = &vc
	}
	for id, ids := range g.outgoing {
		cp.outgoing[id] = append([]string(nil), ids...)
	}
	for id, ids := range g.incoming {
		cp.incoming[id] = append([]string(nil), ids...)
	}
	return cp
}

func (g *Graph) replaceWith(other *Graph) {
	g.vertices = other.vertices
	g.outgoing = other.outgoing
	g.incoming = other.incoming
}
