package graph

import (
	"errors"
	"reflect"
	"testing"

	"github.com/expgrid/dispatchd/pkg/domain"
)

func vertex(id string) domain.TaskVertex {
	return domain.TaskVertex{TaskID: id, ExecState: domain.ExecStateNone}
}

func vertexIn(id string, state domain.ExecState) domain.TaskVertex {
	return domain.TaskVertex{TaskID: id, ExecState: state}
}

func edge(from, to string) domain.Edge {
	return domain.Edge{ExecutionContextID: "ec-1", FromTaskID: from, ToTaskID: to}
}

func mustBuild(t *testing.T, vertices []domain.TaskVertex, edges []domain.Edge) *Graph {
	t.Helper()
	g, err := Build("ec-1", vertices, edges)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g
}

func ids(vertices []domain.TaskVertex) []string {
	out := make([]string, 0, len(vertices))
	for _, v := range vertices {
		out = append(out, v.TaskID)
	}
	return out
}

func TestBuildValidation(t *testing.T) {
	tests := []struct {
		name     string
		vertices []domain.TaskVertex
		edges    []domain.Edge
		wantKind error
	}{
		{
			name:     "duplicate vertex",
			vertices: []domain.TaskVertex{vertex("a"), vertex("a")},
			wantKind: ErrInvalidGraph,
		},
		{
			name:     "unknown producer",
			vertices: []domain.TaskVertex{vertex("a")},
			edges:    []domain.Edge{edge("x", "a")},
			wantKind: ErrInvalidGraph,
		},
		{
			name:     "self loop",
			vertices: []domain.TaskVertex{vertex("a")},
			edges:    []domain.Edge{edge("a", "a")},
			wantKind: ErrInvalidGraph,
		},
		{
			name:     "two-node cycle",
			vertices: []domain.TaskVertex{vertex("a"), vertex("b")},
			edges:    []domain.Edge{edge("a", "b"), edge("b", "a")},
			wantKind: ErrCycleFound,
		},
		{
			name:     "three-node cycle behind a valid prefix",
			vertices: []domain.TaskVertex{vertex("a"), vertex("b"), vertex("c"), vertex("d")},
			edges:    []domain.Edge{edge("a", "b"), edge("b", "c"), edge("c", "d"), edge("d", "b")},
			wantKind: ErrCycleFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Build("ec-1", tt.vertices, tt.edges)
			if err == nil {
				t.Fatal("Build() expected error, got nil")
			}
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("Build() error = %v, want kind %v", err, tt.wantKind)
			}
		})
	}
}

func TestBuildSkipsDuplicateEdges(t *testing.T) {
	g := mustBuild(t,
		[]domain.TaskVertex{vertex("a"), vertex("b")},
		[]domain.Edge{edge("a", "b"), edge("a", "b")})

	if got := g.FindDirectDescendants("a"); len(got) != 1 {
		t.Fatalf("FindDirectDescendants(a) = %v, want one entry", got)
	}
}

func TestRootsAndLeafs(t *testing.T) {
	g := mustBuild(t,
		[]domain.TaskVertex{vertex("a"), vertex("b"), vertex("c"), vertex("d")},
		[]domain.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")})

	if got := ids(g.Roots()); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Roots() = %v, want [a]", got)
	}
	if got := ids(g.FindLeafs()); !reflect.DeepEqual(got, []string{"d"}) {
		t.Errorf("FindLeafs() = %v, want [d]", got)
	}
}

func TestFindDescendants(t *testing.T) {
	g := mustBuild(t,
		[]domain.TaskVertex{vertex("a"), vertex("b"), vertex("c"), vertex("d"), vertex("e")},
		[]domain.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d"), edge("d", "e")})

	if got := ids(g.FindDescendants("a")); !reflect.DeepEqual(got, []string{"b", "c", "d", "e"}) {
		t.Errorf("FindDescendants(a) = %v", got)
	}
	if got := g.FindDescendants("e"); len(got) != 0 {
		t.Errorf("FindDescendants(e) = %v, want empty", got)
	}
}

func TestFindAllForAssigning(t *testing.T) {
	g := mustBuild(t,
		[]domain.TaskVertex{
			vertexIn("a", domain.ExecStateOK),
			vertex("b"),
			vertex("c"),
			vertex("d"),
		},
		[]domain.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")})

	// a is done, so b and c are assignable; d waits on both.
	if got := ids(g.FindAllForAssigning()); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("FindAllForAssigning() = %v, want [b c]", got)
	}

	if _, err := g.UpdateTaskExecState("b", domain.ExecStateOK, ""); err != nil {
		t.Fatal(err)
	}
	if got := ids(g.FindAllForAssigning()); !reflect.DeepEqual(got, []string{"c"}) {
		t.Fatalf("after b OK, FindAllForAssigning() = %v, want [c]", got)
	}

	if _, err := g.UpdateTaskExecState("c", domain.ExecStateOK, ""); err != nil {
		t.Fatal(err)
	}
	if got := ids(g.FindAllForAssigning()); !reflect.DeepEqual(got, []string{"d"}) {
		t.Fatalf("after b and c OK, FindAllForAssigning() = %v, want [d]", got)
	}
}

func TestFailurePropagationBreaksDescendants(t *testing.T) {
	g := mustBuild(t,
		[]domain.TaskVertex{vertex("a"), vertex("b"), vertex("c"), vertex("d")},
		[]domain.Edge{edge("a", "b"), edge("b", "c"), edge("b", "d")})

	changes, err := g.UpdateTaskExecState("b", domain.ExecStateError, "")
	if err != nil {
		t.Fatal(err)
	}

	wantStates := map[string]domain.ExecState{
		"b": domain.ExecStateError,
		"c": domain.ExecStateBroken,
		"d": domain.ExecStateBroken,
	}
	if len(changes) != len(wantStates) {
		t.Fatalf("got %d changes, want %d: %+v", len(changes), len(wantStates), changes)
	}
	for _, ch := range changes {
		if wantStates[ch.TaskID] != ch.NewState {
			t.Errorf("change for %s = %s, want %s", ch.TaskID, ch.NewState, wantStates[ch.TaskID])
		}
	}

	// The untouched ancestor stays NONE.
	if v, _ := g.Vertex("a"); v.ExecState != domain.ExecStateNone {
		t.Errorf("vertex a = %s, want NONE", v.ExecState)
	}
}

func TestFailurePropagationIsIdempotent(t *testing.T) {
	g := mustBuild(t,
		[]domain.TaskVertex{vertex("a"), vertex("b"), vertex("c")},
		[]domain.Edge{edge("a", "b"), edge("b", "c")})

	if _, err := g.UpdateTaskExecState("a", domain.ExecStateError, ""); err != nil {
		t.Fatal(err)
	}
	changes, err := g.UpdateTaskExecState("a", domain.ExecStateError, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 0 {
		t.Fatalf("replayed propagation produced changes: %+v", changes)
	}
}

func TestFailurePropagationSparesCompletedDiamondBranch(t *testing.T) {
	// a fans out to b and c, both feed d. c finished OK before a's late
	// failure report arrives; only d is newly broken.
	g := mustBuild(t,
		[]domain.TaskVertex{
			vertex("a"),
			vertex("b"),
			vertexIn("c", domain.ExecStateOK),
			vertex("d"),
		},
		[]domain.Edge{edge("a", "b"), edge("a", "c"), edge("b", "d"), edge("c", "d")})

	changes, err := g.UpdateTaskExecState("a", domain.ExecStateError, "")
	if err != nil {
		t.Fatal(err)
	}

	got := map[string]domain.ExecState{}
	for _, ch := range changes {
		got[ch.TaskID] = ch.NewState
	}
	if got["c"] != "" {
		t.Errorf("completed branch c was touched: %s", got["c"])
	}
	if v, _ := g.Vertex("c"); v.ExecState != domain.ExecStateOK {
		t.Errorf("vertex c = %s, want OK", v.ExecState)
	}
	if v, _ := g.Vertex("b"); v.ExecState != domain.ExecStateBroken {
		t.Errorf("vertex b = %s, want BROKEN", v.ExecState)
	}
	if v, _ := g.Vertex("d"); v.ExecState != domain.ExecStateBroken {
		t.Errorf("vertex d = %s, want BROKEN", v.ExecState)
	}
}

func TestUpdateUnknownTask(t *testing.T) {
	g := mustBuild(t, []domain.TaskVertex{vertex("a")}, nil)
	if _, err := g.UpdateTaskExecState("zzz", domain.ExecStateOK, ""); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("error = %v, want ErrUnknownTask", err)
	}
}

func TestGetCountUnfinishedTasks(t *testing.T) {
	g := mustBuild(t,
		[]domain.TaskVertex{
			vertexIn("a", domain.ExecStateOK),
			vertexIn("b", domain.ExecStateBroken),
			vertexIn("c", domain.ExecStateInProgress),
			vertex("d"),
		},
		nil)

	if got := g.GetCountUnfinishedTasks(); got != 2 {
		t.Fatalf("GetCountUnfinishedTasks() = %d, want 2", got)
	}
	if got := ids(g.GetUnfinishedTaskVertices()); !reflect.DeepEqual(got, []string{"c", "d"}) {
		t.Fatalf("GetUnfinishedTaskVertices() = %v, want [c d]", got)
	}
	if got := ids(g.FindAllBroken()); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("FindAllBroken() = %v, want [b]", got)
	}
}
