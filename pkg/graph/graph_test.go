package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestTopologicalOrder(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		edges [][2]string
		want  []string
	}{
		{
			name:  "independent nodes keep insertion order",
			nodes: []string{"c", "a", "b"},
			want:  []string{"c", "a", "b"},
		},
		{
			name:  "linear chain",
			nodes: []string{"c", "b", "a"},
			edges: [][2]string{{"a", "b"}, {"b", "c"}},
			want:  []string{"a", "b", "c"},
		},
		{
			name:  "diamond",
			nodes: []string{"top", "left", "right", "bottom"},
			edges: [][2]string{{"top", "left"}, {"top", "right"}, {"left", "bottom"}, {"right", "bottom"}},
			want:  []string{"top", "left", "right", "bottom"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			for _, n := range tt.nodes {
				g.AddNode(n)
			}
			for _, e := range tt.edges {
				g.AddEdge(e[0], e[1])
			}

			got, err := g.TopologicalOrder()
			if err != nil {
				t.Fatalf("TopologicalOrder() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TopologicalOrder() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectCycles(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")
	g.AddEdge("c", "a")

	err := g.DetectCycles()
	if err == nil {
		t.Fatal("expected cycle error")
	}

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected *CycleError, got %T", err)
	}
	if len(cycleErr.Path) != 4 || cycleErr.Path[0] != cycleErr.Path[3] {
		t.Errorf("unexpected cycle path %v", cycleErr.Path)
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("error should render the cycle path, got %q", err.Error())
	}

	if _, err := g.TopologicalOrder(); err == nil {
		t.Error("TopologicalOrder() should fail on a cyclic graph")
	}
}

func TestSelfLoop(t *testing.T) {
	g := New()
	g.AddEdge("a", "a")
	if err := g.DetectCycles(); err == nil {
		t.Fatal("expected self loop to be reported as a cycle")
	}
}

func TestDownstream(t *testing.T) {
	g := New()
	g.AddEdge("home", "user")
	g.AddEdge("user", "quota")
	g.AddEdge("other", "quota")
	g.AddNode("unrelated")

	got, err := g.Downstream("home")
	if err != nil {
		t.Fatalf("Downstream() error = %v", err)
	}
	want := []string{"user", "quota"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Downstream() = %v, want %v", got, want)
	}

	got, _ = g.Downstream("unrelated")
	if len(got) != 0 {
		t.Errorf("Downstream(unrelated) = %v, want empty", got)
	}
}

func TestRemove(t *testing.T) {
	g := New()
	g.AddEdge("a", "b")
	g.AddEdge("b", "c")

	g.Remove("b")

	if g.Has("b") {
		t.Error("b should be removed")
	}
	if deps := g.Dependents("a"); len(deps) != 0 {
		t.Errorf("a dependents = %v, want none", deps)
	}
	if deps := g.Dependencies("c"); len(deps) != 0 {
		t.Errorf("c dependencies = %v, want none", deps)
	}
	if got := g.Nodes(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("Nodes() = %v", got)
	}
}

func TestLevels(t *testing.T) {
	g := New()
	g.AddEdge("a", "c")
	g.AddEdge("b", "c")
	g.AddNode("d")

	levels, err := g.Levels()
	if err != nil {
		t.Fatalf("Levels() error = %v", err)
	}
	want := [][]string{{"a", "b", "d"}, {"c"}}
	if !reflect.DeepEqual(levels, want) {
		t.Errorf("Levels() = %v, want %v", levels, want)
	}
}

func TestToDOT(t *testing.T) {
	g := New()
	g.AddEdge("remote_execution", "ssh_ips")
	dot := g.ToDOT("backup")
	if !strings.Contains(dot, `"remote_execution" -> "ssh_ips"`) {
		t.Errorf("DOT output missing edge:\n%s", dot)
	}
}
