package graph

import (
	"errors"
	"reflect"
	"testing"
)

func buildGraph(t *testing.T, nodes []string, edges [][2]string) *DependencyGraph {
	t.Helper()
	g := New()
	for _, id := range nodes {
		g.AddNode(id)
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("AddEdge(%s, %s): %v", e[0], e[1], err)
		}
	}
	return g
}

func TestAddEdgeUnknownTask(t *testing.T) {
	g := New()
	g.AddNode("a")

	err := g.AddEdge("a", "missing")
	if !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}

	err = g.AddEdge("missing", "a")
	if !errors.Is(err, ErrUnknownTask) {
		t.Errorf("expected ErrUnknownTask, got %v", err)
	}
}

func TestAddEdgeCycleLeavesGraphUnchanged(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})

	err := g.AddEdge("c", "a")
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("expected ErrCycleDetected, got %v", err)
	}

	// The rejected edge must not linger.
	if g.HasCycle() {
		t.Error("graph should be unchanged after rejected edge")
	}
	deps := g.Dependencies("a")
	if len(deps) != 0 {
		t.Errorf("expected a to have no dependencies, got %v", deps)
	}
}

func TestTopologicalBatches(t *testing.T) {
	// a -> b, a -> c, b -> d, c -> d
	g := buildGraph(t, []string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}})

	batches, err := g.TopologicalBatches()
	if err != nil {
		t.Fatalf("TopologicalBatches: %v", err)
	}

	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("expected batches %v, got %v", want, batches)
	}
}

func TestTopologicalBatchesDeterministicOrder(t *testing.T) {
	g := buildGraph(t, []string{"z", "m", "a"}, nil)

	batches, err := g.TopologicalBatches()
	if err != nil {
		t.Fatalf("TopologicalBatches: %v", err)
	}

	want := [][]string{{"a", "m", "z"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("expected ids sorted ascending, got %v", batches)
	}
}

func TestTopologicalBatchesSkipsCompleted(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})

	g.MarkCompleted("a")

	batches, err := g.TopologicalBatches()
	if err != nil {
		t.Fatalf("TopologicalBatches: %v", err)
	}

	want := [][]string{{"b"}, {"c"}}
	if !reflect.DeepEqual(batches, want) {
		t.Errorf("expected completed node excluded, got %v", batches)
	}

	// Closure queries still see the completed node.
	if !g.Contains("a") {
		t.Error("completed node should remain in the graph")
	}
	if deps := g.Dependencies("b"); len(deps) != 1 || deps[0] != "a" {
		t.Errorf("expected b to still depend on a, got %v", deps)
	}
}

func TestCriticalPathLongestByHours(t *testing.T) {
	// a(1) -> b(5) -> d(1); a(1) -> c(2) -> d(1). Critical: a, b, d.
	hours := map[string]float64{"a": 1, "b": 5, "c": 2, "d": 1}
	g := buildGraph(t, []string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}})
	g.SetHourProvider(func(id string) float64 { return hours[id] })

	path := g.CriticalPath()
	want := []string{"a", "b", "d"}
	if !reflect.DeepEqual(path, want) {
		t.Errorf("expected critical path %v, got %v", want, path)
	}
}

func TestCriticalPathTieBreaksAscendingFirstNode(t *testing.T) {
	// Two disjoint chains of equal weight; the one starting at "a" wins.
	hours := map[string]float64{"a": 2, "b": 2, "x": 2, "y": 2}
	g := buildGraph(t, []string{"x", "y", "a", "b"},
		[][2]string{{"x", "y"}, {"a", "b"}})
	g.SetHourProvider(func(id string) float64 { return hours[id] })

	path := g.CriticalPath()
	want := []string{"a", "b"}
	if !reflect.DeepEqual(path, want) {
		t.Errorf("expected tie broken by ascending first node, got %v", path)
	}
}

func TestReady(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"a", "c"}})

	if got := g.Ready(); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected only a ready, got %v", got)
	}

	g.MarkCompleted("a")
	if got := g.Ready(); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Errorf("expected b and c ready after a completes, got %v", got)
	}
}

func TestMarkCompletedIdempotent(t *testing.T) {
	g := buildGraph(t, []string{"a"}, nil)

	g.MarkCompleted("a")
	g.MarkCompleted("a")

	if got := g.CompletedIDs(); len(got) != 1 {
		t.Errorf("expected exactly one completed id, got %v", got)
	}
}

func TestDependents(t *testing.T) {
	g := buildGraph(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"a", "c"}})

	deps := g.Dependents("a")
	if len(deps) != 2 {
		t.Errorf("expected 2 dependents of a, got %v", deps)
	}
}
