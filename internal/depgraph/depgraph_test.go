package depgraph

import "testing"

func TestBuild_SortsAdjacencyLists(t *testing.T) {
	g := Build([]string{"a", "b", "c"}, []Dependency{
		{BlockerID: "a", TargetID: "c"},
		{BlockerID: "a", TargetID: "b"},
	})
	if got, want := g.Forward["a"], []string{"b", "c"}; !equal(got, want) {
		t.Errorf("Forward[a] = %v, want %v", got, want)
	}
	if got, want := g.Reverse["b"], []string{"a"}; !equal(got, want) {
		t.Errorf("Reverse[b] = %v, want %v", got, want)
	}
}

func TestBuild_EdgeOutsideUniverseDoesNotJoinIt(t *testing.T) {
	g := Build([]string{"a"}, []Dependency{{BlockerID: "a", TargetID: "ghost"}})
	if g.InUniverse("ghost") {
		t.Error("ghost should not be in universe")
	}
	if g.InUniverse("a") != true {
		t.Error("a should be in universe")
	}
}

func TestDetectCycles_NoCycle(t *testing.T) {
	g := Build([]string{"a", "b", "c"}, []Dependency{
		{BlockerID: "a", TargetID: "b"},
		{BlockerID: "b", TargetID: "c"},
	})
	if cycles := DetectCycles(g); len(cycles) != 0 {
		t.Errorf("expected no cycles, got %v", cycles)
	}
}

func TestDetectCycles_MultiNodeCycle(t *testing.T) {
	g := Build([]string{"a", "b", "c"}, []Dependency{
		{BlockerID: "a", TargetID: "b"},
		{BlockerID: "b", TargetID: "c"},
		{BlockerID: "c", TargetID: "a"},
	})
	cycles := DetectCycles(g)
	if len(cycles) != 1 {
		t.Fatalf("expected one cycle, got %v", cycles)
	}
	if got, want := cycles[0], []string{"a", "b", "c"}; !equal(got, want) {
		t.Errorf("cycle = %v, want %v", got, want)
	}
}

func TestDetectCycles_SelfLoop(t *testing.T) {
	g := Build([]string{"a"}, []Dependency{{BlockerID: "a", TargetID: "a"}})
	cycles := DetectCycles(g)
	if len(cycles) != 1 || cycles[0][0] != "a" {
		t.Errorf("expected self-loop cycle on a, got %v", cycles)
	}
}

func TestImpactDepth_LinearChain(t *testing.T) {
	g := Build([]string{"a", "b", "c"}, []Dependency{
		{BlockerID: "a", TargetID: "b"},
		{BlockerID: "b", TargetID: "c"},
	})
	if got := ImpactDepth(g, "a"); got != 2 {
		t.Errorf("ImpactDepth(a) = %d, want 2", got)
	}
	if got := ImpactDepth(g, "c"); got != 0 {
		t.Errorf("ImpactDepth(c) = %d, want 0", got)
	}
}

func TestImpactDepth_DiamondCountsSharedEdgeOncePerParent(t *testing.T) {
	// a blocks b and c; b and c both block d.
	g := Build([]string{"a", "b", "c", "d"}, []Dependency{
		{BlockerID: "a", TargetID: "b"},
		{BlockerID: "a", TargetID: "c"},
		{BlockerID: "b", TargetID: "d"},
		{BlockerID: "c", TargetID: "d"},
	})
	// a->b(+1), a->c(+1), b->d(+1), c->d(+1) = 4.
	if got := ImpactDepth(g, "a"); got != 4 {
		t.Errorf("ImpactDepth(a) = %d, want 4", got)
	}
}

func TestTopologicalSort_OrdersByDependency(t *testing.T) {
	g := Build([]string{"a", "b", "c"}, []Dependency{
		{BlockerID: "a", TargetID: "b"},
		{BlockerID: "b", TargetID: "c"},
	})
	order, err := TopologicalSort(g)
	if err != nil {
		t.Fatalf("TopologicalSort: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["a"] >= pos["b"] || pos["b"] >= pos["c"] {
		t.Errorf("order %v violates a<b<c", order)
	}
}

func TestTopologicalSort_CycleReturnsErrCycle(t *testing.T) {
	g := Build([]string{"a", "b"}, []Dependency{
		{BlockerID: "a", TargetID: "b"},
		{BlockerID: "b", TargetID: "a"},
	})
	if _, err := TopologicalSort(g); err != ErrCycle {
		t.Errorf("TopologicalSort error = %v, want ErrCycle", err)
	}
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
