// Package depgraph builds and analyzes the bead dependency graph: forward
// and reverse edge maps, Tarjan strongly-connected components, impact
// depth (fan-out), and topological order.
package depgraph

import (
	"errors"
	"sort"
)

// Dependency is a single "B blocks A" edge as recorded on the blocker bead.
type Dependency struct {
	BlockerID string // B: the bead carrying the dependency record.
	TargetID  string // A: the bead B blocks.
}

// Graph is the forward/reverse adjacency of the bead dependency DAG
// (which need not be acyclic; DetectCycles exists precisely because it
// might not be).
type Graph struct {
	Forward  map[string][]string // id -> successors (beads this one blocks)
	Reverse  map[string][]string // id -> predecessors (beads blocking this one)
	Universe map[string]bool     // every bead ID known to the graph
}

// Build constructs a Graph from the universe of bead IDs and their
// dependency edges. Edges referencing IDs outside universe are recorded
// anyway (so impact/traversal helpers can ignore them explicitly) but
// never contribute a Universe entry of their own.
func Build(universe []string, deps []Dependency) *Graph {
	g := &Graph{
		Forward:  make(map[string][]string),
		Reverse:  make(map[string][]string),
		Universe: make(map[string]bool, len(universe)),
	}
	for _, id := range universe {
		g.Universe[id] = true
		if _, ok := g.Forward[id]; !ok {
			g.Forward[id] = nil
		}
		if _, ok := g.Reverse[id]; !ok {
			g.Reverse[id] = nil
		}
	}
	for _, d := range deps {
		g.Forward[d.BlockerID] = append(g.Forward[d.BlockerID], d.TargetID)
		g.Reverse[d.TargetID] = append(g.Reverse[d.TargetID], d.BlockerID)
	}
	for id := range g.Forward {
		sort.Strings(g.Forward[id])
	}
	for id := range g.Reverse {
		sort.Strings(g.Reverse[id])
	}
	return g
}

// InUniverse reports whether id is part of this graph's universe.
func (g *Graph) InUniverse(id string) bool {
	return g.Universe[id]
}

// DetectCycles runs Tarjan's strongly-connected-components algorithm over
// the forward graph restricted to Universe members (external references
// are ignored during traversal) and returns every SCC with more than one
// node. A single self-loop (A blocks A) also counts as a cycle.
func DetectCycles(g *Graph) [][]string {
	t := &tarjan{
		graph:   g,
		index:   make(map[string]int),
		lowlink: make(map[string]int),
		onStack: make(map[string]bool),
	}
	for id := range g.Universe {
		if _, visited := t.index[id]; !visited {
			t.strongConnect(id)
		}
	}

	var cycles [][]string
	for _, scc := range t.sccs {
		if len(scc) > 1 {
			sort.Strings(scc)
			cycles = append(cycles, scc)
			continue
		}
		// A single-node SCC is still a cycle if it has a self-loop.
		id := scc[0]
		for _, succ := range g.Forward[id] {
			if succ == id {
				cycles = append(cycles, scc)
				break
			}
		}
	}
	return cycles
}

type tarjan struct {
	graph   *Graph
	index   map[string]int
	lowlink map[string]int
	onStack map[string]bool
	stack   []string
	counter int
	sccs    [][]string
}

func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.graph.Forward[v] {
		if !t.graph.Universe[w] {
			continue // external reference; ignored during traversal
		}
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			if t.lowlink[w] < t.lowlink[v] {
				t.lowlink[v] = t.lowlink[w]
			}
		} else if t.onStack[w] {
			if t.index[w] < t.lowlink[v] {
				t.lowlink[v] = t.index[w]
			}
		}
	}

	if t.lowlink[v] == t.index[v] {
		var scc []string
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			t.onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}

// ImpactDepth counts transitively-reachable successor edges from v in the
// forward graph via DFS with a visited set. An edge into an
// already-visited node still contributes 1 to the count, but the subtree
// under that node is not re-explored — diamond patterns therefore count
// the shared descendant edge once per incoming parent, by design (this
// is the scheduling fan-out metric, not a node-reachability count).
func ImpactDepth(g *Graph, v string) int {
	visited := make(map[string]bool)
	return impactDepth(g, v, visited)
}

func impactDepth(g *Graph, v string, visited map[string]bool) int {
	count := 0
	for _, succ := range g.Forward[v] {
		if !g.Universe[succ] {
			continue
		}
		count++
		if visited[succ] {
			continue
		}
		visited[succ] = true
		count += impactDepth(g, succ, visited)
	}
	return count
}

// ErrCycle is returned by TopologicalSort when the graph contains a cycle.
var ErrCycle = errors.New("depgraph: contains cycle")

// TopologicalSort runs Kahn's algorithm over the forward graph restricted
// to Universe members. Returns ErrCycle if the produced order is shorter
// than the universe.
func TopologicalSort(g *Graph) ([]string, error) {
	inDegree := make(map[string]int, len(g.Universe))
	for id := range g.Universe {
		inDegree[id] = 0
	}
	for id := range g.Universe {
		for _, succ := range g.Forward[id] {
			if g.Universe[succ] {
				inDegree[succ]++
			}
		}
	}

	var queue []string
	for id := range g.Universe {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		var newlyReady []string
		for _, succ := range g.Forward[n] {
			if !g.Universe[succ] {
				continue
			}
			inDegree[succ]--
			if inDegree[succ] == 0 {
				newlyReady = append(newlyReady, succ)
			}
		}
		sort.Strings(newlyReady)
		queue = append(queue, newlyReady...)
	}

	if len(order) < len(g.Universe) {
		return nil, ErrCycle
	}
	return order, nil
}
