// Package statustree renders a run's bead dependency graph and current
// bead states as a box-drawing tree, the way the teacher's dashboard
// rendered an epic/feature/task hierarchy, except a bead's place in the
// tree comes from the dependency graph's reverse edges (what blocks
// what) rather than an ID-prefix parent/child convention: compilation
// beads are flat, not nested.
package statustree

import (
	"sort"

	"github.com/smileynet/forge/internal/depgraph"
)

// Bead is the subset of bead/checkpoint state the tree needs to render
// one row.
type Bead struct {
	ID       string
	Title    string
	Status   string // "completed", "in_progress", "blocked", "open"
	Priority int
}

// node is one bead positioned in the tree.
type node struct {
	Bead     Bead
	Children []*node
	IsLast   bool
}

// flatNode is a node with a pre-computed box-drawing prefix.
type flatNode struct {
	Node   *node
	Prefix string
	Depth  int
}

// Build arranges beads into a forest using g's reverse edges: a bead is
// a child of every bead that directly blocks it. A bead with no
// blockers is a root. Beads blocked by more than one other bead appear
// under each of their blockers, since the dependency graph is not a
// tree; Flatten renders each occurrence independently.
func Build(beads []Bead, g *depgraph.Graph) []*node {
	byID := make(map[string]Bead, len(beads))
	for _, b := range beads {
		byID[b.ID] = b
	}

	ids := make([]string, 0, len(beads))
	for _, b := range beads {
		ids = append(ids, b.ID)
	}
	sort.Strings(ids)

	var roots []*node
	for _, id := range ids {
		b, ok := byID[id]
		if !ok {
			continue
		}
		if len(g.Reverse[id]) == 0 {
			roots = append(roots, buildSubtree(b, byID, g))
		}
	}
	for i, r := range roots {
		r.IsLast = i == len(roots)-1
	}
	return roots
}

func buildSubtree(b Bead, byID map[string]Bead, g *depgraph.Graph) *node {
	n := &node{Bead: b}
	successors := append([]string(nil), g.Forward[b.ID]...)
	sort.Strings(successors)
	for i, succID := range successors {
		succBead, ok := byID[succID]
		if !ok {
			continue
		}
		child := buildSubtree(succBead, byID, g)
		child.IsLast = i == len(successors)-1
		n.Children = append(n.Children, child)
	}
	return n
}

// Flatten converts a forest into a flat, ordered list with box-drawing
// prefixes ready for line-by-line rendering.
func Flatten(roots []*node) []flatNode {
	var result []flatNode
	for _, root := range roots {
		result = flattenNode(root, "", 0, result)
	}
	return result
}

func flattenNode(n *node, parentPrefix string, depth int, result []flatNode) []flatNode {
	var prefix string
	switch {
	case depth == 0:
		prefix = ""
	case n.IsLast:
		prefix = parentPrefix + "└── "
	default:
		prefix = parentPrefix + "├── "
	}

	result = append(result, flatNode{Node: n, Prefix: prefix, Depth: depth})

	var childPrefix string
	switch {
	case depth == 0:
		childPrefix = ""
	case n.IsLast:
		childPrefix = parentPrefix + "    "
	default:
		childPrefix = parentPrefix + "│   "
	}

	for _, child := range n.Children {
		result = flattenNode(child, childPrefix, depth+1, result)
	}
	return result
}

// Counts summarizes bead states across a flattened tree.
type Counts struct {
	Total      int
	Completed  int
	InProgress int
	Blocked    int
	Open       int
}

// Summarize tallies bead statuses across the full forest, counting each
// bead once by ID regardless of how many times it appears in the tree
// (a bead blocked by several others is still one bead).
func Summarize(beads []Bead) Counts {
	var c Counts
	seen := make(map[string]bool, len(beads))
	for _, b := range beads {
		if seen[b.ID] {
			continue
		}
		seen[b.ID] = true
		c.Total++
		switch b.Status {
		case "completed":
			c.Completed++
		case "in_progress":
			c.InProgress++
		case "blocked":
			c.Blocked++
		default:
			c.Open++
		}
	}
	return c
}
