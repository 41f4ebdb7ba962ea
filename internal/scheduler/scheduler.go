// Package scheduler decides which bead to hand to the next free agent,
// using the dependency graph to rank ready work and detect deadlock.
package scheduler

import (
	"errors"
	"sort"
	"time"

	"github.com/smileynet/forge/internal/beadstore"
	"github.com/smileynet/forge/internal/depgraph"
)

// ErrCycle is returned by CheckCycles when the bead graph is not a DAG.
var ErrCycle = errors.New("scheduler: dependency graph contains a cycle")

// candidate pairs a ready bead with its precomputed ranking fields.
type candidate struct {
	bead        beadstore.Bead
	impactDepth int
}

// Scheduler ranks ready beads and tracks the live dependency graph for a
// single run's bead set.
type Scheduler struct {
	graph *depgraph.Graph
}

// New creates a Scheduler with no graph loaded; call Rebuild before use.
func New() *Scheduler {
	return &Scheduler{}
}

// Rebuild recomputes the dependency graph from the current bead set. The
// orchestrator calls this whenever beads are created or closed.
func (s *Scheduler) Rebuild(beads []beadstore.Bead) {
	universe := make([]string, 0, len(beads))
	var deps []depgraph.Dependency
	for _, b := range beads {
		universe = append(universe, b.ID)
		for _, d := range b.Dependencies {
			if d.Type != "blocks" {
				continue
			}
			deps = append(deps, depgraph.Dependency{BlockerID: b.ID, TargetID: d.Target})
		}
	}
	s.graph = depgraph.Build(universe, deps)
}

// CheckCycles detects dependency cycles. The orchestrator calls this
// once per graph rebuild and treats any result as fatal (E_GRAPH_CYCLE).
func (s *Scheduler) CheckCycles() ([][]string, error) {
	cycles := depgraph.DetectCycles(s.graph)
	if len(cycles) > 0 {
		return cycles, ErrCycle
	}
	return nil, nil
}

// PickNext selects the highest-priority ready bead: one whose
// predecessors (the blocker beads recorded in the graph's reverse edges,
// not its own forward "blocks" list) are all closed. Ready beads are
// ordered by descending impact depth, then ascending priority (lower
// number is more urgent), then ascending creation time, so the bead that
// unblocks the most downstream work and matters most goes first.
func (s *Scheduler) PickNext(beads []beadstore.Bead) (beadstore.Bead, bool) {
	closed := make(map[string]bool, len(beads))
	byID := make(map[string]beadstore.Bead, len(beads))
	for _, b := range beads {
		byID[b.ID] = b
		if b.Status == beadstore.StatusClosed {
			closed[b.ID] = true
		}
	}

	var candidates []candidate
	for _, b := range beads {
		if b.Status != beadstore.StatusOpen {
			continue
		}
		ready := true
		for _, blockerID := range s.graph.Reverse[b.ID] {
			if _, known := byID[blockerID]; known && !closed[blockerID] {
				ready = false
				break
			}
		}
		if !ready {
			continue
		}
		candidates = append(candidates, candidate{
			bead:        b,
			impactDepth: depgraph.ImpactDepth(s.graph, b.ID),
		})
	}

	if len(candidates) == 0 {
		return beadstore.Bead{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.impactDepth != b.impactDepth {
			return a.impactDepth > b.impactDepth
		}
		if a.bead.Priority != b.bead.Priority {
			return a.bead.Priority < b.bead.Priority
		}
		return a.bead.CreatedAt.Before(b.bead.CreatedAt)
	})
	return candidates[0].bead, true
}

// DetectDeadlock reports whether no bead is ready and at least one bead
// remains open, meaning every open bead is blocked on another open bead
// with no cycle (a cycle would already have been caught by CheckCycles)
// or on a bead that does not exist in this run's set.
func (s *Scheduler) DetectDeadlock(beads []beadstore.Bead) bool {
	anyOpen := false
	for _, b := range beads {
		if b.Status == beadstore.StatusOpen || b.Status == beadstore.StatusInProgress {
			anyOpen = true
			break
		}
	}
	if !anyOpen {
		return false
	}
	_, ready := s.PickNext(beads)
	anyInProgress := false
	for _, b := range beads {
		if b.Status == beadstore.StatusInProgress {
			anyInProgress = true
			break
		}
	}
	return !ready && !anyInProgress
}

// DetectExternalBlockers returns the IDs of open beads whose unresolved
// predecessors (from the graph's reverse edges) do not appear anywhere
// in this run's bead set: work blocked on something outside the
// orchestrator's control.
func (s *Scheduler) DetectExternalBlockers(beads []beadstore.Bead) []string {
	byID := make(map[string]beadstore.Bead, len(beads))
	for _, b := range beads {
		byID[b.ID] = b
	}

	var blocked []string
	for _, b := range beads {
		if b.Status != beadstore.StatusOpen {
			continue
		}
		for _, blockerID := range s.graph.Reverse[b.ID] {
			if _, known := byID[blockerID]; !known {
				blocked = append(blocked, b.ID)
				break
			}
		}
	}
	sort.Strings(blocked)
	return blocked
}

// ReadyAt is a helper for status reporting: the time a bead became
// unblocked, currently just its creation time since the scheduler does
// not track transition history itself (that lives in the checkpoint).
func ReadyAt(b beadstore.Bead) time.Time {
	return b.CreatedAt
}
