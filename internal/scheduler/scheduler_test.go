package scheduler

import (
	"testing"
	"time"

	"github.com/smileynet/forge/internal/beadstore"
)

// bead builds a test fixture bead. blocks lists the IDs this bead itself
// blocks (forward "blocks" edges recorded on the blocker, per the bead
// store's dependency convention) — not the IDs that block it.
func bead(id string, status beadstore.Status, priority int, createdAt time.Time, blocks ...string) beadstore.Bead {
	b := beadstore.Bead{ID: id, Status: status, Priority: priority, CreatedAt: createdAt}
	for _, target := range blocks {
		b.Dependencies = append(b.Dependencies, beadstore.Dependency{Type: "blocks", Target: target})
	}
	return b
}

func TestPickNext_PrefersHigherImpactDepth(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusOpen, 1, now),
		bead("b", beadstore.StatusOpen, 1, now, "c"), // b blocks c, so b unblocks downstream work and a does not
		bead("c", beadstore.StatusOpen, 1, now),
	}
	s := New()
	s.Rebuild(beads)

	got, ok := s.PickNext(beads)
	if !ok {
		t.Fatal("expected a ready bead")
	}
	if got.ID != "b" {
		t.Errorf("PickNext = %q, want b (higher impact depth)", got.ID)
	}
}

func TestPickNext_PrefersLowerPriorityNumberOnTie(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusOpen, 1, now),
		bead("b", beadstore.StatusOpen, 5, now),
	}
	s := New()
	s.Rebuild(beads)

	got, ok := s.PickNext(beads)
	if !ok || got.ID != "a" {
		t.Errorf("PickNext = %v, ok=%v, want a (lower priority number is more urgent)", got, ok)
	}
}

func TestPickNext_PrefersOlderOnFullTie(t *testing.T) {
	earlier := time.Now().Add(-time.Hour)
	later := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusOpen, 1, later),
		bead("b", beadstore.StatusOpen, 1, earlier),
	}
	s := New()
	s.Rebuild(beads)

	got, ok := s.PickNext(beads)
	if !ok || got.ID != "b" {
		t.Errorf("PickNext = %v, ok=%v, want b (older)", got, ok)
	}
}

func TestPickNext_SkipsBlockedBeads(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusOpen, 1, now, "b"), // a blocks b
		bead("b", beadstore.StatusOpen, 1, now),
	}
	s := New()
	s.Rebuild(beads)

	got, ok := s.PickNext(beads)
	if !ok || got.ID != "a" {
		t.Errorf("PickNext = %v, ok=%v, want only-ready bead a", got, ok)
	}
}

func TestPickNext_NoneReady(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusOpen, 1, now, "b"), // a blocks b
		bead("b", beadstore.StatusOpen, 1, now, "a"), // b blocks a
	}
	s := New()
	s.Rebuild(beads)

	if _, ok := s.PickNext(beads); ok {
		t.Error("expected no ready bead when both are mutually blocked")
	}
}

func TestCheckCycles_DetectsCycle(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusOpen, 1, now, "b"),
		bead("b", beadstore.StatusOpen, 1, now, "a"),
	}
	s := New()
	s.Rebuild(beads)

	cycles, err := s.CheckCycles()
	if err != ErrCycle {
		t.Fatalf("CheckCycles error = %v, want ErrCycle", err)
	}
	if len(cycles) == 0 {
		t.Error("expected at least one cycle reported")
	}
}

func TestCheckCycles_Clean(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusOpen, 1, now, "b"), // a blocks b
		bead("b", beadstore.StatusOpen, 1, now),
	}
	s := New()
	s.Rebuild(beads)

	if _, err := s.CheckCycles(); err != nil {
		t.Errorf("CheckCycles error = %v, want nil", err)
	}
}

func TestDetectDeadlock_TrueWhenNothingReadyAndNoneInProgress(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusOpen, 1, now, "b"),
		bead("b", beadstore.StatusOpen, 1, now, "a"),
	}
	s := New()
	s.Rebuild(beads)

	if !s.DetectDeadlock(beads) {
		t.Error("expected deadlock to be detected")
	}
}

func TestDetectDeadlock_FalseWhenBeadInProgress(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusInProgress, 1, now, "b"), // a blocks b, a still in progress
		bead("b", beadstore.StatusOpen, 1, now),
	}
	s := New()
	s.Rebuild(beads)

	if s.DetectDeadlock(beads) {
		t.Error("expected no deadlock while a bead is still in progress")
	}
}

func TestDetectDeadlock_FalseWhenAllClosed(t *testing.T) {
	now := time.Now()
	beads := []beadstore.Bead{
		bead("a", beadstore.StatusClosed, 1, now),
	}
	s := New()
	s.Rebuild(beads)

	if s.DetectDeadlock(beads) {
		t.Error("expected no deadlock when nothing is open")
	}
}

func TestDetectExternalBlockers(t *testing.T) {
	now := time.Now()
	// The graph is built from the full universe the scheduler has
	// observed, including a blocker outside the run-scoped bead set
	// passed to DetectExternalBlockers below — exactly the shape an
	// unresolved out-of-scope predecessor takes.
	full := []beadstore.Bead{
		bead("outside-this-run", beadstore.StatusOpen, 1, now, "a"), // external bead blocks a
		bead("a", beadstore.StatusOpen, 1, now),
		bead("b", beadstore.StatusOpen, 1, now),
	}
	s := New()
	s.Rebuild(full)

	runBeads := []beadstore.Bead{full[1], full[2]}
	got := s.DetectExternalBlockers(runBeads)
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("DetectExternalBlockers = %v, want [a]", got)
	}
}

func TestReadyAt_ReturnsCreatedAt(t *testing.T) {
	now := time.Now()
	b := bead("a", beadstore.StatusOpen, 1, now)
	if !ReadyAt(b).Equal(now) {
		t.Errorf("ReadyAt = %v, want %v", ReadyAt(b), now)
	}
}
