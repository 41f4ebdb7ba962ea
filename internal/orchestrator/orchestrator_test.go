package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/smileynet/forge/internal/backend"
	"github.com/smileynet/forge/internal/beadstore"
	"github.com/smileynet/forge/internal/checkpoint"
	"github.com/smileynet/forge/internal/config"
	"github.com/smileynet/forge/internal/eventlog"
	"github.com/smileynet/forge/internal/runlock"
	"github.com/smileynet/forge/internal/runlog"
)

// fakeAgents is a minimal backend.AgentBackend that records KillAllActive
// calls without ever spawning anything real.
type fakeAgents struct {
	killed bool
}

func (f *fakeAgents) Spawn(ctx context.Context, opts backend.SpawnOptions) backend.AgentResult {
	return backend.AgentResult{Status: backend.AgentSuccess}
}
func (f *fakeAgents) KillAllActive() { f.killed = true }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeAgents, string) {
	t.Helper()
	runDir := t.TempDir()
	lock, err := runlock.Acquire(runDir, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = lock.Release() })

	events, err := eventlog.Open(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = events.Close() })

	agents := &fakeAgents{}
	o := New(config.DefaultConfig(), "run-1", runDir, "spec.md", "main",
		nil, nil, nil, agents, nil,
		checkpoint.NewStore(runDir), events, lock, runlog.NewWriter(runDir))
	return o, agents, runDir
}

func TestTerminalError_FailedStateReturnsError(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	err := o.terminalError(checkpoint.Checkpoint{State: "failed"})
	if err == nil {
		t.Error("expected an error for a failed checkpoint")
	}
}

func TestTerminalError_CompletedStateReturnsNil(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if err := o.terminalError(checkpoint.Checkpoint{State: "completed"}); err != nil {
		t.Errorf("terminalError(completed) = %v, want nil", err)
	}
}

func TestSummaryFor_CountsCompletedAndBlocked(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	cp := checkpoint.Checkpoint{
		RunID:     "run-1",
		State:     "implementing",
		Iteration: 2,
		Beads:     checkpoint.BeadCounts{Completed: []string{"bd-1", "bd-2"}, Blocked: []string{"bd-3"}},
	}
	summary := o.summaryFor(cp)
	if summary.Completed != 2 || summary.Blocked != 1 || summary.RunID != "run-1" || summary.Iterations != 2 {
		t.Errorf("summaryFor() = %+v, unexpected", summary)
	}
}

func TestVerifyFrozenSpec_EmptyPathSkipsCheck(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if err := o.verifyFrozenSpec(checkpoint.Checkpoint{}); err != nil {
		t.Errorf("verifyFrozenSpec with no FrozenSpecPath = %v, want nil", err)
	}
}

func TestVerifyFrozenSpec_MismatchReturnsHarnessError(t *testing.T) {
	o, _, runDir := newTestOrchestrator(t)
	specPath := filepath.Join(runDir, "frozen-spec.md")
	if err := os.WriteFile(specPath, []byte("original"), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, err := checkpoint.ComputeFileHash(specPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(specPath, []byte("tampered"), 0o644); err != nil {
		t.Fatal(err)
	}

	herr := o.verifyFrozenSpec(checkpoint.Checkpoint{FrozenSpecPath: specPath, FrozenSpecSHA256: hash})
	if herr == nil {
		t.Fatal("expected a hash mismatch error")
	}
}

func TestHandleInterruption_KillsAgentsAndPersistsCheckpoint(t *testing.T) {
	o, agents, _ := newTestOrchestrator(t)
	cp := checkpoint.Checkpoint{RunID: "run-1", State: "implementing"}

	summary, err := o.handleInterruption(cp)
	if err != ErrInterrupted {
		t.Errorf("err = %v, want ErrInterrupted", err)
	}
	if !agents.killed {
		t.Error("expected KillAllActive to be called")
	}
	if summary.State != "implementing" {
		t.Errorf("summary.State = %q", summary.State)
	}

	saved, found, loadErr := o.checkpoints.Load()
	if loadErr != nil || !found {
		t.Fatalf("expected checkpoint to be persisted, found=%v err=%v", found, loadErr)
	}
	if saved.RunID != "run-1" {
		t.Errorf("persisted RunID = %q", saved.RunID)
	}
}

func TestReconcileStaleClaims_ResetsInProgressBeads(t *testing.T) {
	store := &recordingBeads{}
	o, _, _ := newTestOrchestrator(t)
	o.beads = store

	cp := checkpoint.Checkpoint{
		Beads:  checkpoint.BeadCounts{InProgress: []string{"bd-1", "bd-2"}},
		Agents: checkpoint.AgentState{Active: []string{"bd-1", "bd-2"}},
	}
	o.reconcileStaleClaims(&cp)

	if len(cp.Beads.InProgress) != 0 {
		t.Errorf("InProgress = %v, want empty", cp.Beads.InProgress)
	}
	if len(cp.Agents.Active) != 0 {
		t.Errorf("Agents.Active = %v, want empty", cp.Agents.Active)
	}
	if len(store.statusUpdates) != 2 {
		t.Fatalf("expected 2 status updates, got %v", store.statusUpdates)
	}
	for id, status := range store.statusUpdates {
		if status != beadstore.StatusOpen {
			t.Errorf("bead %s reset to %q, want open", id, status)
		}
	}
}

func TestRunFrom_UnknownStateFails(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	cp := checkpoint.Checkpoint{RunID: "run-1", State: "some-made-up-state", FrozenSpecPath: ""}
	summary, err := o.runFrom(context.Background(), cp)
	if err == nil {
		t.Fatal("expected an error for an unrecognized state")
	}
	if summary.State != "failed" {
		t.Errorf("summary.State = %q, want failed", summary.State)
	}
}

func TestRunFrom_AlreadyCanceledContextInterrupts(t *testing.T) {
	o, agents, _ := newTestOrchestrator(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cp := checkpoint.Checkpoint{RunID: "run-1", State: "implementing"}
	_, err := o.runFrom(ctx, cp)
	if err != ErrInterrupted {
		t.Errorf("err = %v, want ErrInterrupted", err)
	}
	if !agents.killed {
		t.Error("expected KillAllActive on interruption")
	}
}

func TestFindLatestRunDir_SortsLexicographically(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"run-2026-01-01-aaaaaa", "run-2026-01-02-bbbbbb", "run-2026-01-01-zzzzzz"} {
		if err := os.MkdirAll(filepath.Join(root, name), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	dir, found, err := FindLatestRunDir(root)
	if err != nil {
		t.Fatalf("FindLatestRunDir: %v", err)
	}
	if !found {
		t.Fatal("expected a run to be found")
	}
	if filepath.Base(dir) != "run-2026-01-02-bbbbbb" {
		t.Errorf("FindLatestRunDir = %q, want the latest dated run", dir)
	}
}

func TestFindLatestRunDir_NoRunsReturnsNotFound(t *testing.T) {
	_, found, err := FindLatestRunDir(t.TempDir())
	if err != nil {
		t.Fatalf("FindLatestRunDir: %v", err)
	}
	if found {
		t.Error("expected found=false with no run directories")
	}
}

type recordingBeads struct {
	statusUpdates map[string]beadstore.Status
}

func (r *recordingBeads) List(label string) ([]beadstore.Bead, error)       { return nil, nil }
func (r *recordingBeads) Show(id string) (beadstore.Bead, error)            { return beadstore.Bead{}, nil }
func (r *recordingBeads) Create(in beadstore.CreateInput) (string, error)   { return "", nil }
func (r *recordingBeads) Close(id string) error                            { return nil }
func (r *recordingBeads) CloseWithReason(id, reason string) error          { return nil }
func (r *recordingBeads) Label(id, label string) error                    { return nil }
func (r *recordingBeads) AddDependency(id, dependsOn string) error         { return nil }
func (r *recordingBeads) Sync() error                                      { return nil }
func (r *recordingBeads) UpdateStatus(id string, status beadstore.Status) error {
	if r.statusUpdates == nil {
		r.statusUpdates = make(map[string]beadstore.Status)
	}
	r.statusUpdates[id] = status
	return nil
}
