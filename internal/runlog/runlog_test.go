package runlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)

	rl := RunLog{RunID: "run-1", State: "implementing", StartedAt: time.Now().UTC()}
	if err := w.Save(rl); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, found, err := w.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !found {
		t.Fatal("expected a run log to be found")
	}
	if got.RunID != "run-1" || got.State != "implementing" {
		t.Errorf("Load() = %+v, unexpected fields", got)
	}
}

func TestLoad_MissingFileReturnsNotFound(t *testing.T) {
	w := NewWriter(t.TempDir())
	_, found, err := w.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if found {
		t.Error("expected found=false with no run log on disk")
	}
}

func TestSave_WritesPinnedFileName(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	if err := w.Save(RunLog{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "run-log.yml")); err != nil {
		t.Errorf("expected run-log.yml to exist: %v", err)
	}
}

func TestSave_LeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	if err := w.Save(RunLog{RunID: "run-1"}); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("leftover temp file: %s", e.Name())
		}
	}
}

func TestRecordIteration_AppendsNewEntries(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	rl := RunLog{RunID: "run-1", State: "implementing"}

	rl, err := w.RecordIteration(rl, Iteration{Iteration: 1, BeadsTotal: 3, BeadsCompleted: 1})
	if err != nil {
		t.Fatalf("RecordIteration: %v", err)
	}
	rl, err = w.RecordIteration(rl, Iteration{Iteration: 2, BeadsTotal: 3, BeadsCompleted: 2})
	if err != nil {
		t.Fatalf("RecordIteration: %v", err)
	}

	if len(rl.Iterations) != 2 {
		t.Fatalf("Iterations = %v, want 2 entries", rl.Iterations)
	}

	got, found, err := w.Load()
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if len(got.Iterations) != 2 || got.Iterations[1].BeadsCompleted != 2 {
		t.Errorf("persisted Iterations = %+v", got.Iterations)
	}
}

func TestRecordIteration_ReplacesSameIterationEntry(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(dir)
	rl := RunLog{RunID: "run-1"}

	rl, err := w.RecordIteration(rl, Iteration{Iteration: 1, BeadsCompleted: 1})
	if err != nil {
		t.Fatal(err)
	}
	rl, err = w.RecordIteration(rl, Iteration{Iteration: 1, BeadsCompleted: 2})
	if err != nil {
		t.Fatal(err)
	}

	if len(rl.Iterations) != 1 {
		t.Fatalf("Iterations = %v, want exactly 1 entry for iteration 1", rl.Iterations)
	}
	if rl.Iterations[0].BeadsCompleted != 2 {
		t.Errorf("BeadsCompleted = %d, want 2 (overwritten)", rl.Iterations[0].BeadsCompleted)
	}
}
