// Package runlog writes run-log.yml, the human-readable mirror of a
// run's progress: run identity, start/end, and a per-iteration counters
// snapshot, updated by the orchestrator alongside every checkpoint save
// so an operator can read progress without parsing checkpoint YAML.
package runlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// JudgeSummary is the compact per-iteration judge verdict recorded
// here; the full JudgeResult lives under judge-results/iteration-N.yml.
type JudgeSummary struct {
	Passed bool   `yaml:"passed"`
	Notes  string `yaml:"notes,omitempty"`
}

// Iteration is one iteration's counters snapshot.
type Iteration struct {
	Iteration       int           `yaml:"iteration"`
	BeadsTotal      int           `yaml:"beadsTotal"`
	BeadsCompleted  int           `yaml:"beadsCompleted"`
	BeadsFailed     int           `yaml:"beadsFailed"`
	BeadsBlocked    int           `yaml:"beadsBlocked"`
	AgentsSpawned   int           `yaml:"agentsSpawned"`
	MaintenanceRuns int           `yaml:"maintenanceRuns"`
	Judge           *JudgeSummary `yaml:"judge,omitempty"`
	RecordedAt      time.Time     `yaml:"recordedAt"`
}

// RunLog is the run-log.yml document.
type RunLog struct {
	RunID      string      `yaml:"runId"`
	State      string      `yaml:"state"`
	StartedAt  time.Time   `yaml:"startedAt"`
	EndedAt    time.Time   `yaml:"endedAt,omitempty"`
	Iterations []Iteration `yaml:"iterations,omitempty"`
}

// Writer reads and atomically writes a RunLog for a single run
// directory, mirroring internal/checkpoint.Store's atomic-write
// discipline: marshal, write a sibling temp file, fsync, rename.
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir (typically .forge/<runId>).
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) path() string {
	return filepath.Join(w.dir, "run-log.yml")
}

// Load reads the run log from disk. Returns (zero, false, nil) if none
// exists yet.
func (w *Writer) Load() (RunLog, bool, error) {
	data, err := os.ReadFile(w.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RunLog{}, false, nil
		}
		return RunLog{}, false, fmt.Errorf("runlog: reading: %w", err)
	}
	var rl RunLog
	if err := yaml.Unmarshal(data, &rl); err != nil {
		return RunLog{}, false, fmt.Errorf("runlog: parsing: %w", err)
	}
	return rl, true, nil
}

// Save writes the run log atomically: marshal to a temp file in the
// same directory, fsync it, then rename over the target. A reader never
// observes a partially-written run log.
func (w *Writer) Save(rl RunLog) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("runlog: creating directory: %w", err)
	}

	data, err := yaml.Marshal(rl)
	if err != nil {
		return fmt.Errorf("runlog: marshaling: %w", err)
	}

	tmp, err := os.CreateTemp(w.dir, "run-log-*.yml.tmp")
	if err != nil {
		return fmt.Errorf("runlog: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("runlog: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("runlog: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runlog: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, w.path()); err != nil {
		return fmt.Errorf("runlog: renaming into place: %w", err)
	}
	return nil
}

// RecordIteration replaces rl's snapshot for snapshot.Iteration (a
// resumed run or a mid-iteration retry overwrites rather than
// accumulating duplicate entries), saves the result, and returns the
// updated RunLog.
func (w *Writer) RecordIteration(rl RunLog, snapshot Iteration) (RunLog, error) {
	replaced := false
	for i, it := range rl.Iterations {
		if it.Iteration == snapshot.Iteration {
			rl.Iterations[i] = snapshot
			replaced = true
			break
		}
	}
	if !replaced {
		rl.Iterations = append(rl.Iterations, snapshot)
	}
	if err := w.Save(rl); err != nil {
		return rl, err
	}
	return rl, nil
}
