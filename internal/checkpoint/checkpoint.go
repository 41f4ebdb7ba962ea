// Package checkpoint persists orchestrator run state as a single YAML
// file per run, written atomically so a crash mid-write never leaves a
// torn checkpoint behind.
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SchemaVersion is the only checkpoint schema this build understands.
const SchemaVersion = 1

// ErrCorrupt indicates the checkpoint file failed to parse or carries an
// unrecognized schema version.
var ErrCorrupt = errors.New("checkpoint: corrupt or unsupported checkpoint")

// ErrSpecHashMismatch indicates the frozen spec on disk no longer
// matches the hash recorded at freeze time.
var ErrSpecHashMismatch = errors.New("checkpoint: frozen spec hash mismatch")

// BeadCounts tracks the run's bead-ID sets and retry bookkeeping. The
// three lists are pairwise-disjoint subsets of the run's bead set:
// completed, inProgress, and blocked partition the beads that have left
// the "open and unclaimed" state.
type BeadCounts struct {
	Total       int               `yaml:"total"`
	Completed   []string          `yaml:"completed,omitempty"`
	InProgress  []string          `yaml:"inProgress,omitempty"`
	Blocked     []string          `yaml:"blocked,omitempty"`
	RetryCounts map[string]int    `yaml:"retryCounts,omitempty"`
	Claims      map[string]string `yaml:"claims,omitempty"` // beadID -> "runId:iteration:attempt"
}

// AgentState describes the agent pool as recorded in the checkpoint.
type AgentState struct {
	MaxConcurrency int      `yaml:"maxConcurrency"`
	Active         []string `yaml:"active,omitempty"` // bead IDs currently assigned
}

// MaintenanceRun records one completed maintenance pass.
type MaintenanceRun struct {
	BeadID      string    `yaml:"beadId"`
	CompletedAt time.Time `yaml:"completedAt"`
	Verdict     string    `yaml:"verdict"`
}

// MaintenanceState tracks the maintenance sub-loop.
type MaintenanceState struct {
	RunCount  int              `yaml:"runCount"`
	Runs      []MaintenanceRun `yaml:"runs,omitempty"`
	LastRunAt time.Time        `yaml:"lastRunAt,omitempty"`
	BeadID    string           `yaml:"beadId,omitempty"` // bead currently in maintenance, if any
}

// ObservationState tracks judge-raised observations awaiting disposition.
type ObservationState struct {
	Pending  []string `yaml:"pending,omitempty"`
	Promoted []string `yaml:"promoted,omitempty"`
	Dismissed []string `yaml:"dismissed,omitempty"`
}

// Checkpoint is the complete, crash-recoverable state of one orchestrator
// run.
type Checkpoint struct {
	SchemaVersion    int    `yaml:"schemaVersion"`
	RunID            string `yaml:"runId"`
	SpecPath         string `yaml:"specPath"`
	FrozenSpecPath   string `yaml:"frozenSpecPath"`
	FrozenSpecSHA256 string `yaml:"frozenSpecSha256"`
	AcceptancePath   string `yaml:"acceptancePath,omitempty"`
	TargetBranch     string `yaml:"targetBranch"`
	BaseBranch       string `yaml:"baseBranch"`

	State     string `yaml:"state"`
	Iteration int    `yaml:"iteration"`

	Beads       BeadCounts       `yaml:"beads"`
	Agents      AgentState       `yaml:"agents"`
	Maintenance MaintenanceState `yaml:"maintenance"`
	Observations ObservationState `yaml:"observations"`

	CreatedAt time.Time `yaml:"createdAt"`
	UpdatedAt time.Time `yaml:"updatedAt"`
}

// Store reads and writes Checkpoints for a single run directory.
type Store struct {
	dir string
}

// NewStore creates a Store rooted at dir (typically .forge/<runId>).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path() string {
	return filepath.Join(s.dir, "checkpoint.yml")
}

// Load reads the checkpoint from disk. Returns (zero, false, nil) if no
// checkpoint file exists yet.
func (s *Store) Load() (Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("checkpoint: reading: %w", err)
	}

	var cp Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if cp.SchemaVersion != SchemaVersion {
		return Checkpoint{}, false, fmt.Errorf("%w: schema version %d", ErrCorrupt, cp.SchemaVersion)
	}
	return cp, true, nil
}

// Save writes the checkpoint atomically: marshal to a temp file in the
// same directory, fsync it, then rename over the target. A reader never
// observes a partially-written checkpoint, and a crash between write and
// rename leaves the previous checkpoint intact.
func (s *Store) Save(cp Checkpoint) error {
	if cp.SchemaVersion == 0 {
		cp.SchemaVersion = SchemaVersion
	}
	cp.UpdatedAt = time.Now()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("checkpoint: creating directory: %w", err)
	}

	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, "checkpoint-*.yml.tmp")
	if err != nil {
		return fmt.Errorf("checkpoint: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("checkpoint: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("checkpoint: closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path()); err != nil {
		return fmt.Errorf("checkpoint: renaming into place: %w", err)
	}
	return nil
}

// ComputeFileHash returns the hex-encoded SHA-256 digest of a file's
// contents.
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checkpoint: hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySpecHash confirms the frozen spec file at path still matches the
// hash recorded in the checkpoint. Called on every phase entry so a spec
// edited out from under a running orchestrator is caught immediately.
func VerifySpecHash(path, wantHash string) error {
	got, err := ComputeFileHash(path)
	if err != nil {
		return err
	}
	if got != wantHash {
		return fmt.Errorf("%w: expected %s, got %s", ErrSpecHashMismatch, wantHash, got)
	}
	return nil
}
