package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smileynet/forge/internal/beadstore"
	"github.com/smileynet/forge/internal/checkpoint"
	"github.com/smileynet/forge/internal/harnesserr"
)

// Resume re-enters an existing run from its persisted checkpoint:
// validates the run is not already terminal, verifies the frozen spec
// and acceptance artifact are still intact, reconciles any claims left
// stale by a crash or interruption, and continues the state machine
// from whatever state the checkpoint recorded.
func (o *Orchestrator) Resume(ctx context.Context) (RunSummary, error) {
	cp, found, err := o.checkpoints.Load()
	if err != nil {
		return RunSummary{}, harnesserr.Wrap(harnesserr.ECheckpointCorrupt, "loading checkpoint", err)
	}
	if !found {
		return RunSummary{}, harnesserr.New(harnesserr.ECheckpointCorrupt, "no checkpoint found for resume")
	}
	if cp.State == "completed" || cp.State == "failed" {
		return RunSummary{}, harnesserr.New(harnesserr.ECheckpointCorrupt, "run is already terminal: "+cp.State)
	}

	if cp.FrozenSpecPath != "" {
		if err := checkpoint.VerifySpecHash(cp.FrozenSpecPath, cp.FrozenSpecSHA256); err != nil {
			return RunSummary{}, harnesserr.Wrap(harnesserr.ESpecHashMismatch, "frozen spec changed since freeze", err)
		}
	}
	if cp.AcceptancePath != "" {
		if _, err := os.Stat(cp.AcceptancePath); err != nil {
			return RunSummary{}, harnesserr.Wrap(harnesserr.EAcceptanceMissing, "acceptance artifact missing", err)
		}
	}

	o.reconcileStaleClaims(&cp)

	if o.runLog != nil {
		if existing, found, err := o.runLog.Load(); err == nil && found {
			o.runLogState = existing
		}
	}

	o.events.Log("run_resumed", map[string]any{"runId": o.runID, "state": cp.State})

	if cp.State == "judging" {
		// The spec skips re-implementation on resume into judging: the
		// dispatcher in runFrom already branches on cp.State directly, so
		// leaving it as "judging" is sufficient.
	}

	return o.runFrom(ctx, cp)
}

// reconcileStaleClaims resets every bead recorded in_progress back to
// open, both in the store and the checkpoint, and clears the active
// agent list, since no agent from a previous process is actually still
// running against them.
func (o *Orchestrator) reconcileStaleClaims(cp *checkpoint.Checkpoint) {
	for _, id := range cp.Beads.InProgress {
		_ = o.beads.UpdateStatus(id, beadstore.StatusOpen)
	}
	cp.Beads.InProgress = nil
	cp.Agents.Active = nil
}

// FindLatestRunDir returns the most recently created run directory
// under storageRoot, identified by the "run-YYYY-MM-DD-<6 base36
// chars>" naming convention lexicographically sorting newest-last for
// same-day runs.
func FindLatestRunDir(storageRoot string) (string, bool, error) {
	entries, err := os.ReadDir(storageRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	var runDirs []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "run-") {
			runDirs = append(runDirs, e.Name())
		}
	}
	if len(runDirs) == 0 {
		return "", false, nil
	}
	sort.Strings(runDirs)
	latest := runDirs[len(runDirs)-1]
	return filepath.Join(storageRoot, latest), true, nil
}
