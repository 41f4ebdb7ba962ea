package orchestrator

import (
	"context"
	"time"

	"github.com/smileynet/forge/internal/backend"
	"github.com/smileynet/forge/internal/beadstore"
	"github.com/smileynet/forge/internal/checkpoint"
	"github.com/smileynet/forge/internal/harnesserr"
)

// maintWorktreeIDPrefix namespaces the worktree a maintenance pass runs in,
// distinct from any bead ID, since maintenance beads share the run's
// bead-store label space but need their own isolated checkout.
const maintWorktreeIDPrefix = "maintenance-"

// maybeTriggerMaintenance spawns a maintenance pass after a bead
// completes if trigger==every_n_beads and the completed count is a
// multiple of n. At most one maintenance run is ever in flight: a
// pending maintenance bead blocks a new trigger until it drains.
func (o *Orchestrator) maybeTriggerMaintenance(ctx context.Context, cp *checkpoint.Checkpoint) *harnesserr.Error {
	if o.cfg.Maintenance.Trigger != "every_n_beads" {
		return nil
	}
	if cp.Maintenance.BeadID != "" {
		return nil // one already in flight
	}
	completed := len(cp.Beads.Completed)
	if completed == 0 || o.cfg.Maintenance.N <= 0 || completed%o.cfg.Maintenance.N != 0 {
		return nil
	}
	o.runMaintenance(ctx, cp)
	return nil
}

// runMaintenance creates a maintenance bead, allocates its worktree,
// spawns the agent with a behaviour-preserving-fixes prompt, and
// records the outcome. Failure is logged but never fatal to the run.
func (o *Orchestrator) runMaintenance(ctx context.Context, cp *checkpoint.Checkpoint) {
	id, err := o.beads.Create(beadstore.CreateInput{
		Title: "maintenance pass",
		Kind:  beadstore.KindTask,
		Labels: []string{beadstore.RunLabel(o.runID), "maintenance"},
	})
	if err != nil {
		o.events.Log("tbd_command_error", map[string]any{"phase": "maintenance", "error": err.Error()})
		return
	}

	cp.Maintenance.BeadID = id
	o.events.Log("maintenance_started", map[string]any{"runId": o.runID, "beadId": id})

	wtID := maintWorktreeIDPrefix + id
	if err := o.worktrees.Create(wtID, o.baseBranch); err != nil {
		o.finishMaintenance(cp, id, "failure")
		o.events.Log("tbd_command_error", map[string]any{"phase": "maintenance", "error": err.Error()})
		return
	}
	wtPath := o.worktrees.Path(wtID)

	composed, err := o.prompts.Compose("maintenance", promptContextForMaintenance(o.runID, cp.FrozenSpecPath))
	if err != nil {
		o.finishMaintenance(cp, id, "failure")
		return
	}

	result := o.agents.Spawn(ctx, backend.SpawnOptions{
		Workdir: wtPath,
		Prompt:  composed,
		Timeout: o.cfg.Implement.BeadTimeout,
	})
	o.agentSpawns++

	verdict := "success"
	if result.Status != backend.AgentSuccess {
		verdict = "failure"
	}
	o.finishMaintenance(cp, id, verdict)

	if o.cfg.Workspace.CleanupAfter {
		_ = o.worktrees.Remove(wtID)
	}
}

func (o *Orchestrator) finishMaintenance(cp *checkpoint.Checkpoint, beadID, verdict string) {
	cp.Maintenance.RunCount++
	cp.Maintenance.Runs = append(cp.Maintenance.Runs, checkpoint.MaintenanceRun{
		BeadID:      beadID,
		CompletedAt: time.Now().UTC(),
		Verdict:     verdict,
	})
	cp.Maintenance.LastRunAt = time.Now().UTC()
	cp.Maintenance.BeadID = ""
	_ = o.beads.Close(beadID)
	o.events.Log("maintenance_finished", map[string]any{"runId": o.runID, "beadId": beadID, "verdict": verdict})
}

// drainMaintenance waits out a maintenance pass still recorded as
// in-flight in the checkpoint before the implement phase exits. In this
// implementation maintenance runs synchronously within runMaintenance,
// so an in-flight record at this point means the process should simply
// resolve its bookkeeping rather than block again.
func (o *Orchestrator) drainMaintenance(ctx context.Context, cp *checkpoint.Checkpoint) {
	if cp.Maintenance.BeadID == "" {
		return
	}
	o.finishMaintenance(cp, cp.Maintenance.BeadID, "failure")
}
