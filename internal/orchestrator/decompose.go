package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/smileynet/forge/internal/backend"
	"github.com/smileynet/forge/internal/beadstore"
	"github.com/smileynet/forge/internal/checkpoint"
	"github.com/smileynet/forge/internal/harnesserr"
)

// decomposeAgentTimeout bounds the auto-decompose spawn.
const decomposeAgentTimeout = 10 * time.Minute

// decompose establishes the run's bead set, either by scoping an
// existing label (existing_selector mode) or by spawning an agent to
// split the frozen spec into beads itself (auto mode).
func (o *Orchestrator) decompose(ctx context.Context, cp checkpoint.Checkpoint) (checkpoint.Checkpoint, *harnesserr.Error) {
	runLabel := beadstore.RunLabel(o.runID)

	switch o.cfg.Decompose.Mode {
	case "existing_selector":
		selected, err := o.beads.List(o.cfg.Decompose.ExistingSelector)
		if err != nil {
			return cp, harnesserr.Wrap(harnesserr.EBeadScopeAmbiguous, "listing selector beads", err)
		}
		var open []beadstore.Bead
		for _, b := range selected {
			if b.Status == beadstore.StatusOpen {
				open = append(open, b)
			}
		}
		if len(open) == 0 {
			return cp, harnesserr.New(harnesserr.EBeadScopeAmbiguous,
				fmt.Sprintf("selector %q matched no open beads", o.cfg.Decompose.ExistingSelector))
		}
		for _, b := range open {
			if err := o.beads.Label(b.ID, runLabel); err != nil {
				return cp, harnesserr.Wrap(harnesserr.EBeadScopeAmbiguous, "applying run label", err)
			}
		}

	case "auto":
		composed, err := o.prompts.Compose("decompose", promptContextForDecompose(o.runID, cp.FrozenSpecPath, runLabel))
		if err != nil {
			return cp, harnesserr.Wrap(harnesserr.EDeadlock, "composing decompose prompt", err)
		}
		result := o.agents.Spawn(ctx, backend.SpawnOptions{
			Workdir: o.worktrees.RepoRoot(),
			Prompt:  composed,
			Timeout: decomposeAgentTimeout,
		})
		o.agentSpawns++
		if result.Status != backend.AgentSuccess {
			return cp, harnesserr.New(harnesserr.EDeadlock,
				fmt.Sprintf("decomposition agent %s: %s", result.Status, result.LastLines))
		}

	default:
		return cp, harnesserr.New(harnesserr.EConfigInvalid, fmt.Sprintf("unknown decompose mode %q", o.cfg.Decompose.Mode))
	}

	runBeads, err := o.beads.List(runLabel)
	if err != nil {
		return cp, harnesserr.Wrap(harnesserr.EBeadScopeAmbiguous, "listing run beads after decompose", err)
	}
	if len(runBeads) == 0 {
		return cp, harnesserr.New(harnesserr.EBeadScopeAmbiguous, "decompose produced no beads carrying the run label")
	}

	cp.Beads.Total = len(runBeads)
	o.events.Log("beads_created", map[string]any{"runId": o.runID, "total": cp.Beads.Total})

	if o.cfg.Decompose.DryRun {
		o.logSchedulePreview(runBeads)
		cp.State = "completed"
		return cp, nil
	}

	cp.State = "implementing"
	return cp, nil
}

// logSchedulePreview emits a preview of the pickNext-driven traversal
// order for a dry run, without spawning any agents.
func (o *Orchestrator) logSchedulePreview(beads []beadstore.Bead) {
	o.scheduler.Rebuild(beads)
	remaining := append([]beadstore.Bead(nil), beads...)
	var order []string
	for {
		next, ok := o.scheduler.PickNext(remaining)
		if !ok {
			break
		}
		order = append(order, next.ID)
		for i, b := range remaining {
			if b.ID == next.ID {
				remaining[i].Status = beadstore.StatusClosed
				break
			}
		}
	}
	o.events.Log("schedule_preview", map[string]any{"runId": o.runID, "order": order})
}
