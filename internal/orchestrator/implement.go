package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/smileynet/forge/internal/agentpool"
	"github.com/smileynet/forge/internal/backend"
	"github.com/smileynet/forge/internal/beadstore"
	"github.com/smileynet/forge/internal/checkpoint"
	"github.com/smileynet/forge/internal/harnesserr"
	"github.com/smileynet/forge/internal/worklog"
)

// implement runs the bounded-concurrency implementation sub-loop: spawn
// agents against ready beads until nothing more can be picked and the
// pool has drained, reconciling each completion against the bead store.
func (o *Orchestrator) implement(ctx context.Context, cp checkpoint.Checkpoint) (checkpoint.Checkpoint, *harnesserr.Error) {
	runLabel := beadstore.RunLabel(o.runID)
	pool := agentpool.New(o.cfg.Implement.MaxConcurrency, o.agents)
	o.pool = pool
	cp.Agents.MaxConcurrency = o.cfg.Implement.MaxConcurrency

	cyclesChecked := false

	for {
		select {
		case <-ctx.Done():
			return cp, nil // caller's outer loop detects ctx.Done and interrupts
		default:
		}

		runBeads, err := o.beads.List(runLabel)
		if err != nil {
			return cp, harnesserr.Wrap(harnesserr.EBeadScopeAmbiguous, "refreshing beads", err)
		}
		o.scheduler.Rebuild(runBeads)
		if !cyclesChecked {
			if _, cerr := o.scheduler.CheckCycles(); cerr != nil {
				return cp, harnesserr.Wrap(harnesserr.EGraphCycle, "dependency graph has a cycle", cerr)
			}
			cyclesChecked = true
		}

		// Fill capacity with ready beads.
		for pool.HasCapacity() {
			next, ok := o.scheduler.PickNext(runBeads)
			if !ok {
				break
			}
			if err := o.claimAndSpawn(ctx, pool, &cp, next); err != nil {
				return cp, harnesserr.Wrap(harnesserr.EConfigInvalid, "claiming bead", err)
			}
			// Reflect the claim locally so the next PickNext in this fill
			// loop does not repick the same bead before the store catches up.
			for i, b := range runBeads {
				if b.ID == next.ID {
					runBeads[i].Status = beadstore.StatusInProgress
				}
			}
		}

		if pool.Len() == 0 {
			// Nothing running and nothing was just picked: either the run
			// is done, or it's stuck.
			if allTerminal(runBeads) {
				break
			}
			if o.scheduler.DetectDeadlock(runBeads) {
				blockers := o.scheduler.DetectExternalBlockers(runBeads)
				if len(blockers) > 0 {
					return cp, harnesserr.New(harnesserr.EExternalBlocked, fmt.Sprintf("blocked on out-of-scope beads: %v", blockers))
				}
				return cp, harnesserr.New(harnesserr.EDeadlock, "no ready beads and none in progress")
			}
			break
		}

		completion, ok := pool.WaitForAny(ctx)
		if !ok {
			break
		}
		o.agentSpawns++
		o.reconcileCompletion(&cp, completion)

		if herr := o.maybeTriggerMaintenance(ctx, &cp); herr != nil {
			return cp, herr
		}

		if err := o.checkpoints.Save(cp); err != nil {
			return cp, harnesserr.Wrap(harnesserr.EConfigInvalid, "saving checkpoint mid-implement", err)
		}
	}

	// Drain any still in-flight maintenance.
	if cp.Maintenance.BeadID != "" {
		o.drainMaintenance(ctx, &cp)
	}
	if o.cfg.Maintenance.Trigger == "after_all" {
		o.runMaintenance(ctx, &cp)
	}

	if !o.cfg.Judge.Enabled {
		cp.State = "completed"
		return cp, nil
	}

	cp.State = "judging"
	return cp, nil
}

// allTerminal reports whether every bead in the run set has left the
// open/in_progress lifecycle (closed, or recorded blocked).
func allTerminal(beads []beadstore.Bead) bool {
	for _, b := range beads {
		if b.Status == beadstore.StatusOpen || b.Status == beadstore.StatusInProgress {
			return false
		}
	}
	return true
}

// claimAndSpawn marks a bead in_progress in both the store and
// checkpoint, records a claim token, creates (or reuses) its worktree,
// composes the coding prompt with its resolved dependency list, and
// hands it to the pool.
func (o *Orchestrator) claimAndSpawn(ctx context.Context, pool *agentpool.Pool, cp *checkpoint.Checkpoint, b beadstore.Bead) error {
	attempt := cp.Beads.RetryCounts[b.ID] + 1
	claim := fmt.Sprintf("%s:%d:%d", o.runID, cp.Iteration, attempt)

	if err := o.beads.UpdateStatus(b.ID, beadstore.StatusInProgress); err != nil {
		return fmt.Errorf("updating store status for %s: %w", b.ID, err)
	}
	cp.Beads.InProgress = appendUnique(cp.Beads.InProgress, b.ID)
	if cp.Beads.Claims == nil {
		cp.Beads.Claims = make(map[string]string)
	}
	cp.Beads.Claims[b.ID] = claim

	if err := o.worktrees.Create(b.ID, o.baseBranch); err != nil {
		return fmt.Errorf("creating worktree for %s: %w", b.ID, err)
	}
	wtPath := o.worktrees.Path(b.ID)

	var deps []string
	for _, d := range b.Dependencies {
		if d.Type == "blocks" {
			deps = append(deps, d.Target)
		}
	}
	basics := beadBasics{ID: b.ID, Title: b.Title, Description: b.Description}
	composed, err := o.prompts.Compose("implement", promptContextForImplement(o.runID, cp.FrozenSpecPath, basics, deps, ""))
	if err != nil {
		return fmt.Errorf("composing implement prompt for %s: %w", b.ID, err)
	}

	if o.worklog != nil {
		if err := o.worklog.Create(wtPath, worklog.BeadContext{
			RunID:          o.runID,
			FrozenSpecPath: cp.FrozenSpecPath,
			BeadID:         b.ID,
			Title:          b.Title,
			Description:    b.Description,
			Dependencies:   deps,
		}); err != nil && !errors.Is(err, worklog.ErrAlreadyExists) {
			return fmt.Errorf("creating worklog for %s: %w", b.ID, err)
		}
	}

	agentID := pool.Assign(ctx, b.ID, backend.SpawnOptions{
		Workdir: wtPath,
		Prompt:  composed,
		Timeout: o.cfg.Implement.BeadTimeout,
	})
	cp.Agents.Active = appendUnique(cp.Agents.Active, b.ID)
	o.events.Log("agent_started", map[string]any{"runId": o.runID, "beadId": b.ID, "agentId": agentID, "attempt": attempt})
	return nil
}

// reconcileCompletion applies one agent completion: a bead the agent
// closed moves to completed; otherwise its retry count is incremented
// and it either returns to open for another attempt or is promoted to
// blocked once it exceeds the configured retry cap.
func (o *Orchestrator) reconcileCompletion(cp *checkpoint.Checkpoint, completion agentpool.Completion) {
	beadID := completion.Slot.BeadID
	cp.Agents.Active = removeString(cp.Agents.Active, beadID)
	o.events.Log("agent_finished", map[string]any{
		"runId": o.runID, "beadId": beadID, "agentId": completion.Slot.AgentID,
		"status": string(completion.Result.Status),
	})

	current, err := o.beads.Show(beadID)
	closed := err == nil && current.Status == beadstore.StatusClosed

	cp.Beads.InProgress = removeString(cp.Beads.InProgress, beadID)

	if o.worklog != nil {
		verdict := "retry"
		if closed {
			verdict = "completed"
		} else if string(completion.Result.Status) != string(backend.AgentSuccess) {
			verdict = "agent failure"
		}
		wtPath := o.worktrees.Path(beadID)
		_ = o.worklog.AppendPhaseEntry(wtPath, worklog.PhaseEntry{
			Name:      "implement",
			Status:    string(completion.Result.Status),
			Verdict:   verdict,
			Timestamp: time.Now().UTC(),
		})
		_ = o.worklog.Archive(wtPath, beadID)
	}

	if closed {
		cp.Beads.Completed = appendUnique(cp.Beads.Completed, beadID)
		o.events.Log("bead_completed", map[string]any{"runId": o.runID, "beadId": beadID})
		if o.cfg.Workspace.CleanupAfter {
			_ = o.worktrees.Remove(beadID)
		}
		return
	}

	if cp.Beads.RetryCounts == nil {
		cp.Beads.RetryCounts = make(map[string]int)
	}
	cp.Beads.RetryCounts[beadID]++

	if cp.Beads.RetryCounts[beadID] > o.cfg.Implement.MaxRetriesPerBead {
		cp.Beads.Blocked = appendUnique(cp.Beads.Blocked, beadID)
		_ = o.beads.UpdateStatus(beadID, beadstore.StatusBlocked)
		o.events.Log("bead_blocked", map[string]any{"runId": o.runID, "beadId": beadID, "retries": cp.Beads.RetryCounts[beadID]})
		if o.cfg.Workspace.CleanupAfter {
			_ = o.worktrees.Remove(beadID)
		}
		return
	}

	_ = o.beads.UpdateStatus(beadID, beadstore.StatusOpen)
	o.events.Log("bead_retry", map[string]any{"runId": o.runID, "beadId": beadID, "retries": cp.Beads.RetryCounts[beadID]})
}
