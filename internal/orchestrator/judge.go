package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/smileynet/forge/internal/backend"
	"github.com/smileynet/forge/internal/beadstore"
	"github.com/smileynet/forge/internal/checkpoint"
	"github.com/smileynet/forge/internal/harnesserr"
	"github.com/smileynet/forge/internal/remediation"
	"github.com/smileynet/forge/internal/runlog"
)

const judgeWorktreeIDPrefix = "judge-"

// judgePhase verifies the frozen spec, gathers pending observations,
// invokes the judge backend against a read-only worktree, and either
// completes the run (and optionally publishes) or applies remediation
// and loops back to implement.
func (o *Orchestrator) judgePhase(ctx context.Context, cp checkpoint.Checkpoint) (checkpoint.Checkpoint, *harnesserr.Error) {
	if herr := o.verifyFrozenSpec(cp); herr != nil {
		return cp, herr
	}

	observationIDs, err := o.collectObservations()
	if err != nil {
		return cp, harnesserr.Wrap(harnesserr.EJudgeParseFailed, "collecting observation beads", err)
	}

	wtID := fmt.Sprintf("%s%s-%d", judgeWorktreeIDPrefix, o.runID, cp.Iteration)
	if err := o.worktrees.CreateReadOnly(wtID, o.baseBranch); err != nil {
		return cp, harnesserr.Wrap(harnesserr.EJudgeParseFailed, "creating judge worktree", err)
	}
	wtPath := o.worktrees.Path(wtID)
	defer func() {
		if o.cfg.Workspace.CleanupAfter {
			_ = o.worktrees.Remove(wtID)
		}
	}()

	composed, err := o.prompts.Compose("judge", promptContextForJudge(o.runID, cp.FrozenSpecPath, cp.AcceptancePath, observationIDs))
	if err != nil {
		return cp, harnesserr.Wrap(harnesserr.EJudgeParseFailed, "composing judge prompt", err)
	}

	result, err := o.judge.Evaluate(ctx, backend.EvaluateOptions{
		Workdir:            wtPath,
		FrozenSpecPath:     cp.FrozenSpecPath,
		AcceptancePath:     cp.AcceptancePath,
		ObservationBeadIDs: observationIDs,
		Timeout:            time.Duration(o.cfg.Judge.TimeoutMultiplier) * o.cfg.Implement.BeadTimeout,
		Prompt:             composed,
	})
	if err != nil {
		return cp, harnesserr.Wrap(harnesserr.EJudgeParseFailed, "judge invocation failed", err)
	}

	modified, err := o.worktrees.HasModifications(wtID, o.baseBranch)
	if err != nil {
		return cp, harnesserr.Wrap(harnesserr.EJudgeParseFailed, "checking judge worktree integrity", err)
	}
	if modified {
		result = backend.JudgeResult{
			Acceptance: backend.AcceptanceResult{Passed: false, Notes: []string{"judge worktree was modified"}},
			SpecDrift:  backend.SpecDrift{Detected: true, Detail: "judge failure (integrity)"},
		}
		o.events.Log("judge_integrity_violation", map[string]any{"runId": o.runID, "iteration": cp.Iteration})
	}

	if err := o.persistJudgeResult(cp.Iteration, result); err != nil {
		o.events.Log("tbd_command_error", map[string]any{"phase": "judge", "error": err.Error()})
	}
	o.pendingJudgeSummary = &runlog.JudgeSummary{
		Passed: result.Passed(),
		Notes:  strings.Join(result.Acceptance.Notes, "; "),
	}
	o.events.Log("judge_finished", map[string]any{"runId": o.runID, "iteration": cp.Iteration, "passed": result.Passed()})

	if result.Passed() {
		if o.cfg.Publication.OnComplete == "pr" && o.cfg.Publication.TargetBranch == "" && o.publisher != nil {
			o.publish(cp)
		}
		cp.State = "completed"
		return cp, nil
	}

	return o.applyRemediationAndLoop(cp, result)
}

// collectObservations lists open beads carrying both the run label and
// the "observation" label.
func (o *Orchestrator) collectObservations() ([]string, error) {
	runBeads, err := o.beads.List(beadstore.RunLabel(o.runID))
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, b := range runBeads {
		if b.Status != beadstore.StatusOpen {
			continue
		}
		if containsString(b.Labels, "observation") {
			ids = append(ids, b.ID)
		}
	}
	return ids, nil
}

func (o *Orchestrator) persistJudgeResult(iteration int, result backend.JudgeResult) error {
	dir := filepath.Join(o.runDir, "judge-results")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating judge-results directory: %w", err)
	}
	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshaling judge result: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("iteration-%d.yml", iteration))
	return atomicWriteFile(path, data)
}

// atomicWriteFile writes data to a sibling temp file, fsyncs it, then
// renames it over path, so a reader never observes a torn file.
func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// publish drives the best-effort post-acceptance handoff. Failures are
// logged as events and never change run state.
func (o *Orchestrator) publish(cp checkpoint.Checkpoint) {
	title := fmt.Sprintf("forge: %s", o.runID)
	body := fmt.Sprintf("Automated compilation run %s, %d iteration(s), %d bead(s) completed.",
		o.runID, cp.Iteration, len(cp.Beads.Completed))
	result := o.publisher.Publish(cp.TargetBranch, cp.BaseBranch, title, body)
	if result.Err != nil {
		o.events.Log("pr_creation_failed", map[string]any{"runId": o.runID, "error": result.Err.Error()})
		return
	}
	o.events.Log("pr_created", map[string]any{"runId": o.runID, "url": result.PRURL, "branch": result.PushedBranch})
}

// applyRemediationAndLoop files remediation beads and triages
// observations from a failing verdict, then advances the iteration
// counter, looping back to implement unless maxIterations is exceeded.
func (o *Orchestrator) applyRemediationAndLoop(cp checkpoint.Checkpoint, result backend.JudgeResult) (checkpoint.Checkpoint, *harnesserr.Error) {
	outcome, err := remediation.Apply(o.beads, o.runID, result)
	if err != nil {
		return cp, harnesserr.Wrap(harnesserr.EJudgeParseFailed, "applying remediation", err)
	}
	cp.Beads.Total += len(result.NewBeads)
	for _, id := range outcome.Promoted {
		cp.Observations.Promoted = appendUnique(cp.Observations.Promoted, id)
		cp.Observations.Pending = removeString(cp.Observations.Pending, id)
	}
	for _, id := range outcome.Dismissed {
		cp.Observations.Dismissed = appendUnique(cp.Observations.Dismissed, id)
		cp.Observations.Pending = removeString(cp.Observations.Pending, id)
	}
	for _, id := range outcome.CreatedBeadIDs {
		o.events.Log("remediation_created", map[string]any{"runId": o.runID, "beadId": id})
	}

	cp.Iteration++
	if cp.Iteration > o.cfg.Judge.MaxIterations {
		cp.State = "failed"
		return cp, harnesserr.New(harnesserr.EMaxIterations, "judge never reached PASS within max_iterations")
	}

	cp.State = "implementing"
	return cp, nil
}
