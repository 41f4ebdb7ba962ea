// Package orchestrator drives the spec-to-code compilation run: freeze
// the spec, decompose it into beads, implement them against a bounded
// agent pool, interleave maintenance, judge the result, and either loop
// back for remediation or publish. Every state transition is persisted
// to a checkpoint so a crashed or interrupted run can resume exactly
// where it left off.
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
	"github.com/smileynet/forge/internal/config"
	"github.com/smileynet/forge/internal/eventlog"
	"github.com/smileynet/forge/internal/harnesserr"
	"github.com/smileynet/forge/internal/prompt"
	"github.com/smileynet/forge/internal/publish"
	"github.com/smileynet/forge/internal/runlock"
	"github.com/smileynet/forge/internal/runlog"
	"github.com/smileynet/forge/internal/scheduler"
	"github.com/smileynet/forge/internal/worklog"
	"github.com/smileynet/forge/internal/workspace"
)

// Beads is the subset of beadstore.Client the orchestrator needs,
// narrowed for testability.
type Beads interface {
	List(label string) ([]beadstore.Bead, error)
	Show(id string) (beadstore.Bead, error)
	Create(in beadstore.CreateInput) (string, error)
	UpdateStatus(id string, status beadstore.Status) error
	Close(id string) error
	CloseWithReason(id, reason string) error
	Label(id, label string) error
	AddDependency(id, dependsOn string) error
	Sync() error
}

// Worktrees is the subset of workspace.Manager the orchestrator needs.
type Worktrees interface {
	Create(id, baseBranch string) error
	CreateReadOnly(id, baseBranch string) error
	HasModifications(id, baseBranch string) (bool, error)
	Remove(id string) error
	Path(id string) string
	CreateIntegrationBranch(name, baseBranch string) error
	FetchBase(baseBranch string) error
	RebaseOnto(branch, baseBranch string) error
	PushWithLease(branch string) error
	Push(branch string) error
	RepoRoot() string
}

// Prompts is the subset of prompt.Loader the orchestrator needs.
type Prompts interface {
	Compose(phaseName string, ctx prompt.Context) (string, error)
}

// Publisher performs the best-effort post-acceptance handoff.
type Publisher interface {
	Publish(integrationBranch, baseBranch, title, body string) publish.Result
}

// Worklog is the subset of worklog.Manager the orchestrator needs. It is
// optional: a nil Worklog simply skips per-bead worklog instantiation.
type Worklog interface {
	Create(worktreePath string, bead worklog.BeadContext) error
	AppendPhaseEntry(worktreePath string, entry worklog.PhaseEntry) error
	Archive(worktreePath, beadID string) error
}

// RunSummary is printed to the user on completion or failure.
type RunSummary struct {
	RunID      string
	State      string
	Iterations int
	Completed  int
	Blocked    int
	AgentSpawns int
}

// Orchestrator drives one compilation run end to end.
type Orchestrator struct {
	cfg    config.Config
	runDir string

	beads     Beads
	worktrees Worktrees
	prompts   Prompts
	agents    backend.AgentBackend
	judge     backend.JudgeBackend
	publisher Publisher
	worklog   Worklog

	checkpoints *checkpoint.Store
	events      *eventlog.Logger
	lock        *runlock.Lock
	runLog      *runlog.Writer

	scheduler *scheduler.Scheduler
	pool      *agentpool.Pool

	specPath   string
	runID      string
	baseBranch string

	agentSpawns int

	runLogState         runlog.RunLog
	pendingJudgeSummary *runlog.JudgeSummary
}

// Option configures an Orchestrator at construction.
type Option func(*Orchestrator)

// WithPublisher overrides the default publish.Publisher.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithWorklog attaches a worklog manager so each bead's worktree gets a
// worklog.md instantiated on claim, appended to on completion, and
// archived to the run directory once the worktree is torn down.
func WithWorklog(w Worklog) Option {
	return func(o *Orchestrator) { o.worklog = w }
}

// New assembles an Orchestrator from its collaborators. runDir is the
// per-run storage directory (".forge/<runId>"); specPath is the source
// spec file to freeze.
func New(cfg config.Config, runID, runDir, specPath, baseBranch string,
	beads Beads, worktrees Worktrees, prompts Prompts,
	agents backend.AgentBackend, judge backend.JudgeBackend,
	checkpoints *checkpoint.Store, events *eventlog.Logger, lock *runlock.Lock,
	runLog *runlog.Writer,
	opts ...Option) *Orchestrator {

	o := &Orchestrator{
		cfg:         cfg,
		runDir:      runDir,
		beads:       beads,
		worktrees:   worktrees,
		prompts:     prompts,
		agents:      agents,
		judge:       judge,
		checkpoints: checkpoints,
		events:      events,
		lock:        lock,
		runLog:      runLog,
		scheduler:   scheduler.New(),
		specPath:    specPath,
		runID:       runID,
		baseBranch:  baseBranch,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.publisher == nil && worktrees != nil {
		if wsMgr, ok := worktrees.(*workspace.Manager); ok {
			o.publisher = publish.New(wsMgr, cfg.Publication.HostingCLI)
		}
	}
	return o
}

// Run starts a fresh run: freeze, decompose, then the main loop.
func (o *Orchestrator) Run(ctx context.Context) (RunSummary, error) {
	cp := checkpoint.Checkpoint{
		SchemaVersion: checkpoint.SchemaVersion,
		RunID:         o.runID,
		SpecPath:      o.specPath,
		BaseBranch:    o.baseBranch,
		TargetBranch:  o.cfg.Publication.TargetBranch,
		State:         "freezing",
		Iteration:     1,
		Agents:        checkpoint.AgentState{MaxConcurrency: o.cfg.Implement.MaxConcurrency},
		CreatedAt:     time.Now().UTC(),
	}
	if cp.TargetBranch == "" {
		cp.TargetBranch = workspace.BranchName(o.runID)
	}

	o.runLogState = runlog.RunLog{RunID: o.runID, State: cp.State, StartedAt: cp.CreatedAt}
	o.events.Log("run_started", map[string]any{"runId": o.runID})

	return o.runFrom(ctx, cp)
}

// runFrom drives the state machine from whatever state cp currently
// records, used by both Run and Resume. Every exit path closes the
// event log and releases the lock via the caller (cmd/forge), not here,
// since the caller owns lifecycle for both success and failure paths.
func (o *Orchestrator) runFrom(ctx context.Context, cp checkpoint.Checkpoint) (summary RunSummary, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = harnesserr.Wrap(harnesserr.EConfigInvalid, "panic in orchestrator", fmt.Errorf("%v", r))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return o.handleInterruption(cp)
		default:
		}

		if cp.State != "freezing" {
			if verr := o.verifyFrozenSpec(cp); verr != nil {
				cp.State = "failed"
				_ = o.checkpoints.Save(cp)
				return o.summaryFor(cp), verr
			}
		}

		var herr *harnesserr.Error
		switch cp.State {
		case "freezing":
			cp, herr = o.freeze(ctx, cp)
		case "decomposing":
			cp, herr = o.decompose(ctx, cp)
		case "implementing":
			cp, herr = o.implement(ctx, cp)
		case "maintaining":
			// Maintenance is driven from within implement(); reaching this
			// state directly only happens on a resume mid-maintenance,
			// which is folded back into implementing since maintenance
			// itself is not separately resumable.
			cp.State = "implementing"
			continue
		case "judging":
			cp, herr = o.judgePhase(ctx, cp)
		case "completed", "failed":
			return o.summaryFor(cp), o.terminalError(cp)
		default:
			herr = harnesserr.New(harnesserr.EConfigInvalid, fmt.Sprintf("unknown state %q", cp.State))
		}

		if herr != nil {
			cp.State = "failed"
			_ = o.checkpoints.Save(cp)
			o.recordRunLogSnapshot(cp)
			o.events.Log("run_completed", map[string]any{"runId": o.runID, "state": "failed", "code": string(herr.Code)})
			return o.summaryFor(cp), herr
		}

		if err := o.checkpoints.Save(cp); err != nil {
			return o.summaryFor(cp), harnesserr.Wrap(harnesserr.EConfigInvalid, "saving checkpoint", err)
		}
		o.recordRunLogSnapshot(cp)

		if cp.State == "completed" || cp.State == "failed" {
			o.events.Log("run_completed", map[string]any{"runId": o.runID, "state": cp.State})
			return o.summaryFor(cp), o.terminalError(cp)
		}
	}
}

// recordRunLogSnapshot updates run-log.yml with the current iteration's
// counters, mirroring the checkpoint save that just happened. BeadsFailed
// is approximated from the retry-count map: a bead only accrues a retry
// entry once an attempt has failed. A nil Writer (tests that construct an
// Orchestrator without one) makes this a no-op.
func (o *Orchestrator) recordRunLogSnapshot(cp checkpoint.Checkpoint) {
	if o.runLog == nil {
		return
	}
	o.runLogState.State = cp.State
	if cp.State == "completed" || cp.State == "failed" {
		o.runLogState.EndedAt = time.Now().UTC()
	}

	snapshot := runlog.Iteration{
		Iteration:       cp.Iteration,
		BeadsTotal:      cp.Beads.Total,
		BeadsCompleted:  len(cp.Beads.Completed),
		BeadsFailed:     len(cp.Beads.RetryCounts),
		BeadsBlocked:    len(cp.Beads.Blocked),
		AgentsSpawned:   o.agentSpawns,
		MaintenanceRuns: cp.Maintenance.RunCount,
		Judge:           o.pendingJudgeSummary,
		RecordedAt:      time.Now().UTC(),
	}
	o.pendingJudgeSummary = nil

	updated, err := o.runLog.RecordIteration(o.runLogState, snapshot)
	if err != nil {
		o.events.Log("tbd_command_error", map[string]any{"phase": "runlog", "error": err.Error()})
		return
	}
	o.runLogState = updated
}

func (o *Orchestrator) terminalError(cp checkpoint.Checkpoint) error {
	if cp.State == "failed" {
		return harnesserr.New(harnesserr.EMaxIterations, "run failed")
	}
	return nil
}

func (o *Orchestrator) summaryFor(cp checkpoint.Checkpoint) RunSummary {
	return RunSummary{
		RunID:       cp.RunID,
		State:       cp.State,
		Iterations:  cp.Iteration,
		Completed:   len(cp.Beads.Completed),
		Blocked:     len(cp.Beads.Blocked),
		AgentSpawns: o.agentSpawns,
	}
}

// verifyFrozenSpec re-checks the frozen spec's hash against the
// checkpoint's recorded digest on entry to every phase but freezing, so
// a spec edited out from under a running orchestrator is caught at the
// next transition rather than silently diverging.
func (o *Orchestrator) verifyFrozenSpec(cp checkpoint.Checkpoint) *harnesserr.Error {
	if cp.FrozenSpecPath == "" {
		return nil
	}
	if err := checkpoint.VerifySpecHash(cp.FrozenSpecPath, cp.FrozenSpecSHA256); err != nil {
		return harnesserr.Wrap(harnesserr.ESpecHashMismatch, "frozen spec changed since freeze", err)
	}
	return nil
}

// ErrInterrupted is returned by Run/Resume when the context was
// canceled by a signal. The CLI layer maps it to exit code 130 rather
// than a harnesserr code, since interruption is not part of the typed
// harness error taxonomy.
var ErrInterrupted = errors.New("orchestrator: interrupted")

// handleInterruption responds to SIGINT/SIGTERM: kill every active agent
// process group and persist the checkpoint (the event log close and
// lock release happen in the caller, which owns both success and
// failure lifecycle).
func (o *Orchestrator) handleInterruption(cp checkpoint.Checkpoint) (RunSummary, error) {
	o.events.Log("run_interrupted", map[string]any{"runId": o.runID})
	o.agents.KillAllActive()
	if o.pool != nil {
		_ = o.pool.Wait() // block until every in-flight spawn goroutine has actually returned
	}
	_ = o.checkpoints.Save(cp)
	return o.summaryFor(cp), ErrInterrupted
}
