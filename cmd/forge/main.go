// Command forge compiles a specification file into working,
// tested code: it freezes the spec, decomposes it into beads, drives a
// bounded pool of coding agents against them, interleaves maintenance,
// judges the result against the frozen spec and its acceptance
// criteria, and either loops back for remediation or publishes.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	forge "github.com/smileynet/forge"
	"github.com/smileynet/forge/internal/backend"
	"github.com/smileynet/forge/internal/beadstore"
	"github.com/smileynet/forge/internal/checkpoint"
	"github.com/smileynet/forge/internal/config"
	"github.com/smileynet/forge/internal/depgraph"
	"github.com/smileynet/forge/internal/eventlog"
	"github.com/smileynet/forge/internal/harnesserr"
	"github.com/smileynet/forge/internal/orchestrator"
	"github.com/smileynet/forge/internal/prompt"
	"github.com/smileynet/forge/internal/runlock"
	"github.com/smileynet/forge/internal/runlog"
	"github.com/smileynet/forge/internal/statustree"
	"github.com/smileynet/forge/internal/tui"
	"github.com/smileynet/forge/internal/worklog"
	"github.com/smileynet/forge/internal/workspace"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// storageRoot is where every run directory, worktree, and lock file
// lives, relative to the repository root forge is invoked from.
const storageRoot = ".forge"

// CLI is the top-level command structure for forge.
type CLI struct {
	Version kong.VersionFlag `help:"Show version." short:"V"`
	Run     RunCmd           `cmd:"" help:"Start a new compilation run from a spec file."`
	Resume  ResumeCmd        `cmd:"" help:"Resume an interrupted or crashed run."`
	Status  StatusCmd        `cmd:"" help:"Show the bead dependency status tree for a run."`
	Abort   AbortCmd         `cmd:"" help:"Signal a running compilation to stop."`
}

// loadConfig layers the user's global config under the repo-local one,
// then applies environment overrides, matching the teacher's layering
// order of least to most specific.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadLayered(
		os.ExpandEnv("$HOME/.config/forge/config.yaml"),
		path,
	)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandSpecForBackend resolves a configured backend name to the CLI
// invocation that runs it. "claude" is the only backend wired today;
// additional entries are added here as they are integrated, the same
// way the teacher's provider registry grew one entry at a time.
func commandSpecForBackend(name string) (backend.CommandSpec, error) {
	switch name {
	case "claude":
		return backend.CommandSpec{
			Name:       "claude",
			Binary:     "claude",
			PromptFlag: "-p",
			Flags:      []string{"--output-format", "text"},
		}, nil
	default:
		return backend.CommandSpec{}, fmt.Errorf("unknown backend %q", name)
	}
}

const runIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newRunID mints a "run-YYYY-MM-DD-xxxxxx" identifier: a date prefix for
// human sorting plus six random base36 characters to disambiguate same-day
// runs, matching the naming convention FindLatestRunDir expects.
func newRunID() (string, error) {
	suffix := make([]byte, 6)
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating run id: %w", err)
	}
	for i, b := range raw {
		suffix[i] = runIDAlphabet[int(b)%len(runIDAlphabet)]
	}
	return fmt.Sprintf("run-%s-%s", time.Now().UTC().Format("2006-01-02"), suffix), nil
}

// RunCmd starts a fresh compilation run against a spec file.
type RunCmd struct {
	SpecPath   string `arg:"" help:"Path to the specification file to compile."`
	Config     string `help:"Path to the forge config file." default:".forge/config.yaml"`
	Selector   string `help:"Bead label to scope decomposition to, overriding the config." default:""`
	BaseBranch string `help:"Base branch to branch agent worktrees from." default:""`
	NoTUI      bool   `help:"Force plain text output even if stdout is a TTY." default:"false"`
}

func (r *RunCmd) Run() error {
	cfg, err := loadConfig(r.Config)
	if err != nil {
		return err
	}
	if r.Selector != "" {
		cfg.Decompose.ExistingSelector = r.Selector
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	runID, err := newRunID()
	if err != nil {
		return err
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	baseBranch := r.BaseBranch
	wtMgr := workspace.NewManager(repoRoot, cfg.Workspace.BaseDir)
	if baseBranch == "" {
		baseBranch, err = wtMgr.DetectMainBranch()
		if err != nil {
			return fmt.Errorf("detecting base branch: %w", err)
		}
	}

	runDir := filepath.Join(storageRoot, runID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o, cleanup, err := buildOrchestrator(*cfg, runID, runDir, r.SpecPath, baseBranch, repoRoot, wtMgr, r.NoTUI, cancel)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, runErr := o.orch.Run(ctx)
	return finishRun(o, summary, runErr)
}

// ResumeCmd continues the most recent (or a named) run from its
// persisted checkpoint.
type ResumeCmd struct {
	RunID  string `arg:"" optional:"" help:"Run ID to resume. Defaults to the most recent run."`
	Config string `help:"Path to the forge config file." default:".forge/config.yaml"`
	NoTUI  bool   `help:"Force plain text output even if stdout is a TTY." default:"false"`
}

func (r *ResumeCmd) Run() error {
	cfg, err := loadConfig(r.Config)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	runDir, runID, err := resolveRunDir(r.RunID)
	if err != nil {
		return err
	}

	cpStore := checkpoint.NewStore(runDir)
	cp, found, err := cpStore.Load()
	if err != nil {
		return harnesserr.Wrap(harnesserr.ECheckpointCorrupt, "loading checkpoint", err)
	}
	if !found {
		return harnesserr.New(harnesserr.ECheckpointCorrupt, "no checkpoint found for run "+runID)
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	wtMgr := workspace.NewManager(repoRoot, cfg.Workspace.BaseDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	o, cleanup, err := buildOrchestrator(*cfg, runID, runDir, cp.SpecPath, cp.BaseBranch, repoRoot, wtMgr, r.NoTUI, cancel)
	if err != nil {
		return err
	}
	defer cleanup()

	summary, runErr := o.orch.Resume(ctx)
	return finishRun(o, summary, runErr)
}

// resolveRunDir resolves a possibly-empty run ID argument to a run
// directory and its ID, falling back to the most recently created run.
func resolveRunDir(runID string) (dir, id string, err error) {
	if runID != "" {
		return filepath.Join(storageRoot, runID), runID, nil
	}
	dir, found, err := orchestrator.FindLatestRunDir(storageRoot)
	if err != nil {
		return "", "", fmt.Errorf("finding latest run: %w", err)
	}
	if !found {
		return "", "", errors.New("no runs found under " + storageRoot)
	}
	return dir, filepath.Base(dir), nil
}

// StatusCmd prints the bead dependency status tree for a run.
type StatusCmd struct {
	RunID string `arg:"" optional:"" help:"Run ID to inspect. Defaults to the most recent run."`
}

func (s *StatusCmd) Run() error {
	runDir, _, err := resolveRunDir(s.RunID)
	if err != nil {
		return err
	}

	cpStore := checkpoint.NewStore(runDir)
	cp, found, err := cpStore.Load()
	if err != nil {
		return harnesserr.Wrap(harnesserr.ECheckpointCorrupt, "loading checkpoint", err)
	}
	if !found {
		return errors.New("no checkpoint found for that run")
	}

	repoRoot, err := os.Getwd()
	if err != nil {
		return err
	}
	bd := beadstore.NewClient(repoRoot)
	all, err := bd.List(beadstore.RunLabel(cp.RunID))
	if err != nil {
		return fmt.Errorf("listing beads: %w", err)
	}

	beads := make([]statustree.Bead, 0, len(all))
	universe := make([]string, 0, len(all))
	var deps []depgraph.Dependency
	for _, b := range all {
		beads = append(beads, statustree.Bead{
			ID:       b.ID,
			Title:    b.Title,
			Status:   string(b.Status),
			Priority: b.Priority,
		})
		universe = append(universe, b.ID)
		for _, d := range b.Dependencies {
			deps = append(deps, depgraph.Dependency{BlockerID: d.Target, TargetID: b.ID})
		}
	}

	g := depgraph.Build(universe, deps)
	fmt.Printf("run %s (%s, iteration %d)\n\n", cp.RunID, cp.State, cp.Iteration)
	fmt.Print(statustree.Render(statustree.Build(beads, g), beads))
	return nil
}

// AbortCmd signals a running compilation's process to shut down. The
// checkpoint it left behind can later be continued with resume.
type AbortCmd struct {
	RunID string `arg:"" optional:"" help:"Run ID to abort. Defaults to the most recent run."`
}

func (a *AbortCmd) Run() error {
	runDir, runID, err := resolveRunDir(a.RunID)
	if err != nil {
		return err
	}
	rec, ok := runlock.ReadRecord(runDir)
	if !ok {
		return errors.New("no active lock found for run " + runID)
	}
	if err := runlock.Terminate(rec.PID); err != nil {
		return fmt.Errorf("signaling pid %d: %w", rec.PID, err)
	}
	fmt.Printf("sent termination signal to run %s (pid %d)\n", runID, rec.PID)
	return nil
}

// materializeTemplate copies the embedded worklog template to path on
// disk if nothing is there yet, so worklog.Manager (which reads its
// template from a plain filesystem path) has something to read without
// every repository needing to vendor its own copy.
func materializeTemplate(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := fs.ReadFile(forge.Templates, "worklog.md.template")
	if err != nil {
		return fmt.Errorf("reading embedded worklog template: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating template directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// relayEvents translates the orchestrator's bead lifecycle events into
// tui status updates for the live display. It runs until events closes,
// which happens when the logger itself is closed at run teardown.
func relayEvents(events <-chan eventlog.Event, bridge *tui.Bridge) {
	for e := range events {
		msg, ok := statusUpdateFor(e)
		if !ok {
			continue
		}
		bridge.Send(msg)
	}
}

func statusUpdateFor(e eventlog.Event) (tui.StatusUpdateMsg, bool) {
	beadID, _ := e.Fields["beadId"].(string)
	if beadID == "" {
		return tui.StatusUpdateMsg{}, false
	}

	switch e.Name {
	case "agent_started":
		attempt, _ := e.Fields["attempt"].(int)
		return tui.StatusUpdateMsg{BeadID: beadID, Status: tui.StatusRunning, Attempt: attempt}, true
	case "bead_completed":
		return tui.StatusUpdateMsg{BeadID: beadID, Status: tui.StatusPassed}, true
	case "bead_blocked":
		return tui.StatusUpdateMsg{BeadID: beadID, Status: tui.StatusFailed}, true
	case "bead_retry":
		retries, _ := e.Fields["retries"].(int)
		return tui.StatusUpdateMsg{BeadID: beadID, Status: tui.StatusPending, Attempt: retries}, true
	default:
		return tui.StatusUpdateMsg{}, false
	}
}

// runHandle bundles the assembled orchestrator with the display and
// lock lifecycle main() needs to drive and then tear down.
type runHandle struct {
	orch    *orchestrator.Orchestrator
	lock    *runlock.Lock
	events  *eventlog.Logger
	display tui.Display
	bridge  *tui.Bridge
	done    chan error
}

// buildOrchestrator assembles every collaborator an Orchestrator needs
// and starts the live display goroutine. The returned cleanup releases
// the lock and closes the event log; it must run after finishRun drains
// the display.
func buildOrchestrator(cfg config.Config, runID, runDir, specPath, baseBranch, repoRoot string, wtMgr *workspace.Manager, noTUI bool, cancel context.CancelFunc) (*runHandle, func(), error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating run directory: %w", err)
	}

	lock, err := runlock.Acquire(runDir, runID)
	if err != nil {
		return nil, nil, harnesserr.Wrap(harnesserr.ERunLocked, "acquiring run lock", err)
	}

	events, err := eventlog.Open(filepath.Join(runDir, "events.jsonl"))
	if err != nil {
		_ = lock.Release()
		return nil, nil, fmt.Errorf("opening event log: %w", err)
	}

	agentSpec, err := commandSpecForBackend(cfg.Runtime.Backend)
	if err != nil {
		_ = events.Close()
		_ = lock.Release()
		return nil, nil, harnesserr.Wrap(harnesserr.EBackendUnavailable, "resolving agent backend", err)
	}
	agents := backend.NewAgentBackend(agentSpec, cfg.Implement.BeadTimeout)
	judgeTimeout := cfg.Implement.BeadTimeout * time.Duration(cfg.Judge.TimeoutMultiplier)
	judge := backend.NewJudgeBackend(agentSpec, judgeTimeout)

	beads := beadstore.NewClient(repoRoot)
	checkpoints := checkpoint.NewStore(runDir)
	runLog := runlog.NewWriter(runDir)
	promptLoader := prompt.NewLoader(forge.OverlayFS(".forge/prompts", forge.Prompts))

	worklogTemplatePath := filepath.Join(storageRoot, "templates", "worklog.md.template")
	if err := materializeTemplate(worklogTemplatePath); err != nil {
		_ = events.Close()
		_ = lock.Release()
		return nil, nil, err
	}
	worklogMgr := worklog.NewManager(worklogTemplatePath, filepath.Join(storageRoot, "logs"))

	bridge := tui.NewBridge()
	display := tui.NewDisplay(tui.DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: noTUI,
		CancelFunc: cancel,
	})

	orch := orchestrator.New(cfg, runID, runDir, specPath, baseBranch,
		beads, wtMgr, promptLoader, agents, judge, checkpoints, events, lock, runLog,
		orchestrator.WithWorklog(worklogMgr),
	)

	h := &runHandle{orch: orch, lock: lock, events: events, display: display, bridge: bridge, done: make(chan error, 1)}
	go func() {
		h.done <- display.Run(context.Background(), bridge.Events())
	}()
	go relayEvents(events.Subscribe(), bridge)

	cleanup := func() {
		_ = events.Close()
		_ = lock.Release()
	}
	return h, cleanup, nil
}

// finishRun drains the display after a run's terminal outcome and
// prints the final summary line.
func finishRun(h *runHandle, summary orchestrator.RunSummary, runErr error) error {
	if runErr != nil {
		h.bridge.Error(runErr)
	} else {
		h.bridge.Done()
	}
	<-h.done

	fmt.Printf("run %s: %s (%d beads completed, %d blocked, %d agent spawns)\n",
		summary.RunID, summary.State, summary.Completed, summary.Blocked, summary.AgentSpawns)

	return runErr
}

// exitCode maps an error to the process exit code, per the harness's
// typed error taxonomy. orchestrator.ErrInterrupted is a special case
// outside that taxonomy, mapping to the conventional signal exit code.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, orchestrator.ErrInterrupted) {
		return 130
	}
	if he, ok := harnesserr.AsHarnessError(err); ok {
		return harnesserr.ExitCode(he.Code)
	}
	return 1
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli, kong.Vars{"version": version + " " + commit + " " + date})
	err := ctx.Run()
	if err != nil {
		printErr(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func printErr(w io.Writer, err error) {
	fmt.Fprintf(w, "error: %s\n", err)
}
