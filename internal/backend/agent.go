package backend

import (
	"context"
	"time"
)

// AgentStatus is the outcome reported to the orchestrator for one
// agent spawn, derived from a ProcessResult by timeout-dominant mapping.
type AgentStatus string

const (
	AgentSuccess AgentStatus = "success"
	AgentFailure AgentStatus = "failure"
	AgentTimeout AgentStatus = "timeout"
)

// AgentResult is what the orchestrator's single code path reconciles
// against bead-store state after every spawn, whether it genuinely ran
// or was synthesized because the pool itself rejected the spawn.
type AgentResult struct {
	Status    AgentStatus
	ExitCode  int
	LastLines string
	Duration  time.Duration
	PID       int
}

// SpawnOptions parameterizes one agent invocation.
type SpawnOptions struct {
	Workdir      string
	Prompt       string
	Timeout      time.Duration
	Env          []string
	SystemPrompt string
}

// AgentBackend spawns a coding agent and reports its outcome via the
// success/failure/timeout vocabulary the orchestrator reconciles on.
type AgentBackend interface {
	Spawn(ctx context.Context, opts SpawnOptions) AgentResult
	KillAllActive()
}

// cliAgentBackend adapts a Backend's raw process Result into the
// timeout-dominant AgentResult vocabulary the orchestrator expects.
type cliAgentBackend struct {
	backend *Backend
}

// NewAgentBackend wraps a CommandSpec as an AgentBackend.
func NewAgentBackend(spec CommandSpec, timeout time.Duration) AgentBackend {
	return &cliAgentBackend{backend: New(spec, timeout)}
}

func (a *cliAgentBackend) Spawn(ctx context.Context, opts SpawnOptions) AgentResult {
	if opts.Timeout > 0 {
		a.backend.timeout = opts.Timeout
	}
	res, err := a.backend.Run(ctx, opts.Prompt, opts.Workdir)
	if err != nil {
		return AgentResult{Status: AgentFailure, ExitCode: 1, LastLines: err.Error()}
	}
	return toAgentResult(res)
}

func (a *cliAgentBackend) KillAllActive() {
	a.backend.KillAllActive()
}

// toAgentResult applies the spec's timeout-dominant mapping: a timed
// out process is reported as timeout regardless of any exit code that
// happened to race the kill signal.
func toAgentResult(res Result) AgentResult {
	status := AgentSuccess
	switch {
	case res.Status == StatusTimedOut:
		status = AgentTimeout
	case res.Status == StatusKilled:
		status = AgentFailure
	case res.ExitCode != 0:
		status = AgentFailure
	}
	return AgentResult{
		Status:    status,
		ExitCode:  res.ExitCode,
		LastLines: res.LastLines,
		Duration:  res.Duration,
		PID:       res.PID,
	}
}

// RejectedResult synthesizes the AgentResult for a spawn the pool
// itself refused (e.g. no capacity, backend construction failure), so
// the orchestrator's single reconciliation path handles both real and
// synthetic outcomes identically.
func RejectedResult(reason string) AgentResult {
	return AgentResult{Status: AgentFailure, ExitCode: 1, LastLines: reason}
}
