package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ObservationAction is the disposition the judge assigns to one
// incidental observation bead.
type ObservationAction string

const (
	ActionPromote ObservationAction = "promote"
	ActionDismiss ObservationAction = "dismiss"
	ActionMerge   ObservationAction = "merge"
)

// ObservationVerdict is the judge's disposition for a single observation.
type ObservationVerdict struct {
	BeadID      string            `json:"beadId"`
	Action      ObservationAction `json:"action"`
	Reason      string            `json:"reason"`
	MergeTarget string            `json:"mergeTarget,omitempty"`
}

// NewBead is a remediation bead the judge wants created.
type NewBead struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Priority    int    `json:"priority"`
}

// AcceptanceResult is the judge's pass/fail call against the acceptance
// criteria artifact.
type AcceptanceResult struct {
	Passed bool     `json:"passed"`
	Notes  []string `json:"notes,omitempty"`
}

// SpecDrift reports whether the workspace diverged from the frozen spec
// in a way the judge considers a correctness problem, distinct from the
// read-only judge-worktree integrity check the orchestrator itself runs.
type SpecDrift struct {
	Detected bool   `json:"detected"`
	Detail   string `json:"detail,omitempty"`
}

// JudgeResult is the full verdict returned by one judge invocation.
type JudgeResult struct {
	SpecDrift    SpecDrift            `json:"specDrift"`
	Acceptance   AcceptanceResult     `json:"acceptance"`
	Observations []ObservationVerdict `json:"observations,omitempty"`
	NewBeads     []NewBead            `json:"newBeads,omitempty"`
}

// Passed reports the spec's PASS rule: acceptance passed and no spec
// drift was detected.
func (r JudgeResult) Passed() bool {
	return r.Acceptance.Passed && !r.SpecDrift.Detected
}

// EvaluateOptions parameterizes one judge invocation. Prompt, when set,
// is the fully composed judge prompt (from internal/prompt.Loader) and is
// sent verbatim; an empty Prompt falls back to judgePrompt's minimal
// positional form, so callers and tests that don't care about prompt
// content can omit it.
type EvaluateOptions struct {
	Workdir            string
	FrozenSpecPath     string
	AcceptancePath     string
	ObservationBeadIDs []string
	Timeout            time.Duration
	Env                []string
	Prompt             string
}

// ErrJudgeParseFailed indicates the judge's output was not schema-valid
// JSON matching JudgeResult.
type ErrJudgeParseFailed struct {
	Reason string
}

func (e *ErrJudgeParseFailed) Error() string {
	return fmt.Sprintf("backend: judge output not schema-valid: %s", e.Reason)
}

// JudgeBackend invokes the judge tool and parses its verdict.
type JudgeBackend interface {
	Evaluate(ctx context.Context, opts EvaluateOptions) (JudgeResult, error)
}

type cliJudgeBackend struct {
	backend *Backend
}

// NewJudgeBackend wraps a CommandSpec as a JudgeBackend. The judge
// prompt is composed by the caller (internal/prompt) and passed via
// Evaluate's own call to Run with a prompt built from opts.
func NewJudgeBackend(spec CommandSpec, timeout time.Duration) JudgeBackend {
	return &cliJudgeBackend{backend: New(spec, timeout)}
}

func (j *cliJudgeBackend) Evaluate(ctx context.Context, opts EvaluateOptions) (JudgeResult, error) {
	if opts.Timeout > 0 {
		j.backend.timeout = opts.Timeout
	}
	prompt := opts.Prompt
	if prompt == "" {
		prompt = judgePrompt(opts)
	}
	res, err := j.backend.Run(ctx, prompt, opts.Workdir)
	if err != nil {
		return JudgeResult{}, fmt.Errorf("backend: judge invocation: %w", err)
	}
	if res.Status != StatusCompleted {
		return JudgeResult{}, &ErrJudgeParseFailed{Reason: fmt.Sprintf("judge process ended %s", res.Status)}
	}
	return ParseVerdict(res.LastLines)
}

// judgePrompt is the minimal positional fallback Evaluate uses when
// opts.Prompt is empty; the orchestrator normally composes the judge
// prompt through internal/prompt.Loader and passes it in opts.Prompt.
// Kept here so cliJudgeBackend is independently testable with a fake
// CommandSpec.
func judgePrompt(opts EvaluateOptions) string {
	return fmt.Sprintf("evaluate workdir=%s spec=%s acceptance=%s observations=%v",
		opts.Workdir, opts.FrozenSpecPath, opts.AcceptancePath, opts.ObservationBeadIDs)
}

// ParseVerdict extracts the last valid JudgeResult JSON object from the
// judge's output, mirroring the coding-agent signal parser's
// last-match, code-fence-stripping approach.
func ParseVerdict(output string) (JudgeResult, error) {
	var last *JudgeResult
	for _, line := range splitLines(output) {
		trimmed := trimSpace(line)
		if trimmed == "" || trimmed[0] != '{' {
			continue
		}
		var r JudgeResult
		if err := json.Unmarshal([]byte(trimmed), &r); err != nil {
			continue
		}
		last = &r
	}
	if last == nil {
		return JudgeResult{}, &ErrJudgeParseFailed{Reason: "no valid verdict JSON found in output"}
	}
	return *last, nil
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
