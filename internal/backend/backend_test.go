package backend

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCommandSpec_BuildArgs_PositionalPrompt(t *testing.T) {
	spec := CommandSpec{Subcommand: "run", Flags: []string{"--flag"}}
	got := spec.buildArgs("do the thing")
	want := []string{"run", "--flag", "do the thing"}
	if !equalStrings(got, want) {
		t.Errorf("buildArgs = %v, want %v", got, want)
	}
}

func TestCommandSpec_BuildArgs_PromptFlag(t *testing.T) {
	spec := CommandSpec{PromptFlag: "-p", Flags: []string{"--output-format", "text"}}
	got := spec.buildArgs("do the thing")
	want := []string{"--output-format", "text", "-p", "do the thing"}
	if !equalStrings(got, want) {
		t.Errorf("buildArgs = %v, want %v", got, want)
	}
}

func TestBackend_Run_SuccessfulProcess(t *testing.T) {
	b := New(CommandSpec{Binary: "true"}, time.Second)
	res, err := b.Run(context.Background(), "", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}
}

func TestBackend_Run_NonZeroExitIsFailed(t *testing.T) {
	b := New(CommandSpec{Binary: "false"}, time.Second)
	res, err := b.Run(context.Background(), "", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
}

func TestBackend_Run_TimeoutDominatesExitCode(t *testing.T) {
	b := New(CommandSpec{Binary: "sleep"}, 10*time.Millisecond)
	res, err := b.Run(context.Background(), "5", t.TempDir())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != StatusTimedOut {
		t.Errorf("Status = %q, want timed_out", res.Status)
	}
}

func TestBackend_KillAllActive_EmptyIsNoOp(t *testing.T) {
	b := New(CommandSpec{Binary: "true"}, time.Second)
	b.KillAllActive() // must not panic with nothing active
}

func TestTailOf_ShortOutputUnchanged(t *testing.T) {
	s := "line1\nline2"
	if got := tailOf(s, 40); got != s {
		t.Errorf("tailOf = %q, want unchanged %q", got, s)
	}
}

func TestTailOf_TruncatesToLastNLines(t *testing.T) {
	lines := []string{"a", "b", "c", "d", "e"}
	s := strings.Join(lines, "\n")
	got := tailOf(s, 2)
	want := "d\ne"
	if got != want {
		t.Errorf("tailOf = %q, want %q", got, want)
	}
}

func TestToAgentResult_TimeoutDominates(t *testing.T) {
	r := toAgentResult(Result{Status: StatusTimedOut, ExitCode: 0})
	if r.Status != AgentTimeout {
		t.Errorf("Status = %q, want timeout", r.Status)
	}
}

func TestToAgentResult_KilledIsFailure(t *testing.T) {
	r := toAgentResult(Result{Status: StatusKilled})
	if r.Status != AgentFailure {
		t.Errorf("Status = %q, want failure", r.Status)
	}
}

func TestToAgentResult_NonZeroExitIsFailure(t *testing.T) {
	r := toAgentResult(Result{Status: StatusCompleted, ExitCode: 1})
	if r.Status != AgentFailure {
		t.Errorf("Status = %q, want failure", r.Status)
	}
}

func TestToAgentResult_CleanExitIsSuccess(t *testing.T) {
	r := toAgentResult(Result{Status: StatusCompleted, ExitCode: 0})
	if r.Status != AgentSuccess {
		t.Errorf("Status = %q, want success", r.Status)
	}
}

func TestRejectedResult(t *testing.T) {
	r := RejectedResult("no capacity")
	if r.Status != AgentFailure || r.LastLines != "no capacity" {
		t.Errorf("RejectedResult = %+v", r)
	}
}

func TestJudgeResult_Passed(t *testing.T) {
	tests := []struct {
		name   string
		result JudgeResult
		want   bool
	}{
		{"clean pass", JudgeResult{Acceptance: AcceptanceResult{Passed: true}}, true},
		{"acceptance failed", JudgeResult{Acceptance: AcceptanceResult{Passed: false}}, false},
		{"spec drift overrides acceptance", JudgeResult{Acceptance: AcceptanceResult{Passed: true}, SpecDrift: SpecDrift{Detected: true}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.result.Passed(); got != tt.want {
				t.Errorf("Passed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseVerdict_ExtractsLastJSONObject(t *testing.T) {
	output := "some agent chatter\n" +
		`{"acceptance":{"passed":false}}` + "\n" +
		"more reasoning\n" +
		`{"acceptance":{"passed":true},"specDrift":{"detected":false}}`
	r, err := ParseVerdict(output)
	if err != nil {
		t.Fatalf("ParseVerdict: %v", err)
	}
	if !r.Acceptance.Passed {
		t.Error("expected the last JSON object's acceptance to win")
	}
}

func TestParseVerdict_NoJSONReturnsParseFailed(t *testing.T) {
	_, err := ParseVerdict("nothing but prose here")
	if _, ok := err.(*ErrJudgeParseFailed); !ok {
		t.Errorf("err = %v (%T), want *ErrJudgeParseFailed", err, err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
