// Package publish performs the best-effort post-acceptance handoff: get
// the integration branch in front of a human reviewer as a pull
// request. Every step here is non-fatal to the run; failures are
// reported, not raised.
package publish

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/smileynet/forge/internal/workspace"
)

// Result summarizes what publication accomplished.
type Result struct {
	PushedBranch string
	Rebased      bool
	PRURL        string
	Err          error
}

// Publisher drives the fetch/rebase/push/PR sequence against a
// workspace.Manager and the host's VCS CLI (gh, by default).
type Publisher struct {
	workspace  *workspace.Manager
	hostingCLI string // e.g. "gh"
}

// New creates a Publisher. hostingCLI is the VCS-hosting CLI binary used
// to create the pull request (e.g. "gh" for GitHub).
func New(ws *workspace.Manager, hostingCLI string) *Publisher {
	if hostingCLI == "" {
		hostingCLI = "gh"
	}
	return &Publisher{workspace: ws, hostingCLI: hostingCLI}
}

// Publish fetches baseBranch, rebases the integration branch onto it,
// pushes with lease-based safety, falling back to a "-rebased" suffix
// branch on conflict, then opens a pull request. It stops at the first
// step that fails and reports that failure in Result.Err rather than as
// a separate error return, since the caller treats publication as
// entirely best-effort.
func (p *Publisher) Publish(integrationBranch, baseBranch, title, body string) Result {
	if err := p.workspace.FetchBase(baseBranch); err != nil {
		return Result{Err: fmt.Errorf("publish: fetch: %w", err)}
	}

	branch := integrationBranch
	rebased := false
	if err := p.workspace.RebaseOnto(integrationBranch, baseBranch); err != nil {
		// Rebase conflict: push the unrebased branch instead under
		// a distinguishing suffix so history is never force-altered
		// over a conflict the automation can't resolve.
		fallback := integrationBranch + "-rebased"
		if rbErr := p.renameBranch(integrationBranch, fallback); rbErr != nil {
			return Result{Err: fmt.Errorf("publish: rebase failed and fallback branch creation failed: %w (original: %v)", rbErr, err)}
		}
		branch = fallback
	} else {
		rebased = true
	}

	if err := p.workspace.PushWithLease(branch); err != nil {
		if pushErr := p.workspace.Push(branch); pushErr != nil {
			return Result{PushedBranch: branch, Rebased: rebased, Err: fmt.Errorf("publish: push: %w", pushErr)}
		}
	}

	prURL, err := p.createPR(branch, baseBranch, title, body)
	if err != nil {
		return Result{PushedBranch: branch, Rebased: rebased, Err: fmt.Errorf("publish: pr creation: %w", err)}
	}

	return Result{PushedBranch: branch, Rebased: rebased, PRURL: prURL}
}

func (p *Publisher) renameBranch(from, to string) error {
	cmd := exec.Command("git", "branch", "-m", from, to)
	cmd.Dir = p.workspace.RepoRoot()
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("renaming %s to %s: %w\n%s", from, to, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (p *Publisher) createPR(branch, baseBranch, title, body string) (string, error) {
	if _, err := exec.LookPath(p.hostingCLI); err != nil {
		return "", fmt.Errorf("%s not found on PATH", p.hostingCLI)
	}
	cmd := exec.Command(p.hostingCLI, "pr", "create",
		"--head", branch,
		"--base", baseBranch,
		"--title", title,
		"--body", body,
	)
	out, err := cmd.Output()
	if err != nil {
		var stderr []byte
		if ee, ok := err.(*exec.ExitError); ok {
			stderr = ee.Stderr
		}
		return "", fmt.Errorf("%s pr create: %w\n%s", p.hostingCLI, err, strings.TrimSpace(string(stderr)))
	}
	return strings.TrimSpace(string(out)), nil
}
