package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/smileynet/forge/internal/backend"
	"github.com/smileynet/forge/internal/checkpoint"
	"github.com/smileynet/forge/internal/harnesserr"
)

// acceptanceGenTimeout bounds the one-shot acceptance-criteria
// generation call, independent of the per-bead implement timeout.
const acceptanceGenTimeout = 5 * time.Minute

// freeze copies the spec to frozen-spec.md, records its hash, optionally
// generates acceptance criteria via the agent backend, and advances to
// decomposing.
func (o *Orchestrator) freeze(ctx context.Context, cp checkpoint.Checkpoint) (checkpoint.Checkpoint, *harnesserr.Error) {
	frozenPath := filepath.Join(o.runDir, "frozen-spec.md")
	if err := copyFile(o.specPath, frozenPath); err != nil {
		return cp, harnesserr.Wrap(harnesserr.ESpecNotFound, "freezing spec", err)
	}

	hash, err := checkpoint.ComputeFileHash(frozenPath)
	if err != nil {
		return cp, harnesserr.Wrap(harnesserr.ESpecNotFound, "hashing frozen spec", err)
	}

	cp.FrozenSpecPath = frozenPath
	cp.FrozenSpecSHA256 = hash

	if o.cfg.Judge.Enabled {
		acceptancePath, genErr := o.generateAcceptance(ctx, frozenPath)
		if genErr != nil {
			// Acceptance generation is part of freeze but its failure is
			// not fatal to the run: judge simply runs without a criteria
			// artifact until one is supplied out of band.
			o.events.Log("tbd_command_error", map[string]any{"phase": "freeze", "error": genErr.Error()})
		} else {
			cp.AcceptancePath = acceptancePath
		}
	}

	o.events.Log("spec_frozen", map[string]any{"runId": o.runID, "sha256": cp.FrozenSpecSHA256})
	cp.State = "decomposing"
	return cp, nil
}

// generateAcceptance spawns the agent backend once in text-output mode
// to derive an acceptance-criteria artifact from the frozen spec.
func (o *Orchestrator) generateAcceptance(ctx context.Context, frozenSpecPath string) (string, error) {
	composed, err := o.prompts.Compose("acceptance", promptContextForFreeze(o.runID, frozenSpecPath))
	if err != nil {
		return "", fmt.Errorf("composing acceptance prompt: %w", err)
	}

	workDir := filepath.Dir(frozenSpecPath)
	result := o.agents.Spawn(ctx, backend.SpawnOptions{
		Workdir: workDir,
		Prompt:  composed,
		Timeout: acceptanceGenTimeout,
	})
	o.agentSpawns++
	if result.Status != backend.AgentSuccess {
		return "", fmt.Errorf("acceptance generation %s: %s", result.Status, result.LastLines)
	}

	acceptancePath := filepath.Join(o.runDir, "acceptance.md")
	if err := os.WriteFile(acceptancePath, []byte(result.LastLines), 0o644); err != nil {
		return "", fmt.Errorf("writing acceptance artifact: %w", err)
	}
	return acceptancePath, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", dst, err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	return out.Sync()
}
