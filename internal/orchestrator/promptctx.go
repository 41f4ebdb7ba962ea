package orchestrator

import "github.com/smileynet/forge/internal/prompt"

// promptContextForFreeze builds the Context for the one-shot
// acceptance-criteria generation prompt.
func promptContextForFreeze(runID, frozenSpecPath string) prompt.Context {
	return prompt.Context{
		RunID:          runID,
		FrozenSpecPath: frozenSpecPath,
	}
}

// promptContextForDecompose builds the Context for the auto-decompose
// prompt.
func promptContextForDecompose(runID, frozenSpecPath, runLabel string) prompt.Context {
	return prompt.Context{
		RunID:          runID,
		FrozenSpecPath: frozenSpecPath,
		Description:    runLabel,
	}
}

// promptContextForImplement builds the Context for a coding agent
// assigned to a single bead, with its resolved dependency IDs.
func promptContextForImplement(runID, frozenSpecPath string, b beadBasics, deps []string, feedback string) prompt.Context {
	return prompt.Context{
		BeadID:         b.ID,
		Title:          b.Title,
		Description:    b.Description,
		Feedback:       feedback,
		RunID:          runID,
		FrozenSpecPath: frozenSpecPath,
		Dependencies:   deps,
	}
}

// promptContextForMaintenance builds the Context for a maintenance pass.
func promptContextForMaintenance(runID, frozenSpecPath string) prompt.Context {
	return prompt.Context{
		RunID:          runID,
		FrozenSpecPath: frozenSpecPath,
	}
}

// promptContextForJudge builds the Context for a judge evaluation.
func promptContextForJudge(runID, frozenSpecPath, acceptancePath string, observationIDs []string) prompt.Context {
	return prompt.Context{
		RunID:              runID,
		FrozenSpecPath:     frozenSpecPath,
		AcceptancePath:     acceptancePath,
		ObservationBeadIDs: observationIDs,
	}
}

// beadBasics is the minimal bead shape the prompt-context builders need,
// kept separate from beadstore.Bead so this file has no import cycle
// concerns as other packages add their own bead-shaped types.
type beadBasics struct {
	ID          string
	Title       string
	Description string
}
