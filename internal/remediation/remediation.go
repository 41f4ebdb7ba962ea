// Package remediation applies a judge verdict to the bead store: filing
// new remediation beads and triaging observation beads, the same way
// the implementation loop files discovery beads from agent findings.
package remediation

import (
	"fmt"

	"github.com/smileynet/forge/internal/backend"
	"github.com/smileynet/forge/internal/beadstore"
)

// Outcome summarizes what one remediation pass did, for checkpoint and
// event-log bookkeeping.
type Outcome struct {
	CreatedBeadIDs []string
	Promoted       []string
	Dismissed      []string
}

// BeadCreator is the subset of beadstore.Client remediation needs,
// narrowed so it can be faked in tests.
type BeadCreator interface {
	Create(in beadstore.CreateInput) (string, error)
	Close(id string) error
	CloseWithReason(id, reason string) error
	Label(id, label string) error
}

// Apply creates a remediation bead for every NewBead in verdict (labeled
// compiler-run:<runId> + remediation) and triages every observation
// verdict: promote files a new implementation bead and closes the
// observation, dismiss simply closes it, merge closes it with a
// reference to the merge target recorded in the close reason.
func Apply(beads BeadCreator, runID string, verdict backend.JudgeResult) (Outcome, error) {
	runLabel := beadstore.RunLabel(runID)
	var out Outcome

	for _, nb := range verdict.NewBeads {
		id, err := beads.Create(beadstore.CreateInput{
			Title:       nb.Title,
			Description: nb.Description,
			Kind:        beadstore.KindTask,
			Priority:    nb.Priority,
			Labels:      []string{runLabel, "remediation"},
		})
		if err != nil {
			return out, fmt.Errorf("remediation: creating bead %q: %w", nb.Title, err)
		}
		out.CreatedBeadIDs = append(out.CreatedBeadIDs, id)
	}

	for _, ov := range verdict.Observations {
		switch ov.Action {
		case backend.ActionPromote:
			id, err := beads.Create(beadstore.CreateInput{
				Title:  "promoted: " + ov.Reason,
				Kind:   beadstore.KindTask,
				Labels: []string{runLabel},
			})
			if err != nil {
				return out, fmt.Errorf("remediation: promoting observation %s: %w", ov.BeadID, err)
			}
			if err := beads.CloseWithReason(ov.BeadID, "promoted: "+ov.Reason); err != nil {
				return out, fmt.Errorf("remediation: closing promoted observation %s: %w", ov.BeadID, err)
			}
			out.CreatedBeadIDs = append(out.CreatedBeadIDs, id)
			out.Promoted = append(out.Promoted, ov.BeadID)
		case backend.ActionDismiss:
			if err := beads.CloseWithReason(ov.BeadID, ov.Reason); err != nil {
				return out, fmt.Errorf("remediation: dismissing observation %s: %w", ov.BeadID, err)
			}
			out.Dismissed = append(out.Dismissed, ov.BeadID)
		case backend.ActionMerge:
			if err := beads.CloseWithReason(ov.BeadID, "merged into "+ov.MergeTarget); err != nil {
				return out, fmt.Errorf("remediation: merging observation %s: %w", ov.BeadID, err)
			}
			out.Dismissed = append(out.Dismissed, ov.BeadID)
		}
	}

	return out, nil
}
