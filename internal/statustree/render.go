package statustree

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Status badge colors, keyed by the same status strings Bead.Status uses.
var statusColors = map[string]lipgloss.AdaptiveColor{
	"completed":   {Light: "2", Dark: "10"},
	"in_progress": {Light: "3", Dark: "11"},
	"blocked":     {Light: "1", Dark: "9"},
	"open":        {Light: "240", Dark: "245"},
}

// StatusBadge returns a styled short label for a bead status.
func StatusBadge(status string) string {
	label := statusLabel(status)
	color, ok := statusColors[status]
	if !ok {
		color = statusColors["open"]
	}
	return lipgloss.NewStyle().Foreground(color).Render(label)
}

func statusLabel(status string) string {
	switch status {
	case "completed":
		return "✓ done"
	case "in_progress":
		return "● running"
	case "blocked":
		return "✗ blocked"
	default:
		return "○ open"
	}
}

// priorityColors mirrors the teacher's priority badge palette: P0=red
// fading to P4=gray.
var priorityColors = [5]lipgloss.AdaptiveColor{
	{Light: "1", Dark: "9"},
	{Light: "208", Dark: "208"},
	{Light: "3", Dark: "11"},
	{Light: "4", Dark: "12"},
	{Light: "240", Dark: "245"},
}

// PriorityBadge returns a styled priority label like "P0", "P2", etc.
func PriorityBadge(priority int) string {
	label := fmt.Sprintf("P%d", priority)
	if priority < 0 || priority > 4 {
		return lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "240", Dark: "245"}).
			Render(label)
	}
	return lipgloss.NewStyle().Foreground(priorityColors[priority]).Render(label)
}

// Render draws the full status tree plus a summary footer, in the shape
// `forge status` prints to stdout. roots is the forest returned by
// Build; beads is the same slice passed to Build, used for the summary
// counts.
func Render(roots []*node, beads []Bead) string {
	var b strings.Builder
	for _, flat := range Flatten(roots) {
		bead := flat.Node.Bead
		label := bead.ID
		if bead.Title != "" {
			label = fmt.Sprintf("%s %s", bead.ID, bead.Title)
		}
		fmt.Fprintf(&b, "%s%s %s %s\n", flat.Prefix, label, PriorityBadge(bead.Priority), StatusBadge(bead.Status))
	}

	c := Summarize(beads)
	fmt.Fprintf(&b, "\n%d total: %d completed, %d in progress, %d blocked, %d open\n",
		c.Total, c.Completed, c.InProgress, c.Blocked, c.Open)
	return b.String()
}
