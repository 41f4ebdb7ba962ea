package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// detailHeaderHeight is the number of lines reserved for the bead list and
// chrome above the detail viewport. The viewport gets the remaining height.
const detailHeaderHeight = 6

// BeadStatus represents the current state of a bead in the TUI. Values
// intentionally mirror the orchestrator's event vocabulary
// (agent_started/bead_completed/bead_retry/bead_blocked) for
// straightforward bridging via StatusUpdateMsg, keeping the tui package
// decoupled from internal/orchestrator.
type BeadStatus string

const (
	StatusPending BeadStatus = "pending"
	StatusRunning BeadStatus = "running"
	StatusPassed  BeadStatus = "passed"
	StatusFailed  BeadStatus = "failed"
	StatusError   BeadStatus = "error"
	StatusSkipped BeadStatus = "skipped"
)

// Lipgloss styles for bead status display.
var (
	passedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	failedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	runningStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	skippedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	durationStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	retryStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	detailStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

// BeadState tracks the display state of a single bead in the run.
type BeadState struct {
	ID       string
	Title    string
	Status   BeadStatus
	Attempt  int
	MaxRetry int
	Duration time.Duration
}

// Model is the Bubble Tea model for live bead status display during a run.
type Model struct {
	beads         []BeadState
	index         map[string]int // beadID -> index in beads, for O(1) lookup
	spinner       spinner.Model
	currentIdx    int // Tracks the actively running bead for future scroll/focus support.
	done          bool
	aborting      bool
	err           error
	cancelFunc    context.CancelFunc // Called on first abort keypress; nil means immediate quit.
	startTime     time.Time          // Records model creation for future elapsed-time display.
	width         int                // Terminal width from WindowSizeMsg; 0 means not yet received.
	height        int                // Terminal height from WindowSizeMsg; 0 means not yet received.
	detailVisible bool               // Whether the detail panel is shown.
	detailContent string             // Raw output content for the detail panel.
	viewport      viewport.Model     // Scrollable viewport for the detail panel.
}

// ModelOption configures the Model.
type ModelOption func(*Model)

// WithCancelFunc sets a function called on the first abort keypress (q or Ctrl+C).
// When set, the first press calls fn and leaves the program running in an
// aborting state; a second press forces immediate exit. When nil (default), any abort keypress
// immediately quits the program.
func WithCancelFunc(fn context.CancelFunc) ModelOption {
	return func(m *Model) {
		m.cancelFunc = fn
	}
}

// StatusUpdateMsg bridges an orchestrator bead event to the TUI. BeadID
// matches the harness bead ID (e.g. a beadstore issue number), not a
// fixed pipeline-phase name: beads come and go across a run as the
// dependency graph is scheduled and as remediation beads are filed.
type StatusUpdateMsg struct {
	BeadID       string
	Title        string
	Status       BeadStatus
	Attempt      int
	MaxRetry     int
	Duration     time.Duration
	Progress     string   // Human-readable progress (e.g. "2/6").
	Summary      string   // Agent-reported summary text.
	FilesChanged []string // Files modified while working this bead.
	Feedback     string   // Judge feedback on retry.
}

func (StatusUpdateMsg) isDisplayEvent() {}

// RunDoneMsg signals that the run completed (regardless of verdict).
type RunDoneMsg struct{}

func (RunDoneMsg) isDisplayEvent() {}

// RunErrorMsg signals that the run failed with a harness error.
type RunErrorMsg struct {
	Err error
}

func (RunErrorMsg) isDisplayEvent() {}

// OutputMsg delivers bead output content for the detail view.
type OutputMsg struct {
	Content string
}

func (OutputMsg) isDisplayEvent() {}

// NewModel creates a Model with no beads yet tracked; beads are added as
// StatusUpdateMsg events name IDs the model hasn't seen before, since a
// run's full bead set isn't known until decomposition finishes.
func NewModel(opts ...ModelOption) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	m := Model{
		index:     make(map[string]int),
		spinner:   s,
		startTime: time.Now(),
		viewport:  viewport.New(0, 0),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Init starts the spinner tick.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case StatusUpdateMsg:
		i, ok := m.index[msg.BeadID]
		if !ok {
			i = len(m.beads)
			m.beads = append(m.beads, BeadState{ID: msg.BeadID, Status: StatusPending})
			m.index[msg.BeadID] = i
		}
		if msg.Title != "" {
			m.beads[i].Title = msg.Title
		}
		m.beads[i].Status = msg.Status
		if msg.Attempt > 0 {
			m.beads[i].Attempt = msg.Attempt
		}
		if msg.MaxRetry > 0 {
			m.beads[i].MaxRetry = msg.MaxRetry
		}
		if msg.Duration > 0 {
			m.beads[i].Duration = msg.Duration
		}
		if msg.Status == StatusRunning {
			m.currentIdx = i
		}
		return m, nil

	case OutputMsg:
		m.detailContent = msg.Content
		m.viewport.SetContent(msg.Content)
		m.viewport.GotoBottom()
		return m, nil

	case RunDoneMsg:
		m.done = true
		m.aborting = false
		return m, tea.Quit

	case RunErrorMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, nil
			}
			if m.aborting || m.cancelFunc == nil {
				m.done = true
				return m, tea.Quit
			}
			m.aborting = true
			m.cancelFunc()
			return m, nil
		case "d":
			if !m.done {
				m.detailVisible = !m.detailVisible
			}
			return m, nil
		}
		// Forward remaining keys to viewport when detail is visible.
		if m.detailVisible {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-detailHeaderHeight, 1)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the bead list with status indicators.
func (m Model) View() string {
	var s string

	for _, bead := range m.beads {
		indicator := styledIndicator(bead.Status, m.spinner.View())
		label := bead.ID
		if bead.Title != "" {
			label = fmt.Sprintf("%s %s", bead.ID, bead.Title)
		}
		name := styledBeadName(bead.Status, label)
		line := fmt.Sprintf("  %s %s", indicator, name)

		if bead.Attempt > 1 {
			line += retryStyle.Render(fmt.Sprintf(" (%d/%d)", bead.Attempt, bead.MaxRetry))
		}

		if bead.Duration > 0 {
			line += durationStyle.Render(fmt.Sprintf(" %.1fs", bead.Duration.Seconds()))
		}

		s += line + "\n"
	}

	if m.aborting && !m.done {
		s += "\n" + failedStyle.Render("  Aborting...") + " (press again to force quit)\n"
	}

	if m.detailVisible && !m.done {
		s += m.renderDetail()
	}

	if m.done {
		s += m.renderFooter()
	}

	return s
}

// renderDetail returns the detail panel with viewport content.
func (m Model) renderDetail() string {
	header := detailStyle.Render("\n  ── Detail (d to close) ──") + "\n"
	if m.detailContent == "" {
		return header + detailStyle.Render("  No output yet") + "\n"
	}
	return header + m.viewport.View() + "\n"
}

// renderFooter returns the summary footer for a completed run.
func (m Model) renderFooter() string {
	passed, total := m.beadCounts()
	totalDur := m.totalDuration()

	var footer string
	if m.err != nil {
		footer = fmt.Sprintf("\n  %s %d/%d completed",
			failedStyle.Render("✗"), passed, total)
		if totalDur > 0 {
			footer += durationStyle.Render(fmt.Sprintf(" in %.1fs", totalDur.Seconds()))
		}
		footer += fmt.Sprintf("\n  Error: %s\n", m.err)
	} else {
		footer = fmt.Sprintf("\n  %s %d/%d completed",
			passedStyle.Render("✓"), passed, total)
		if totalDur > 0 {
			footer += durationStyle.Render(fmt.Sprintf(" in %.1fs", totalDur.Seconds()))
		}
		footer += "\n"
	}

	return footer
}

// beadCounts returns the number of completed beads and total tracked beads.
func (m Model) beadCounts() (passed, total int) {
	total = len(m.beads)
	for _, b := range m.beads {
		if b.Status == StatusPassed {
			passed++
		}
	}
	return
}

// totalDuration sums reported bead durations.
func (m Model) totalDuration() time.Duration {
	var total time.Duration
	for _, b := range m.beads {
		total += b.Duration
	}
	return total
}

// styledIndicator returns the styled Unicode indicator for a bead status.
func styledIndicator(status BeadStatus, spinnerView string) string {
	switch status {
	case StatusPending:
		return pendingStyle.Render("○")
	case StatusRunning:
		return spinnerView // Already styled by spinner.
	case StatusPassed:
		return passedStyle.Render("✓")
	case StatusFailed, StatusError:
		return failedStyle.Render("✗")
	case StatusSkipped:
		return skippedStyle.Render("–")
	default:
		return "?"
	}
}

// styledBeadName applies the appropriate style to a bead label.
func styledBeadName(status BeadStatus, label string) string {
	switch status {
	case StatusPending:
		return pendingStyle.Render(label)
	case StatusRunning:
		return runningStyle.Render(label)
	default:
		return label
	}
}
