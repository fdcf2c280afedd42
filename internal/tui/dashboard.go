// Package tui renders a full-screen dashboard for a pipeline run. It is
// a pure consumer: the pipeline runs elsewhere and the dashboard only
// watches the event bus. The program stays up after the run finishes so
// the operator can read the summary, and exits on q or ctrl+c.
package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/randalmurphal/auto/internal/db"
	"github.com/randalmurphal/auto/internal/events"
)

// Styles contains the dashboard's visual styling.
type Styles struct {
	Title    lipgloss.Style
	Phase    lipgloss.Style
	Done     lipgloss.Style
	Failed   lipgloss.Style
	Running  lipgloss.Style
	Subtle   lipgloss.Style
	Warn     lipgloss.Style
	HelpLine lipgloss.Style
}

// DefaultStyles returns the default dashboard styling.
func DefaultStyles() Styles {
	return Styles{
		Title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		Phase:    lipgloss.NewStyle().Bold(true),
		Done:     lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		Failed:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		Running:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Subtle:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		Warn:     lipgloss.NewStyle().Foreground(lipgloss.Color("220")),
		HelpLine: lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
	}
}

type eventMsg struct{ event events.Event }

type busClosedMsg struct{}

type storyRow struct {
	key     string
	step    string
	status  string
	verdict string
	result  string
	cycles  int
}

// Model is the dashboard's bubbletea model.
type Model struct {
	runID  string
	events <-chan events.Event

	spinner  spinner.Model
	viewport viewport.Model
	styles   Styles

	phases     map[string]string
	storyOrder []string
	stories    map[string]*storyRow
	heartbeat  events.HeartbeatData
	logLines   []string
	summary    *events.RunComplete
	done       bool
	width      int
	height     int
}

// NewModel creates a dashboard model consuming ch.
func NewModel(runID string, ch <-chan events.Event) Model {
	styles := DefaultStyles()
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(styles.Running))
	vp := viewport.New(80, 8)
	return Model{
		runID:    runID,
		events:   ch,
		spinner:  sp,
		viewport: vp,
		styles:   styles,
		phases:   make(map[string]string),
		stories:  make(map[string]*storyRow),
		width:    80,
		height:   24,
	}
}

// Run drives the dashboard until the user quits.
func Run(runID string, ch <-chan events.Event) error {
	p := tea.NewProgram(NewModel(runID, ch), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func waitForEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return busClosedMsg{}
		}
		return eventMsg{event: e}
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "k", "up":
			m.viewport.LineUp(1)
		case "j", "down":
			m.viewport.LineDown(1)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width - 2
		m.viewport.Height = max(3, msg.Height-14)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.apply(msg.event)
		return m, waitForEvent(m.events)

	case busClosedMsg:
		m.done = true
		return m, nil
	}
	return m, nil
}

// apply folds one bus event into the dashboard state.
func (m *Model) apply(e events.Event) {
	switch data := e.Data.(type) {
	case events.PhaseUpdate:
		m.phases[data.Phase] = data.Status
		if data.Status == events.StatusFailed && data.Error != "" {
			m.log(m.styles.Failed.Render("✗ " + data.Phase + ": " + data.Error))
		}

	case events.RunStart:
		if data.RunID != "" {
			m.runID = data.RunID
		}
		for _, key := range data.Stories {
			m.story(key)
		}

	case events.StoryPhaseUpdate:
		st := m.story(data.Key)
		st.step = data.Phase
		st.status = data.Status
		st.verdict = data.Verdict

	case events.StoryDone:
		st := m.story(data.Key)
		st.result = data.Result
		st.cycles = data.ReviewCycles

	case events.EscalationData:
		st := m.story(data.Key)
		st.result = "escalated"
		st.cycles = data.Cycles
		m.log(m.styles.Warn.Render(fmt.Sprintf("! %s escalated: %s", data.Key, data.Reason)))
		for _, issue := range data.Issues {
			m.log(m.styles.Subtle.Render(fmt.Sprintf("  %s %s: %s", issue.Severity, issue.File, issue.Desc)))
		}

	case events.WarningData:
		if data.Key != "" {
			m.log(m.styles.Warn.Render("! [" + data.Key + "] " + data.Message))
		} else {
			m.log(m.styles.Warn.Render("! " + data.Message))
		}

	case events.StallData:
		m.log(m.styles.Warn.Render(fmt.Sprintf("! %s stalled in %s", data.StoryKey, data.Phase)))

	case events.HeartbeatData:
		m.heartbeat = data

	case events.RunComplete:
		summary := data
		m.summary = &summary
		m.done = true
	}
}

func (m *Model) story(key string) *storyRow {
	st, ok := m.stories[key]
	if !ok {
		st = &storyRow{key: key}
		m.stories[key] = st
		m.storyOrder = append(m.storyOrder, key)
	}
	return st
}

func (m *Model) log(line string) {
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > 200 {
		m.logLines = m.logLines[len(m.logLines)-200:]
	}
	m.viewport.SetContent(strings.Join(m.logLines, "\n"))
	m.viewport.GotoBottom()
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	header := m.styles.Title.Render("auto")
	if m.runID != "" {
		header += m.styles.Subtle.Render(" · run " + shortID(m.runID))
	}
	if m.done {
		header += "  " + m.styles.Done.Render("finished")
	} else {
		header += "  " + m.spinner.View()
	}
	b.WriteString(header + "\n\n")

	b.WriteString(m.styles.Phase.Render("Phases") + "   " + m.phaseRow() + "\n")

	if len(m.storyOrder) > 0 {
		b.WriteString("\n" + m.styles.Phase.Render("Stories") + "\n")
		for _, key := range m.storyOrder {
			b.WriteString(m.storyLine(m.stories[key]) + "\n")
		}
	}

	if m.heartbeat.RunID != "" && !m.done {
		b.WriteString("\n" + m.styles.Subtle.Render(fmt.Sprintf("%d active · %d done · %d queued",
			m.heartbeat.ActiveDispatches, m.heartbeat.CompletedDispatches, m.heartbeat.QueuedDispatches)) + "\n")
	}

	if len(m.logLines) > 0 {
		b.WriteString("\n" + m.styles.Phase.Render("Recent") + "\n")
		b.WriteString(m.viewport.View() + "\n")
	}

	if m.summary != nil {
		b.WriteString("\n" + m.styles.Done.Render(fmt.Sprintf(
			"implementation finished: %d succeeded, %d failed, %d escalated",
			len(m.summary.Succeeded), len(m.summary.Failed), len(m.summary.Escalated))) + "\n")
	}

	help := "q quit"
	if len(m.logLines) > 0 {
		help += " · j/k scroll"
	}
	b.WriteString(m.styles.HelpLine.Render(help))
	return b.String()
}

func (m Model) phaseRow() string {
	parts := make([]string, 0, len(db.PhaseOrder))
	for _, phase := range db.PhaseOrder {
		var mark string
		switch m.phases[phase] {
		case "started":
			mark = m.styles.Running.Render("⟳")
		case "completed":
			mark = m.styles.Done.Render("✓")
		case "failed":
			mark = m.styles.Failed.Render("✗")
		case "skipped":
			mark = m.styles.Subtle.Render("-")
		default:
			mark = m.styles.Subtle.Render("·")
		}
		parts = append(parts, phase+" "+mark)
	}
	return strings.Join(parts, "  ")
}

func (m Model) storyLine(st *storyRow) string {
	switch st.result {
	case "success":
		return fmt.Sprintf("  %s %-6s done (%d cycles)", m.styles.Done.Render("✓"), st.key, st.cycles)
	case "failed":
		return fmt.Sprintf("  %s %-6s failed in %s", m.styles.Failed.Render("✗"), st.key, st.step)
	case "escalated":
		return fmt.Sprintf("  %s %-6s escalated", m.styles.Warn.Render("!"), st.key)
	}

	line := fmt.Sprintf("  %s %-6s %s", m.styles.Running.Render("⟳"), st.key, st.step)
	if st.verdict != "" {
		line += " → " + st.verdict
	} else if st.status != "" {
		line += " " + strings.ReplaceAll(st.status, "_", " ")
	}
	return line
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
