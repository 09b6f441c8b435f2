// Package tui renders host session status in the terminal.
package tui

import (
	"fmt"
	"strings"

	"github.com/adwski/screen-relay/backend/agent"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12"))

	codeStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("13"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	viewerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
)

type (
	// StatusMsg carries a fresh host snapshot into the program.
	StatusMsg agent.HostStatus

	// DoneMsg reports that host loop has stopped.
	DoneMsg struct {
		Err error
	}

	Model struct {
		status  agent.HostStatus
		err     error
		stopped bool
	}
)

func NewModel(code string) Model {
	return Model{status: agent.HostStatus{Code: code}}
}

func (m Model) Init() tea.Cmd {
	return tea.SetWindowTitle("screen-relay " + agent.FormatCode(m.status.Code))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case StatusMsg:
		m.status = agent.HostStatus(msg)
	case DoneMsg:
		m.stopped = true
		m.err = msg.Err
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("screen-relay"))
	b.WriteString(dimStyle.Render(" - hosting"))
	b.WriteString("\n\n")

	b.WriteString("Access code: ")
	b.WriteString(codeStyle.Render(agent.FormatCode(m.status.Code)))
	b.WriteString("\n")
	if m.status.Source != "" {
		b.WriteString(dimStyle.Render("Sharing " + m.status.Source))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	var stats strings.Builder
	stats.WriteString(viewerStyle.Render(fmt.Sprintf("Viewers: %d", m.status.Viewers)))
	stats.WriteString("\n")
	fmt.Fprintf(&stats, "Frames sent:    %d\n", m.status.FramesSent)
	fmt.Fprintf(&stats, "Frames skipped: %d\n", m.status.FramesSkipped)
	fmt.Fprintf(&stats, "Frames dropped: %d\n", m.status.FramesDropped)
	fmt.Fprintf(&stats, "Input events:   %d", m.status.InputEvents)
	b.WriteString(boxStyle.Render(stats.String()))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	} else if m.stopped {
		b.WriteString("\n")
		b.WriteString(dimStyle.Render("Session ended."))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(keyStyle.Render("q"))
	b.WriteString(dimStyle.Render(" quit"))
	return b.String()
}
