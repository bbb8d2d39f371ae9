package cli

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hitsmaxft/nanoclaw/internal/cliconfig"
)

var (
	watchPassStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	watchWarnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	watchFailStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	watchDimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type doctorTickMsg time.Time

type doctorReportMsg struct {
	report cliconfig.DoctorReport
	err    error
}

func doctorTickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg { return doctorTickMsg(t) })
}

func runDoctorCheckCmd() tea.Cmd {
	return func() tea.Msg {
		report, err := cliconfig.RunDoctor()
		return doctorReportMsg{report: report, err: err}
	}
}

type doctorWatchModel struct {
	report  cliconfig.DoctorReport
	err     error
	updated time.Time
	quit    bool
}

func (m doctorWatchModel) Init() tea.Cmd {
	return tea.Batch(runDoctorCheckCmd(), doctorTickCmd())
}

func (m doctorWatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quit = true
			return m, tea.Quit
		case "r":
			return m, runDoctorCheckCmd()
		}
	case doctorReportMsg:
		m.report = msg.report
		m.err = msg.err
		m.updated = time.Now()
	case doctorTickMsg:
		return m, tea.Batch(runDoctorCheckCmd(), doctorTickCmd())
	}
	return m, nil
}

func (m doctorWatchModel) View() string {
	if m.quit {
		return ""
	}
	lines := make([]string, 0, len(m.report.Checks)+3)
	lines = append(lines, lipgloss.NewStyle().Bold(true).Render("nanoclaw doctor --watch"))
	if m.err != nil {
		lines = append(lines, watchFailStyle.Render(fmt.Sprintf("diagnostics failed: %v", m.err)))
	}
	for _, check := range m.report.Checks {
		style := watchPassStyle
		symbol := "PASS"
		switch check.Status {
		case cliconfig.DoctorWarn:
			style, symbol = watchWarnStyle, "WARN"
		case cliconfig.DoctorFail:
			style, symbol = watchFailStyle, "FAIL"
		}
		lines = append(lines, style.Render(fmt.Sprintf("[%s] %-24s %s", symbol, check.Name, check.Message)))
	}
	if !m.updated.IsZero() {
		lines = append(lines, "", watchDimStyle.Render(fmt.Sprintf("last checked %s — press r to refresh, q to quit", m.updated.Format(time.TimeOnly))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func runDoctorWatch() error {
	_, err := tea.NewProgram(doctorWatchModel{}, tea.WithAltScreen()).Run()
	return err
}
