// Package theme compiles the lipgloss styles for the status view. It is
// a single built-in palette, not the teacher's file-loadable theme
// manager: there is no chat/roster/dialog surface left to theme, so the
// JSON-driven Theme/Manager machinery the teacher carries is trimmed to
// the handful of styles this screen actually uses.
package theme

import "github.com/charmbracelet/lipgloss"

// Styles holds the compiled styles for the status view.
type Styles struct {
	Header       lipgloss.Style
	SectionTitle lipgloss.Style
	Label        lipgloss.Style
	Value        lipgloss.Style
	Connected    lipgloss.Style
	Disconnected lipgloss.Style
	OutcomeOK    lipgloss.Style
	OutcomeWarn  lipgloss.Style
	OutcomeErr   lipgloss.Style
	Dim          lipgloss.Style
	Border       lipgloss.Style
}

// New compiles the built-in status-view palette.
func New() *Styles {
	return &Styles{
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("63")).
			Padding(0, 1),
		SectionTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("111")),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		Value: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		Connected: lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true),
		Disconnected: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")).
			Bold(true),
		OutcomeOK: lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")),
		OutcomeWarn: lipgloss.NewStyle().
			Foreground(lipgloss.Color("220")),
		OutcomeErr: lipgloss.NewStyle().
			Foreground(lipgloss.Color("203")),
		Dim: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		Border: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1),
	}
}
