package cli

import "github.com/charmbracelet/lipgloss"

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	keyStyle   = lipgloss.NewStyle().Bold(true)
	faintStyle = lipgloss.NewStyle().Faint(true)
)

// kvTable renders aligned "key  value" rows.
func kvTable(rows [][2]string) string {
	width := 0
	for _, r := range rows {
		width = max(width, lipgloss.Width(r[0]))
	}
	keyCol := keyStyle.Width(width + 2)
	out := ""
	for _, r := range rows {
		out += lipgloss.JoinHorizontal(lipgloss.Top, keyCol.Render(r[0]), r[1]) + "\n"
	}
	return out
}
