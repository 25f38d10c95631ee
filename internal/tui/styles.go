package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/jury/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning     = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusInterrupted = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusComplete:
		return statusComplete.Render("✓ complete")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed")
	case models.RunStatusInterrupted:
		return statusInterrupted.Render("‖ interrupted")
	default:
		return dimStyle.Render(string(status))
	}
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
