package cli

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
)

var (
	green  = lipgloss.Color("76")
	red    = lipgloss.Color("204")
	yellow = lipgloss.Color("214")
	purple = lipgloss.Color("99")
	dim    = lipgloss.Color("243")
)

var (
	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	warnStyle    = lipgloss.NewStyle().Foreground(yellow)
	accentStyle  = lipgloss.NewStyle().Foreground(purple)
	mutedStyle   = lipgloss.NewStyle().Foreground(dim)
	boldStyle    = lipgloss.NewStyle().Bold(true)
)

// styleStatus pads s to width and colors it by status.
func styleStatus(s string, width int) string {
	padded := fmt.Sprintf("%-*s", width, s)
	switch s {
	case "completed":
		return successStyle.Render(padded)
	case "failed":
		return errorStyle.Render(padded)
	case "cancelled", "paused":
		return warnStyle.Render(padded)
	case "running", "starting":
		return accentStyle.Render(padded)
	default:
		return mutedStyle.Render(padded)
	}
}

func successMsg(format string, a ...any) string {
	return successStyle.Render("✓") + " " + fmt.Sprintf(format, a...)
}

func warnMsg(format string, a ...any) string {
	return warnStyle.Render("!") + " " + fmt.Sprintf(format, a...)
}

func errorMsg(format string, a ...any) string {
	return errorStyle.Render("✗") + " " + fmt.Sprintf(format, a...)
}

func infoMsg(format string, a ...any) string {
	return accentStyle.Render("●") + " " + fmt.Sprintf(format, a...)
}

// progressBar renders pct as a fixed-width bar.
func progressBar(pct, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return bar
}
