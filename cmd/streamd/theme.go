package main

import "github.com/charmbracelet/lipgloss"

// Theme defines the terminal styling for CLI reports.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the default CLI theme.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Error:   lipgloss.Color("9"),   // Red
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// styles are the rendered pieces of a report.
type styles struct {
	title lipgloss.Style
	label lipgloss.Style
	value lipgloss.Style
	box   lipgloss.Style
}

func (t Theme) styles() styles {
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		label: lipgloss.NewStyle().Foreground(t.Muted).Width(10),
		value: lipgloss.NewStyle(),
		box:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Muted).Padding(0, 1),
	}
}

// stateColor maps a status word to its theme color.
func (t Theme) stateColor(state string) lipgloss.Color {
	switch state {
	case "running", "in_progress", "completed":
		return t.Success
	case "stale", "blocked", "ready":
		return t.Warning
	case "stopped", "archived":
		return t.Error
	default:
		return t.Muted
	}
}

// badge renders a status word in its color.
func (t Theme) badge(state string) string {
	return lipgloss.NewStyle().Bold(true).Foreground(t.stateColor(state)).Render(state)
}
