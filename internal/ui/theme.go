package ui

import "github.com/charmbracelet/lipgloss"

// Status colors.
var (
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorInfo    = lipgloss.Color("#3b82f6")
	ColorPaused  = lipgloss.Color("#a855f7")
)

// UI chrome colors.
var (
	ColorBorder = lipgloss.Color("#4b5563")
	ColorDimmed = lipgloss.Color("#6b7280")
	ColorBright = lipgloss.Color("#f9fafb")
)

// Gauge thresholds.
var (
	ColorGaugeLow  = lipgloss.Color("#22c55e") // <50%
	ColorGaugeMid  = lipgloss.Color("#d97706") // 50-80%
	ColorGaugeHigh = lipgloss.Color("#dc2626") // >80%
)

// ConnColor returns the color for a connection status string.
func ConnColor(status string) lipgloss.Color {
	switch status {
	case "connected":
		return ColorHealthy
	case "connecting":
		return ColorWarning
	case "error":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// JobColor returns the color for a job status string.
func JobColor(status string) lipgloss.Color {
	switch status {
	case "running":
		return ColorInfo
	case "paused":
		return ColorPaused
	case "completed":
		return ColorHealthy
	case "failed":
		return ColorDanger
	default:
		return ColorDimmed
	}
}

// LevelColor returns the color for a log or notification level.
func LevelColor(level string) lipgloss.Color {
	switch level {
	case "error":
		return ColorDanger
	case "warn", "warning":
		return ColorWarning
	case "success":
		return ColorHealthy
	case "debug":
		return ColorDimmed
	default:
		return ColorInfo
	}
}

// GaugeColor returns the color for a utilisation percentage (0-100).
func GaugeColor(pct float64) lipgloss.Color {
	switch {
	case pct > 80:
		return ColorGaugeHigh
	case pct > 50:
		return ColorGaugeMid
	default:
		return ColorGaugeLow
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)
)
