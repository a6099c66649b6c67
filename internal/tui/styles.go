package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Lantern-lit town palette.
var (
	colorBrand    = lipgloss.Color("#E0A030") // Lantern amber
	colorTeal     = lipgloss.Color("#40C0A0") // Verdigris
	colorBrandDim = lipgloss.Color("#8A6020")

	colorBatch = lipgloss.Color("#FF9F40")
	colorQueue = lipgloss.Color("#40A0FF")

	colorWarning = lipgloss.Color("#FF6600")
	colorError   = lipgloss.Color("#FF3366")
	colorSuccess = lipgloss.Color("#00FF66")
	colorMuted   = lipgloss.Color("#777799")

	colorBg      = lipgloss.Color("#0B0A08")
	colorBgAlt   = lipgloss.Color("#15130F")
	colorBgPanel = lipgloss.Color("#1B1914")
	colorBorder  = lipgloss.Color("#4A4030")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBrand).
			Background(colorBgAlt).
			MarginBottom(1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBrand)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorTeal).
			Background(colorBgPanel).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBrandDim).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Foreground(colorTeal).
			Bold(true)

	availableStyle = lipgloss.NewStyle().
			Foreground(colorSuccess).
			Bold(true)

	unavailableStyle = lipgloss.NewStyle().
				Foreground(colorError).
				Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	helpStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(colorBrand).
			Background(colorBgPanel).
			Padding(1, 2).
			Margin(1)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(colorTeal).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	valueStyle = lipgloss.NewStyle().
			Foreground(colorBrand).
			Bold(true)

	dimmedStyle = lipgloss.NewStyle().
			Foreground(colorMuted)
)

// EventStyle returns the style for an event type in the log.
func EventStyle(eventType string) lipgloss.Style {
	switch eventType {
	case "decision_failed", "routine_failed":
		return lipgloss.NewStyle().Foreground(colorError)
	case "provider_availability":
		return warningStyle
	case "batch_flushed":
		return lipgloss.NewStyle().Foreground(colorBatch)
	case "pattern_invalidated", "trigger":
		return lipgloss.NewStyle().Foreground(colorTeal)
	default:
		return dimmedStyle
	}
}

// renderSectionTitle renders a section title that spans the full width.
func renderSectionTitle(title string, width int) string {
	return renderSectionTitleWithSuffix(title, "", width)
}

// renderSectionTitleWithSuffix renders a section title with an optional suffix (like scroll indicator).
func renderSectionTitleWithSuffix(title, suffix string, width int) string {
	// Format: ⬧── TITLE ──⬧ [suffix]
	titleWithSpaces := " " + title + " "
	titleDisplayWidth := lipgloss.Width(titleWithSpaces)
	suffixDisplayWidth := lipgloss.Width(suffix)
	availableWidth := width - titleDisplayWidth - 4 - suffixDisplayWidth
	if availableWidth < 2 {
		availableWidth = 2
	}
	leftDashes := availableWidth / 2
	rightDashes := availableWidth - leftDashes

	line := "⬧─" + strings.Repeat("─", leftDashes) + titleWithSpaces + strings.Repeat("─", rightDashes) + "─⬧"
	if suffix != "" {
		line += suffix
	}
	return panelTitleStyle.Width(width).Render(line)
}

// truncateToWidth truncates a string to fit within maxWidth display columns.
// Uses rune-aware iteration to avoid cutting multi-byte characters.
func truncateToWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	currentWidth := 0
	for i, r := range s {
		charWidth := lipgloss.Width(string(r))
		if currentWidth+charWidth > maxWidth {
			return s[:i]
		}
		currentWidth += charWidth
	}
	return s
}

func truncateWithEllipsis(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return truncateToWidth(s, maxWidth)
	}
	return truncateToWidth(s, maxWidth-3) + "..."
}

// formatTickTimestamp formats a world tick and wall time as "T#### ⬡ [HH:MM]".
// The timestamp is converted to local time.
func formatTickTimestamp(tick int64, ts time.Time) string {
	timeStr := ts.Local().Format("15:04")

	tickStyle := lipgloss.NewStyle().Foreground(colorTeal)
	hexStyle := lipgloss.NewStyle().Foreground(colorBrand)

	tickPart := tickStyle.Render(fmt.Sprintf("T%d", tick))
	hexPart := hexStyle.Render("⬡")
	timePart := dimmedStyle.Render(fmt.Sprintf("[%s]", timeStr))

	return tickPart + " " + hexPart + " " + timePart
}
