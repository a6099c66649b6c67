package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	scrollbarThumb = "┃"
	scrollbarTrack = "│"
)

var (
	scrollTrackStyle = lipgloss.NewStyle().Foreground(colorBorder)
	scrollThumbStyle = lipgloss.NewStyle().Foreground(colorBrandDim)
)

// renderScrollbar renders a one-column scrollbar of the given height for a
// log of totalLines lines whose first visible line is offset.
func renderScrollbar(height, totalLines, offset int) string {
	if height <= 0 {
		return ""
	}

	thumbStart, thumbEnd := 0, 0
	if totalLines > height {
		size := max(height*height/totalLines, 1)
		ratio := float64(offset) / float64(totalLines-height)
		ratio = min(max(ratio, 0), 1)
		thumbStart = int(ratio * float64(height-size))
		thumbEnd = thumbStart + size
	}

	lines := make([]string, height)
	for i := range lines {
		if i >= thumbStart && i < thumbEnd {
			lines[i] = scrollThumbStyle.Render(scrollbarThumb)
		} else {
			lines[i] = scrollTrackStyle.Render(scrollbarTrack)
		}
	}
	return strings.Join(lines, "\n")
}
