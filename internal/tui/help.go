package tui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var helpBindings = [][2]string{
	{"q  ctrl+c", "quit"},
	{"↑ ↓  k j", "scroll the event log"},
	{"pgup pgdn", "scroll a page"},
	{"G  end", "jump to newest and follow"},
	{"f", "flush the batching scheduler now"},
	{"esc", "clear error / close help"},
	{"?", "toggle this help"},
}

// RenderHelp renders the key overlay centered in a width x height area.
func RenderHelp(width, height int) string {
	keysCol := make([]string, len(helpBindings))
	descCol := make([]string, len(helpBindings))
	for i, b := range helpBindings {
		keysCol[i] = helpKeyStyle.Render(b[0])
		descCol[i] = helpDescStyle.Render(b[1])
	}

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		strings.Join(keysCol, "\n"),
		"   ",
		strings.Join(descCol, "\n"),
	)
	box := helpStyle.Render(titleStyle.Render("⌨ Keys") + "\n\n" + body)

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, box)
}
