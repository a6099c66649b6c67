package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Activity is what the decision pipeline is currently busy with.
type Activity int

const (
	ActivityIdle  Activity = iota
	ActivityBatch          // scheduler flushing
	ActivityQueue          // queued decisions in flight
)

// ActivityIndicator is a bouncing bar shown while provider calls are running.
type ActivityIndicator struct {
	activity  Activity
	position  int
	direction int
	width     int
}

// ActivityTickMsg is sent to animate the indicator.
type ActivityTickMsg time.Time

// NewActivityIndicator creates an idle indicator.
func NewActivityIndicator() ActivityIndicator {
	return ActivityIndicator{
		activity:  ActivityIdle,
		direction: 1,
		width:     12,
	}
}

// SetActivity sets the current activity.
func (n *ActivityIndicator) SetActivity(activity Activity) {
	n.activity = activity
}

// Activity returns the current activity.
func (n ActivityIndicator) Activity() Activity {
	return n.activity
}

// Update handles tick messages for animation.
func (n ActivityIndicator) Update(msg tea.Msg) (ActivityIndicator, tea.Cmd) {
	switch msg.(type) {
	case ActivityTickMsg:
		if n.activity != ActivityIdle {
			n.position += n.direction
			if n.position >= n.width-1 {
				n.position = n.width - 1
				n.direction = -1
			} else if n.position <= 0 {
				n.position = 0
				n.direction = 1
			}
		}
		return n, n.tick()
	}
	return n, nil
}

func (n ActivityIndicator) tick() tea.Cmd {
	return tea.Tick(time.Millisecond*80, func(t time.Time) tea.Msg {
		return ActivityTickMsg(t)
	})
}

// Init starts the animation.
func (n ActivityIndicator) Init() tea.Cmd {
	return n.tick()
}

// View renders the indicator.
func (n ActivityIndicator) View() string {
	const (
		barEmpty  = "░"
		barFilled = "█"
		barLeft   = "▐"
		barRight  = "▌"
	)

	var (
		style lipgloss.Style
		label string
	)
	switch n.activity {
	case ActivityIdle:
		style = lipgloss.NewStyle().Foreground(colorMuted)
		bar := barLeft
		for i := 0; i < n.width; i++ {
			bar += barEmpty
		}
		return style.Render("⬦ IDLE  " + bar + barRight)
	case ActivityBatch:
		style = lipgloss.NewStyle().Foreground(colorBatch).Bold(true)
		label = "⬥ BATCH"
	case ActivityQueue:
		style = lipgloss.NewStyle().Foreground(colorQueue).Bold(true)
		label = "⬥ QUEUE"
	}

	bar := barLeft
	for i := 0; i < n.width; i++ {
		if i >= n.position-1 && i <= n.position+1 {
			bar += barFilled
		} else {
			bar += barEmpty
		}
	}
	bar += barRight

	return style.Render(label + " " + bar)
}
