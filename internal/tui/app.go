// Package tui provides the terminal dashboard for a running coordinator.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xonecas/townmind/internal/core"
	"github.com/xonecas/townmind/internal/scheduler"
)

const (
	maxEventLines   = 500
	refreshInterval = time.Second
)

// Source is what the dashboard reads from. *core.Coordinator satisfies it.
type Source interface {
	Stats() core.Stats
	Flush(ctx context.Context) error
}

// Model is the main TUI model.
type Model struct {
	source  Source
	eventCh <-chan core.Event
	clock   func() int64

	width    int
	height   int
	showHelp bool

	stats     core.Stats
	tick      int64
	updatedAt time.Time

	events   []string
	viewport viewport.Model
	follow   bool

	spinner  spinner.Model
	activity ActivityIndicator

	err error
}

// EventMsg wraps a core event for the TUI.
type EventMsg struct {
	Event core.Event
}

type statsTickMsg time.Time

type flushDoneMsg struct {
	err error
}

// New creates a dashboard model. clock returns the current simulation tick.
func New(source Source, eventCh <-chan core.Event, clock func() int64) Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(colorBrand)

	vp := viewport.New(0, 0)
	vp.Style = lipgloss.NewStyle().Background(colorBg)

	return Model{
		source:   source,
		eventCh:  eventCh,
		clock:    clock,
		viewport: vp,
		follow:   true,
		spinner:  sp,
		activity: NewActivityIndicator(),
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		func() tea.Msg { return statsTickMsg(time.Now()) },
		m.listenForEvents(),
		m.spinner.Tick,
		m.activity.Init(),
	)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()

	case tea.KeyMsg:
		if m.showHelp {
			if key.Matches(msg, keys.Help) || key.Matches(msg, keys.Escape) {
				m.showHelp = false
				return m, nil
			}
			if key.Matches(msg, keys.Quit) {
				return m, tea.Quit
			}
			return m, nil
		}
		return m.handleKey(msg)

	case EventMsg:
		m.appendEvent(FormatEvent(msg.Event))
		cmds = append(cmds, m.listenForEvents())

	case statsTickMsg:
		m.refresh(time.Time(msg))
		cmds = append(cmds, tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
			return statsTickMsg(t)
		}))

	case flushDoneMsg:
		m.err = msg.err

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case ActivityTickMsg:
		var cmd tea.Cmd
		m.activity, cmd = m.activity.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, keys.Help):
		m.showHelp = true
	case key.Matches(msg, keys.Escape):
		m.err = nil
	case key.Matches(msg, keys.Up):
		m.viewport.ScrollUp(1)
		m.follow = false
	case key.Matches(msg, keys.Down):
		m.viewport.ScrollDown(1)
		m.follow = m.viewport.AtBottom()
	case key.Matches(msg, keys.PageUp):
		m.viewport.PageUp()
		m.follow = false
	case key.Matches(msg, keys.PageDown):
		m.viewport.PageDown()
		m.follow = m.viewport.AtBottom()
	case key.Matches(msg, keys.End):
		m.viewport.GotoBottom()
		m.follow = true
	case key.Matches(msg, keys.Flush):
		return m, m.flush()
	}
	return m, nil
}

func (m *Model) refresh(now time.Time) {
	if m.source != nil {
		m.stats = m.source.Stats()
	}
	if m.clock != nil {
		m.tick = m.clock()
	}
	m.updatedAt = now

	switch {
	case m.stats.SchedulerState == scheduler.StateFlushing:
		m.activity.SetActivity(ActivityBatch)
	case m.stats.QueueInFlight > 0:
		m.activity.SetActivity(ActivityQueue)
	default:
		m.activity.SetActivity(ActivityIdle)
	}
	m.layout()
}

func (m *Model) appendEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > maxEventLines {
		m.events = m.events[len(m.events)-maxEventLines:]
	}
	m.viewport.SetContent(strings.Join(m.events, "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// layout sizes the event viewport to the space left under the dashboard.
func (m *Model) layout() {
	if m.width == 0 {
		return
	}
	top := lipgloss.Height(m.renderTop())
	height := m.height - top - 2
	if height < 3 {
		height = 3
	}
	m.viewport.Width = m.width - 1
	m.viewport.Height = height
	if m.follow {
		m.viewport.GotoBottom()
	}
}

func (m Model) renderTop() string {
	data := DashboardData{Tick: m.tick, UpdatedAt: m.updatedAt, Stats: m.stats}
	return RenderDashboard(data, m.width, m.spinner.View(), m.activity.View())
}

// View renders the UI.
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	if m.showHelp {
		return RenderHelp(m.width, m.height)
	}

	var suffix string
	if total := len(m.events); total > m.viewport.Height {
		suffix = fmt.Sprintf(" %3.0f%%", m.viewport.ScrollPercent()*100)
	}
	title := renderSectionTitleWithSuffix("EVENTS", suffix, m.width)

	body := m.viewport.View()
	if len(m.events) == 0 {
		body = dimmedStyle.Render("Waiting for events...")
	}
	scrollbar := renderScrollbar(m.viewport.Height, len(m.events), m.viewport.YOffset)
	events := lipgloss.JoinHorizontal(lipgloss.Top, body, scrollbar)

	out := m.renderTop() + "\n" + title + "\n" + events
	if m.err != nil {
		out += "\n" + unavailableStyle.Render("Error: "+m.err.Error())
	}
	return out
}

func (m Model) flush() tea.Cmd {
	src := m.source
	return func() tea.Msg {
		if src == nil {
			return flushDoneMsg{}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return flushDoneMsg{err: src.Flush(ctx)}
	}
}

func (m Model) listenForEvents() tea.Cmd {
	ch := m.eventCh
	return func() tea.Msg {
		if ch == nil {
			return nil
		}
		event, ok := <-ch
		if !ok {
			return nil
		}
		return EventMsg{Event: event}
	}
}

type keyMap struct {
	Quit     key.Binding
	Help     key.Binding
	Escape   key.Binding
	Up       key.Binding
	Down     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
	End      key.Binding
	Flush    key.Binding
}

var keys = keyMap{
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c")),
	Help:     key.NewBinding(key.WithKeys("?")),
	Escape:   key.NewBinding(key.WithKeys("esc")),
	Up:       key.NewBinding(key.WithKeys("up", "k")),
	Down:     key.NewBinding(key.WithKeys("down", "j")),
	PageUp:   key.NewBinding(key.WithKeys("pgup")),
	PageDown: key.NewBinding(key.WithKeys("pgdown")),
	End:      key.NewBinding(key.WithKeys("G", "end")),
	Flush:    key.NewBinding(key.WithKeys("f")),
}
