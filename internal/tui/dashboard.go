package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/xonecas/townmind/internal/core"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/worldtime"
)

// ProviderRow holds display info for a provider.
type ProviderRow struct {
	Name      string
	Available bool
	Usage     provider.UsageStats
}

// DashboardData is everything the dashboard shows above the event log.
type DashboardData struct {
	Tick      int64
	UpdatedAt time.Time
	Stats     core.Stats
}

// ProviderRows returns the providers of s sorted by name.
func ProviderRows(s core.Stats) []ProviderRow {
	rows := make([]ProviderRow, 0, len(s.Providers))
	for name, usage := range s.Providers {
		rows = append(rows, ProviderRow{Name: name, Available: s.Availability[name], Usage: usage})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Name < rows[j].Name })
	return rows
}

// RenderDashboard renders the header, pipeline counters and provider table.
func RenderDashboard(d DashboardData, width int, spinnerView, activityView string) string {
	if width < 40 {
		width = 40
	}
	var sections []string

	topLine := "◆" + strings.Repeat("═", width-2) + "◆"
	titleText := " ⬡ T O W N M I N D ⬡   DECISION PIPELINE"
	titlePadding := max((width-lipgloss.Width(titleText))/2, 0)
	titleLine := strings.Repeat(" ", titlePadding) + titleText
	if w := lipgloss.Width(titleLine); w < width {
		titleLine += strings.Repeat(" ", width-w)
	}
	sections = append(sections, headerStyle.Width(width).Render(topLine+"\n"+titleLine+"\n"+topLine))

	clock := fmt.Sprintf("%s  %s %s  %s",
		formatTickTimestamp(d.Tick, d.UpdatedAt),
		worldtime.SeasonAt(d.Tick),
		worldtime.SlotAt(d.Tick),
		activityView,
	)
	sections = append(sections, statusBarStyle.Width(width).Render(clock))

	s := d.Stats
	sections = append(sections, renderSectionTitle("PIPELINE", width))
	cache := fmt.Sprintf("%s %s  %s %s  %s %s",
		labelStyle.Render("actors"), valueStyle.Render(fmt.Sprint(s.Actors)),
		labelStyle.Render("cached routines"), valueStyle.Render(fmt.Sprint(s.Cache.Size)),
		labelStyle.Render("hit rate"), valueStyle.Render(fmt.Sprintf("%.1f%%", s.Cache.HitRate*100)),
	)
	sched := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		labelStyle.Render("scheduler"), valueStyle.Render(s.SchedulerState.String()),
		labelStyle.Render("pending"), valueStyle.Render(fmt.Sprint(s.Scheduler.Pending)),
		labelStyle.Render("batches"), valueStyle.Render(fmt.Sprint(s.Scheduler.BatchCalls)),
		labelStyle.Render("degraded"), valueStyle.Render(fmt.Sprint(s.Scheduler.Degraded)),
	)
	queue := fmt.Sprintf("%s %s  %s %s",
		labelStyle.Render("queue pending"), valueStyle.Render(fmt.Sprint(s.QueuePending)),
		labelStyle.Render("in flight"), valueStyle.Render(fmt.Sprint(s.QueueInFlight)),
	)
	if s.Generating > 0 {
		queue += fmt.Sprintf("  %s %s", spinnerView, labelStyle.Render(fmt.Sprintf("generating %d routines", s.Generating)))
	}
	sections = append(sections, cache, sched, queue, renderDecisionCounts(s))

	sections = append(sections, renderSectionTitle("PROVIDERS", width))
	rows := ProviderRows(s)
	var lines []string
	if len(rows) == 0 {
		lines = append(lines, dimmedStyle.Render("No providers registered."))
	}
	for _, r := range rows {
		lines = append(lines, renderProviderLine(r, width-4))
	}
	sections = append(sections, panelStyle.Width(width-2).Render(strings.Join(lines, "\n")))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

var sourceOrder = []core.Source{
	core.SourceCache,
	core.SourceBatch,
	core.SourceIndividual,
	core.SourceQueue,
	core.SourceFallback,
}

func renderDecisionCounts(s core.Stats) string {
	parts := make([]string, 0, len(sourceOrder)+1)
	for _, src := range sourceOrder {
		parts = append(parts, fmt.Sprintf("%s %s", labelStyle.Render(string(src)), valueStyle.Render(fmt.Sprint(s.Decisions[src]))))
	}
	line := strings.Join(parts, "  ")
	if s.DroppedDecisions > 0 {
		line += "  " + warningStyle.Render(fmt.Sprintf("dropped %d", s.DroppedDecisions))
	}
	return line
}

func renderProviderLine(r ProviderRow, width int) string {
	status := availableStyle.Render("● UP  ")
	if !r.Available {
		status = unavailableStyle.Render("✖ DOWN")
	}
	name := fmt.Sprintf("%-10s", truncateWithEllipsis(r.Name, 10))
	u := r.Usage
	detail := fmt.Sprintf("calls %d  tokens %d/%d  avg %.0fms  errors %d",
		u.TotalCalls, u.TotalInputTokens, u.TotalOutputTokens, u.AvgLatencyMs, u.ErrorCount)

	line := status + " " + valueStyle.Render(name) + " " + dimmedStyle.Render(detail)
	if lipgloss.Width(line) > width {
		return truncateToWidth(line, width)
	}
	return line
}

// FormatEvent renders one event as a log line.
func FormatEvent(ev core.Event) string {
	ts := ev.Timestamp.Local().Format("15:04:05")
	var detail string
	switch data := ev.Data.(type) {
	case core.DecisionData:
		detail = fmt.Sprintf("%s (%s)", data.PlanName, data.Source)
	case core.ErrorData:
		detail = data.Error
	case core.TriggerData:
		kinds := make([]string, len(data.Kinds))
		for i, k := range data.Kinds {
			kinds[i] = string(k)
		}
		detail = strings.Join(kinds, ", ")
	case core.BatchData:
		detail = fmt.Sprintf("%d results, %d degraded, %d without plan", data.Results, data.Degraded, data.Failed)
	case core.AvailabilityData:
		state := "available"
		if !data.Available {
			state = "unavailable"
		}
		detail = fmt.Sprintf("%s is %s", data.Provider, state)
	}

	parts := []string{dimmedStyle.Render(ts), EventStyle(string(ev.Type)).Render(string(ev.Type))}
	if ev.ActorID != "" {
		parts = append(parts, valueStyle.Render(ev.ActorID))
	}
	if detail != "" {
		parts = append(parts, strings.ReplaceAll(detail, "\n", " "))
	}
	return strings.Join(parts, " ")
}
