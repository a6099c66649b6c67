package main

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/xonecas/townmind/internal/store"
)

// printStatus writes the latest usage snapshot of every provider and the
// journaled decision counts to w.
func printStatus(ctx context.Context, w io.Writer, path string) error {
	s, err := store.New(path)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer s.Close()

	usage, err := s.LatestUsage(ctx)
	if err != nil {
		return fmt.Errorf("latest usage: %w", err)
	}
	counts, err := s.CountBySource(ctx)
	if err != nil {
		return fmt.Errorf("count decisions: %w", err)
	}

	fmt.Fprintln(w, renderUsageTable(usage))
	fmt.Fprintln(w, renderCountsTable(counts))
	return nil
}

func renderUsageTable(usage []store.UsageSnapshot) string {
	if len(usage) == 0 {
		return "No provider usage recorded yet."
	}
	rows := make([][]string, 0, len(usage))
	for _, u := range usage {
		state := "up"
		if !u.Available {
			state = "down"
		}
		rows = append(rows, []string{
			u.Provider,
			state,
			fmt.Sprint(u.Usage.TotalCalls),
			fmt.Sprintf("%d/%d", u.Usage.TotalInputTokens, u.Usage.TotalOutputTokens),
			fmt.Sprintf("%.0fms", u.Usage.AvgLatencyMs),
			fmt.Sprint(u.Usage.ErrorCount),
			u.TakenAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("PROVIDER", "STATE", "CALLS", "TOKENS IN/OUT", "AVG LATENCY", "ERRORS", "TAKEN AT").
		Rows(rows...).
		Render()
}

func renderCountsTable(counts map[string]int64) string {
	if len(counts) == 0 {
		return "No decisions journaled yet."
	}
	sources := make([]string, 0, len(counts))
	for src := range counts {
		sources = append(sources, src)
	}
	sort.Strings(sources)

	rows := make([][]string, 0, len(sources))
	for _, src := range sources {
		rows = append(rows, []string{src, fmt.Sprint(counts[src])})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("SOURCE", "DECISIONS").
		Rows(rows...).
		Render()
}
