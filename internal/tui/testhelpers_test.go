package tui

import (
	"context"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/xonecas/townmind/internal/core"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/routine"
	"github.com/xonecas/townmind/internal/scheduler"
)

const (
	testWidth  = 120
	testHeight = 40
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// forceTrueColor renders with colors for the duration of the test.
func forceTrueColor(t *testing.T) {
	t.Helper()
	lipgloss.SetColorProfile(termenv.TrueColor)
	t.Cleanup(func() { lipgloss.SetColorProfile(termenv.Ascii) })
}

type fakeSource struct {
	stats   core.Stats
	flushes atomic.Int32
	err     error
}

func (f *fakeSource) Stats() core.Stats { return f.stats }

func (f *fakeSource) Flush(context.Context) error {
	f.flushes.Add(1)
	return f.err
}

func sampleStats() core.Stats {
	return core.Stats{
		Actors:         7,
		Cache:          routine.Stats{Size: 5, Hits: 3, Misses: 1, HitRate: 0.75},
		Scheduler:      scheduler.Stats{Pending: 2, Flushes: 4, BatchCalls: 3, Degraded: 1},
		SchedulerState: scheduler.StateAccumulating,
		QueuePending:   1,
		Decisions: map[core.Source]int64{
			core.SourceCache: 10,
			core.SourceBatch: 4,
		},
		Providers: map[string]provider.UsageStats{
			"remote": {TotalCalls: 3, TotalInputTokens: 120, TotalOutputTokens: 40, AvgLatencyMs: 850},
			"local":  {TotalCalls: 12, TotalInputTokens: 900, TotalOutputTokens: 300, AvgLatencyMs: 150, ErrorCount: 2},
		},
		Availability: map[string]bool{"local": true, "remote": false},
	}
}

// sizedModel returns a model that has seen a window size and one stats refresh.
func sizedModel(t *testing.T, src *fakeSource) Model {
	t.Helper()
	m := New(src, nil, func() int64 { return 7*3600 + 30 })
	updated, _ := m.Update(tea.WindowSizeMsg{Width: testWidth, Height: testHeight})
	m = updated.(Model)
	updated, _ = m.Update(statsTickMsg(time.Now()))
	return updated.(Model)
}
