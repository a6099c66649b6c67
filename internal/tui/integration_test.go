package tui

import (
	"bytes"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/x/exp/teatest"

	"github.com/xonecas/townmind/internal/core"
)

func startTestProgram(t *testing.T, src *fakeSource, ch <-chan core.Event) *teatest.TestModel {
	t.Helper()
	m := New(src, ch, func() int64 { return 7*3600 + 30 })
	tm := teatest.NewTestModel(t, m, teatest.WithInitialTermSize(testWidth, testHeight))

	teatest.WaitFor(t, tm.Output(), func(bts []byte) bool {
		return bytes.Contains(bts, []byte("DECISION PIPELINE"))
	}, teatest.WithCheckInterval(50*time.Millisecond), teatest.WithDuration(2*time.Second))
	return tm
}

func quitAndFinalModel(t *testing.T, tm *teatest.TestModel) Model {
	t.Helper()
	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	return tm.FinalModel(t, teatest.WithFinalTimeout(2*time.Second)).(Model)
}

func TestIntegration_EventsReachLog(t *testing.T) {
	ch := make(chan core.Event, 4)
	tm := startTestProgram(t, &fakeSource{stats: sampleStats()}, ch)

	ch <- core.Event{
		Type:      core.EventDecision,
		ActorID:   "npc_smith",
		Data:      core.DecisionData{Source: core.SourceBatch, PlanName: "forge"},
		Timestamp: time.Now(),
	}

	teatest.WaitFor(t, tm.Output(), func(bts []byte) bool {
		return bytes.Contains(bts, []byte("npc_smith"))
	}, teatest.WithCheckInterval(50*time.Millisecond), teatest.WithDuration(2*time.Second))

	final := quitAndFinalModel(t, tm)
	if len(final.events) != 1 {
		t.Errorf("events = %d, want 1", len(final.events))
	}
}

func TestIntegration_HelpAndFlush(t *testing.T) {
	src := &fakeSource{stats: sampleStats()}
	tm := startTestProgram(t, src, nil)

	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'?'}})
	teatest.WaitFor(t, tm.Output(), func(bts []byte) bool {
		return bytes.Contains(bts, []byte("flush the batching scheduler"))
	}, teatest.WithCheckInterval(50*time.Millisecond), teatest.WithDuration(2*time.Second))

	tm.Send(tea.KeyMsg{Type: tea.KeyEsc})
	tm.Send(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'f'}})
	time.Sleep(200 * time.Millisecond)

	final := quitAndFinalModel(t, tm)
	if final.showHelp {
		t.Error("help should be closed")
	}
	if src.flushes.Load() != 1 {
		t.Errorf("flushes = %d, want 1", src.flushes.Load())
	}
}

func TestIntegration_Resize(t *testing.T) {
	tm := startTestProgram(t, &fakeSource{stats: sampleStats()}, nil)

	tm.Send(tea.WindowSizeMsg{Width: 80, Height: 30})
	time.Sleep(100 * time.Millisecond)

	final := quitAndFinalModel(t, tm)
	if final.width != 80 || final.height != 30 {
		t.Errorf("size = %dx%d, want 80x30", final.width, final.height)
	}
	if final.viewport.Height < 3 {
		t.Errorf("viewport height = %d, want at least 3", final.viewport.Height)
	}
}
