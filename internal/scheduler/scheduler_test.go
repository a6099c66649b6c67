package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/xonecas/townmind/internal/constants"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/worldtime"
)

const planJSON = `{"name":"chat","steps":[{"action":"talk","pause_ms":1000}]}`

func testRouter(mocks ...*provider.MockProvider) *provider.Router {
	reg := provider.NewRegistry()
	for _, m := range mocks {
		reg.Register(m)
	}
	primary := mocks[0].Name()
	rules := map[provider.Category]provider.Rule{
		provider.CategoryNPCBatch:      {Primary: primary, Format: provider.FormatJSON},
		provider.CategoryNPCDecision:   {Primary: primary, Format: provider.FormatJSON},
		provider.CategoryAgentDecision: {Primary: primary, Format: provider.FormatJSON},
	}
	if len(mocks) > 1 {
		rules[provider.CategoryAgentDecision] = provider.Rule{Primary: mocks[1].Name(), Format: provider.FormatJSON}
	}
	return provider.NewRouter(reg, rules)
}

func isBatch(req provider.Request) bool {
	return len(req.Messages) > 0 && req.Messages[0].Content == constants.BatchSystemPrompt
}

// promptIDs returns the actor ids listed in a batch prompt.
func promptIDs(req provider.Request) []string {
	var ids []string
	for _, line := range strings.Split(req.Messages[len(req.Messages)-1].Content, "\n") {
		if rest, ok := strings.CutPrefix(line, "### actor_id: "); ok {
			ids = append(ids, strings.Fields(rest)[0])
		}
	}
	return ids
}

func batchReply(ids []string) string {
	items := make([]map[string]any, len(ids))
	for i, id := range ids {
		var p map[string]any
		json.Unmarshal([]byte(planJSON), &p)
		items[i] = map[string]any{"actor_id": id, "plan": p}
	}
	data, _ := json.Marshal(items)
	return "```json\n" + string(data) + "\n```"
}

// wellBehaved answers batches with one plan per listed actor and single
// decisions with planJSON.
func wellBehaved(req provider.Request) (string, error) {
	if isBatch(req) {
		return batchReply(promptIDs(req)), nil
	}
	return planJSON, nil
}

func entryAt(id, poi string) Entry {
	return Entry{
		ActorID: id,
		Context: Context{
			POI:       poi,
			TimeOfDay: worldtime.Evening,
			Hour:      21,
			Season:    worldtime.Summer,
		},
	}
}

func entryAtPos(id string, x, y float64) Entry {
	e := entryAt(id, "")
	e.Context.Position = Position{X: x, Y: y}
	return e
}

func collect() (ResultsFunc, <-chan []Result) {
	ch := make(chan []Result, 16)
	return func(rs []Result) { ch <- rs }, ch
}

func receive(t *testing.T, ch <-chan []Result) []Result {
	t.Helper()
	select {
	case rs := <-ch:
		return rs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for results")
		return nil
	}
}

func assertUnique(t *testing.T, results []Result, want int) {
	t.Helper()
	if len(results) != want {
		t.Fatalf("expected %d results, got %d", want, len(results))
	}
	seen := make(map[string]bool)
	for _, r := range results {
		if seen[r.ActorID] {
			t.Fatalf("duplicate result for %s", r.ActorID)
		}
		seen[r.ActorID] = true
	}
}

func TestSameLocationIsOneBatch(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(wellBehaved)
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: time.Hour, MaxBatchSize: 5})

	for i := 0; i < 5; i++ {
		if !s.Enqueue(entryAt(fmt.Sprintf("npc_%d", i), "Old Market")) {
			t.Fatal("Enqueue returned false")
		}
	}

	results := receive(t, ch)
	assertUnique(t, results, 5)
	for _, r := range results {
		if r.Plan == nil || r.Source != SourceBatch || r.Err != nil {
			t.Errorf("unexpected result %+v", r)
		}
	}
	if mock.Calls() != 1 {
		t.Errorf("expected exactly one provider call, got %d", mock.Calls())
	}
	if got := s.Stats().BatchCalls; got != 1 {
		t.Errorf("expected 1 batch call, got %d", got)
	}
}

func TestOverflowStartsNewCycle(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(wellBehaved)
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: 50 * time.Millisecond, MaxBatchSize: 5})

	for i := 0; i < 6; i++ {
		s.Enqueue(entryAt(fmt.Sprintf("npc_%d", i), "Old Market"))
	}

	if got := s.Pending(); got > 1 {
		t.Errorf("expected at most the 6th entry pending, got %d", got)
	}

	first, second := receive(t, ch), receive(t, ch)
	if len(first) < len(second) {
		first, second = second, first
	}
	assertUnique(t, first, 5)
	for _, r := range first {
		if r.ActorID == "npc_5" {
			t.Error("6th entry must not be part of the first flush")
		}
	}

	assertUnique(t, second, 1)
	if second[0].ActorID != "npc_5" || second[0].Source != SourceIndividual {
		t.Errorf("unexpected second flush %+v", second[0])
	}
}

func TestDebounceFlushesOnce(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(wellBehaved)
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: 40 * time.Millisecond, MaxBatchSize: 5, LocationBucket: 10})

	s.Enqueue(entryAtPos("a", 1, 1))
	if s.State() != StateAccumulating {
		t.Errorf("expected accumulating, got %s", s.State())
	}
	s.Enqueue(entryAtPos("b", 95, 95))

	results := receive(t, ch)
	assertUnique(t, results, 2)
	for _, r := range results {
		if r.Source != SourceIndividual || r.Plan == nil {
			t.Errorf("expected individual decision with plan, got %+v", r)
		}
	}

	select {
	case extra := <-ch:
		t.Fatalf("unexpected second flush %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
	if s.State() != StateIdle {
		t.Errorf("expected idle, got %s", s.State())
	}
}

func TestMalformedBatchFallsBackToIndividuals(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(func(req provider.Request) (string, error) {
		if isBatch(req) {
			return `{"oops": "not an array"}`, nil
		}
		return planJSON, nil
	})
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: time.Hour, MaxBatchSize: 5})

	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(entryAt(id, "Well"))
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	results := receive(t, ch)
	assertUnique(t, results, 3)
	for _, r := range results {
		if !r.Degraded || r.Source != SourceIndividual || r.Plan == nil {
			t.Errorf("expected degraded individual result, got %+v", r)
		}
	}
	if mock.Calls() != 4 {
		t.Errorf("expected 1 batch + 3 individual calls, got %d", mock.Calls())
	}
	if s.Stats().Degraded != 1 {
		t.Errorf("expected 1 degraded group, got %d", s.Stats().Degraded)
	}
}

func TestWrappedArrayIsMalformed(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(func(req provider.Request) (string, error) {
		if isBatch(req) {
			return `{"decisions":` + strings.TrimSuffix(strings.TrimPrefix(batchReply(promptIDs(req)), "```json\n"), "\n```") + `}`, nil
		}
		return planJSON, nil
	})
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: time.Hour, MaxBatchSize: 5})

	s.Enqueue(entryAt("a", "Well"))
	s.Enqueue(entryAt("b", "Well"))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	results := receive(t, ch)
	assertUnique(t, results, 2)
	for _, r := range results {
		if !r.Degraded || r.Source != SourceIndividual {
			t.Errorf("expected degraded individual result, got %+v", r)
		}
	}
}

func TestParseBatchShapes(t *testing.T) {
	array := `[{"actor_id":"a","plan":` + planJSON + `}]`
	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{"bare array", array, true},
		{"fenced array", "```json\n" + array + "\n```", true},
		{"padded array", "\n  " + array + "  \n", true},
		{"array in object", `{"decisions":` + array + `}`, false},
		{"array after prose", "Here you go: " + array, false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseBatch(tt.text, []string{"a"})
			if (got.err == nil) != tt.ok {
				t.Fatalf("parseBatch() err = %v, want ok=%v", got.err, tt.ok)
			}
			if tt.ok && got.plans["a"] == nil {
				t.Error("expected a plan for a")
			}
		})
	}
}

func TestGarbageEverywhereStillYieldsEveryResult(t *testing.T) {
	mock := provider.NewMock("local", "I'd rather not.")
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: time.Hour})

	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(entryAt(id, "Well"))
	}
	s.Flush(context.Background())

	results := receive(t, ch)
	assertUnique(t, results, 3)
	for _, r := range results {
		if r.Plan != nil || r.Err == nil {
			t.Errorf("expected null plan with error, got %+v", r)
		}
	}
}

func TestUnknownActorInBatchFallsBack(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(func(req provider.Request) (string, error) {
		if isBatch(req) {
			return batchReply(append(promptIDs(req), "stranger")), nil
		}
		return planJSON, nil
	})
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: time.Hour})

	s.Enqueue(entryAt("a", "Well"))
	s.Enqueue(entryAt("b", "Well"))
	s.Flush(context.Background())

	results := receive(t, ch)
	assertUnique(t, results, 2)
	for _, r := range results {
		if !r.Degraded {
			t.Errorf("expected group to degrade on unknown actor id, got %+v", r)
		}
	}
}

func TestMissingMemberGetsNullPlan(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(func(req provider.Request) (string, error) {
		ids := promptIDs(req)
		return batchReply(ids[:len(ids)-1]), nil
	})
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: time.Hour})

	for _, id := range []string{"a", "b", "c"} {
		s.Enqueue(entryAt(id, "Well"))
	}
	s.Flush(context.Background())

	results := receive(t, ch)
	assertUnique(t, results, 3)
	byID := make(map[string]Result)
	for _, r := range results {
		byID[r.ActorID] = r
	}
	if byID["a"].Plan == nil || byID["b"].Plan == nil {
		t.Error("expected plans for a and b")
	}
	if byID["c"].Plan != nil || byID["c"].Source != SourceBatch || byID["c"].Err == nil {
		t.Errorf("expected null plan for c, got %+v", byID["c"])
	}
}

func TestPremiumUsesAgentRoute(t *testing.T) {
	local := provider.NewMock("local", planJSON)
	remote := provider.NewMock("remote", planJSON)
	onResults, ch := collect()
	s := New(testRouter(local, remote), onResults, Options{Debounce: time.Hour})

	e := entryAt("lord", "Keep")
	e.Premium = true
	s.Enqueue(e)
	s.Flush(context.Background())
	receive(t, ch)

	if remote.Calls() != 1 || local.Calls() != 0 {
		t.Errorf("expected premium entry on agent route, local=%d remote=%d", local.Calls(), remote.Calls())
	}
}

func TestEnqueueReplacesSameActor(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(wellBehaved)
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: time.Hour})

	for _, poi := range []string{"Well", "Mill", "Forge", "Chapel", "Gate"} {
		if !s.Enqueue(entryAt("a", poi)) {
			t.Fatalf("Enqueue(%s) rejected", poi)
		}
	}
	if s.Pending() != 1 {
		t.Fatalf("expected 1 pending, got %d", s.Pending())
	}
	if got := s.Stats().Superseded; got != 4 {
		t.Errorf("Superseded = %d, want 4", got)
	}
	s.Flush(context.Background())
	assertUnique(t, receive(t, ch), 1)

	if !strings.Contains(mock.Requests()[0].Messages[1].Content, "Gate") {
		t.Error("expected the newer entry to be decided")
	}
}

func TestCloseDrainsAndRejects(t *testing.T) {
	mock := provider.NewMock("local", "").WithResponder(wellBehaved)
	onResults, ch := collect()
	s := New(testRouter(mock), onResults, Options{Debounce: time.Hour, MaxBatchSize: 2})

	s.Enqueue(entryAtPos("a", 0, 0))
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	assertUnique(t, receive(t, ch), 1)

	if s.Enqueue(entryAt("b", "Well")) {
		t.Error("expected Enqueue after Close to return false")
	}
	if err := s.Flush(context.Background()); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestEnqueueRejectsEmptyActor(t *testing.T) {
	s := New(testRouter(provider.NewMock("local", "")), nil, Options{})
	if s.Enqueue(Entry{}) {
		t.Error("expected entry without actor id to be rejected")
	}
}

func TestLocationKey(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{"poi", Context{POI: " Old Market "}, "Old Market"},
		{"grid", Context{Position: Position{X: 33, Y: 15}}, "grid:2,0"},
		{"negative", Context{Position: Position{X: -1, Y: -17}}, "grid:-1,-2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LocationKey(tt.ctx, 16); got != tt.want {
				t.Errorf("LocationKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGroupByLocationKeepsOrder(t *testing.T) {
	entries := []Entry{entryAt("a", "Well"), entryAt("b", "Gate"), entryAt("c", "Well")}
	groups := GroupByLocation(entries, 16)
	if len(groups) != 2 || groups[0].Key != "Well" || groups[1].Key != "Gate" {
		t.Fatalf("unexpected groups %+v", groups)
	}
	if groups[0].Entries[1].ActorID != "c" {
		t.Error("expected entry order within group to be kept")
	}
}

func TestPromptContents(t *testing.T) {
	e := entryAt("npc_1", "Old Market")
	e.Name = "Bram"
	e.SystemPrompt = "A gruff blacksmith."
	e.Context.Weather = "rain"
	e.Context.Nearby = []string{"Ada", "Cole"}
	e.Context.RecentChat = []string{"1", "2", "3", "4", "5", "6"}
	e.ExtraContext = map[string]any{"debt": map[string]any{"to": "Ada", "gold": 3}}

	msgs := IndividualMessages(e)
	if len(msgs) != 3 || msgs[1].Content != "A gruff blacksmith." {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	user := msgs[2].Content
	for _, want := range []string{"Bram", "Old Market", "rain", "Ada, Cole", "debt.to: Ada", "debt.gold: 3"} {
		if !strings.Contains(user, want) {
			t.Errorf("prompt missing %q:\n%s", want, user)
		}
	}
	if strings.Contains(user, "  - 1\n") {
		t.Error("expected only the most recent chat lines")
	}

	batch := BatchMessages(Group{Key: "Old Market", Entries: []Entry{e, entryAt("npc_2", "Old Market")}})
	if got := promptIDs(provider.Request{Messages: batch}); len(got) != 2 || got[0] != "npc_1" || got[1] != "npc_2" {
		t.Errorf("unexpected ids in batch prompt %v", got)
	}
}
