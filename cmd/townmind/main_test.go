package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/xonecas/townmind/internal/config"
	"github.com/xonecas/townmind/internal/core"
	"github.com/xonecas/townmind/internal/plan"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/store"
	"github.com/xonecas/townmind/internal/trigger"
)

func TestRoutingRulesOverrides(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Routing = map[string]config.RouteConfig{
		"npc_decision": {Primary: "remote", Fallback: "local", Format: "text"},
		"weather":      {Primary: "local", MaxTokens: 50},
	}

	rules := routingRules(cfg)

	npc := rules[provider.CategoryNPCDecision]
	if npc.Primary != "remote" || npc.Fallback != "local" {
		t.Errorf("npc_decision route = %s/%s, want remote/local", npc.Primary, npc.Fallback)
	}
	if npc.Format != provider.FormatText {
		t.Errorf("npc_decision format = %q, want text", npc.Format)
	}
	if npc.MaxTokens != provider.DefaultRules()[provider.CategoryNPCDecision].MaxTokens {
		t.Errorf("unset max_tokens should keep the built-in value, got %d", npc.MaxTokens)
	}

	custom := rules["weather"]
	if custom.Primary != "local" || custom.MaxTokens != 50 {
		t.Errorf("custom category = %+v", custom)
	}

	if rules[provider.CategoryRoutine] != provider.DefaultRules()[provider.CategoryRoutine] {
		t.Error("untouched categories should keep the built-in rule")
	}
}

func TestInitProvidersFromDefaults(t *testing.T) {
	cfg := config.DefaultConfig()

	reg, err := initProviders(cfg)
	if err != nil {
		t.Fatalf("initProviders() error: %v", err)
	}
	defer reg.Close()

	got := reg.List()
	if len(got) != 2 || got[0] != "local" || got[1] != "remote" {
		t.Errorf("providers = %v, want [local remote]", got)
	}
}

func TestInitProvidersUnknownKind(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Providers["weird"] = config.ProviderConfig{Kind: "carrier-pigeon", Endpoint: "http://example"}

	if _, err := initProviders(cfg); err == nil {
		t.Fatal("expected error for unknown provider kind")
	}
}

func TestPrintStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	ctx := context.Background()
	if err := s.RecordUsage(ctx,
		map[string]provider.UsageStats{"local": {TotalCalls: 9, TotalInputTokens: 100, TotalOutputTokens: 20, AvgLatencyMs: 42}},
		map[string]bool{"local": true},
	); err != nil {
		t.Fatalf("RecordUsage() error: %v", err)
	}
	if err := s.RecordDecision(ctx, store.Decision{ActorID: "npc_01", Tick: 10, Source: "batch", PlanName: "chat"}); err != nil {
		t.Fatalf("RecordDecision() error: %v", err)
	}
	s.Close()

	var buf bytes.Buffer
	if err := printStatus(ctx, &buf, path); err != nil {
		t.Fatalf("printStatus() error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"PROVIDER", "local", "up", "100/20", "42ms", "SOURCE", "batch"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintStatusEmptyJournal(t *testing.T) {
	var buf bytes.Buffer
	if err := printStatus(context.Background(), &buf, filepath.Join(t.TempDir(), "empty.db")); err != nil {
		t.Fatalf("printStatus() error: %v", err)
	}
	if !strings.Contains(buf.String(), "No provider usage recorded yet.") {
		t.Errorf("output = %q", buf.String())
	}
}

type recordingSink struct {
	kinds map[string][]trigger.Kind
}

func (r *recordingSink) AddTrigger(actorID string, kind trigger.Kind, _ string, _ int64) bool {
	r.kinds[actorID] = append(r.kinds[actorID], kind)
	return true
}

func TestSimulationActors(t *testing.T) {
	sim := newSimulation(18, 1, 100)
	snaps := sim.Snapshots()
	if len(snaps) != 18 {
		t.Fatalf("len(snapshots) = %d, want 18", len(snaps))
	}
	if sim.Tick() != 100 {
		t.Errorf("Tick() = %d, want 100", sim.Tick())
	}

	agents := 0
	ids := make(map[string]bool)
	for _, s := range snaps {
		if s.Class == core.ClassAgent {
			agents++
		}
		if ids[s.ID] {
			t.Errorf("duplicate id %s", s.ID)
		}
		ids[s.ID] = true
		if s.Context.POI == "" {
			t.Errorf("%s has no point of interest", s.ID)
		}
	}
	if agents != 3 {
		t.Errorf("agents = %d, want 3", agents)
	}
	if snaps[16].Name != "Alda 2" {
		t.Errorf("17th actor name = %q, want Alda 2", snaps[16].Name)
	}
}

func TestSimulationAdvanceDriftsVitals(t *testing.T) {
	sim := newSimulation(3, 7, 0)
	before := sim.Snapshots()

	if tick := sim.Advance(3600); tick != 3600 {
		t.Fatalf("Advance() = %d, want 3600", tick)
	}
	after := sim.Snapshots()
	for i := range before {
		if after[i].Context.Vitals.Hunger <= before[i].Context.Vitals.Hunger {
			t.Errorf("%s hunger did not rise", after[i].ID)
		}
		if after[i].Context.Vitals.Hunger > after[i].Context.Vitals.MaxHunger {
			t.Errorf("%s hunger above max", after[i].ID)
		}
	}
}

func TestSimulationApply(t *testing.T) {
	sim := newSimulation(2, 3, 0)
	sim.Advance(6000)
	id := sim.Snapshots()[0].ID

	sim.Apply(core.Decision{ActorID: id, Plan: &plan.Plan{
		Name: "supper at the tavern",
		Steps: []plan.Step{
			{Action: "move_to", Params: map[string]any{"target": "tavern"}},
			{Action: "eat"},
			{Action: "sleep"},
		},
	}})
	sim.Apply(core.Decision{ActorID: id})

	snap := sim.Snapshots()[0]
	if snap.Context.POI != "tavern" || snap.Context.Position != pointsOfInterest["tavern"] {
		t.Errorf("actor at %s %+v, want tavern", snap.Context.POI, snap.Context.Position)
	}
	if snap.Context.Vitals.Hunger != 0 {
		t.Errorf("hunger = %v after eating", snap.Context.Vitals.Hunger)
	}
	if snap.Context.Vitals.Energy != snap.Context.Vitals.MaxEnergy {
		t.Errorf("energy = %v after sleeping", snap.Context.Vitals.Energy)
	}
}

func TestSimulationStirRaisesKnownTriggers(t *testing.T) {
	sim := newSimulation(6, 42, 0)
	sink := &recordingSink{kinds: make(map[string][]trigger.Kind)}
	for tick := range int64(500) {
		sim.Stir(sink, tick)
	}
	if len(sink.kinds) == 0 {
		t.Fatal("no triggers raised in 500 ticks")
	}
	for id, kinds := range sink.kinds {
		for _, k := range kinds {
			if k != trigger.KindSpokenTo && k != trigger.KindEventNearby {
				t.Errorf("%s got unexpected trigger %s", id, k)
			}
		}
	}
}
