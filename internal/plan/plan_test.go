package plan

import (
	"errors"
	"testing"

	"github.com/xonecas/townmind/internal/worldtime"
)

func TestDecodeTextWithFences(t *testing.T) {
	text := "Sure, here you go:\n```json\n{\"name\":\"go fish\",\"steps\":[{\"action\":\"move_to\",\"params\":{\"target\":\"pier\"}},{\"action\":\"work\",\"pause_ms\":3000}]}\n```"

	d := DecodeText(text)
	if d.Malformed() {
		t.Fatalf("DecodeText() malformed: %v", d.Err)
	}
	if d.Plan.Name != "go fish" {
		t.Errorf("expected name='go fish', got %q", d.Plan.Name)
	}
	if len(d.Plan.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(d.Plan.Steps))
	}
	if d.Plan.Steps[0].Params["target"] != "pier" {
		t.Errorf("expected target=pier, got %v", d.Plan.Steps[0].Params["target"])
	}
	if d.Plan.Steps[1].PauseMs != 3000 {
		t.Errorf("expected pause_ms=3000, got %d", d.Plan.Steps[1].PauseMs)
	}
	if d.Plan.MaxDurationMs <= 0 {
		t.Errorf("expected a default max duration, got %d", d.Plan.MaxDurationMs)
	}
}

func TestDecodeTextMalformed(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"prose only", "I think they should rest."},
		{"broken json", `{"steps": [{"action": "eat"}`},
		{"no steps", `{"name": "nothing"}`},
		{"empty steps", `{"steps": []}`},
		{"step without action", `{"steps": [{"pause_ms": 10}]}`},
		{"wrong types", `{"steps": "eat"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecodeText(tt.text)
			if !d.Malformed() {
				t.Fatalf("expected malformed result, got %+v", d.Plan)
			}
			if !errors.Is(d.Err, ErrMalformed) {
				t.Errorf("expected ErrMalformed, got %v", d.Err)
			}
			if got := d.Or(Idle()); !got.IsIdle() {
				t.Errorf("expected idle fallback, got %+v", got)
			}
		})
	}
}

func TestStripFences(t *testing.T) {
	tests := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		"```\n[1,2]\n```":         `[1,2]`,
		"  {\"a\":1}  ":           `{"a":1}`,
		"```":                     "",
	}
	for in, want := range tests {
		if got := StripFences(in); got != want {
			t.Errorf("StripFences(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCloneIsIndependent(t *testing.T) {
	orig := &Plan{Name: "x", Steps: []Step{{Action: "talk", Params: map[string]any{"to": "bob"}}}}
	cp := orig.Clone()
	cp.Steps[0].Params["to"] = "alice"
	cp.Name = "y"

	if orig.Steps[0].Params["to"] != "bob" || orig.Name != "x" {
		t.Error("expected clone mutations not to leak into original")
	}
}

func TestFallbackTables(t *testing.T) {
	for _, role := range FallbackRoles() {
		for _, slot := range worldtime.Slots {
			p := Fallback(role, slot)
			if p == nil || len(p.Steps) == 0 {
				t.Errorf("role %s slot %s: expected a non-empty plan", role, slot)
			}
		}
	}

	guard := Fallback("Guard", worldtime.Night)
	if guard.Steps[0].Action != "patrol" {
		t.Errorf("expected guard night plan to patrol, got %s", guard.Steps[0].Action)
	}

	unknown := Fallback("alchemist", worldtime.Night)
	def := Fallback(DefaultRole, worldtime.Night)
	if unknown.Name != def.Name {
		t.Errorf("expected unknown role to use default table, got %q", unknown.Name)
	}

	// Returned plans are copies.
	guard.Steps[0].Action = "dance"
	if Fallback("guard", worldtime.Night).Steps[0].Action != "patrol" {
		t.Error("expected fallback table to be unaffected by caller mutation")
	}
}
