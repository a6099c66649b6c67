// Package plan defines action plans, their defensive decoding from provider
// output, and the static per-role fallback tables.
package plan

import "encoding/json"

// Step is a single action of a plan.
type Step struct {
	Action  string         `json:"action" yaml:"action"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	PauseMs int            `json:"pause_ms,omitempty" yaml:"pause_ms,omitempty"`
}

// Plan is an ordered sequence of steps. The simulation interprets it; this
// module only stores and routes it.
type Plan struct {
	Name          string `json:"name" yaml:"name"`
	Steps         []Step `json:"steps" yaml:"steps"`
	MaxDurationMs int    `json:"max_duration_ms" yaml:"max_duration_ms"`
}

const (
	idleName          = "idle"
	idlePauseMs       = 5000
	idleMaxDurationMs = 60000
)

// Idle returns the minimal plan used whenever nothing better is available.
func Idle() *Plan {
	return &Plan{
		Name:          idleName,
		Steps:         []Step{{Action: "idle", PauseMs: idlePauseMs}},
		MaxDurationMs: idleMaxDurationMs,
	}
}

// IsIdle reports whether p is the minimal idle plan.
func (p *Plan) IsIdle() bool {
	return p != nil && p.Name == idleName && len(p.Steps) == 1 && p.Steps[0].Action == "idle"
}

// Clone returns a deep copy of p. Params are copied one level deep.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	out := &Plan{
		Name:          p.Name,
		MaxDurationMs: p.MaxDurationMs,
		Steps:         make([]Step, len(p.Steps)),
	}
	for i, s := range p.Steps {
		out.Steps[i] = Step{Action: s.Action, PauseMs: s.PauseMs}
		if s.Params != nil {
			out.Steps[i].Params = make(map[string]any, len(s.Params))
			for k, v := range s.Params {
				out.Steps[i].Params[k] = v
			}
		}
	}
	return out
}

// JSON encodes p, returning nil for a nil plan.
func (p *Plan) JSON() []byte {
	if p == nil {
		return nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil
	}
	return data
}

// totalPause sums the post-step pauses of p.
func (p *Plan) totalPause() int {
	total := 0
	for _, s := range p.Steps {
		total += s.PauseMs
	}
	return total
}
