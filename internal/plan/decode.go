package plan

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed marks provider output that could not be turned into a plan.
var ErrMalformed = errors.New("malformed plan")

const planSchemaJSON = `{
	"type": "object",
	"required": ["steps"],
	"properties": {
		"name": {"type": "string"},
		"max_duration_ms": {"type": "number", "minimum": 0},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["action"],
				"properties": {
					"action": {"type": "string", "minLength": 1},
					"params": {"type": "object"},
					"pause_ms": {"type": "number", "minimum": 0}
				}
			}
		}
	}
}`

var planSchema = jsonschema.MustCompileString("plan.schema.json", planSchemaJSON)

const defaultPlanName = "plan"

// Decoded is the outcome of decoding one plan. Exactly one of Plan or Err is set.
type Decoded struct {
	Plan *Plan
	Err  error
}

// Malformed reports whether decoding failed.
func (d Decoded) Malformed() bool {
	return d.Err != nil || d.Plan == nil
}

// Or returns the decoded plan, or fallback when decoding failed.
func (d Decoded) Or(fallback *Plan) *Plan {
	if d.Malformed() {
		return fallback
	}
	return d.Plan
}

func malformed(format string, args ...any) Decoded {
	return Decoded{Err: fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))}
}

// DecodeText decodes a plan from raw provider text, tolerating code fences and
// prose around the JSON object.
func DecodeText(text string) Decoded {
	obj, ok := ExtractObject(StripFences(text))
	if !ok {
		return malformed("no JSON object in response")
	}
	var v any
	if err := json.Unmarshal([]byte(obj), &v); err != nil {
		return malformed("parse: %v", err)
	}
	return DecodeValue(v)
}

// DecodeValue decodes a plan from an already-parsed JSON value.
func DecodeValue(v any) Decoded {
	if v == nil {
		return malformed("missing")
	}
	if err := planSchema.Validate(v); err != nil {
		return malformed("schema: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return malformed("not an object")
	}
	rawSteps, _ := m["steps"].([]any)

	p := &Plan{Name: strings.TrimSpace(stringValue(m["name"]))}
	if p.Name == "" {
		p.Name = defaultPlanName
	}
	for _, raw := range rawSteps {
		sm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		step := Step{
			Action:  strings.TrimSpace(stringValue(sm["action"])),
			PauseMs: intValue(sm["pause_ms"]),
		}
		if step.Action == "" {
			continue
		}
		if params, ok := sm["params"].(map[string]any); ok && len(params) > 0 {
			step.Params = params
		}
		p.Steps = append(p.Steps, step)
	}
	if len(p.Steps) == 0 {
		return malformed("no usable steps")
	}

	p.MaxDurationMs = intValue(m["max_duration_ms"])
	if p.MaxDurationMs <= 0 {
		p.MaxDurationMs = max(p.totalPause(), idleMaxDurationMs)
	}
	return Decoded{Plan: p}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func intValue(v any) int {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || n < 0 {
			return 0
		}
		if n > math.MaxInt32 {
			return math.MaxInt32
		}
		return int(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0
		}
		return intValue(f)
	case int:
		return max(n, 0)
	default:
		return 0
	}
}
