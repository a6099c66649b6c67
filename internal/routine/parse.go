package routine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xonecas/townmind/internal/plan"
	"github.com/xonecas/townmind/internal/worldtime"
)

// ParsePattern builds a complete six-slot pattern from provider text. Slots
// that are missing or malformed get the idle plan; the returned error lists
// them, but the pattern is always usable.
func ParsePattern(actorID, role, text string, tick int64) (*DailyPattern, error) {
	p := &DailyPattern{
		ActorID:         actorID,
		Role:            role,
		Slots:           make(map[worldtime.Slot]*plan.Plan, len(worldtime.Slots)),
		GeneratedAtTick: tick,
		LastUsedTick:    tick,
		Season:          worldtime.SeasonAt(tick),
	}

	slots, err := decodeSlots(text)
	if err != nil {
		p.Complete()
		return p, err
	}
	if p.Role == "" {
		if r, ok := slots["role"].(string); ok {
			p.Role = strings.TrimSpace(r)
		}
	}
	if nested, ok := slots["slots"].(map[string]any); ok {
		slots = nested
	}

	var errs []error
	for _, slot := range worldtime.Slots {
		d := plan.DecodeValue(slots[string(slot)])
		if d.Malformed() {
			errs = append(errs, fmt.Errorf("slot %s: %w", slot, d.Err))
		}
		p.Slots[slot] = d.Or(plan.Idle())
	}
	return p, errors.Join(errs...)
}

func decodeSlots(text string) (map[string]any, error) {
	obj, ok := plan.ExtractObject(plan.StripFences(text))
	if !ok {
		return nil, fmt.Errorf("%w: no JSON object in routine", plan.ErrMalformed)
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(obj), &m); err != nil {
		return nil, fmt.Errorf("%w: routine: %v", plan.ErrMalformed, err)
	}
	return m, nil
}

// FallbackPattern builds a pattern for role from the static tables.
func FallbackPattern(actorID, role string, tick int64) *DailyPattern {
	p := &DailyPattern{
		ActorID:         actorID,
		Role:            role,
		Slots:           make(map[worldtime.Slot]*plan.Plan, len(worldtime.Slots)),
		GeneratedAtTick: tick,
		LastUsedTick:    tick,
		Season:          worldtime.SeasonAt(tick),
		Static:          true,
	}
	for _, slot := range worldtime.Slots {
		p.Slots[slot] = plan.Fallback(role, slot)
	}
	return p
}
