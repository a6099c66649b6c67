package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/xonecas/townmind/internal/constants"
	"github.com/xonecas/townmind/internal/plan"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/snapshot"
)

// Group is a set of entries that share a location.
type Group struct {
	Key     string
	Entries []Entry
}

// LocationKey returns the named point of interest, or a coarse grid cell
// when the actor is not at one.
func LocationKey(c Context, bucket float64) string {
	if poi := strings.TrimSpace(c.POI); poi != "" {
		return poi
	}
	if bucket <= 0 {
		bucket = constants.DefaultLocationBucket
	}
	gx := int64(math.Floor(c.Position.X / bucket))
	gy := int64(math.Floor(c.Position.Y / bucket))
	return fmt.Sprintf("grid:%d,%d", gx, gy)
}

// GroupByLocation groups entries by LocationKey. Groups are ordered by the
// first appearance of their key and keep entry order.
func GroupByLocation(entries []Entry, bucket float64) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, e := range entries {
		key := LocationKey(e.Context, bucket)
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, Group{Key: key})
		}
		groups[i].Entries = append(groups[i].Entries, e)
	}
	return groups
}

// IndividualMessages builds the prompt for a single-actor decision.
func IndividualMessages(e Entry) []provider.Message {
	msgs := []provider.Message{{Role: provider.RoleSystem, Content: constants.DecisionSystemPrompt}}
	if p := strings.TrimSpace(e.SystemPrompt); p != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: p})
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Actor: %s\n", displayName(e))
	writeLocation(&b, e.Context)
	writeStatus(&b, e)
	b.WriteString("What does this character do next?")

	return append(msgs, provider.Message{Role: provider.RoleUser, Content: b.String()})
}

// BatchMessages builds one prompt that asks for every member's decision.
func BatchMessages(grp Group) []provider.Message {
	var b strings.Builder
	if len(grp.Entries) > 0 {
		writeLocation(&b, grp.Entries[0].Context)
	}
	fmt.Fprintf(&b, "Characters here: %d\n", len(grp.Entries))

	for _, e := range grp.Entries {
		fmt.Fprintf(&b, "\n### actor_id: %s (%s)\n", e.ActorID, displayName(e))
		if p := strings.TrimSpace(e.SystemPrompt); p != "" {
			fmt.Fprintf(&b, "Persona: %s\n", p)
		}
		writeStatus(&b, e)
	}
	b.WriteString("\nDecide what each character does next.")

	return []provider.Message{
		{Role: provider.RoleSystem, Content: constants.BatchSystemPrompt},
		{Role: provider.RoleUser, Content: b.String()},
	}
}

func displayName(e Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return e.ActorID
}

func writeLocation(b *strings.Builder, c Context) {
	if c.POI != "" {
		fmt.Fprintf(b, "Location: %s\n", c.POI)
	} else {
		fmt.Fprintf(b, "Location: (%.0f, %.0f)\n", c.Position.X, c.Position.Y)
	}
	fmt.Fprintf(b, "Time: %s (hour %d), %s", c.TimeOfDay, c.Hour, c.Season)
	if c.Weather != "" {
		fmt.Fprintf(b, ", weather %s", c.Weather)
	}
	b.WriteString("\n")
}

func writeStatus(b *strings.Builder, e Entry) {
	c := e.Context
	v := c.Vitals
	fmt.Fprintf(b, "Health %.0f/%.0f, energy %.0f/%.0f, hunger %.0f/%.0f\n",
		v.HP, v.MaxHP, v.Energy, v.MaxEnergy, v.Hunger, v.MaxHunger)
	if len(c.Nearby) > 0 {
		fmt.Fprintf(b, "Nearby: %s\n", strings.Join(c.Nearby, ", "))
	}
	if len(c.RecentChat) > 0 {
		chat := c.RecentChat
		if len(chat) > constants.RecentChatLines {
			chat = chat[len(chat)-constants.RecentChatLines:]
		}
		b.WriteString("Recent chat:\n")
		for _, line := range chat {
			fmt.Fprintf(b, "  - %s\n", line)
		}
	}
	if c.RoutineHint != "" {
		fmt.Fprintf(b, "Usually doing now: %s\n", c.RoutineHint)
	}
	if lines := snapshot.Lines(e.ExtraContext); len(lines) > 0 {
		b.WriteString("Also known:\n")
		for _, line := range lines {
			fmt.Fprintf(b, "  %s\n", line)
		}
	}
}

var errBatchMalformed = errors.New("malformed batch response")

const batchSchemaJSON = `{
	"type": "array",
	"minItems": 1,
	"items": {
		"type": "object",
		"required": ["actor_id", "plan"],
		"properties": {
			"actor_id": {"type": "string", "minLength": 1},
			"plan": {}
		}
	}
}`

var batchSchema = jsonschema.MustCompileString("batch.schema.json", batchSchemaJSON)

// batchParse is the outcome of parsing a batch response. When err is set
// the whole group must be decided individually.
type batchParse struct {
	plans   map[string]*plan.Plan
	missing map[string]error
	err     error
}

// parseBatch accepts only a top-level JSON array, optionally inside a code
// fence. An array nested in an object or surrounded by prose is malformed.
func parseBatch(text string, ids []string) batchParse {
	arr := plan.StripFences(text)
	if !strings.HasPrefix(arr, "[") || !strings.HasSuffix(arr, "]") {
		return batchParse{err: fmt.Errorf("%w: not a JSON array", errBatchMalformed)}
	}
	var v any
	if err := json.Unmarshal([]byte(arr), &v); err != nil {
		return batchParse{err: fmt.Errorf("%w: %v", errBatchMalformed, err)}
	}
	if err := batchSchema.Validate(v); err != nil {
		return batchParse{err: fmt.Errorf("%w: %v", errBatchMalformed, err)}
	}

	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	out := batchParse{
		plans:   make(map[string]*plan.Plan, len(ids)),
		missing: make(map[string]error),
	}
	seen := make(map[string]bool, len(ids))
	for _, raw := range v.([]any) {
		item := raw.(map[string]any)
		id := strings.TrimSpace(item["actor_id"].(string))
		if !known[id] {
			return batchParse{err: fmt.Errorf("%w: unknown actor_id %q", errBatchMalformed, id)}
		}
		if seen[id] {
			continue
		}
		seen[id] = true

		d := plan.DecodeValue(item["plan"])
		if d.Malformed() {
			out.missing[id] = d.Err
			continue
		}
		out.plans[id] = d.Plan
	}

	for _, id := range ids {
		if !seen[id] {
			out.missing[id] = fmt.Errorf("no decision for %s in batch response", id)
		}
	}
	return out
}
