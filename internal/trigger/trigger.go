// Package trigger tracks per-actor interrupt events that invalidate a cached
// routine and force a fresh decision.
package trigger

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/townmind/internal/constants"
)

// Kind identifies what happened to an actor.
type Kind string

const (
	KindCombat             Kind = "combat"
	KindLowHP              Kind = "low_hp"
	KindSpokenTo           Kind = "spoken_to"
	KindEventNearby        Kind = "event_nearby"
	KindPoliticalChange    Kind = "political_change"
	KindHighHunger         Kind = "high_hunger"
	KindRelationshipChange Kind = "relationship_change"
	KindImportantRumor     Kind = "important_rumor"
	KindItemChange         Kind = "item_change"
	KindSeasonChange       Kind = "season_change"
)

var priorities = map[Kind]int{
	KindCombat:             100,
	KindLowHP:              90,
	KindSpokenTo:           80,
	KindEventNearby:        70,
	KindPoliticalChange:    60,
	KindHighHunger:         50,
	KindRelationshipChange: 40,
	KindImportantRumor:     30,
	KindItemChange:         25,
	KindSeasonChange:       20,
}

// Priority returns the fixed urgency of a kind, or 0 for unknown kinds.
func Priority(k Kind) int {
	return priorities[k]
}

// Known reports whether k is a recognized trigger kind.
func Known(k Kind) bool {
	_, ok := priorities[k]
	return ok
}

// Event is one pending interrupt.
type Event struct {
	Kind        Kind
	Description string
	Priority    int
	Tick        int64
}

// Vitals is the slice of an actor's state the detector inspects each tick.
type Vitals struct {
	HP        float64
	MaxHP     float64
	Energy    float64
	MaxEnergy float64
	Hunger    float64
	MaxHunger float64
}

type actorState struct {
	pending          []Event
	lastConsumedTick int64
}

// Detector holds pending triggers for every registered actor.
type Detector struct {
	mu         sync.Mutex
	actors     map[string]*actorState
	maxPending int
}

// NewDetector creates a detector that keeps at most maxPending events per actor.
func NewDetector(maxPending int) *Detector {
	if maxPending <= 0 {
		maxPending = constants.MaxPendingTriggers
	}
	return &Detector{
		actors:     make(map[string]*actorState),
		maxPending: maxPending,
	}
}

// Register starts tracking an actor. Registering twice is a no-op.
func (d *Detector) Register(actorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.actors[actorID]; !ok {
		d.actors[actorID] = &actorState{lastConsumedTick: -1}
	}
}

// Unregister stops tracking an actor and drops its pending events.
func (d *Detector) Unregister(actorID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.actors, actorID)
}

// IsRegistered reports whether the actor is tracked.
func (d *Detector) IsRegistered(actorID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.actors[actorID]
	return ok
}

// AddTrigger records an event for a registered actor. It returns false for
// unregistered actors and unknown kinds.
func (d *Detector) AddTrigger(actorID string, kind Kind, description string, tick int64) bool {
	if !Known(kind) {
		log.Debug().Str("actor", actorID).Str("kind", string(kind)).Msg("Ignoring unknown trigger kind")
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.actors[actorID]
	if !ok {
		return false
	}
	d.appendLocked(st, Event{Kind: kind, Description: description, Priority: Priority(kind), Tick: tick})
	return true
}

// appendLocked adds ev and, when over the cap, keeps the highest-priority entries.
func (d *Detector) appendLocked(st *actorState, ev Event) {
	st.pending = append(st.pending, ev)
	if len(st.pending) <= d.maxPending {
		return
	}
	sortByPriority(st.pending)
	for i := d.maxPending; i < len(st.pending); i++ {
		st.pending[i] = Event{}
	}
	st.pending = st.pending[:d.maxPending]
}

// HasPending reports whether the actor has unconsumed triggers.
func (d *Detector) HasPending(actorID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.actors[actorID]
	return ok && len(st.pending) > 0
}

// Pending returns a copy of the actor's pending events without consuming them.
func (d *Detector) Pending(actorID string) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.actors[actorID]
	if !ok {
		return nil
	}
	out := make([]Event, len(st.pending))
	copy(out, st.pending)
	return out
}

// ConsumeAll drains every pending event, most urgent first, and stamps the
// consumption tick. Partial consumption is not supported.
func (d *Detector) ConsumeAll(actorID string, tick int64) []Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.actors[actorID]
	if !ok {
		return nil
	}
	events := st.pending
	st.pending = nil
	st.lastConsumedTick = tick

	sortByPriority(events)
	if events == nil {
		events = []Event{}
	}
	return events
}

// LastConsumedTick returns when the actor's triggers were last drained.
// The second result is false if the actor is unknown or was never drained.
func (d *Detector) LastConsumedTick(actorID string) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.actors[actorID]
	if !ok || st.lastConsumedTick < 0 {
		return 0, false
	}
	return st.lastConsumedTick, true
}

// CheckVitals synthesizes low_hp and high_hunger triggers from the actor's
// current vitals unless one of the same kind is already pending. It returns
// the kinds it added.
func (d *Detector) CheckVitals(actorID string, v Vitals, tick int64) []Kind {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.actors[actorID]
	if !ok {
		return nil
	}

	var added []Kind
	if v.MaxHP > 0 && v.HP < v.MaxHP*constants.LowHPRatio && !hasKind(st.pending, KindLowHP) {
		d.appendLocked(st, Event{Kind: KindLowHP, Description: "health is low", Priority: Priority(KindLowHP), Tick: tick})
		added = append(added, KindLowHP)
	}
	if v.MaxHunger > 0 && v.Hunger > v.MaxHunger*constants.HighHungerRatio && !hasKind(st.pending, KindHighHunger) {
		d.appendLocked(st, Event{Kind: KindHighHunger, Description: "very hungry", Priority: Priority(KindHighHunger), Tick: tick})
		added = append(added, KindHighHunger)
	}
	return added
}

// Count returns how many actors are tracked.
func (d *Detector) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.actors)
}

func hasKind(events []Event, k Kind) bool {
	for _, ev := range events {
		if ev.Kind == k {
			return true
		}
	}
	return false
}

func sortByPriority(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Priority > events[j].Priority
	})
}
