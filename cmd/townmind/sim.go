package main

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/xonecas/townmind/internal/core"
	"github.com/xonecas/townmind/internal/scheduler"
	"github.com/xonecas/townmind/internal/trigger"
)

// pointsOfInterest are the named places simulated actors move between.
var pointsOfInterest = map[string]scheduler.Position{
	"market":   {X: 40, Y: 40},
	"tavern":   {X: 72, Y: 44},
	"fields":   {X: 12, Y: 120},
	"gate":     {X: 150, Y: 64},
	"chapel":   {X: 96, Y: 10},
	"homes":    {X: 60, Y: 90},
	"barracks": {X: 140, Y: 96},
}

var simRoles = []struct {
	role    string
	persona string
	home    string
}{
	{"merchant", "shrewd but fair, loves a bargain", "market"},
	{"guard", "dutiful and suspicious of strangers", "gate"},
	{"farmer", "patient, talks about the weather", "fields"},
	{"innkeeper", "warm host who hears every rumor", "tavern"},
	{"priest", "soft-spoken, keeps the chapel bells", "chapel"},
	{"villager", "curious about everyone's business", "homes"},
}

var simNames = []string{
	"Alda", "Bram", "Cora", "Dunstan", "Edda", "Fenn", "Greta", "Hollis",
	"Ilse", "Jory", "Kestra", "Lorne", "Maren", "Nils", "Oswin", "Petra",
}

var nearbyEvents = []string{
	"a brawl breaks out",
	"a traveling bard starts playing",
	"a cart loses a wheel",
	"the bell rings for an announcement",
}

type simActor struct {
	snap core.ActorSnapshot
}

// triggerSink receives the triggers raised by the simulation.
type triggerSink interface {
	AddTrigger(actorID string, kind trigger.Kind, description string, tick int64) bool
}

// simulation is a tiny stand-in town that drives the coordinator.
type simulation struct {
	mu     sync.Mutex
	rng    *rand.Rand
	actors []*simActor
	tick   atomic.Int64
}

// newSimulation creates n actors. Every sixth actor is an agent and every
// fourth is premium.
func newSimulation(n int, seed uint64, startTick int64) *simulation {
	s := &simulation{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
	s.tick.Store(startTick)

	for i := range n {
		r := simRoles[i%len(simRoles)]
		name := simNames[i%len(simNames)]
		if i >= len(simNames) {
			name = fmt.Sprintf("%s %d", name, i/len(simNames)+1)
		}
		class := core.ClassNPC
		if i%6 == 5 {
			class = core.ClassAgent
		}
		s.actors = append(s.actors, &simActor{snap: core.ActorSnapshot{
			ID:      fmt.Sprintf("npc_%02d", i),
			Name:    name,
			Role:    r.role,
			Persona: r.persona,
			Class:   class,
			Premium: i%4 == 3,
			Context: scheduler.Context{
				Position: pointsOfInterest[r.home],
				POI:      r.home,
				Weather:  "clear",
				Vitals: trigger.Vitals{
					HP: 100, MaxHP: 100,
					Energy: 80, MaxEnergy: 100,
					Hunger: float64(s.rng.IntN(40)), MaxHunger: 100,
				},
			},
			Extra: map[string]any{"purse": s.rng.IntN(50)},
		}})
	}
	return s
}

// Tick returns the current simulation tick.
func (s *simulation) Tick() int64 {
	return s.tick.Load()
}

// Advance moves the clock by step ticks and drifts every actor's vitals.
func (s *simulation) Advance(step int64) int64 {
	tick := s.tick.Add(step)

	s.mu.Lock()
	defer s.mu.Unlock()
	drift := float64(step) / 600
	for _, a := range s.actors {
		v := &a.snap.Context.Vitals
		v.Hunger = min(v.Hunger+drift*(0.5+s.rng.Float64()), v.MaxHunger)
		v.Energy = max(v.Energy-drift*0.4*s.rng.Float64(), 0)
	}
	return tick
}

// Snapshots returns a copy of every actor's current state.
func (s *simulation) Snapshots() []core.ActorSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]core.ActorSnapshot, len(s.actors))
	for i, a := range s.actors {
		snap := a.snap
		snap.Context.Nearby = s.nearbyLocked(a)
		out[i] = snap
	}
	return out
}

func (s *simulation) nearbyLocked(self *simActor) []string {
	var names []string
	for _, a := range s.actors {
		if a != self && a.snap.Context.POI == self.snap.Context.POI {
			names = append(names, a.snap.Name)
		}
	}
	return names
}

// Apply carries out the parts of a decision the toy world understands:
// moving, eating and sleeping.
func (s *simulation) Apply(d core.Decision) {
	if d.Plan == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.actors {
		if a.snap.ID != d.ActorID {
			continue
		}
		ctx := &a.snap.Context
		for _, step := range d.Plan.Steps {
			switch step.Action {
			case "move_to":
				target, _ := step.Params["target"].(string)
				if pos, ok := pointsOfInterest[target]; ok {
					ctx.POI = target
					ctx.Position = pos
				}
			case "eat":
				ctx.Vitals.Hunger = 0
			case "sleep", "rest":
				ctx.Vitals.Energy = ctx.Vitals.MaxEnergy
			}
		}
		return
	}
}

// Stir raises random spoken_to and event_nearby triggers.
func (s *simulation) Stir(sink triggerSink, tick int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.actors) < 2 {
		return
	}
	if s.rng.Float64() < 0.15 {
		speaker := s.actors[s.rng.IntN(len(s.actors))]
		listener := s.actors[s.rng.IntN(len(s.actors))]
		if speaker != listener {
			line := fmt.Sprintf("%s says hello to %s", speaker.snap.Name, listener.snap.Name)
			chat := append([]string(nil), lastN(listener.snap.Context.RecentChat, 4)...)
			listener.snap.Context.RecentChat = append(chat, line)
			sink.AddTrigger(listener.snap.ID, trigger.KindSpokenTo, line, tick)
		}
	}
	if s.rng.Float64() < 0.05 {
		origin := s.actors[s.rng.IntN(len(s.actors))].snap.Context.POI
		what := nearbyEvents[s.rng.IntN(len(nearbyEvents))]
		for _, a := range s.actors {
			if a.snap.Context.POI == origin {
				sink.AddTrigger(a.snap.ID, trigger.KindEventNearby, fmt.Sprintf("%s at the %s", what, origin), tick)
			}
		}
	}
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
