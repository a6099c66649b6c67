// Package core runs the per-tick decision flow: triggers are checked first,
// cached routines are served when valid, and everything else is sent to the
// batching scheduler or the priority queue.
package core

import (
	"time"

	"github.com/xonecas/townmind/internal/plan"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/routine"
	"github.com/xonecas/townmind/internal/scheduler"
	"github.com/xonecas/townmind/internal/trigger"
)

// EventType identifies the type of event.
type EventType string

const (
	EventDecision             EventType = "decision"
	EventDecisionFailed       EventType = "decision_failed"
	EventPatternInvalidated   EventType = "pattern_invalidated"
	EventRoutineGenerated     EventType = "routine_generated"
	EventRoutineFailed        EventType = "routine_failed"
	EventBatchFlushed         EventType = "batch_flushed"
	EventProviderAvailability EventType = "provider_availability"
	EventTrigger              EventType = "trigger"
)

// Event represents something that happened in the coordinator.
type Event struct {
	Type      EventType
	ActorID   string
	Data      any
	Timestamp time.Time
}

// DecisionData accompanies decision events.
type DecisionData struct {
	Source   Source
	PlanName string
}

// ErrorData contains data for error events.
type ErrorData struct {
	Error string
}

// TriggerData lists the trigger kinds behind an invalidation.
type TriggerData struct {
	Kinds []trigger.Kind
}

// BatchData summarizes one scheduler flush.
type BatchData struct {
	Results  int
	Degraded int
	Failed   int
}

// AvailabilityData reports a provider availability flip.
type AvailabilityData struct {
	Provider  string
	Available bool
}

// Class selects the dispatch path of an actor.
type Class string

const (
	// ClassNPC actors go through the batching scheduler.
	ClassNPC Class = "npc"
	// ClassAgent actors go through the priority queue, one call each.
	ClassAgent Class = "agent"
)

// Source tells where a decision came from.
type Source string

const (
	SourceCache      Source = "cache"
	SourceBatch      Source = "batch"
	SourceIndividual Source = "individual"
	SourceQueue      Source = "queue"
	SourceFallback   Source = "fallback"
)

// Decision is the plan an actor should follow next. Err is set when the
// plan is a fallback for a failed request.
type Decision struct {
	ActorID string
	Plan    *plan.Plan
	Source  Source
	Tick    int64
	Err     error
}

// ActorSnapshot is the per-tick view of one actor supplied by the simulation.
// TimeOfDay, Hour and Season in Context are filled in from the tick.
type ActorSnapshot struct {
	ID      string
	Name    string
	Role    string
	Persona string
	Class   Class
	Premium bool
	Context scheduler.Context
	Extra   map[string]any
}

// TickSummary counts what happened to the actors of one tick.
type TickSummary struct {
	Cached     int
	Scheduled  int
	Queued     int
	Generating int
	Skipped    int
}

// Stats is a point-in-time view for dashboards.
type Stats struct {
	Actors           int
	Cache            routine.Stats
	Scheduler        scheduler.Stats
	SchedulerState   scheduler.State
	QueuePending     int
	QueueInFlight    int
	Generating       int
	Decisions        map[Source]int64
	DroppedDecisions int64
	Providers        map[string]provider.UsageStats
	Availability     map[string]bool
}
