package constants

import "time"

// RoutineSystemPrompt asks a provider for a full six-slot daily routine.
const RoutineSystemPrompt = `You plan the daily routine of a character living in a simulated town.

Respond ONLY with a JSON object of the form:
{"role": "<role>", "slots": {"dawn": PLAN, "morning": PLAN, "noon": PLAN, "afternoon": PLAN, "evening": PLAN, "night": PLAN}}

Each PLAN is an object:
{"name": "<short name>", "max_duration_ms": <int>, "steps": [{"action": "<kind>", "params": {...}, "pause_ms": <int>}]}

Valid action kinds: idle, move_to, work, trade, talk, eat, sleep, patrol, pray, rest.
Keep each plan to at most 4 steps. Stay in character.`

// DecisionSystemPrompt is used for individual decisions when the caller supplies no persona.
const DecisionSystemPrompt = `You decide what a character in a simulated town does next.

Respond ONLY with a JSON object:
{"name": "<short name>", "max_duration_ms": <int>, "steps": [{"action": "<kind>", "params": {...}, "pause_ms": <int>}]}

Valid action kinds: idle, move_to, work, trade, talk, eat, sleep, patrol, pray, rest, flee, attack.
React to urgent needs first (danger, low health, hunger, being spoken to).`

// BatchSystemPrompt is used when several co-located characters are decided in one call.
const BatchSystemPrompt = `You decide what each of several characters standing in the same place does next.
They can see and hear each other.

Respond ONLY with a JSON array containing exactly one element per character:
[{"actor_id": "<id>", "plan": {"name": "<short name>", "max_duration_ms": <int>, "steps": [{"action": "<kind>", "params": {...}, "pause_ms": <int>}]}}]

Use the actor ids exactly as given. Valid action kinds: idle, move_to, work, trade, talk, eat, sleep, patrol, pray, rest, flee, attack.`

// DefaultDebounce is how long the batching scheduler waits for more requests before flushing.
const DefaultDebounce = 500 * time.Millisecond

// DefaultMaxBatchSize caps how many entries a single flush takes from the queue.
const DefaultMaxBatchSize = 5

// DefaultLocationBucket is the grid size used to group actors without a named place.
const DefaultLocationBucket = 16.0

// DefaultQueueConcurrency is how many priority-queue decisions run at once.
const DefaultQueueConcurrency = 3

// DefaultLocalMaxConcurrent is the in-flight ceiling of a co-located provider.
const DefaultLocalMaxConcurrent = 2

// DefaultHealthInterval is how often local providers probe their status endpoint.
const DefaultHealthInterval = 30 * time.Second

// DefaultLocalTimeout caps a single call to a co-located provider.
const DefaultLocalTimeout = 30 * time.Second

// DefaultRemoteTimeout caps a single call to a remote provider.
const DefaultRemoteTimeout = 120 * time.Second

// HealthCheckTimeout caps a single health probe.
const HealthCheckTimeout = 5 * time.Second

// MaxPendingTriggers is the per-actor cap on pending interrupt events.
const MaxPendingTriggers = 10

// DefaultCacheCapacity bounds how many daily patterns stay resident.
const DefaultCacheCapacity = 4096

// LowHPRatio is the hp/maxHP fraction below which a low_hp trigger fires.
const LowHPRatio = 0.3

// HighHungerRatio is the hunger/maxHunger fraction above which a high_hunger trigger fires.
const HighHungerRatio = 0.8

// DecisionBufferSize is the capacity of the coordinator's outbound decision channel.
const DecisionBufferSize = 1024

// MinEventBusBufferSize is the minimum buffer per subscriber channel.
const MinEventBusBufferSize = 256

// AvailabilityPublishTimeout bounds how long a provider availability event
// waits for a full subscriber.
const AvailabilityPublishTimeout = 100 * time.Millisecond

// RecentChatLines limits how many chat lines go into a prompt per actor.
const RecentChatLines = 5

// Priority levels for the decision queue. Higher runs first.
const (
	PriorityRoutine     = 20
	PriorityAgent       = 60
	PriorityInterrupted = 80
)

// StaticRoutineRetryTicks is how long a static fallback routine is served
// before generation is retried (one slot).
const StaticRoutineRetryTicks = 4 * 3600

// JournalBufferSize is the capacity of the write-behind decision journal.
const JournalBufferSize = 512
