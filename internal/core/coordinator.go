package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/townmind/internal/constants"
	"github.com/xonecas/townmind/internal/plan"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/queue"
	"github.com/xonecas/townmind/internal/routine"
	"github.com/xonecas/townmind/internal/scheduler"
	"github.com/xonecas/townmind/internal/store"
	"github.com/xonecas/townmind/internal/trigger"
	"github.com/xonecas/townmind/internal/worldtime"
)

// Journal persists decision outcomes. *store.Store satisfies it.
type Journal interface {
	RecordDecision(ctx context.Context, d store.Decision) error
}

// Options configures a Coordinator. Zero values use the defaults.
type Options struct {
	Debounce           time.Duration
	MaxBatchSize       int
	LocationBucket     float64
	QueueConcurrency   int
	CacheCapacity      int
	MaxPendingTriggers int
	// Model overrides the routed provider's model for every request.
	Model   string
	Journal Journal
}

type actorState struct {
	snapshot    ActorSnapshot
	season      worldtime.Season
	lastPlan    *plan.Plan
	requestTick int64
	awaiting    bool
	generating  bool
	// staticSince is the tick a static routine was cached, or -1.
	staticSince int64
}

// Coordinator owns the routine cache, trigger detector, batching scheduler
// and priority queue, and decides per tick which of them serves each actor.
type Coordinator struct {
	mu sync.Mutex
	wg sync.WaitGroup // generation goroutines and queue waiters

	router    *provider.Router
	bus       *EventBus
	cache     *routine.Cache
	triggers  *trigger.Detector
	scheduler *scheduler.Scheduler
	queue     *queue.Queue
	model     string

	actors    map[string]*actorState
	decisions chan Decision
	counts    map[Source]int64
	dropped   atomic.Int64
	closing   bool
	closed    bool

	journal   Journal
	journalCh chan store.Decision
	journalWG sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewCoordinator wires the decision pipeline around router. bus may be nil.
func NewCoordinator(router *provider.Router, bus *EventBus, opts Options) *Coordinator {
	if bus == nil {
		bus = NewEventBus(0)
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		router:    router,
		bus:       bus,
		cache:     routine.NewCache(opts.CacheCapacity),
		triggers:  trigger.NewDetector(opts.MaxPendingTriggers),
		queue:     queue.New(router, opts.QueueConcurrency),
		model:     opts.Model,
		actors:    make(map[string]*actorState),
		decisions: make(chan Decision, constants.DecisionBufferSize),
		counts:    make(map[Source]int64),
		journal:   opts.Journal,
		ctx:       ctx,
		cancel:    cancel,
	}
	c.scheduler = scheduler.New(router, c.onResults, scheduler.Options{
		Debounce:       opts.Debounce,
		MaxBatchSize:   opts.MaxBatchSize,
		LocationBucket: opts.LocationBucket,
		Model:          opts.Model,
	})

	if c.journal != nil {
		c.journalCh = make(chan store.Decision, constants.JournalBufferSize)
		c.journalWG.Add(1)
		go c.writeJournal(c.journalCh)
	}
	c.watchAvailability()
	return c
}

// Decisions delivers asynchronous decisions. Sends never block; when the
// buffer is full the decision is dropped and counted.
func (c *Coordinator) Decisions() <-chan Decision {
	return c.decisions
}

// Bus returns the event bus.
func (c *Coordinator) Bus() *EventBus {
	return c.bus
}

// AddTrigger records an interrupt for a registered actor.
func (c *Coordinator) AddTrigger(actorID string, kind trigger.Kind, description string, tick int64) bool {
	if !c.triggers.AddTrigger(actorID, kind, description, tick) {
		return false
	}
	c.bus.Publish(Event{Type: EventTrigger, ActorID: actorID, Data: TriggerData{Kinds: []trigger.Kind{kind}}})
	return true
}

// Unregister forgets an actor, its triggers and its cached routine.
func (c *Coordinator) Unregister(actorID string) {
	c.triggers.Unregister(actorID)
	c.cache.Invalidate(actorID)

	c.mu.Lock()
	delete(c.actors, actorID)
	c.mu.Unlock()
}

// Tick runs one decision cycle. Cache hits are returned directly; every
// other decision arrives later on Decisions. Tick never blocks on a provider.
func (c *Coordinator) Tick(ctx context.Context, snapshots []ActorSnapshot, tick int64) ([]Decision, TickSummary) {
	var (
		out     []Decision
		summary TickSummary
	)

	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		summary.Skipped = len(snapshots)
		return nil, summary
	}

	season := worldtime.SeasonAt(tick)
	slot := worldtime.SlotAt(tick)

	for _, snap := range snapshots {
		if snap.ID == "" {
			summary.Skipped++
			continue
		}
		if ctx.Err() != nil {
			summary.Skipped++
			continue
		}

		snap.Context.TimeOfDay = slot
		snap.Context.Hour = worldtime.HourAt(tick)
		snap.Context.Season = season
		if snap.Class == "" {
			snap.Class = ClassNPC
		}

		st := c.observe(snap, season, tick)
		c.triggers.CheckVitals(snap.ID, snap.Context.Vitals, tick)

		if c.triggers.HasPending(snap.ID) {
			events := c.triggers.ConsumeAll(snap.ID, tick)
			c.cache.Invalidate(snap.ID)
			c.bus.Publish(Event{Type: EventPatternInvalidated, ActorID: snap.ID, Data: TriggerData{Kinds: kinds(events)}})
			c.request(st, snap, events, tick, &summary)
			continue
		}

		if c.cache.HasValidPattern(snap.ID, season) {
			if p, ok := c.cache.ReadSlot(snap.ID, slot, tick); ok {
				c.mu.Lock()
				st.lastPlan = p
				retry := st.staticSince >= 0 && !st.generating && tick-st.staticSince >= constants.StaticRoutineRetryTicks
				if retry {
					st.generating = true
				}
				c.mu.Unlock()

				if retry {
					c.generate(snap, tick)
				}
				out = append(out, Decision{ActorID: snap.ID, Plan: p, Source: SourceCache, Tick: tick})
				summary.Cached++
				c.count(SourceCache)
				continue
			}
		}

		c.mu.Lock()
		startGen := !st.generating
		if startGen {
			st.generating = true
		}
		awaiting := st.awaiting
		c.mu.Unlock()

		if startGen {
			c.generate(snap, tick)
			summary.Generating++
		}
		if !awaiting {
			c.request(st, snap, nil, tick, &summary)
		}
	}

	return out, summary
}

// observe registers the actor, refreshes its snapshot and raises a
// season_change trigger when the season rolled over since its last tick.
func (c *Coordinator) observe(snap ActorSnapshot, season worldtime.Season, tick int64) *actorState {
	c.triggers.Register(snap.ID)

	c.mu.Lock()
	st, ok := c.actors[snap.ID]
	if !ok {
		st = &actorState{staticSince: -1}
		c.actors[snap.ID] = st
	}
	st.snapshot = snap
	changed := st.season != "" && st.season != season
	st.season = season
	c.mu.Unlock()

	if changed {
		c.AddTrigger(snap.ID, trigger.KindSeasonChange, fmt.Sprintf("the season turned to %s", season), tick)
	}
	return st
}

// request sends a fresh decision request down the actor's class path.
func (c *Coordinator) request(st *actorState, snap ActorSnapshot, events []trigger.Event, tick int64, summary *TickSummary) {
	entry := c.entry(st, snap, events)

	c.mu.Lock()
	st.awaiting = true
	st.requestTick = tick
	c.mu.Unlock()

	if snap.Class == ClassAgent {
		priority := constants.PriorityAgent
		if len(events) > 0 {
			priority = constants.PriorityInterrupted
		}
		target := queue.Target{Category: provider.CategoryAgentDecision, Model: c.model}
		fut := c.queue.Enqueue(snap.ID, target, scheduler.IndividualMessages(entry), priority)

		c.wg.Add(1)
		go c.await(fut)
		summary.Queued++
		return
	}

	if !c.scheduler.Enqueue(entry) {
		c.deliver(Decision{ActorID: snap.ID, Source: SourceBatch, Err: scheduler.ErrClosed})
		return
	}
	summary.Scheduled++
}

func (c *Coordinator) entry(st *actorState, snap ActorSnapshot, events []trigger.Event) scheduler.Entry {
	ctx := snap.Context
	c.mu.Lock()
	if ctx.RoutineHint == "" && st.lastPlan != nil {
		ctx.RoutineHint = "was doing: " + st.lastPlan.Name
	}
	c.mu.Unlock()

	var extra map[string]any
	if len(snap.Extra) > 0 || len(events) > 0 {
		extra = make(map[string]any, len(snap.Extra)+1)
		for k, v := range snap.Extra {
			extra[k] = v
		}
		if len(events) > 0 {
			urgent := make([]string, len(events))
			for i, ev := range events {
				urgent[i] = fmt.Sprintf("%s: %s", ev.Kind, ev.Description)
			}
			extra["urgent"] = urgent
		}
	}

	return scheduler.Entry{
		ActorID:      snap.ID,
		Name:         snap.Name,
		SystemPrompt: snap.Persona,
		Context:      ctx,
		ExtraContext: extra,
		Premium:      snap.Premium,
	}
}

func (c *Coordinator) await(fut *queue.Future) {
	defer c.wg.Done()

	resp, err := fut.Wait(c.ctx)
	d := Decision{ActorID: fut.ActorID(), Source: SourceQueue, Err: err}
	if err == nil {
		decoded := plan.DecodeText(resp.Content)
		if decoded.Malformed() {
			d.Err = decoded.Err
		} else {
			d.Plan = decoded.Plan
		}
	}
	c.deliver(d)
}

func (c *Coordinator) generate(snap ActorSnapshot, tick int64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		gen := routine.NewGenerator(c.queue.Lane(snap.ID, constants.PriorityRoutine), c.cache, c.model)
		p, err := gen.Generate(c.ctx, routine.Request{
			ActorID:  snap.ID,
			Name:     snap.Name,
			Role:     snap.Role,
			Persona:  snap.Persona,
			Location: snap.Context.POI,
			Tick:     tick,
		})

		staticSince := int64(-1)
		switch {
		case err == nil:
			c.bus.Publish(Event{Type: EventRoutineGenerated, ActorID: snap.ID})
		case errors.Is(err, queue.ErrClosed) || c.ctx.Err() != nil:
			// Shutting down; nothing to cache.
		default:
			// Cache the static routine so the actor is not regenerated every tick.
			c.cache.Store(p)
			staticSince = tick
			c.bus.Publish(Event{Type: EventRoutineFailed, ActorID: snap.ID, Data: ErrorData{Error: err.Error()}})
		}

		c.mu.Lock()
		if st, ok := c.actors[snap.ID]; ok {
			st.generating = false
			st.staticSince = staticSince
		}
		c.mu.Unlock()
	}()
}

func (c *Coordinator) onResults(results []scheduler.Result) {
	data := BatchData{Results: len(results)}
	for _, r := range results {
		if r.Degraded {
			data.Degraded++
		}
		if r.Plan == nil {
			data.Failed++
		}
		c.deliver(Decision{ActorID: r.ActorID, Plan: r.Plan, Source: Source(r.Source), Err: r.Err})
	}
	c.bus.Publish(Event{Type: EventBatchFlushed, Data: data})
}

// deliver finalizes a decision. A missing plan is replaced by the actor's
// last plan or the static plan for its role and slot.
func (c *Coordinator) deliver(d Decision) {
	c.mu.Lock()
	st, ok := c.actors[d.ActorID]
	if ok {
		st.awaiting = false
		d.Tick = st.requestTick
		if d.Plan != nil {
			st.lastPlan = d.Plan
		} else if st.lastPlan != nil {
			d.Plan = st.lastPlan.Clone()
			d.Source = SourceFallback
		} else {
			d.Plan = plan.Fallback(st.snapshot.Role, worldtime.SlotAt(d.Tick))
			d.Source = SourceFallback
		}
	} else if d.Plan == nil {
		d.Plan = plan.Idle()
		d.Source = SourceFallback
	}
	c.counts[d.Source]++

	if !c.closed {
		select {
		case c.decisions <- d:
		default:
			c.dropped.Add(1)
			log.Debug().Str("actor", d.ActorID).Msg("Decision buffer full, dropping decision")
		}
	}
	c.mu.Unlock()

	if d.Err != nil {
		log.Debug().Err(d.Err).Str("actor", d.ActorID).Str("source", string(d.Source)).Msg("Decision fell back")
		c.bus.Publish(Event{Type: EventDecisionFailed, ActorID: d.ActorID, Data: ErrorData{Error: d.Err.Error()}})
	} else {
		c.bus.Publish(Event{Type: EventDecision, ActorID: d.ActorID, Data: DecisionData{Source: d.Source, PlanName: d.Plan.Name}})
	}
	c.record(d)
}

func (c *Coordinator) count(src Source) {
	c.mu.Lock()
	c.counts[src]++
	c.mu.Unlock()
}

func (c *Coordinator) record(d Decision) {
	if c.journal == nil {
		return
	}
	rec := store.Decision{
		ActorID:  d.ActorID,
		Tick:     d.Tick,
		Source:   string(d.Source),
		PlanName: d.Plan.Name,
		Plan:     d.Plan.JSON(),
	}
	if d.Err != nil {
		rec.Error = d.Err.Error()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.journalCh == nil {
		return
	}
	select {
	case c.journalCh <- rec:
	default:
		log.Debug().Str("actor", d.ActorID).Msg("Journal buffer full, skipping record")
	}
}

func (c *Coordinator) writeJournal(ch <-chan store.Decision) {
	defer c.journalWG.Done()
	for rec := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.journal.RecordDecision(ctx, rec); err != nil {
			log.Warn().Err(err).Str("actor", rec.ActorID).Msg("Failed to journal decision")
		}
		cancel()
	}
}

type availabilityNotifier interface {
	OnAvailabilityChange(fn func(name string, available bool))
}

func (c *Coordinator) watchAvailability() {
	reg := c.router.Registry()
	for _, name := range reg.List() {
		p, err := reg.Get(name)
		if err != nil {
			continue
		}
		if n, ok := p.(availabilityNotifier); ok {
			n.OnAvailabilityChange(func(name string, available bool) {
				c.bus.PublishBlocking(Event{Type: EventProviderAvailability, Data: AvailabilityData{Provider: name, Available: available}}, constants.AvailabilityPublishTimeout)
			})
		}
	}
}

// Flush forces the scheduler to dispatch what it has accumulated.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.scheduler.Flush(ctx)
}

// Pattern returns a copy of the actor's cached routine.
func (c *Coordinator) Pattern(actorID string) (*routine.DailyPattern, bool) {
	return c.cache.Pattern(actorID)
}

// Stats returns a snapshot of every component's counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		Cache:            c.cache.Stats(),
		Scheduler:        c.scheduler.Stats(),
		SchedulerState:   c.scheduler.State(),
		QueuePending:     c.queue.Pending(),
		QueueInFlight:    c.queue.InFlight(),
		DroppedDecisions: c.dropped.Load(),
		Providers:        c.router.Usage(),
		Availability:     c.router.Availability(),
	}

	c.mu.Lock()
	s.Actors = len(c.actors)
	s.Decisions = make(map[Source]int64, len(c.counts))
	for src, n := range c.counts {
		s.Decisions[src] = n
	}
	for _, st := range c.actors {
		if st.generating {
			s.Generating++
		}
	}
	c.mu.Unlock()
	return s
}

// Close drains the scheduler, rejects queued decisions, and waits for
// outstanding work or ctx to end. The Decisions channel is closed afterwards.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	var errs []error
	if err := c.scheduler.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close scheduler: %w", err))
	}
	if err := c.queue.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close queue: %w", err))
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for decisions: %w", ctx.Err()))
	}

	c.mu.Lock()
	c.closed = true
	close(c.decisions)
	journalCh := c.journalCh
	c.journalCh = nil
	c.mu.Unlock()

	if journalCh != nil {
		close(journalCh)
		flushed := make(chan struct{})
		go func() {
			c.journalWG.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("wait for journal: %w", ctx.Err()))
		}
	}
	return errors.Join(errs...)
}

func kinds(events []trigger.Event) []trigger.Kind {
	out := make([]trigger.Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}
