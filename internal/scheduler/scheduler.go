// Package scheduler batches NPC decision requests. Requests that arrive
// within a debounce window are grouped by location, and each group is decided
// with a single provider call when it has more than one member.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xonecas/townmind/internal/constants"
	"github.com/xonecas/townmind/internal/plan"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/trigger"
	"github.com/xonecas/townmind/internal/worldtime"
)

// ErrClosed is returned by Flush after Close.
var ErrClosed = errors.New("scheduler closed")

// Completer sends a categorized request. *provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, category provider.Category, messages []provider.Message, model string) (*provider.Response, error)
}

// Position is a point in world coordinates.
type Position struct {
	X, Y float64
}

// Context is what an actor perceives when a decision is requested.
type Context struct {
	Position    Position
	POI         string
	TimeOfDay   worldtime.Slot
	Hour        int
	Season      worldtime.Season
	Weather     string
	Vitals      trigger.Vitals
	Nearby      []string
	RecentChat  []string
	RoutineHint string
}

// Entry is one decision request.
type Entry struct {
	ActorID      string
	Name         string
	SystemPrompt string
	Context      Context
	ExtraContext map[string]any
	Premium      bool
}

// Source tells how a result was produced.
type Source string

const (
	SourceBatch      Source = "batch"
	SourceIndividual Source = "individual"
)

// Result is the outcome for one entry. Plan is nil when no decision could be made.
type Result struct {
	ActorID string
	Plan    *plan.Plan
	Source  Source
	// Degraded is set when a batch call failed and the entry was decided alone.
	Degraded bool
	Err      error
}

// ResultsFunc receives every result of one flush in a single call.
type ResultsFunc func([]Result)

// State is the scheduler's coarse lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	default:
		return "idle"
	}
}

// Options tunes the scheduler. Zero values use the defaults.
type Options struct {
	Debounce       time.Duration
	MaxBatchSize   int
	LocationBucket float64
	Model          string
}

// Stats counts scheduler activity.
type Stats struct {
	Pending         int
	Flushes         int64
	BatchCalls      int64
	IndividualCalls int64
	Degraded        int64
	// Superseded counts queued entries replaced by a newer entry for the
	// same actor before a flush.
	Superseded int64
}

// Scheduler accumulates entries and flushes them in batches.
type Scheduler struct {
	completer Completer
	onResults ResultsFunc
	opts      Options

	mu       sync.Mutex
	queue    []Entry
	timer    *time.Timer
	gen      uint64
	flushing int
	closed   bool
	async    sync.WaitGroup

	flushes     atomic.Int64
	batchCalls  atomic.Int64
	singleCalls atomic.Int64
	degraded    atomic.Int64
	superseded  atomic.Int64
}

// New creates a scheduler. onResults is called once per flush.
func New(completer Completer, onResults ResultsFunc, opts Options) *Scheduler {
	if opts.Debounce <= 0 {
		opts.Debounce = constants.DefaultDebounce
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = constants.DefaultMaxBatchSize
	}
	if opts.LocationBucket <= 0 {
		opts.LocationBucket = constants.DefaultLocationBucket
	}
	if onResults == nil {
		onResults = func([]Result) {}
	}
	return &Scheduler{
		completer: completer,
		onResults: onResults,
		opts:      opts,
	}
}

// Enqueue adds an entry. An entry for an actor that is already queued
// supersedes the queued one: the older entry is dropped without a result and
// counted in Stats.Superseded, so a flush yields one result per queued actor.
// Reaching MaxBatchSize flushes immediately; otherwise the debounce timer is
// re-armed. It returns false after Close or
// for an entry without an actor id.
func (s *Scheduler) Enqueue(e Entry) bool {
	if e.ActorID == "" {
		return false
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}

	replaced := false
	for i := range s.queue {
		if s.queue[i].ActorID == e.ActorID {
			s.queue[i] = e
			s.superseded.Add(1)
			replaced = true
			break
		}
	}
	if !replaced {
		s.queue = append(s.queue, e)
	}

	if len(s.queue) < s.opts.MaxBatchSize {
		s.armLocked()
		s.mu.Unlock()
		return true
	}

	s.stopTimerLocked()
	batch := s.takeLocked()
	s.async.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.async.Done()
		s.dispatch(context.Background(), batch)
	}()
	return true
}

// Flush synchronously processes up to MaxBatchSize queued entries.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.stopTimerLocked()
	batch := s.takeLocked()
	s.mu.Unlock()

	s.dispatch(ctx, batch)
	return nil
}

// Close stops accepting entries, drains the queue and waits for in-progress
// flushes or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			break
		}
		batch := s.takeLocked()
		s.stopTimerLocked()
		s.mu.Unlock()
		s.dispatch(ctx, batch)
	}

	done := make(chan struct{})
	go func() {
		s.async.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.flushing > 0:
		return StateFlushing
	case len(s.queue) > 0:
		return StateAccumulating
	default:
		return StateIdle
	}
}

// Pending returns how many entries wait for a flush.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Stats returns activity counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Pending:         s.Pending(),
		Flushes:         s.flushes.Load(),
		BatchCalls:      s.batchCalls.Load(),
		IndividualCalls: s.singleCalls.Load(),
		Degraded:        s.degraded.Load(),
		Superseded:      s.superseded.Load(),
	}
}

func (s *Scheduler) armLocked() {
	s.stopTimerLocked()
	gen := s.gen
	s.timer = time.AfterFunc(s.opts.Debounce, func() { s.onTimer(gen) })
}

func (s *Scheduler) stopTimerLocked() {
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) onTimer(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	batch := s.takeLocked()
	s.async.Add(1)
	s.mu.Unlock()

	defer s.async.Done()
	s.dispatch(context.Background(), batch)
}

// takeLocked removes up to MaxBatchSize entries from the front of the queue
// and re-arms the timer for whatever remains.
func (s *Scheduler) takeLocked() []Entry {
	n := min(len(s.queue), s.opts.MaxBatchSize)
	batch := make([]Entry, n)
	copy(batch, s.queue[:n])
	s.queue = s.queue[n:]
	if len(s.queue) == 0 {
		s.queue = nil
	} else if !s.closed {
		s.armLocked()
	}
	if n > 0 {
		s.flushing++
	}
	return batch
}

func (s *Scheduler) dispatch(ctx context.Context, batch []Entry) {
	if len(batch) == 0 {
		return
	}
	defer func() {
		s.mu.Lock()
		s.flushing--
		s.mu.Unlock()
	}()

	groups := GroupByLocation(batch, s.opts.LocationBucket)
	perGroup := make([][]Result, len(groups))

	var g errgroup.Group
	for i, grp := range groups {
		g.Go(func() error {
			perGroup[i] = s.runGroup(ctx, grp)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, 0, len(batch))
	for _, rs := range perGroup {
		results = append(results, rs...)
	}

	s.flushes.Add(1)
	log.Debug().
		Int("entries", len(batch)).
		Int("groups", len(groups)).
		Msg("Scheduler flushed")
	s.onResults(results)
}

func (s *Scheduler) runGroup(ctx context.Context, grp Group) []Result {
	if len(grp.Entries) == 1 {
		return []Result{s.individual(ctx, grp.Entries[0], false)}
	}

	s.batchCalls.Add(1)
	resp, err := s.completer.Complete(ctx, provider.CategoryNPCBatch, BatchMessages(grp), s.opts.Model)
	if err != nil {
		log.Warn().Err(err).Str("location", grp.Key).Int("size", len(grp.Entries)).Msg("Batch call failed, deciding members individually")
		return s.degrade(ctx, grp)
	}

	ids := make([]string, len(grp.Entries))
	for i, e := range grp.Entries {
		ids[i] = e.ActorID
	}
	parsed := parseBatch(resp.Content, ids)
	if parsed.err != nil {
		log.Warn().Err(parsed.err).Str("location", grp.Key).Str("provider", resp.Provider).Msg("Malformed batch response, deciding members individually")
		return s.degrade(ctx, grp)
	}

	results := make([]Result, len(grp.Entries))
	for i, e := range grp.Entries {
		results[i] = Result{ActorID: e.ActorID, Plan: parsed.plans[e.ActorID], Source: SourceBatch}
		if results[i].Plan == nil {
			results[i].Err = parsed.missing[e.ActorID]
		}
	}
	return results
}

func (s *Scheduler) degrade(ctx context.Context, grp Group) []Result {
	s.degraded.Add(1)
	results := make([]Result, len(grp.Entries))
	var g errgroup.Group
	for i, e := range grp.Entries {
		g.Go(func() error {
			results[i] = s.individual(ctx, e, true)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) individual(ctx context.Context, e Entry, degraded bool) Result {
	s.singleCalls.Add(1)
	res := Result{ActorID: e.ActorID, Source: SourceIndividual, Degraded: degraded}

	category := provider.CategoryNPCDecision
	if e.Premium {
		category = provider.CategoryAgentDecision
	}
	resp, err := s.completer.Complete(ctx, category, IndividualMessages(e), s.opts.Model)
	if err != nil {
		log.Warn().Err(err).Str("actor", e.ActorID).Msg("Individual decision failed")
		res.Err = err
		return res
	}

	d := plan.DecodeText(resp.Content)
	if d.Malformed() {
		log.Warn().Err(d.Err).Str("actor", e.ActorID).Str("provider", resp.Provider).Msg("Malformed decision")
		res.Err = d.Err
		return res
	}
	res.Plan = d.Plan
	return res
}
