// Package queue dispatches single-actor decisions with bounded concurrency,
// highest priority first.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/xonecas/townmind/internal/constants"
	"github.com/xonecas/townmind/internal/provider"
)

// ErrClosed is returned for requests enqueued after, or still queued at, Close.
var ErrClosed = errors.New("decision queue closed")

// Completer sends a categorized request. *provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, category provider.Category, messages []provider.Message, model string) (*provider.Response, error)
}

// Target selects the route a queued decision uses.
type Target struct {
	Category provider.Category
	Model    string
}

// Future resolves once its decision completes or fails.
type Future struct {
	id      string
	actorID string
	done    chan struct{}
	resp    *provider.Response
	err     error
}

// ID returns the queue-assigned identifier.
func (f *Future) ID() string { return f.id }

// ActorID returns the actor the decision was requested for.
func (f *Future) ActorID() string { return f.actorID }

// Done is closed when the result is ready.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the result is ready or ctx is done. Giving up does not
// cancel the underlying request.
func (f *Future) Wait(ctx context.Context) (*provider.Response, error) {
	select {
	case <-f.done:
		return f.resp, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Future) resolve(resp *provider.Response, err error) {
	f.resp, f.err = resp, err
	close(f.done)
}

type item struct {
	future   *Future
	target   Target
	messages []provider.Message
	priority int
	enqueued time.Time
}

// Queue holds pending decisions ordered by descending priority, FIFO among
// equal priorities.
type Queue struct {
	completer   Completer
	concurrency int

	mu         sync.Mutex
	items      []*item
	inFlight   int
	processing bool
	closed     bool
	idle       chan struct{}
}

// New creates a queue that runs at most concurrency decisions at once.
func New(completer Completer, concurrency int) *Queue {
	if concurrency <= 0 {
		concurrency = constants.DefaultQueueConcurrency
	}
	return &Queue{
		completer:   completer,
		concurrency: concurrency,
	}
}

// Enqueue adds a decision and starts processing if idle. It never blocks on
// in-flight work.
func (q *Queue) Enqueue(actorID string, target Target, messages []provider.Message, priority int) *Future {
	f := &Future{id: uuid.NewString(), actorID: actorID, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		f.resolve(nil, ErrClosed)
		return f
	}

	it := &item{future: f, target: target, messages: messages, priority: priority, enqueued: time.Now()}
	pos := len(q.items)
	for i, existing := range q.items {
		if priority > existing.priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = it

	start := !q.processing
	if start {
		q.processing = true
		q.idle = make(chan struct{})
	}
	q.mu.Unlock()

	if start {
		go q.process()
	}
	return f
}

func (q *Queue) process() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.processing = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		n := min(q.concurrency, len(q.items))
		batch := make([]*item, n)
		copy(batch, q.items[:n])
		q.items = q.items[n:]
		q.inFlight = n
		q.mu.Unlock()

		var g errgroup.Group
		for _, it := range batch {
			g.Go(func() error {
				q.dispatch(it)
				return nil
			})
		}
		_ = g.Wait()

		q.mu.Lock()
		q.inFlight = 0
		q.mu.Unlock()
	}
}

func (q *Queue) dispatch(it *item) {
	resp, err := q.completer.Complete(context.Background(), it.target.Category, it.messages, it.target.Model)
	if err != nil {
		log.Warn().
			Err(err).
			Str("actor", it.future.actorID).
			Str("category", string(it.target.Category)).
			Int("priority", it.priority).
			Msg("Queued decision failed")
	} else {
		log.Debug().
			Str("actor", it.future.actorID).
			Str("provider", resp.Provider).
			Dur("waited", time.Since(it.enqueued)).
			Msg("Queued decision completed")
	}
	it.future.resolve(resp, err)
}

// Pending returns how many decisions wait for a slot.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns how many decisions are being dispatched.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

// Close rejects queued decisions with ErrClosed and waits for in-flight ones
// to finish or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	dropped := q.items
	q.items = nil
	idle := q.idle
	processing := q.processing
	q.mu.Unlock()

	for _, it := range dropped {
		it.future.resolve(nil, ErrClosed)
	}
	if !processing {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lane sends every request through the queue at a fixed priority.
type Lane struct {
	queue    *Queue
	actorID  string
	priority int
}

// Lane returns a Completer that queues requests at priority.
func (q *Queue) Lane(actorID string, priority int) *Lane {
	return &Lane{queue: q, actorID: actorID, priority: priority}
}

// Complete enqueues the request and waits for its result.
func (l *Lane) Complete(ctx context.Context, category provider.Category, messages []provider.Message, model string) (*provider.Response, error) {
	f := l.queue.Enqueue(l.actorID, Target{Category: category, Model: model}, messages, l.priority)
	return f.Wait(ctx)
}
