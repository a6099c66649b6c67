// Package routine caches per-actor daily routines so that most ticks need no
// provider call, and generates new routines when a cached one goes stale.
package routine

import (
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/xonecas/townmind/internal/constants"
	"github.com/xonecas/townmind/internal/plan"
	"github.com/xonecas/townmind/internal/worldtime"
)

// DailyPattern is one actor's cached routine: a plan for every time slot,
// valid for the season it was generated in.
type DailyPattern struct {
	ActorID         string
	Role            string
	Slots           map[worldtime.Slot]*plan.Plan
	GeneratedAtTick int64
	UseCount        int
	LastUsedTick    int64
	Season          worldtime.Season

	// Static marks a pattern built from the fallback tables rather than a provider.
	Static bool
}

// Complete fills every missing or empty slot with the idle plan.
func (p *DailyPattern) Complete() {
	if p.Slots == nil {
		p.Slots = make(map[worldtime.Slot]*plan.Plan, len(worldtime.Slots))
	}
	for _, slot := range worldtime.Slots {
		if pl, ok := p.Slots[slot]; !ok || pl == nil || len(pl.Steps) == 0 {
			p.Slots[slot] = plan.Idle()
		}
	}
}

func (p *DailyPattern) clone() *DailyPattern {
	out := *p
	out.Slots = make(map[worldtime.Slot]*plan.Plan, len(p.Slots))
	for slot, pl := range p.Slots {
		out.Slots[slot] = pl.Clone()
	}
	return &out
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Size      int
	Hits      int64
	Misses    int64
	HitRate   float64
	Evictions int64
}

// Cache stores one DailyPattern per actor. When more than capacity actors
// are cached the least recently read pattern is dropped.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *DailyPattern]

	hits      int64
	misses    int64
	evictions atomic.Int64
}

// NewCache creates a cache holding at most capacity patterns.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = constants.DefaultCacheCapacity
	}
	c := &Cache{}
	entries, err := lru.NewWithEvict[string, *DailyPattern](capacity, func(string, *DailyPattern) {
		c.evictions.Add(1)
	})
	if err != nil {
		// Only reachable with a non-positive size, which is ruled out above.
		panic(err)
	}
	c.entries = entries
	return c
}

// HasValidPattern reports whether the actor has a pattern for season. A
// pattern from any other season is evicted.
func (c *Cache) HasValidPattern(actorID string, season worldtime.Season) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.entries.Peek(actorID)
	if !ok {
		return false
	}
	if p.Season != season {
		c.entries.Remove(actorID)
		log.Debug().
			Str("actor", actorID).
			Str("cached_season", string(p.Season)).
			Str("season", string(season)).
			Msg("Evicted routine from another season")
		return false
	}
	return true
}

// ReadSlot returns a copy of the actor's plan for slot and records the use.
func (c *Cache) ReadSlot(actorID string, slot worldtime.Slot, tick int64) (*plan.Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.entries.Get(actorID)
	if !ok {
		c.misses++
		return nil, false
	}
	pl, ok := p.Slots[slot]
	if !ok || pl == nil {
		c.misses++
		return nil, false
	}

	p.UseCount++
	p.LastUsedTick = tick
	c.hits++
	return pl.Clone(), true
}

// Store saves p, replacing any existing pattern for the same actor. Missing
// slots are filled with the idle plan first.
func (c *Cache) Store(p *DailyPattern) {
	if p == nil || p.ActorID == "" {
		return
	}
	stored := p.clone()
	stored.Complete()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(stored.ActorID, stored)
}

// Invalidate drops the actor's pattern. It returns false if none was cached.
func (c *Cache) Invalidate(actorID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Remove(actorID)
}

// Pattern returns a copy of the actor's cached pattern without counting a read.
func (c *Cache) Pattern(actorID string) (*DailyPattern, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.entries.Peek(actorID)
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

// Len returns the number of cached patterns.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns size and hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      c.entries.Len(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions.Load(),
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	return s
}
