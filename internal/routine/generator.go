package routine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/xonecas/townmind/internal/constants"
	"github.com/xonecas/townmind/internal/provider"
	"github.com/xonecas/townmind/internal/worldtime"
)

// Completer sends a categorized request. *provider.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, category provider.Category, messages []provider.Message, model string) (*provider.Response, error)
}

// Request describes the actor a routine is generated for.
type Request struct {
	ActorID  string
	Name     string
	Role     string
	Persona  string
	Location string
	Tick     int64
}

// Generator asks a provider for daily routines and caches them.
type Generator struct {
	completer Completer
	cache     *Cache
	model     string
}

// NewGenerator creates a generator. model may be empty to use the routed
// provider's default.
func NewGenerator(completer Completer, cache *Cache, model string) *Generator {
	return &Generator{completer: completer, cache: cache, model: model}
}

// Generate requests a routine for req and stores it. On provider failure it
// returns the static fallback pattern together with the error and does not
// store it.
func (g *Generator) Generate(ctx context.Context, req Request) (*DailyPattern, error) {
	resp, err := g.completer.Complete(ctx, provider.CategoryRoutine, Messages(req), g.model)
	if err != nil {
		log.Warn().Err(err).Str("actor", req.ActorID).Msg("Routine generation failed, using static routine")
		return FallbackPattern(req.ActorID, req.Role, req.Tick), fmt.Errorf("generate routine for %s: %w", req.ActorID, err)
	}

	p, perr := ParsePattern(req.ActorID, req.Role, resp.Content, req.Tick)
	if perr != nil {
		log.Warn().Err(perr).Str("actor", req.ActorID).Str("provider", resp.Provider).Msg("Routine had malformed slots, substituted idle")
	}
	if g.cache != nil {
		g.cache.Store(p)
	}

	log.Debug().
		Str("actor", req.ActorID).
		Str("season", string(p.Season)).
		Str("provider", resp.Provider).
		Dur("latency", resp.Latency).
		Msg("Routine generated")
	return p, nil
}

// Messages builds the routine prompt for req.
func Messages(req Request) []provider.Message {
	var b strings.Builder
	name := req.Name
	if name == "" {
		name = req.ActorID
	}
	fmt.Fprintf(&b, "Character: %s (id %s)\n", name, req.ActorID)
	if req.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", req.Role)
	}
	if req.Persona != "" {
		fmt.Fprintf(&b, "Persona: %s\n", req.Persona)
	}
	if req.Location != "" {
		fmt.Fprintf(&b, "Usual place: %s\n", req.Location)
	}
	fmt.Fprintf(&b, "Season: %s\nDay: %d\n", worldtime.SeasonAt(req.Tick), worldtime.Day(req.Tick)+1)
	b.WriteString("Plan this character's day.")

	return []provider.Message{
		{Role: provider.RoleSystem, Content: constants.RoutineSystemPrompt},
		{Role: provider.RoleUser, Content: b.String()},
	}
}
