package plan

import (
	_ "embed"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/xonecas/townmind/internal/worldtime"
)

//go:embed fallback.yaml
var fallbackYAML []byte

// DefaultRole is the table used for roles that have no routine of their own.
const DefaultRole = "default"

type fallbackTable map[string]map[worldtime.Slot]*Plan

var (
	fallbackOnce   sync.Once
	fallbackRoutes fallbackTable
)

func loadFallbacks() fallbackTable {
	fallbackOnce.Do(func() {
		var table fallbackTable
		if err := yaml.Unmarshal(fallbackYAML, &table); err != nil {
			log.Error().Err(err).Msg("Failed to parse static routine tables")
			table = fallbackTable{}
		}
		fallbackRoutes = table
	})
	return fallbackRoutes
}

// Fallback returns a copy of the static plan for role at slot. Unknown roles
// use the default table; a missing slot yields the idle plan.
func Fallback(role string, slot worldtime.Slot) *Plan {
	table := loadFallbacks()
	slots, ok := table[strings.ToLower(strings.TrimSpace(role))]
	if !ok {
		slots = table[DefaultRole]
	}
	if p, ok := slots[slot]; ok && p != nil && len(p.Steps) > 0 {
		return p.Clone()
	}
	return Idle()
}

// FallbackRoles lists the roles with a dedicated static routine.
func FallbackRoles() []string {
	table := loadFallbacks()
	roles := make([]string, 0, len(table))
	for role := range table {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
