package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xonecas/townmind/internal/provider"
)

// UsageSnapshot is a provider's counters at a point in time.
type UsageSnapshot struct {
	Provider  string
	TakenAt   time.Time
	Usage     provider.UsageStats
	Available bool
}

type usageRow struct {
	Provider     string  `db:"provider"`
	TakenAt      int64   `db:"taken_at"`
	TotalCalls   int64   `db:"total_calls"`
	InputTokens  int64   `db:"input_tokens"`
	OutputTokens int64   `db:"output_tokens"`
	AvgLatencyMs float64 `db:"avg_latency_ms"`
	ErrorCount   int64   `db:"error_count"`
	Available    bool    `db:"available"`
}

// RecordUsage stores one snapshot per provider.
func (s *Store) RecordUsage(ctx context.Context, usage map[string]provider.UsageStats, available map[string]bool) error {
	if len(usage) == 0 {
		return nil
	}
	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for name, u := range usage {
		row := usageRow{
			Provider:     name,
			TakenAt:      now,
			TotalCalls:   u.TotalCalls,
			InputTokens:  u.TotalInputTokens,
			OutputTokens: u.TotalOutputTokens,
			AvgLatencyMs: u.AvgLatencyMs,
			ErrorCount:   u.ErrorCount,
			Available:    available[name],
		}
		if _, err := tx.NamedExecContext(ctx, `
			INSERT INTO usage_snapshots (provider, taken_at, total_calls, input_tokens, output_tokens, avg_latency_ms, error_count, available)
			VALUES (:provider, :taken_at, :total_calls, :input_tokens, :output_tokens, :avg_latency_ms, :error_count, :available)
		`, row); err != nil {
			return fmt.Errorf("insert usage for %s: %w", name, err)
		}
	}
	return tx.Commit()
}

// LatestUsage returns the most recent snapshot of every provider, sorted by name.
func (s *Store) LatestUsage(ctx context.Context) ([]UsageSnapshot, error) {
	var rows []usageRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT u.provider, u.taken_at, u.total_calls, u.input_tokens, u.output_tokens,
		       u.avg_latency_ms, u.error_count, u.available
		FROM usage_snapshots u
		WHERE u.id = (SELECT MAX(id) FROM usage_snapshots WHERE provider = u.provider)
	`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}

	out := make([]UsageSnapshot, len(rows))
	for i, r := range rows {
		out[i] = UsageSnapshot{
			Provider: r.Provider,
			TakenAt:  time.UnixMilli(r.TakenAt),
			Usage: provider.UsageStats{
				TotalCalls:        r.TotalCalls,
				TotalInputTokens:  r.InputTokens,
				TotalOutputTokens: r.OutputTokens,
				AvgLatencyMs:      r.AvgLatencyMs,
				ErrorCount:        r.ErrorCount,
			},
			Available: r.Available,
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}
