package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	decoder, _ = zstd.NewReader(nil)
)

// Decision is one journaled decision outcome.
type Decision struct {
	ID        string
	ActorID   string
	Tick      int64
	Source    string
	PlanName  string
	Plan      []byte // plan JSON, nil when no plan was produced
	Error     string
	CreatedAt time.Time
}

type decisionRow struct {
	ID        string `db:"id"`
	ActorID   string `db:"actor_id"`
	Tick      int64  `db:"tick"`
	Source    string `db:"source"`
	PlanName  string `db:"plan_name"`
	PlanZst   []byte `db:"plan_zst"`
	Error     string `db:"error"`
	CreatedAt int64  `db:"created_at"`
}

// RecordDecision appends d to the journal. ID and CreatedAt are filled in
// when empty. The plan payload is stored zstd-compressed.
func (s *Store) RecordDecision(ctx context.Context, d Decision) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}

	row := decisionRow{
		ID:        d.ID,
		ActorID:   d.ActorID,
		Tick:      d.Tick,
		Source:    d.Source,
		PlanName:  d.PlanName,
		Error:     d.Error,
		CreatedAt: d.CreatedAt.UnixMilli(),
	}
	if len(d.Plan) > 0 {
		row.PlanZst = encoder.EncodeAll(d.Plan, nil)
	}

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO decisions (id, actor_id, tick, source, plan_name, plan_zst, error, created_at)
		VALUES (:id, :actor_id, :tick, :source, :plan_name, :plan_zst, :error, :created_at)
	`, row)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// RecentDecisions returns up to limit decisions, newest first. An empty
// actorID returns decisions for every actor.
func (s *Store) RecentDecisions(ctx context.Context, actorID string, limit int) ([]Decision, error) {
	if limit <= 0 {
		limit = 50
	}

	var rows []decisionRow
	var err error
	if actorID == "" {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, actor_id, tick, source, plan_name, plan_zst, error, created_at
			FROM decisions ORDER BY created_at DESC, rowid DESC LIMIT ?
		`, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT id, actor_id, tick, source, plan_name, plan_zst, error, created_at
			FROM decisions WHERE actor_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?
		`, actorID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}

	out := make([]Decision, len(rows))
	for i, r := range rows {
		out[i] = Decision{
			ID:        r.ID,
			ActorID:   r.ActorID,
			Tick:      r.Tick,
			Source:    r.Source,
			PlanName:  r.PlanName,
			Error:     r.Error,
			CreatedAt: time.UnixMilli(r.CreatedAt),
		}
		if len(r.PlanZst) > 0 {
			plan, err := decoder.DecodeAll(r.PlanZst, nil)
			if err != nil {
				return nil, fmt.Errorf("decompress plan %s: %w", r.ID, err)
			}
			out[i].Plan = plan
		}
	}
	return out, nil
}

// CountBySource returns how many decisions each source produced.
func (s *Store) CountBySource(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Source string `db:"source"`
		Count  int64  `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT source, COUNT(*) AS n FROM decisions GROUP BY source`); err != nil {
		return nil, fmt.Errorf("count decisions: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Source] = r.Count
	}
	return out, nil
}
