package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/vivarium/internal/world"
)

// GetWorldSpeed returns the world's speed multiplier, defaulting to 1.0
// when no row exists.
func (s *Store) GetWorldSpeed(ctx context.Context, worldID string) (float64, error) {
	var speed float64
	err := s.db.QueryRow(ctx,
		`SELECT speed FROM world_states WHERE world_id = $1`, worldID).Scan(&speed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 1.0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get world speed %s: %w", worldID, err)
	}
	return speed, nil
}

// UpsertWorldSpeed writes the world's speed multiplier.
func (s *Store) UpsertWorldSpeed(ctx context.Context, worldID string, speed float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO world_states (world_id, speed, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (world_id) DO UPDATE SET
			speed = EXCLUDED.speed,
			updated_at = EXCLUDED.updated_at`,
		worldID, speed, time.Now())
	if err != nil {
		return fmt.Errorf("upsert world speed %s: %w", worldID, err)
	}
	return nil
}

// ListWorldStates returns all persisted world settings.
func (s *Store) ListWorldStates(ctx context.Context) ([]*world.WorldState, error) {
	rows, err := s.db.Query(ctx, `SELECT world_id, speed FROM world_states ORDER BY world_id`)
	if err != nil {
		return nil, fmt.Errorf("list world states: %w", err)
	}
	defer rows.Close()

	var out []*world.WorldState
	for rows.Next() {
		var w world.WorldState
		if err := rows.Scan(&w.WorldID, &w.Speed); err != nil {
			return nil, fmt.Errorf("scan world state: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

// FastestSpeed returns the maximum speed across all worlds, or 1.0 when
// none is stored. The tick loop paces itself by the fastest world.
func (s *Store) FastestSpeed(ctx context.Context) (float64, error) {
	var speed float64
	err := s.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(speed), 1.0) FROM world_states`).Scan(&speed)
	if err != nil {
		return 0, fmt.Errorf("fastest speed: %w", err)
	}
	return speed, nil
}
