package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/vivarium/internal/world"
)

// InsertEvent appends an immutable event row.
func (s *Store) InsertEvent(ctx context.Context, e *world.Event) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO events (id, world_id, text, event_type, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.WorldID, e.Text, string(e.Type), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return nil
}

// LatestUserEvent returns the most recent user-injected event of the
// world no older than maxAge, or ErrNotFound.
func (s *Store) LatestUserEvent(ctx context.Context, worldID string, maxAge time.Duration) (*world.Event, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, world_id, text, event_type, created_at
		FROM events
		WHERE world_id = $1 AND event_type = $2 AND created_at >= $3
		ORDER BY created_at DESC LIMIT 1`,
		worldID, string(world.EventUserInjected), time.Now().Add(-maxAge),
	)

	var e world.Event
	err := row.Scan(&e.ID, &e.WorldID, &e.Text, &e.Type, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest user event: %w", err)
	}
	return &e, nil
}

// ListEvents returns the latest events of a world, newest first.
func (s *Store) ListEvents(ctx context.Context, worldID string, limit int) ([]*world.Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, world_id, text, event_type, created_at
		FROM events WHERE world_id = $1
		ORDER BY created_at DESC LIMIT $2`, worldID, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*world.Event
	for rows.Next() {
		var e world.Event
		if err := rows.Scan(&e.ID, &e.WorldID, &e.Text, &e.Type, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
