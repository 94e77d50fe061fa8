package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/vivarium/internal/world"
)

const agentColumns = `id, world_id, name, avatar, avatar_color, personality,
       mood_score, mood_text, mood_emoji, mood_color, current_plan, reflection,
       created_at, updated_at`

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

func scanAgent(row pgx.Row) (*world.Agent, error) {
	var a world.Agent
	err := row.Scan(
		&a.ID, &a.WorldID, &a.Name, &a.Avatar, &a.AvatarColor, &a.Personality,
		&a.MoodScore, &a.MoodText, &a.MoodEmoji, &a.MoodColor, &a.CurrentPlan, &a.Reflection,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return &a, nil
}

// SaveAgent upserts an agent.
func (s *Store) SaveAgent(ctx context.Context, a *world.Agent) error {
	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, world_id, name, avatar, avatar_color, personality,
			mood_score, mood_text, mood_emoji, mood_color, current_plan, reflection,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			avatar = EXCLUDED.avatar,
			avatar_color = EXCLUDED.avatar_color,
			personality = EXCLUDED.personality,
			mood_score = EXCLUDED.mood_score,
			mood_text = EXCLUDED.mood_text,
			mood_emoji = EXCLUDED.mood_emoji,
			mood_color = EXCLUDED.mood_color,
			current_plan = EXCLUDED.current_plan,
			reflection = EXCLUDED.reflection,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.WorldID, a.Name, a.Avatar, a.AvatarColor, a.Personality,
		a.MoodScore, a.MoodText, a.MoodEmoji, a.MoodColor, a.CurrentPlan, a.Reflection,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent retrieves a single agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*world.Agent, error) {
	row := s.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// ListAgents returns all agents of a world ordered by creation time.
func (s *Store) ListAgents(ctx context.Context, worldID string) ([]*world.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE world_id = $1 ORDER BY created_at`, worldID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*world.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ListWorldIDs returns the distinct world identifiers that have agents.
func (s *Store) ListWorldIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT world_id FROM agents ORDER BY world_id`)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan world id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteAgent removes an agent and its dependent rows.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}
