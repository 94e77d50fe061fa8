package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/vivarium/internal/relation"
	"github.com/nidhogg/vivarium/internal/world"
)

// GetRelation returns the directed score from source to target, lazily
// creating the row at the neutral default when it does not exist yet.
func (s *Store) GetRelation(ctx context.Context, sourceID, targetID string) (*world.Relationship, error) {
	row := s.db.QueryRow(ctx, `
		SELECT source_agent_id, target_agent_id, score, updated_at
		FROM relationships
		WHERE source_agent_id = $1 AND target_agent_id = $2`, sourceID, targetID)

	var r world.Relationship
	err := row.Scan(&r.SourceAgentID, &r.TargetAgentID, &r.Score, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		r = world.Relationship{
			SourceAgentID: sourceID,
			TargetAgentID: targetID,
			Score:         relation.DefaultScore,
			UpdatedAt:     time.Now(),
		}
		if err := s.UpsertRelation(ctx, &r); err != nil {
			return nil, err
		}
		return &r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get relation %s->%s: %w", sourceID, targetID, err)
	}
	return &r, nil
}

// UpsertRelation writes a directed relationship row.
func (s *Store) UpsertRelation(ctx context.Context, r *world.Relationship) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now()
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO relationships (source_agent_id, target_agent_id, score, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_agent_id, target_agent_id) DO UPDATE SET
			score = EXCLUDED.score,
			updated_at = EXCLUDED.updated_at`,
		r.SourceAgentID, r.TargetAgentID, r.Score, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert relation %s->%s: %w", r.SourceAgentID, r.TargetAgentID, err)
	}
	return nil
}

// ListRelations returns all directed scores originating from the agent.
func (s *Store) ListRelations(ctx context.Context, sourceID string) ([]*world.Relationship, error) {
	rows, err := s.db.Query(ctx, `
		SELECT source_agent_id, target_agent_id, score, updated_at
		FROM relationships WHERE source_agent_id = $1
		ORDER BY target_agent_id`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list relations %s: %w", sourceID, err)
	}
	defer rows.Close()

	var out []*world.Relationship
	for rows.Next() {
		var r world.Relationship
		if err := rows.Scan(&r.SourceAgentID, &r.TargetAgentID, &r.Score, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// SeedRelations creates neutral rows in both directions between the new
// agent and every existing peer in the same world.
func (s *Store) SeedRelations(ctx context.Context, agentID, worldID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO relationships (source_agent_id, target_agent_id, score, updated_at)
		SELECT $1, id, $2, NOW() FROM agents WHERE world_id = $3 AND id != $1
		UNION ALL
		SELECT id, $1, $2, NOW() FROM agents WHERE world_id = $3 AND id != $1
		ON CONFLICT (source_agent_id, target_agent_id) DO NOTHING`,
		agentID, relation.DefaultScore, worldID,
	)
	if err != nil {
		return fmt.Errorf("seed relations %s: %w", agentID, err)
	}
	return nil
}
