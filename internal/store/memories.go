package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/vivarium/internal/world"
)

// InsertMemory appends one memory row. Embeddings live in the vector
// store under the same ID.
func (s *Store) InsertMemory(ctx context.Context, m *world.MemoryRecord) error {
	return insertMemory(ctx, s.db, m)
}

func insertMemory(ctx context.Context, ex executor, m *world.MemoryRecord) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := ex.Exec(ctx, `
		INSERT INTO memories (id, agent_id, source, content, summarized, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.AgentID, m.Source, m.Content, m.Summarized, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

// UnsummarizedCount returns how many raw episodes the agent has.
func (s *Store) UnsummarizedCount(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM memories
		WHERE agent_id = $1 AND NOT summarized AND source != 'summary'`, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unsummarized count %s: %w", agentID, err)
	}
	return n, nil
}

// OldestUnsummarized returns up to limit raw episodes, oldest first.
func (s *Store) OldestUnsummarized(ctx context.Context, agentID string, limit int) ([]*world.MemoryRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, source, content, summarized, created_at
		FROM memories
		WHERE agent_id = $1 AND NOT summarized AND source != 'summary'
		ORDER BY created_at LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("oldest unsummarized %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []*world.MemoryRecord
	for rows.Next() {
		var m world.MemoryRecord
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Source, &m.Content, &m.Summarized, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkSummarized flags the given memories as folded into a summary.
func (s *Store) MarkSummarized(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `UPDATE memories SET summarized = TRUE WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("mark summarized: %w", err)
	}
	return nil
}

// LatestSummary returns the agent's newest summary memory, or ErrNotFound.
func (s *Store) LatestSummary(ctx context.Context, agentID string) (*world.MemoryRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, agent_id, source, content, summarized, created_at
		FROM memories
		WHERE agent_id = $1 AND source = 'summary'
		ORDER BY created_at DESC LIMIT 1`, agentID)

	var m world.MemoryRecord
	err := row.Scan(&m.ID, &m.AgentID, &m.Source, &m.Content, &m.Summarized, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest summary %s: %w", agentID, err)
	}
	return &m, nil
}

// HasEventReaction reports whether the agent holds a memory tagged as a
// reaction to the given event.
func (s *Store) HasEventReaction(ctx context.Context, agentID, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM memories WHERE agent_id = $1 AND source = $2)`,
		agentID, world.ReactionSource(eventID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has event reaction %s: %w", agentID, err)
	}
	return exists, nil
}

// ListMemories returns the agent's memories, newest first.
func (s *Store) ListMemories(ctx context.Context, agentID string, limit int) ([]*world.MemoryRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, source, content, summarized, created_at
		FROM memories WHERE agent_id = $1
		ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []*world.MemoryRecord
	for rows.Next() {
		var m world.MemoryRecord
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Source, &m.Content, &m.Summarized, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetMemoriesByIDs fetches specific memory rows preserving input order.
func (s *Store) GetMemoriesByIDs(ctx context.Context, ids []string) ([]*world.MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, agent_id, source, content, summarized, created_at
		FROM memories WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get memories by ids: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*world.MemoryRecord, len(ids))
	for rows.Next() {
		var m world.MemoryRecord
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Source, &m.Content, &m.Summarized, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		byID[m.ID] = &m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*world.MemoryRecord, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}
