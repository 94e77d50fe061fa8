package store

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/vivarium/internal/world"
)

// InsertDirectMessage appends one private user<->agent message.
func (s *Store) InsertDirectMessage(ctx context.Context, m *world.DirectMessage) error {
	return insertDirectMessage(ctx, s.db, m)
}

func insertDirectMessage(ctx context.Context, ex executor, m *world.DirectMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := ex.Exec(ctx, `
		INSERT INTO direct_messages (id, agent_id, sender, text, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.AgentID, string(m.Sender), m.Text, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert direct message %s: %w", m.ID, err)
	}
	return nil
}

// DirectHistory returns the agent's private thread in chronological order.
func (s *Store) DirectHistory(ctx context.Context, agentID string, limit int) ([]*world.DirectMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT * FROM (
			SELECT id, agent_id, sender, text, created_at
			FROM direct_messages WHERE agent_id = $1
			ORDER BY created_at DESC LIMIT $2
		) latest ORDER BY created_at`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("direct history %s: %w", agentID, err)
	}
	defer rows.Close()

	var out []*world.DirectMessage
	for rows.Next() {
		var m world.DirectMessage
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan direct message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// PendingUserMessages returns user messages in a world's private threads
// that have not yet been followed by an agent reply, oldest first.
func (s *Store) PendingUserMessages(ctx context.Context, worldID string) ([]*world.DirectMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT d.id, d.agent_id, d.sender, d.text, d.created_at
		FROM direct_messages d
		JOIN agents a ON a.id = d.agent_id
		WHERE a.world_id = $1 AND d.sender = $2
		  AND NOT EXISTS (
			SELECT 1 FROM direct_messages r
			WHERE r.agent_id = d.agent_id AND r.sender = $3 AND r.created_at > d.created_at
		  )
		ORDER BY d.created_at`, worldID, string(world.SenderUser), string(world.SenderAgent))
	if err != nil {
		return nil, fmt.Errorf("pending user messages: %w", err)
	}
	defer rows.Close()

	var out []*world.DirectMessage
	for rows.Next() {
		var m world.DirectMessage
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Sender, &m.Text, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
