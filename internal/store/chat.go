package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nidhogg/vivarium/internal/world"
)

const chatColumns = `id, world_id, sender_type, COALESCE(sender_agent_id::text,''),
       COALESCE(receiver_agent_id::text,''), text, topic, created_at`

func scanChat(row pgx.Row) (*world.ChatMessage, error) {
	var m world.ChatMessage
	err := row.Scan(
		&m.ID, &m.WorldID, &m.SenderType, &m.SenderAgentID,
		&m.ReceiverAgentID, &m.Text, &m.Topic, &m.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan chat message: %w", err)
	}
	return &m, nil
}

// InsertChatMessage appends one chat line.
func (s *Store) InsertChatMessage(ctx context.Context, m *world.ChatMessage) error {
	return insertChatMessage(ctx, s.db, m)
}

func insertChatMessage(ctx context.Context, ex executor, m *world.ChatMessage) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	_, err := ex.Exec(ctx, `
		INSERT INTO chat_messages (id, world_id, sender_type, sender_agent_id, receiver_agent_id, text, topic, created_at)
		VALUES ($1, $2, $3, NULLIF($4,'')::uuid, NULLIF($5,'')::uuid, $6, $7, $8)`,
		m.ID, m.WorldID, string(m.SenderType), m.SenderAgentID, m.ReceiverAgentID, m.Text, m.Topic, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chat message %s: %w", m.ID, err)
	}
	return nil
}

// ChatHistory returns the latest messages of a world in chronological order.
func (s *Store) ChatHistory(ctx context.Context, worldID string, limit int) ([]*world.ChatMessage, error) {
	rows, err := s.db.Query(ctx, `
		SELECT * FROM (
			SELECT `+chatColumns+`
			FROM chat_messages WHERE world_id = $1
			ORDER BY created_at DESC LIMIT $2
		) latest ORDER BY created_at`, worldID, limit)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	defer rows.Close()
	return collectChat(rows)
}

// LastChatBetween returns the text of the most recent message sent from
// one agent to another, or empty when there is none.
func (s *Store) LastChatBetween(ctx context.Context, senderID, receiverID string) (string, error) {
	var text string
	err := s.db.QueryRow(ctx, `
		SELECT text FROM chat_messages
		WHERE sender_agent_id = $1 AND receiver_agent_id = $2
		ORDER BY created_at DESC LIMIT 1`, senderID, receiverID).Scan(&text)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last chat %s->%s: %w", senderID, receiverID, err)
	}
	return text, nil
}

// RecentBySender returns the sender's latest message texts, newest first.
func (s *Store) RecentBySender(ctx context.Context, senderID string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT text FROM chat_messages
		WHERE sender_agent_id = $1
		ORDER BY created_at DESC LIMIT $2`, senderID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent by sender %s: %w", senderID, err)
	}
	defer rows.Close()
	return collectTexts(rows)
}

// RecentPairContext returns the latest exchange between two agents as
// "Name: text" lines in chronological order.
func (s *Store) RecentPairContext(ctx context.Context, agentA, agentB string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT * FROM (
			SELECT a.name || ': ' || m.text AS line, m.created_at
			FROM chat_messages m JOIN agents a ON a.id = m.sender_agent_id
			WHERE (m.sender_agent_id = $1 AND m.receiver_agent_id = $2)
			   OR (m.sender_agent_id = $2 AND m.receiver_agent_id = $1)
			ORDER BY m.created_at DESC LIMIT $3
		) latest ORDER BY created_at`, agentA, agentB, limit)
	if err != nil {
		return nil, fmt.Errorf("pair context %s/%s: %w", agentA, agentB, err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		var line string
		var created time.Time
		if err := rows.Scan(&line, &created); err != nil {
			return nil, fmt.Errorf("scan context line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

func collectChat(rows pgx.Rows) ([]*world.ChatMessage, error) {
	var out []*world.ChatMessage
	for rows.Next() {
		m, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func collectTexts(rows pgx.Rows) ([]string, error) {
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan text: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
