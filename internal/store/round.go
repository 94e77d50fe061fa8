package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nidhogg/vivarium/internal/world"
)

// executor is the subset of pgx shared by pool and transaction handles.
type executor interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AgentUpdate carries the mutable fields written back after a turn.
type AgentUpdate struct {
	AgentID     string
	MoodScore   float64
	MoodText    string
	MoodEmoji   string
	MoodColor   string
	CurrentPlan string
	Reflection  string
}

// RoundBatch collects every row produced by one scheduler round. The
// round is computed entirely in memory and then committed atomically.
type RoundBatch struct {
	Events        []*world.Event
	ChatMessages  []*world.ChatMessage
	DirectReplies []*world.DirectMessage
	Memories      []*world.MemoryRecord
	Plans         map[string]string
	AgentUpdates  []AgentUpdate
	Relations     []*world.Relationship
}

// Empty reports whether the batch has nothing to write.
func (b *RoundBatch) Empty() bool {
	return len(b.Events) == 0 && len(b.ChatMessages) == 0 && len(b.DirectReplies) == 0 &&
		len(b.Memories) == 0 && len(b.Plans) == 0 && len(b.AgentUpdates) == 0 && len(b.Relations) == 0
}

// CommitRound writes the whole batch in one transaction. Either every
// row of the round lands or none does.
func (s *Store) CommitRound(ctx context.Context, batch *RoundBatch) error {
	if batch == nil || batch.Empty() {
		return nil
	}
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin round tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.writeRound(ctx, tx, batch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit round tx: %w", err)
	}
	return nil
}

func (s *Store) writeRound(ctx context.Context, tx pgx.Tx, batch *RoundBatch) error {
	now := time.Now()
	for _, e := range batch.Events {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO events (id, world_id, text, event_type, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			e.ID, e.WorldID, e.Text, string(e.Type), e.CreatedAt); err != nil {
			return fmt.Errorf("round insert event %s: %w", e.ID, err)
		}
	}
	for _, m := range batch.ChatMessages {
		if err := insertChatMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, m := range batch.DirectReplies {
		if err := insertDirectMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	for _, m := range batch.Memories {
		if err := insertMemory(ctx, tx, m); err != nil {
			return err
		}
	}
	for agentID, text := range batch.Plans {
		if err := setCurrentPlan(ctx, tx, agentID, text); err != nil {
			return err
		}
	}
	for _, u := range batch.AgentUpdates {
		if _, err := tx.Exec(ctx, `
			UPDATE agents SET
				mood_score = $2, mood_text = $3, mood_emoji = $4, mood_color = $5,
				current_plan = $6, reflection = $7, updated_at = $8
			WHERE id = $1`,
			u.AgentID, u.MoodScore, u.MoodText, u.MoodEmoji, u.MoodColor,
			u.CurrentPlan, u.Reflection, now); err != nil {
			return fmt.Errorf("round update agent %s: %w", u.AgentID, err)
		}
	}
	for _, r := range batch.Relations {
		if _, err := tx.Exec(ctx, `
			INSERT INTO relationships (source_agent_id, target_agent_id, score, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (source_agent_id, target_agent_id) DO UPDATE SET
				score = EXCLUDED.score,
				updated_at = EXCLUDED.updated_at`,
			r.SourceAgentID, r.TargetAgentID, r.Score, now); err != nil {
			return fmt.Errorf("round upsert relation %s->%s: %w", r.SourceAgentID, r.TargetAgentID, err)
		}
	}
	return nil
}
