package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SetCurrentPlan deactivates the agent's previous plans and records the
// new one as active.
func (s *Store) SetCurrentPlan(ctx context.Context, agentID, text string) error {
	return setCurrentPlan(ctx, s.db, agentID, text)
}

func setCurrentPlan(ctx context.Context, ex executor, agentID, text string) error {
	if _, err := ex.Exec(ctx,
		`UPDATE agent_plans SET active = FALSE WHERE agent_id = $1 AND active`, agentID); err != nil {
		return fmt.Errorf("deactivate plans %s: %w", agentID, err)
	}
	if _, err := ex.Exec(ctx, `
		INSERT INTO agent_plans (id, agent_id, text, active, created_at)
		VALUES ($1, $2, $3, TRUE, $4)`,
		uuid.New().String(), agentID, text, time.Now()); err != nil {
		return fmt.Errorf("insert plan %s: %w", agentID, err)
	}
	return nil
}

// PlanHistory returns the agent's plans, newest first.
func (s *Store) PlanHistory(ctx context.Context, agentID string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT text FROM agent_plans
		WHERE agent_id = $1
		ORDER BY created_at DESC LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("plan history %s: %w", agentID, err)
	}
	defer rows.Close()
	return collectTexts(rows)
}
