// Package sim runs the tick scheduler: each tick one agent speaks to
// another, relationships drift, moods follow, injected events pull the
// whole world's focus.
package sim

import (
	"context"
	"time"

	"github.com/nidhogg/vivarium/internal/provider"
	"github.com/nidhogg/vivarium/internal/store"
	"github.com/nidhogg/vivarium/internal/world"
)

// Store is the persistence surface the engine reads from and commits
// rounds to.
type Store interface {
	ListWorldIDs(ctx context.Context) ([]string, error)
	ListAgents(ctx context.Context, worldID string) ([]*world.Agent, error)
	GetWorldSpeed(ctx context.Context, worldID string) (float64, error)
	FastestSpeed(ctx context.Context) (float64, error)
	GetRelation(ctx context.Context, sourceID, targetID string) (*world.Relationship, error)
	LatestUserEvent(ctx context.Context, worldID string, maxAge time.Duration) (*world.Event, error)
	HasEventReaction(ctx context.Context, agentID, eventID string) (bool, error)
	PendingUserMessages(ctx context.Context, worldID string) ([]*world.DirectMessage, error)
	LastChatBetween(ctx context.Context, senderID, receiverID string) (string, error)
	RecentBySender(ctx context.Context, senderID string, limit int) ([]string, error)
	RecentPairContext(ctx context.Context, agentA, agentB string, limit int) ([]string, error)
	DirectHistory(ctx context.Context, agentID string, limit int) ([]*world.DirectMessage, error)
	CommitRound(ctx context.Context, batch *store.RoundBatch) error
}

// Memories is the episodic memory service the engine consults and feeds.
type Memories interface {
	Build(ctx context.Context, agentID, source, content string) (*world.MemoryRecord, error)
	Index(ctx context.Context, m *world.MemoryRecord) error
	Retrieve(ctx context.Context, agentID, query string, k int) ([]string, error)
	CompactIfNeeded(ctx context.Context, agentID string) error
}

// TextGen produces generated steps and chat lines. Both calls may
// decline (ok=false); the engine then falls back to heuristics.
type TextGen interface {
	GenerateAgentStep(ctx context.Context, actorName, actorPersonality, actorMood, targetName string, memories []string) (provider.AgentStep, bool)
	GenerateDialogue(ctx context.Context, actorName, actorPersonality, actorMood, targetName, topic string, recentMessages []string) (string, bool)
}

// Publisher fans committed round output to live listeners.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload map[string]any)
}

// Config tunes the scheduler.
type Config struct {
	TickInterval    time.Duration
	AgentCooldown   time.Duration
	TextGenCooldown time.Duration
	ChatMaxLen      int
	StrictFocus     time.Duration
	EventMaxAge     time.Duration

	// StoreTimeout bounds the tick-path persistence queries; a stalled
	// database fails the query instead of wedging the loop.
	StoreTimeout time.Duration
	// RoundTimeout bounds one scheduling round end to end, including up
	// to three bounded provider calls.
	RoundTimeout time.Duration
}

// DefaultConfig mirrors the stock tuning.
func DefaultConfig() Config {
	return Config{
		TickInterval:    6 * time.Second,
		AgentCooldown:   8 * time.Second,
		TextGenCooldown: 60 * time.Second,
		ChatMaxLen:      120,
		StrictFocus:     180 * time.Second,
		EventMaxAge:     10 * time.Minute,
		StoreTimeout:    10 * time.Second,
		RoundTimeout:    3 * time.Minute,
	}
}
