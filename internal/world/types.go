package world

import "time"

// SenderType identifies who produced a chat message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// EventType categorizes world events.
type EventType string

const (
	EventSystem       EventType = "system"
	EventUserInjected EventType = "user_event"
	EventAgentAction  EventType = "agent_action"
)

// ReactionSource returns the memory source tag marking that an agent
// has reacted to the given event.
func ReactionSource(eventID string) string {
	return "evt_rx_" + eventID
}

// Agent is a simulated resident of one world.
type Agent struct {
	ID          string    `json:"id"`
	WorldID     string    `json:"world_id"`
	Name        string    `json:"name"`
	Avatar      string    `json:"avatar"`
	AvatarColor string    `json:"avatar_color"`
	Personality string    `json:"personality"`
	MoodScore   float64   `json:"mood_score"`
	MoodText    string    `json:"mood_text"`
	MoodEmoji   string    `json:"mood_emoji"`
	MoodColor   string    `json:"mood_color"`
	CurrentPlan string    `json:"current_plan"`
	Reflection  string    `json:"reflection"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Relationship is a directed sympathy score between an ordered agent pair.
// Exactly one row per ordered pair; created lazily with score 0.5.
type Relationship struct {
	SourceAgentID string    `json:"source_agent_id"`
	TargetAgentID string    `json:"target_agent_id"`
	Score         float64   `json:"score"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Event is an immutable world event record.
type Event struct {
	ID        string    `json:"id"`
	WorldID   string    `json:"world_id"`
	Text      string    `json:"text"`
	Type      EventType `json:"event_type"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is one line of agent-to-agent or system chat.
// ReceiverAgentID empty means broadcast.
type ChatMessage struct {
	ID              string     `json:"id"`
	WorldID         string     `json:"world_id"`
	SenderType      SenderType `json:"sender_type"`
	SenderAgentID   string     `json:"sender_agent_id,omitempty"`
	ReceiverAgentID string     `json:"receiver_agent_id,omitempty"`
	Text            string     `json:"text"`
	Topic           string     `json:"topic"`
	CreatedAt       time.Time  `json:"created_at"`
}

// DirectMessage is a private user<->agent message.
type DirectMessage struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	Sender    SenderType `json:"sender"`
	Text      string     `json:"text"`
	CreatedAt time.Time  `json:"created_at"`
}

// MemoryRecord is one append-only entry in an agent's memory log.
// The embedding is indexed in the vector store under the same ID.
type MemoryRecord struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id"`
	Source     string    `json:"source"`
	Content    string    `json:"content"`
	Embedding  []float32 `json:"-"`
	Summarized bool      `json:"summarized"`
	CreatedAt  time.Time `json:"created_at"`
}

// WorldState holds per-world simulation settings.
type WorldState struct {
	WorldID string  `json:"world_id"`
	Speed   float64 `json:"speed"`
}
