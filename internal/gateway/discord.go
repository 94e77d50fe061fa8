package gateway

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordAdapter mirrors world chat and events into a Discord channel.
type DiscordAdapter struct {
	token     string
	channelID string
	session   *discordgo.Session
	logger    *zap.Logger
}

// NewDiscordAdapter creates a Discord broadcaster.
func NewDiscordAdapter(token, channelID string, logger *zap.Logger) *DiscordAdapter {
	return &DiscordAdapter{token: token, channelID: channelID, logger: logger}
}

func (a *DiscordAdapter) Name() string { return "discord" }

// Connect opens the Discord gateway session.
func (a *DiscordAdapter) Connect(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	a.session = session
	a.logger.Info("discord adapter connected",
		zap.String("user", session.State.User.Username))
	return nil
}

// Deliver posts a formatted line for chat and event updates; other
// kinds are skipped.
func (a *DiscordAdapter) Deliver(_ context.Context, event *Event) error {
	line := formatLine(event)
	if line == "" {
		return nil
	}
	if _, err := a.session.ChannelMessageSend(a.channelID, line); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (a *DiscordAdapter) Close() error {
	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

// formatLine renders an event as one human-readable chat line.
func formatLine(event *Event) string {
	text, _ := event.Payload["text"].(string)
	if text == "" {
		return ""
	}
	switch event.Kind {
	case "chat_message":
		sender, _ := event.Payload["sender_name"].(string)
		receiver, _ := event.Payload["receiver_name"].(string)
		if receiver != "" {
			return fmt.Sprintf("**%s → %s**: %s", sender, receiver, text)
		}
		return fmt.Sprintf("**%s**: %s", sender, text)
	case "event":
		return "📣 " + text
	default:
		return ""
	}
}
