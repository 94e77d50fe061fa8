package gateway

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackAdapter mirrors world chat and events into a Slack channel.
type SlackAdapter struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackAdapter creates a Slack broadcaster. token is the Bot User
// OAuth Token (xoxb-...).
func NewSlackAdapter(token, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		client:  slack.New(token),
		channel: channel,
		logger:  logger,
	}
}

func (a *SlackAdapter) Name() string { return "slack" }

// Connect verifies the token against the Slack API.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	resp, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth test: %w", err)
	}
	a.logger.Info("slack adapter connected", zap.String("user", resp.User))
	return nil
}

// Deliver posts a formatted line for chat and event updates.
func (a *SlackAdapter) Deliver(ctx context.Context, event *Event) error {
	line := formatLine(event)
	if line == "" {
		return nil
	}
	_, _, err := a.client.PostMessageContext(ctx, a.channel,
		slack.MsgOptionText(line, false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}

// Close is a no-op; the Slack client is stateless HTTP.
func (a *SlackAdapter) Close() error { return nil }
