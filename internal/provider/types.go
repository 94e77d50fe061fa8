// Package provider implements clients for generative text providers and
// the prompt service the simulation engine talks to.
package provider

import (
	"context"
	"time"
)

// Completer is the contract the scheduler expects from a generative
// text provider: one completion call that either returns text or fails.
// Failures are never fatal to callers; they fall back to heuristics.
type Completer interface {
	Name() string
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Config holds settings for a provider client instance.
type Config struct {
	Type          string        `json:"type"`
	Endpoint      string        `json:"endpoint"`
	APIKey        string        `json:"api_key"`
	Model         string        `json:"model"`
	FallbackModel string        `json:"fallback_model"`
	Temperature   float64       `json:"temperature"`
	MaxTokens     int           `json:"max_tokens"`
	Timeout       time.Duration `json:"timeout"`

	// GigaChat OAuth settings.
	AuthURL     string `json:"auth_url"`
	AuthKey     string `json:"auth_key"`
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	VerifySSL   bool   `json:"verify_ssl"`
}

// chatMessage is the wire format shared by both chat-completion APIs.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (r *chatResponse) content() string {
	if len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}
