package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OpenAIClient talks to any OpenAI-compatible chat completions API
// (DeepSeek, OpenAI, local inference servers).
type OpenAIClient struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIClient creates an OpenAI-compatible client.
func NewOpenAIClient(cfg Config, logger *zap.Logger) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.deepseek.com"
	}
	return &OpenAIClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

// Complete runs a completion against the primary model, retrying the
// configured fallback model once on failure or empty content.
func (c *OpenAIClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	text, err := c.completeModel(ctx, c.cfg.Model, systemPrompt, userPrompt)
	if err == nil && text != "" {
		return text, nil
	}
	if c.cfg.FallbackModel == "" {
		if err != nil {
			return "", err
		}
		return "", fmt.Errorf("provider returned no content")
	}
	c.logger.Warn("primary model failed, trying fallback",
		zap.String("model", c.cfg.Model),
		zap.String("fallback", c.cfg.FallbackModel),
		zap.Error(err))
	return c.completeModel(ctx, c.cfg.FallbackModel, systemPrompt, userPrompt)
}

func (c *OpenAIClient) completeModel(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	return parsed.content(), nil
}
