package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// GigaChatClient talks to the Sber GigaChat API. Access tokens are
// obtained through the OAuth endpoint and cached until expiry.
type GigaChatClient struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	tokenMu      sync.Mutex
	token        string
	tokenExpires time.Time
}

// NewGigaChatClient creates a GigaChat client.
func NewGigaChatClient(cfg Config, logger *zap.Logger) *GigaChatClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 45 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://gigachat.devices.sberbank.ru/api/v1"
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = "https://ngw.devices.sberbank.ru:9443/api/v2/oauth"
	}
	if cfg.Scope == "" {
		cfg.Scope = "GIGACHAT_API_PERS"
	}
	transport := &http.Transport{}
	if !cfg.VerifySSL {
		// The GigaChat endpoints commonly sit behind the Russian trusted
		// root CA, absent from standard cert bundles.
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &GigaChatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout, Transport: transport},
		logger: logger,
		token:  cfg.AccessToken,
	}
}

func (c *GigaChatClient) Name() string { return "gigachat" }

// Complete runs a completion against the primary model, retrying the
// configured fallback model once on failure or empty content.
func (c *GigaChatClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
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

func (c *GigaChatClient) completeModel(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

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
	req.Header.Set("Authorization", "Bearer "+token)

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

// accessToken returns a cached token or requests a fresh one through
// the OAuth endpoint.
func (c *GigaChatClient) accessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	if c.cfg.AccessToken != "" {
		return c.cfg.AccessToken, nil
	}
	if c.token != "" && time.Now().Before(c.tokenExpires) {
		return c.token, nil
	}
	if c.cfg.AuthKey == "" {
		return "", fmt.Errorf("gigachat: no auth key configured")
	}

	form := url.Values{"scope": {c.cfg.Scope}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("gigachat: create auth request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+c.cfg.AuthKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("RqUID", uuid.New().String())

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gigachat: auth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("gigachat: auth error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresAt   int64  `json:"expires_at"` // unix millis
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("gigachat: decode auth response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", fmt.Errorf("gigachat: empty access token")
	}

	c.token = parsed.AccessToken
	if parsed.ExpiresAt > 0 {
		c.tokenExpires = time.UnixMilli(parsed.ExpiresAt)
	} else {
		c.tokenExpires = time.Now()
	}
	return c.token, nil
}
