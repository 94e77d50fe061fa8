package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Provider   ProviderConfig   `json:"provider"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Gateway    GatewayConfig    `json:"gateway"`
	Simulation SimulationConfig `json:"simulation"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Qdrant   QdrantConfig   `json:"qdrant"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// ProviderConfig configures the generative text provider.
type ProviderConfig struct {
	Type           string  `json:"type"` // none | openai | gigachat
	Endpoint       string  `json:"endpoint"`
	APIKey         string  `json:"api_key"`
	Model          string  `json:"model"`
	FallbackModel  string  `json:"fallback_model"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	TimeoutSeconds float64 `json:"timeout_seconds"`

	// GigaChat OAuth settings.
	AuthURL     string `json:"auth_url"`
	AuthKey     string `json:"auth_key"`
	AccessToken string `json:"access_token"`
	Scope       string `json:"scope"`
	VerifySSL   bool   `json:"verify_ssl"`

	StepProbability     float64 `json:"step_probability"`
	DialogueProbability float64 `json:"dialogue_probability"`
	SummaryProbability  float64 `json:"summary_probability"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // hash | api
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

type GatewayConfig struct {
	Discord DiscordGatewayConfig `json:"discord"`
	Slack   SlackGatewayConfig   `json:"slack"`
}

type DiscordGatewayConfig struct {
	Enabled   bool   `json:"enabled"`
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type SlackGatewayConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

// SimulationConfig tunes the tick scheduler and the memory store.
type SimulationConfig struct {
	TickSeconds          float64 `json:"tick_seconds"`
	AgentCooldownSeconds float64 `json:"agent_cooldown_seconds"`
	LLMCooldownSeconds   float64 `json:"llm_cooldown_seconds"`
	MemoryContextLimit   int     `json:"memory_context_limit"`
	SummaryBatchSize     int     `json:"summary_batch_size"`
	ChatMaxLen           int     `json:"chat_max_len"`
	StrictFocusSeconds   float64 `json:"strict_focus_seconds"`
	EventMaxAgeSeconds   float64 `json:"event_max_age_seconds"`
	PresenceTTLSeconds   int     `json:"presence_ttl_seconds"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable
// references and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "vivarium_memories"
	}
	if c.Provider.Temperature == 0 {
		c.Provider.Temperature = 0.7
	}
	if c.Provider.MaxTokens == 0 {
		c.Provider.MaxTokens = 512
	}
	if c.Provider.TimeoutSeconds == 0 {
		c.Provider.TimeoutSeconds = 45
	}
	if c.Provider.StepProbability == 0 {
		c.Provider.StepProbability = 0.35
	}
	if c.Provider.DialogueProbability == 0 {
		c.Provider.DialogueProbability = 0.60
	}
	if c.Provider.SummaryProbability == 0 {
		c.Provider.SummaryProbability = 0.50
	}
	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "hash"
	}
	if c.Embedding.Dimension == 0 {
		c.Embedding.Dimension = 128
	}
	s := &c.Simulation
	if s.TickSeconds == 0 {
		s.TickSeconds = 6
	}
	if s.AgentCooldownSeconds == 0 {
		s.AgentCooldownSeconds = 8
	}
	if s.LLMCooldownSeconds == 0 {
		s.LLMCooldownSeconds = 60
	}
	if s.MemoryContextLimit == 0 {
		s.MemoryContextLimit = 15
	}
	if s.SummaryBatchSize == 0 {
		s.SummaryBatchSize = 8
	}
	if s.ChatMaxLen == 0 {
		s.ChatMaxLen = 120
	}
	if s.StrictFocusSeconds == 0 {
		s.StrictFocusSeconds = 180
	}
	if s.EventMaxAgeSeconds == 0 {
		s.EventMaxAgeSeconds = 600
	}
	if s.PresenceTTLSeconds == 0 {
		s.PresenceTTLSeconds = 90
	}
}

// ProviderTimeout returns the provider timeout as a duration.
func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.Provider.TimeoutSeconds * float64(time.Second))
}
