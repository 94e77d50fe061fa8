package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nidhogg/vivarium/internal/api"
	"github.com/nidhogg/vivarium/internal/config"
	"github.com/nidhogg/vivarium/internal/embedding"
	"github.com/nidhogg/vivarium/internal/gateway"
	"github.com/nidhogg/vivarium/internal/memory"
	"github.com/nidhogg/vivarium/internal/presence"
	"github.com/nidhogg/vivarium/internal/provider"
	"github.com/nidhogg/vivarium/internal/sim"
	"github.com/nidhogg/vivarium/internal/store"
	"github.com/nidhogg/vivarium/internal/vectorstore"
)

func main() {
	_ = godotenv.Load()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/vivarium.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config %s: %v", cfgPath, err))
	}

	logger := buildLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Vivarium...", zap.String("config", cfgPath))

	ctx := context.Background()

	// PostgreSQL
	db, err := store.New(cfg.Database.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal("PostgreSQL unavailable", zap.Error(err))
	}
	if err := db.Migrate(ctx, "migrations"); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	// Qdrant
	vectors, err := vectorstore.NewClient(vectorstore.Config{
		Host: cfg.Database.Qdrant.Host,
		Port: cfg.Database.Qdrant.Port,
	})
	if err != nil {
		logger.Fatal("Qdrant client init failed", zap.Error(err))
	}
	if err := vectors.EnsureCollection(ctx, cfg.Database.Qdrant.Collection,
		uint64(cfg.Embedding.Dimension)); err != nil {
		logger.Warn("Qdrant collection unavailable, retrieval degraded", zap.Error(err))
	}

	// Presence (optional)
	var viewerPresence api.Presence
	var tracker *presence.Tracker
	if cfg.Database.Redis.URL != "" {
		ttl := time.Duration(cfg.Simulation.PresenceTTLSeconds) * time.Second
		t, err := presence.New(cfg.Database.Redis.URL, ttl, logger)
		if err != nil {
			logger.Warn("Redis unavailable, running without presence", zap.Error(err))
		} else {
			tracker = t
			viewerPresence = t
		}
	}

	// Embeddings
	var embedder embedding.Provider
	switch cfg.Embedding.Provider {
	case "api":
		embedder = embedding.NewAPIProvider(embedding.Config{
			Endpoint:  cfg.Embedding.Endpoint,
			Model:     cfg.Embedding.Model,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
		})
	default:
		embedder = embedding.NewHashProvider(cfg.Embedding.Dimension)
	}

	// Generative text provider
	var completer provider.Completer
	providerCfg := provider.Config{
		Type:          cfg.Provider.Type,
		Endpoint:      cfg.Provider.Endpoint,
		APIKey:        cfg.Provider.APIKey,
		Model:         cfg.Provider.Model,
		FallbackModel: cfg.Provider.FallbackModel,
		Temperature:   cfg.Provider.Temperature,
		MaxTokens:     cfg.Provider.MaxTokens,
		Timeout:       cfg.ProviderTimeout(),
		AuthURL:       cfg.Provider.AuthURL,
		AuthKey:       cfg.Provider.AuthKey,
		AccessToken:   cfg.Provider.AccessToken,
		Scope:         cfg.Provider.Scope,
		VerifySSL:     cfg.Provider.VerifySSL,
	}
	switch cfg.Provider.Type {
	case "openai":
		completer = provider.NewOpenAIClient(providerCfg, logger)
	case "gigachat":
		completer = provider.NewGigaChatClient(providerCfg, logger)
	case "", "none":
		logger.Info("generative provider disabled, using heuristics")
	default:
		logger.Warn("unknown provider type, using heuristics", zap.String("type", cfg.Provider.Type))
	}
	textGen := provider.NewService(completer, provider.ServiceConfig{
		StepProbability:     cfg.Provider.StepProbability,
		DialogueProbability: cfg.Provider.DialogueProbability,
		SummaryProbability:  cfg.Provider.SummaryProbability,
	}, nil, logger)

	// Memory service
	memories := memory.NewService(db, vectors, embedder, textGen, memory.Config{
		Collection:   cfg.Database.Qdrant.Collection,
		ContextLimit: cfg.Simulation.MemoryContextLimit,
		BatchSize:    cfg.Simulation.SummaryBatchSize,
	}, logger)

	// Gateway fanout
	fanout := gateway.NewFanout(logger)
	bus := gateway.NewBus()
	hub := gateway.NewHub(logger)
	fanout.Register(bus)
	fanout.Register(hub)
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		fanout.Register(gateway.NewDiscordAdapter(
			cfg.Gateway.Discord.BotToken, cfg.Gateway.Discord.ChannelID, logger))
	}
	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		fanout.Register(gateway.NewSlackAdapter(
			cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.Channel, logger))
	}
	fanout.ConnectAll(ctx)

	// Simulation engine
	simCfg := sim.DefaultConfig()
	simCfg.TickInterval = time.Duration(cfg.Simulation.TickSeconds * float64(time.Second))
	simCfg.AgentCooldown = time.Duration(cfg.Simulation.AgentCooldownSeconds * float64(time.Second))
	simCfg.TextGenCooldown = time.Duration(cfg.Simulation.LLMCooldownSeconds * float64(time.Second))
	simCfg.ChatMaxLen = cfg.Simulation.ChatMaxLen
	simCfg.StrictFocus = time.Duration(cfg.Simulation.StrictFocusSeconds * float64(time.Second))
	simCfg.EventMaxAge = time.Duration(cfg.Simulation.EventMaxAgeSeconds * float64(time.Second))

	engine := sim.NewEngine(db, memories, textGen, fanout, simCfg, logger)
	engine.Start(ctx)
	logger.Info("Simulation started")

	// HTTP server
	handler := api.NewHandler(db, memories, engine, textGen, fanout, bus, hub, viewerPresence, logger)
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Vivarium listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Vivarium...")
	engine.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	fanout.Close()
	if tracker != nil {
		tracker.Close()
	}
	vectors.Close()
	db.Close()
}

func buildLogger(level string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
