// Package api exposes the HTTP surface: world state queries, event
// injection, direct messaging and the live event stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nidhogg/vivarium/internal/gateway"
	"github.com/nidhogg/vivarium/internal/relation"
	"github.com/nidhogg/vivarium/internal/store"
	"github.com/nidhogg/vivarium/internal/world"
)

// DefaultWorldID is used when a request does not name a world.
const DefaultWorldID = "default"

// Persistence is the store surface the handlers use.
type Persistence interface {
	ListAgents(ctx context.Context, worldID string) ([]*world.Agent, error)
	GetAgent(ctx context.Context, id string) (*world.Agent, error)
	SaveAgent(ctx context.Context, a *world.Agent) error
	SeedRelations(ctx context.Context, agentID, worldID string) error
	ListRelations(ctx context.Context, sourceID string) ([]*world.Relationship, error)
	PlanHistory(ctx context.Context, agentID string, limit int) ([]string, error)
	SetCurrentPlan(ctx context.Context, agentID, text string) error
	InsertEvent(ctx context.Context, e *world.Event) error
	ListEvents(ctx context.Context, worldID string, limit int) ([]*world.Event, error)
	InsertDirectMessage(ctx context.Context, m *world.DirectMessage) error
	DirectHistory(ctx context.Context, agentID string, limit int) ([]*world.DirectMessage, error)
	ChatHistory(ctx context.Context, worldID string, limit int) ([]*world.ChatMessage, error)
	GetWorldSpeed(ctx context.Context, worldID string) (float64, error)
	UpsertWorldSpeed(ctx context.Context, worldID string, speed float64) error
}

// Memories is the slice of the memory service the handlers need.
type Memories interface {
	Remember(ctx context.Context, agentID, source, content string) (*world.MemoryRecord, error)
	Retrieve(ctx context.Context, agentID, query string, k int) ([]string, error)
}

// Scheduler controls the simulation loop.
type Scheduler interface {
	SetRunning(running bool)
	IsRunning() bool
}

// TextProvider reports generation availability.
type TextProvider interface {
	Enabled() bool
	ProviderName() string
	TestConnection(ctx context.Context) (ok bool, message string, latency time.Duration)
}

// Publisher fans API-originated updates to live listeners.
type Publisher interface {
	Publish(ctx context.Context, kind string, payload map[string]any)
}

// Presence tracks viewer heartbeats; may be nil when Redis is absent.
type Presence interface {
	Touch(ctx context.Context, worldID, viewerID string) error
	ActiveViewers(ctx context.Context, worldID string) (int, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	db        Persistence
	memories  Memories
	scheduler Scheduler
	provider  TextProvider
	publisher Publisher
	bus       *gateway.Bus
	hub       *gateway.Hub
	presence  Presence
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewHandler creates the API handler.
func NewHandler(db Persistence, memories Memories, scheduler Scheduler, provider TextProvider, publisher Publisher, bus *gateway.Bus, hub *gateway.Hub, presence Presence, logger *zap.Logger) *Handler {
	return &Handler{
		db:        db,
		memories:  memories,
		scheduler: scheduler,
		provider:  provider,
		publisher: publisher,
		bus:       bus,
		hub:       hub,
		presence:  presence,
		logger:    logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/health", h.healthCheck)

	r.Get("/agents", h.listAgents)
	r.Post("/agents", h.createAgent)
	r.Get("/agents/{id}", h.getAgent)
	r.Get("/agents/{id}/relations", h.agentRelations)
	r.Get("/agents/{id}/mood", h.agentMood)
	r.Get("/agents/{id}/plans", h.agentPlans)
	r.Get("/agents/{id}/reflection", h.agentReflection)
	r.Get("/agents/{id}/messages", h.agentMessages)

	r.Get("/relations", h.allRelations)
	r.Get("/chat/history", h.chatHistory)

	r.Post("/events", h.createEvent)
	r.Get("/events", h.listEvents)
	r.Post("/messages", h.sendMessage)

	r.Get("/time-speed", h.getTimeSpeed)
	r.Post("/time-speed", h.setTimeSpeed)

	r.Post("/simulation/pause", h.pauseSimulation)
	r.Post("/simulation/resume", h.resumeSimulation)
	r.Get("/simulation/status", h.simulationStatus)

	r.Get("/llm/status", h.providerStatus)
	r.Post("/llm/test", h.providerTest)

	r.Post("/presence/{worldID}/{viewerID}", h.touchPresence)
	r.Get("/presence/{worldID}", h.presenceCount)

	r.Get("/events/stream", h.eventStream)
	r.Get("/ws/events", h.eventsWS)

	return r
}

func worldIDParam(r *http.Request) string {
	if id := r.URL.Query().Get("world_id"); id != "" {
		return id
	}
	return DefaultWorldID
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.db.ListAgents(r.Context(), worldIDParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if agents == nil {
		agents = []*world.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

type createAgentRequest struct {
	Name        string `json:"name"`
	Avatar      string `json:"avatar"`
	AvatarColor string `json:"avatar_color"`
	Personality string `json:"personality"`
	WorldID     string `json:"world_id"`
}

func (h *Handler) createAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if req.WorldID == "" {
		req.WorldID = DefaultWorldID
	}

	existing, err := h.db.ListAgents(r.Context(), req.WorldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, a := range existing {
		if a.Name == name {
			writeError(w, http.StatusBadRequest, errors.New("agent with this name already exists"))
			return
		}
	}

	personality := req.Personality
	if personality == "" {
		personality = "Новый агент с уникальным взглядом на мир."
	}
	mood := relation.DefaultMood()
	agent := &world.Agent{
		ID:          uuid.New().String(),
		WorldID:     req.WorldID,
		Name:        name,
		Avatar:      req.Avatar,
		AvatarColor: req.AvatarColor,
		Personality: personality,
		MoodScore:   mood.Score,
		MoodText:    mood.Text,
		MoodEmoji:   mood.Emoji,
		MoodColor:   mood.Color,
		CurrentPlan: "Осмотреться и познакомиться с окружающими",
	}
	if err := h.db.SaveAgent(r.Context(), agent); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.db.SetCurrentPlan(r.Context(), agent.ID, agent.CurrentPlan); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.db.SeedRelations(r.Context(), agent.ID, agent.WorldID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := h.memories.Remember(r.Context(), agent.ID, "birth",
		fmt.Sprintf("Я появился в мире под именем %s.", agent.Name)); err != nil {
		h.logger.Warn("birth memory failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := h.db.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("agent not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

type agentRelationOut struct {
	TargetAgentID string  `json:"target_agent_id"`
	TargetName    string  `json:"target_name"`
	Type          string  `json:"type"`
	Color         string  `json:"color"`
	Score         float64 `json:"score"`
}

func (h *Handler) agentRelations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.db.GetAgent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("agent not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	rels, err := h.db.ListRelations(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	peers, err := h.db.ListAgents(r.Context(), agent.WorldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	names := make(map[string]string, len(peers))
	for _, p := range peers {
		names[p.ID] = p.Name
	}

	out := make([]agentRelationOut, 0, len(rels))
	for _, rel := range rels {
		label, color := relationLabel(rel.Score)
		out = append(out, agentRelationOut{
			TargetAgentID: rel.TargetAgentID,
			TargetName:    names[rel.TargetAgentID],
			Type:          label,
			Color:         color,
			Score:         round3(rel.Score),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) allRelations(w http.ResponseWriter, r *http.Request) {
	agents, err := h.db.ListAgents(r.Context(), worldIDParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]any, 0)
	for _, a := range agents {
		rels, err := h.db.ListRelations(r.Context(), a.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		for _, rel := range rels {
			out = append(out, map[string]any{
				"from":  rel.SourceAgentID,
				"to":    rel.TargetAgentID,
				"value": round3(rel.Score),
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) agentMood(w http.ResponseWriter, r *http.Request) {
	agent, err := h.db.GetAgent(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("agent not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"text":  agent.MoodText,
		"emoji": agent.MoodEmoji,
		"color": agent.MoodColor,
		"score": agent.MoodScore,
	})
}

func (h *Handler) agentPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.db.PlanHistory(r.Context(), chi.URLParam(r, "id"), 5)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]map[string]string, 0, len(plans))
	for _, p := range plans {
		out = append(out, map[string]string{"text": p})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) agentReflection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	agent, err := h.db.GetAgent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("agent not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	reflection := agent.Reflection
	if memories, err := h.memories.Retrieve(r.Context(), id, "последние мысли", 2); err == nil && len(memories) > 0 {
		reflection = fmt.Sprintf("%s Ключевое воспоминание: %s", reflection, memories[0])
	}
	writeJSON(w, http.StatusOK, map[string]string{"reflection": reflection})
}

func (h *Handler) agentMessages(w http.ResponseWriter, r *http.Request) {
	history, err := h.db.DirectHistory(r.Context(), chi.URLParam(r, "id"), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if history == nil {
		history = []*world.DirectMessage{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (h *Handler) chatHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := h.db.ChatHistory(r.Context(), worldIDParam(r), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if messages == nil {
		messages = []*world.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

type createEventRequest struct {
	Text    string `json:"text"`
	WorldID string `json:"world_id"`
}

// createEvent injects a user event: every agent gets a memory of it and
// drops its plan to adapt.
func (h *Handler) createEvent(w http.ResponseWriter, r *http.Request) {
	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}
	if req.WorldID == "" {
		req.WorldID = DefaultWorldID
	}

	event := &world.Event{
		ID:      uuid.New().String(),
		WorldID: req.WorldID,
		Text:    text,
		Type:    world.EventUserInjected,
	}
	if err := h.db.InsertEvent(r.Context(), event); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	agents, err := h.db.ListAgents(r.Context(), req.WorldID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	for _, a := range agents {
		if _, err := h.memories.Remember(r.Context(), a.ID, "world", "Событие мира: "+text); err != nil {
			h.logger.Warn("event memory failed", zap.String("agent_id", a.ID), zap.Error(err))
		}
		a.Reflection = fmt.Sprintf("Произошло важное событие: %s. Нужно переосмыслить действия.", text)
		a.CurrentPlan = "Адаптироваться к новому событию"
		if err := h.db.SaveAgent(r.Context(), a); err != nil {
			h.logger.Warn("agent refocus failed", zap.String("agent_id", a.ID), zap.Error(err))
		}
	}

	h.publisher.Publish(r.Context(), "event", map[string]any{
		"world_id":   event.WorldID,
		"event_id":   event.ID,
		"text":       event.Text,
		"event_type": string(event.Type),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusCreated, event)
}

func (h *Handler) listEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.db.ListEvents(r.Context(), worldIDParam(r), 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if events == nil {
		events = []*world.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

type sendMessageRequest struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, errors.New("text is required"))
		return
	}

	agent, err := h.db.GetAgent(r.Context(), req.AgentID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errors.New("agent not found"))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	msg := &world.DirectMessage{
		ID:      uuid.New().String(),
		AgentID: agent.ID,
		Sender:  world.SenderUser,
		Text:    text,
	}
	if err := h.db.InsertDirectMessage(r.Context(), msg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := h.memories.Remember(r.Context(), agent.ID, "user_message", "Пользователь сказал: "+text); err != nil {
		h.logger.Warn("user message memory failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}
	agent.Reflection = fmt.Sprintf("Пользователь написал мне: '%s'. Стоит ответить с учетом настроения.", text)
	if err := h.db.SaveAgent(r.Context(), agent); err != nil {
		h.logger.Warn("agent reflection update failed", zap.String("agent_id", agent.ID), zap.Error(err))
	}

	h.publisher.Publish(r.Context(), "message", map[string]any{
		"agent_id":  agent.ID,
		"sender":    string(world.SenderUser),
		"text":      text,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "agent_id": agent.ID})
}

type timeSpeedRequest struct {
	Speed   float64 `json:"speed"`
	WorldID string  `json:"world_id"`
}

func (h *Handler) getTimeSpeed(w http.ResponseWriter, r *http.Request) {
	speed, err := h.db.GetWorldSpeed(r.Context(), worldIDParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"speed": speed})
}

func (h *Handler) setTimeSpeed(w http.ResponseWriter, r *http.Request) {
	var req timeSpeedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Speed < 0 {
		writeError(w, http.StatusBadRequest, errors.New("speed must be >= 0"))
		return
	}
	if req.WorldID == "" {
		req.WorldID = DefaultWorldID
	}
	if err := h.db.UpsertWorldSpeed(r.Context(), req.WorldID, req.Speed); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"speed": req.Speed})
}

func (h *Handler) pauseSimulation(w http.ResponseWriter, r *http.Request) {
	h.scheduler.SetRunning(false)
	writeJSON(w, http.StatusOK, map[string]bool{"running": false})
}

func (h *Handler) resumeSimulation(w http.ResponseWriter, r *http.Request) {
	h.scheduler.SetRunning(true)
	writeJSON(w, http.StatusOK, map[string]bool{"running": true})
}

func (h *Handler) simulationStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": h.scheduler.IsRunning()})
}

func (h *Handler) providerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":  h.provider.Enabled(),
		"provider": h.provider.ProviderName(),
	})
}

func (h *Handler) providerTest(w http.ResponseWriter, r *http.Request) {
	ok, message, latency := h.provider.TestConnection(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         ok,
		"provider":   h.provider.ProviderName(),
		"message":    message,
		"latency_ms": latency.Milliseconds(),
	})
}

func (h *Handler) touchPresence(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("presence not configured"))
		return
	}
	worldID := chi.URLParam(r, "worldID")
	viewerID := chi.URLParam(r, "viewerID")
	if err := h.presence.Touch(r.Context(), worldID, viewerID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) presenceCount(w http.ResponseWriter, r *http.Request) {
	if h.presence == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("presence not configured"))
		return
	}
	count, err := h.presence.ActiveViewers(r.Context(), chi.URLParam(r, "worldID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"viewers": count})
}

// eventStream serves the SSE feed of simulation updates.
func (h *Handler) eventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	events, cancel := h.bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			payload := make(map[string]any, len(event.Payload)+1)
			for k, v := range event.Payload {
				payload[k] = v
			}
			payload["type"] = event.Kind
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// eventsWS upgrades the connection and attaches it to the hub. The
// server only pushes; inbound frames keep the connection alive.
func (h *Handler) eventsWS(w http.ResponseWriter, r *http.Request) {
	worldID := worldIDParam(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if h.presence != nil {
		if err := h.presence.Touch(r.Context(), worldID, conn.RemoteAddr().String()); err != nil {
			h.logger.Debug("presence touch failed", zap.Error(err))
		}
	}
	h.hub.Add(conn)
	go func() {
		defer h.hub.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func relationLabel(score float64) (string, string) {
	if score >= 0.7 {
		return "Симпатия", "#4CAF50"
	}
	if score >= 0.4 {
		return "Нейтралитет", "#FFC107"
	}
	return "Антипатия", "#F44336"
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
