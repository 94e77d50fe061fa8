package sim

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/vivarium/internal/plan"
	"github.com/nidhogg/vivarium/internal/provider"
	"github.com/nidhogg/vivarium/internal/quality"
	"github.com/nidhogg/vivarium/internal/relation"
	"github.com/nidhogg/vivarium/internal/store"
	"github.com/nidhogg/vivarium/internal/world"
)

const (
	pairContextLimit   = 10
	directContextLimit = 8
	memoryRetrievalK   = 3
)

// round executes one scheduling round for a world: answer one pending
// user message if any, otherwise stage one agent-to-agent turn.
func (e *Engine) round(ctx context.Context, worldID string, agents []*world.Agent) error {
	latest, err := e.latestUserEvent(ctx, worldID)
	if err != nil {
		return err
	}
	active, err := e.focus.Resolve(ctx, worldID, agents, latest, func() {
		delete(e.pendingReply, worldID)
		e.topics.Reset(worldID)
	})
	if err != nil {
		return err
	}

	byID := make(map[string]*world.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	pending, err := e.store.PendingUserMessages(ctx, worldID)
	if err != nil {
		return err
	}
	for _, msg := range pending {
		actor := byID[msg.AgentID]
		if actor == nil || e.onCooldown(actor.ID) {
			continue
		}
		return e.answerUserMessage(ctx, worldID, actor, msg, active)
	}

	if len(agents) < 2 {
		return nil
	}

	var actor, target *world.Agent
	if active != nil {
		actor, target, err = e.pickPairForEvent(ctx, agents, active.ID)
		if err != nil {
			return err
		}
	} else {
		actor, target = e.pickPair(worldID, agents)
	}
	if actor == nil || target == nil {
		return nil
	}
	if e.onCooldown(actor.ID) {
		return nil
	}

	return e.agentTurn(ctx, worldID, actor, target, active, latest)
}

// agentTurn stages one actor->target exchange, commits it as a batch
// and fans the results out. active is non-nil while the world is in
// focus mode; latest is the freshest injected event even after focus
// released, feeding topic selection.
func (e *Engine) agentTurn(ctx context.Context, worldID string, actor, target *world.Agent, active, latest *world.Event) error {
	rel, err := e.store.GetRelation(ctx, actor.ID, target.ID)
	if err != nil {
		return err
	}
	// Low sympathy makes an exchange unlikely; an active event overrides
	// the gate entirely.
	if active == nil && e.rng.Float64() > max(0.10, rel.Score*0.60) {
		return nil
	}

	memories, err := e.memories.Retrieve(ctx, actor.ID, target.Name+" диалог", memoryRetrievalK)
	if err != nil {
		e.logger.Warn("memory retrieval failed", zap.String("agent_id", actor.ID), zap.Error(err))
	}

	var step provider.AgentStep
	stepOK := false
	if active == nil && e.canGenerate(e.lastStepGen, actor.ID) {
		if got, ok := e.textgen.GenerateAgentStep(ctx, actor.Name, actor.Personality, actor.MoodText, target.Name, memories); ok {
			step, stepOK = got, true
			e.lastStepGen[actor.ID] = e.now()
		}
	}

	forceReaction := false
	if active != nil {
		reacted, err := e.store.HasEventReaction(ctx, actor.ID, active.ID)
		if err != nil {
			return err
		}
		forceReaction = !reacted
	}

	var topic string
	if active != nil {
		topic = e.topics.Select(worldID, actor.ID, target.ID, "", active.Text, true)
	} else {
		latestText := ""
		if latest != nil {
			latestText = latest.Text
		}
		topic = e.topics.Select(worldID, actor.ID, target.ID, strings.TrimSpace(actor.CurrentPlan), latestText, false)
	}

	var chatText string
	if active != nil {
		chatText = eventFocusedChat(target.Name, active.Text)
	} else {
		chatText, err = e.composeDialogue(ctx, actor, target, topic)
		if err != nil {
			return err
		}
	}

	chatDB := quality.Truncate(chatText, e.cfg.ChatMaxLen)
	topicDB := quality.Truncate(topic, e.cfg.ChatMaxLen)

	lastSent, err := e.store.LastChatBetween(ctx, actor.ID, target.ID)
	if err != nil {
		return err
	}
	if quality.IsExactRepeat(chatDB, lastSent) {
		e.logger.Info("drop duplicate line",
			zap.String("sender", actor.ID), zap.String("receiver", target.ID))
		return nil
	}
	recent, err := e.store.RecentBySender(ctx, actor.ID, quality.RepetitionWindow)
	if err != nil {
		return err
	}
	if quality.IsRepetitive(chatDB, recent) {
		e.logger.Info("drop repetitive line", zap.String("sender", actor.ID))
		return nil
	}

	defaultPlan := buildDefaultPlan(target.Name, topic)
	planText := plan.Compact(step.Plan, defaultPlan)

	// Relation drift applies only on ordinary turns. Event focus turns
	// carry no delta so reactions never skew sympathy.
	newScore := rel.Score
	if active == nil {
		delta := -0.03 + e.rng.Float64()*0.09
		if stepOK && step.HasRelationDelta {
			delta = step.RelationDelta
		}
		newScore = relation.Apply(rel.Score, delta)
	}
	mood := relation.MoodFromScore(newScore)

	reflection := step.Reflection
	if reflection == "" {
		reflection = fmt.Sprintf("Я веду разговор с %s по теме '%s' и держу фокус на конкретных шагах.", target.Name, topic)
	}

	var eventText string
	if active != nil {
		eventText = fmt.Sprintf("%s и %s синхронизировались по событию: %s", actor.Name, target.Name, active.Text)
	} else {
		eventText = fmt.Sprintf("%s скорректировал(а) план после диалога с %s.", actor.Name, target.Name)
	}

	records, err := e.buildTurnMemories(ctx, actor, target, chatDB, eventText, active, forceReaction)
	if err != nil {
		return err
	}

	chatMsg := &world.ChatMessage{
		ID:              uuid.New().String(),
		WorldID:         worldID,
		SenderType:      world.SenderAgent,
		SenderAgentID:   actor.ID,
		ReceiverAgentID: target.ID,
		Text:            chatDB,
		Topic:           topicDB,
	}
	batch := &store.RoundBatch{
		Events: []*world.Event{{
			ID:      uuid.New().String(),
			WorldID: worldID,
			Text:    eventText,
			Type:    world.EventAgentAction,
		}},
		ChatMessages: []*world.ChatMessage{chatMsg},
		Memories:     records,
		Plans:        map[string]string{actor.ID: planText},
		AgentUpdates: []store.AgentUpdate{{
			AgentID:     actor.ID,
			MoodScore:   mood.Score,
			MoodText:    mood.Text,
			MoodEmoji:   mood.Emoji,
			MoodColor:   mood.Color,
			CurrentPlan: planText,
			Reflection:  reflection,
		}},
	}
	if active == nil {
		batch.Relations = []*world.Relationship{{
			SourceAgentID: actor.ID,
			TargetAgentID: target.ID,
			Score:         newScore,
		}}
	}

	if err := e.store.CommitRound(ctx, batch); err != nil {
		return err
	}
	e.markTurn(worldID, actor.ID, target.ID)

	e.afterCommit(ctx, records, actor.ID, target.ID)
	ts := e.now().UTC().Format(time.RFC3339)
	e.publisher.Publish(ctx, "event", map[string]any{
		"world_id":   worldID,
		"event_id":   batch.Events[0].ID,
		"text":       eventText,
		"event_type": string(world.EventAgentAction),
		"timestamp":  ts,
	})
	e.publisher.Publish(ctx, "chat_message", map[string]any{
		"world_id":          worldID,
		"id":                chatMsg.ID,
		"sender_type":       string(world.SenderAgent),
		"sender_agent_id":   actor.ID,
		"sender_name":       actor.Name,
		"receiver_agent_id": target.ID,
		"receiver_name":     target.Name,
		"text":              chatDB,
		"topic":             topicDB,
		"timestamp":         ts,
	})
	return nil
}

// composeDialogue generates an ordinary chat line, retrying once with a
// rephrase hint and falling back to a safe line when the gate keeps
// rejecting.
func (e *Engine) composeDialogue(ctx context.Context, actor, target *world.Agent, topic string) (string, error) {
	recent, err := e.store.RecentPairContext(ctx, actor.ID, target.ID, pairContextLimit)
	if err != nil {
		return "", err
	}

	var text string
	if e.canGenerate(e.lastDialogueGen, actor.ID) {
		if got, ok := e.textgen.GenerateDialogue(ctx, actor.Name, actor.Personality, actor.MoodText, target.Name, topic, recent); ok {
			text = got
			e.lastDialogueGen[actor.ID] = e.now()
		}
	}
	text = quality.Clean(text)

	if !e.gate.IsAcceptable(text) {
		retryTopic := topic + ". Сформулируй иначе: без шаблонов, без повторов, с конкретным шагом."
		if got, ok := e.textgen.GenerateDialogue(ctx, actor.Name, actor.Personality, actor.MoodText, target.Name, retryTopic, recent); ok {
			text = quality.Clean(got)
		}
	}
	if !e.gate.IsAcceptable(text) {
		text = e.gate.Fallback(e.rng)
	}
	return text, nil
}

// answerUserMessage replies to one pending private user message, with
// the reply also mirrored into the world chat.
func (e *Engine) answerUserMessage(ctx context.Context, worldID string, actor *world.Agent, msg *world.DirectMessage, active *world.Event) error {
	var topic, reply string
	if active != nil {
		topic = active.Text
		reply = eventOnlyReply(active.Text)
	} else {
		topic = "Пользователь написал: " + msg.Text
		var err error
		reply, err = e.composeDirectReply(ctx, actor, topic)
		if err != nil {
			return err
		}
	}

	replyDB := quality.Truncate(reply, e.cfg.ChatMaxLen)
	if replyDB == "" {
		replyDB = "Принял."
	}
	chatTopic := "direct"
	if active != nil {
		chatTopic = "event"
	}

	defaultPlan := "Уточнить у пользователя следующий конкретный шаг."
	reflection := fmt.Sprintf("Пользователь написал: %s. Нужен конкретный ответ.", msg.Text)
	if active != nil {
		defaultPlan = "Уточнить у пользователя детали по событию: " + active.Text
		reflection = "Отвечаю пользователю по событию: " + active.Text
	}
	planText := plan.Compact("", defaultPlan)

	var records []*world.MemoryRecord
	m, err := e.memories.Build(ctx, actor.ID, "user_message", "Пользователь написал лично: "+msg.Text)
	if err != nil {
		return err
	}
	records = append(records, m)
	m, err = e.memories.Build(ctx, actor.ID, "agent_reply", "Я ответил пользователю: "+replyDB)
	if err != nil {
		return err
	}
	records = append(records, m)
	if active != nil {
		reacted, err := e.store.HasEventReaction(ctx, actor.ID, active.ID)
		if err != nil {
			return err
		}
		if !reacted {
			m, err = e.memories.Build(ctx, actor.ID, world.ReactionSource(active.ID),
				"Я отреагировал на событие в личном ответе: "+active.Text)
			if err != nil {
				return err
			}
			records = append(records, m)
		}
	}

	directReply := &world.DirectMessage{
		ID:      uuid.New().String(),
		AgentID: actor.ID,
		Sender:  world.SenderAgent,
		Text:    replyDB,
	}
	chatMsg := &world.ChatMessage{
		ID:            uuid.New().String(),
		WorldID:       worldID,
		SenderType:    world.SenderAgent,
		SenderAgentID: actor.ID,
		Text:          replyDB,
		Topic:         chatTopic,
	}
	mood := relation.MoodFromScore(actor.MoodScore)
	batch := &store.RoundBatch{
		DirectReplies: []*world.DirectMessage{directReply},
		ChatMessages:  []*world.ChatMessage{chatMsg},
		Memories:      records,
		Plans:         map[string]string{actor.ID: planText},
		AgentUpdates: []store.AgentUpdate{{
			AgentID:     actor.ID,
			MoodScore:   actor.MoodScore,
			MoodText:    mood.Text,
			MoodEmoji:   mood.Emoji,
			MoodColor:   mood.Color,
			CurrentPlan: planText,
			Reflection:  reflection,
		}},
	}
	if err := e.store.CommitRound(ctx, batch); err != nil {
		return err
	}
	e.lastSent[actor.ID] = e.now()

	e.afterCommit(ctx, records, actor.ID)
	ts := e.now().UTC().Format(time.RFC3339)
	e.publisher.Publish(ctx, "message", map[string]any{
		"agent_id":  actor.ID,
		"sender":    string(world.SenderAgent),
		"text":      replyDB,
		"timestamp": ts,
	})
	e.publisher.Publish(ctx, "chat_message", map[string]any{
		"world_id":        worldID,
		"id":              chatMsg.ID,
		"sender_type":     string(world.SenderAgent),
		"sender_agent_id": actor.ID,
		"sender_name":     actor.Name,
		"text":            replyDB,
		"topic":           chatTopic,
		"timestamp":       ts,
	})
	return nil
}

func (e *Engine) composeDirectReply(ctx context.Context, actor *world.Agent, topic string) (string, error) {
	history, err := e.store.DirectHistory(ctx, actor.ID, directContextLimit)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(history))
	for _, m := range history {
		lines = append(lines, string(m.Sender)+": "+m.Text)
	}

	var text string
	if e.canGenerate(e.lastDialogueGen, actor.ID) {
		if got, ok := e.textgen.GenerateDialogue(ctx, actor.Name, actor.Personality, actor.MoodText, "Пользователь", topic, lines); ok {
			text = got
			e.lastDialogueGen[actor.ID] = e.now()
		}
	}
	text = quality.Clean(text)
	if e.gate.IsAcceptable(text) {
		return text, nil
	}
	return "Я услышал запрос. Предлагаю сразу выбрать один конкретный следующий шаг и зафиксировать его.", nil
}

func (e *Engine) buildTurnMemories(ctx context.Context, actor, target *world.Agent, chatDB, eventText string, active *world.Event, forceReaction bool) ([]*world.MemoryRecord, error) {
	var records []*world.MemoryRecord
	m, err := e.memories.Build(ctx, actor.ID, "chat", fmt.Sprintf("Я написал %s: %s", target.Name, chatDB))
	if err != nil {
		return nil, err
	}
	records = append(records, m)
	m, err = e.memories.Build(ctx, target.ID, "chat", fmt.Sprintf("%s написал мне: %s", actor.Name, chatDB))
	if err != nil {
		return nil, err
	}
	records = append(records, m)
	m, err = e.memories.Build(ctx, actor.ID, "agent_action", eventText)
	if err != nil {
		return nil, err
	}
	records = append(records, m)
	if forceReaction && active != nil {
		m, err = e.memories.Build(ctx, actor.ID, world.ReactionSource(active.ID), "Я отреагировал на событие: "+active.Text)
		if err != nil {
			return nil, err
		}
		records = append(records, m)
	}
	return records, nil
}

// afterCommit indexes the round's memory vectors and triggers
// compaction. Failures here are logged, never fatal.
func (e *Engine) afterCommit(ctx context.Context, records []*world.MemoryRecord, agentIDs ...string) {
	for _, m := range records {
		if err := e.memories.Index(ctx, m); err != nil {
			e.logger.Warn("memory index failed", zap.String("memory_id", m.ID), zap.Error(err))
		}
	}
	for _, id := range agentIDs {
		if err := e.memories.CompactIfNeeded(ctx, id); err != nil {
			e.logger.Warn("memory compaction failed", zap.String("agent_id", id), zap.Error(err))
		}
	}
}

func eventFocusedChat(targetName, eventText string) string {
	return quality.Clean(fmt.Sprintf("%s, фокус только на событии: %s. Предлагаю зафиксировать шаг по нему прямо сейчас.", targetName, eventText))
}

func eventOnlyReply(eventText string) string {
	return quality.Clean(fmt.Sprintf("Сейчас отвечаю только по событию: %s. Предлагаю определить ближайший шаг и ответственного.", eventText))
}

func buildDefaultPlan(targetName, topic string) string {
	normalized := strings.Trim(plan.Normalize(topic), " .")
	if normalized == "" {
		return fmt.Sprintf("Согласовать с %s следующий практический шаг.", targetName)
	}
	if strings.HasPrefix(strings.ToLower(normalized), "согласовать с") {
		if strings.HasSuffix(normalized, ".") {
			return normalized
		}
		return normalized + "."
	}
	return fmt.Sprintf("Согласовать с %s следующий практический шаг по теме '%s'.", targetName, normalized)
}
