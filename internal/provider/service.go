package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vivarium/internal/relation"
)

const (
	agentSystemPrompt = "Ты симулятор поведения AI-агента в виртуальном мире. " +
		"Отвечай строго JSON без markdown в формате " +
		`{"reflection":"...", "plan":"...", "action":"...", "relation_delta":0.0}.`

	summarySystemPrompt = "Ты модуль долговременной памяти. Сожми список эпизодов в короткую сводку " +
		"на русском (2-4 предложения), сохрани факты и причинно-следственные связи."

	dialogueSystemPrompt = "Ты пишешь реплику в чате ботов. Стиль: неформально, как студенты, живо и по делу, без кринжа. " +
		"Верни только одну реплику на русском, без кавычек, 1-2 предложения."
)

const (
	defaultStepProbability     = 0.35
	defaultDialogueProbability = 0.60
	defaultSummaryProbability  = 0.50

	maxMemoriesInPrompt    = 5
	maxMemoryChars         = 240
	maxChatContextMessages = 6
	maxChatContextChars    = 220
)

// AgentStep is a parsed generative step for a single agent turn.
type AgentStep struct {
	Reflection       string
	Plan             string
	Action           string
	RelationDelta    float64
	HasRelationDelta bool
}

// ServiceConfig tunes how often the service consults the completer.
// Zero probabilities fall back to the defaults.
type ServiceConfig struct {
	StepProbability     float64
	DialogueProbability float64
	SummaryProbability  float64
}

// Service wraps a Completer with the simulation's prompt templates and
// per-call sampling. A nil completer means generation is disabled and
// every method reports ok=false, letting callers use their heuristics.
type Service struct {
	completer Completer
	cfg       ServiceConfig
	rng       *rand.Rand
	logger    *zap.Logger
}

// NewService builds a Service around the given completer, which may be nil.
func NewService(completer Completer, cfg ServiceConfig, rng *rand.Rand, logger *zap.Logger) *Service {
	if cfg.StepProbability <= 0 {
		cfg.StepProbability = defaultStepProbability
	}
	if cfg.DialogueProbability <= 0 {
		cfg.DialogueProbability = defaultDialogueProbability
	}
	if cfg.SummaryProbability <= 0 {
		cfg.SummaryProbability = defaultSummaryProbability
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Service{completer: completer, cfg: cfg, rng: rng, logger: logger}
}

// Enabled reports whether a completer is configured.
func (s *Service) Enabled() bool { return s.completer != nil }

// ProviderName returns the underlying completer's name, or "none".
func (s *Service) ProviderName() string {
	if s.completer == nil {
		return "none"
	}
	return s.completer.Name()
}

// TestConnection issues a trivial completion and reports latency.
func (s *Service) TestConnection(ctx context.Context) (ok bool, message string, latency time.Duration) {
	if s.completer == nil {
		return true, "generation disabled by config", 0
	}
	started := time.Now()
	text, err := s.completer.Complete(ctx, "Ответь одним словом: ok", "ping")
	latency = time.Since(started)
	if err != nil {
		return false, err.Error(), latency
	}
	if text == "" {
		return false, "no response from provider", latency
	}
	return true, text, latency
}

// GenerateAgentStep asks the provider for a reflection, plan and action
// for the actor's turn. ok is false when the provider is disabled, the
// sample roll skips the call, or the call fails.
func (s *Service) GenerateAgentStep(ctx context.Context, actorName, actorPersonality, actorMood, targetName string, memories []string) (AgentStep, bool) {
	if s.completer == nil || s.rng.Float64() > s.cfg.StepProbability {
		return AgentStep{}, false
	}

	var lines []string
	for i, m := range memories {
		if i >= maxMemoriesInPrompt {
			break
		}
		lines = append(lines, "- "+clipText(m, maxMemoryChars))
	}
	memoryText := "- (нет воспоминаний)"
	if len(lines) > 0 {
		memoryText = strings.Join(lines, "\n")
	}
	userPrompt := fmt.Sprintf(
		"Агент: %s\nЛичность: %s\nНастроение: %s\nСобеседник: %s\nКлючевые воспоминания:\n%s\nСгенерируй рефлексию, краткий план и действие на тик.",
		actorName, clipText(actorPersonality, 220), actorMood, targetName, memoryText)

	text, err := s.completer.Complete(ctx, agentSystemPrompt, userPrompt)
	if err != nil || text == "" {
		if err != nil {
			s.logger.Debug("agent step generation failed", zap.Error(err))
		}
		return AgentStep{}, false
	}
	return parseAgentStep(text), true
}

// GenerateDialogue asks the provider for one chat line from actor to target.
func (s *Service) GenerateDialogue(ctx context.Context, actorName, actorPersonality, actorMood, targetName, topic string, recentMessages []string) (string, bool) {
	if s.completer == nil || s.rng.Float64() > s.cfg.DialogueProbability {
		return "", false
	}

	if len(recentMessages) > maxChatContextMessages {
		recentMessages = recentMessages[len(recentMessages)-maxChatContextMessages:]
	}
	var lines []string
	for _, m := range recentMessages {
		lines = append(lines, "- "+clipText(m, maxChatContextChars))
	}
	history := "- (нет истории)"
	if len(lines) > 0 {
		history = strings.Join(lines, "\n")
	}
	userPrompt := fmt.Sprintf(
		"Кто говорит: %s\nЛичность: %s\nНастроение: %s\nКому пишет: %s\nТема: %s\nНедавние сообщения:\n%s",
		actorName, clipText(actorPersonality, 180), actorMood, targetName, clipText(topic, 220), history)

	text, err := s.completer.Complete(ctx, dialogueSystemPrompt, userPrompt)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			s.logger.Debug("dialogue generation failed", zap.Error(err))
		}
		return "", false
	}
	return strings.TrimSpace(text), true
}

// SummarizeMemories compresses a batch of episodes into one summary line.
func (s *Service) SummarizeMemories(ctx context.Context, memories []string) (string, bool) {
	if s.completer == nil || len(memories) == 0 || s.rng.Float64() > s.cfg.SummaryProbability {
		return "", false
	}

	limit := max(4, maxMemoriesInPrompt)
	var lines []string
	for i, m := range memories {
		if i >= limit {
			break
		}
		lines = append(lines, "- "+clipText(m, maxMemoryChars))
	}
	userPrompt := "Эпизоды:\n" + strings.Join(lines, "\n")

	text, err := s.completer.Complete(ctx, summarySystemPrompt, userPrompt)
	if err != nil || strings.TrimSpace(text) == "" {
		if err != nil {
			s.logger.Debug("summary generation failed", zap.Error(err))
		}
		return "", false
	}
	return strings.TrimSpace(text), true
}

// parseAgentStep recovers a structured step from possibly messy model
// output: code fences, surrounding prose and Russian key names are all
// tolerated.
func parseAgentStep(raw string) AgentStep {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.Trim(text, "`")
		text = strings.TrimSpace(strings.Replace(text, "json", "", 1))
	}

	parsed := safeJSONParse(text)
	if parsed == nil {
		return AgentStep{}
	}

	step := AgentStep{
		Reflection: firstString(parsed, "reflection", "рефлексия"),
		Plan:       firstString(parsed, "plan", "краткий_план", "план"),
		Action:     firstString(parsed, "action", "действие_на_тик", "действие"),
	}
	if v, ok := parsed["relation_delta"]; ok {
		if f, ok := toFloat(v); ok {
			step.RelationDelta = relation.ClampDelta(f)
			step.HasRelationDelta = true
		}
	}
	return step
}

func safeJSONParse(text string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil {
			return out
		}
	}
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(n), "%g", &f); err == nil {
			return f, true
		}
	}
	return 0, false
}

// clipText truncates text to maxChars runes, marking the cut.
func clipText(text string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return fmt.Sprintf("%s... [truncated %d chars]", string(runes[:maxChars]), len(runes)-maxChars)
}
