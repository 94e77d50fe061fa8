package sim

import "math/rand"

// NeutralTopics seed conversations when a pair has nothing else to talk
// about.
var NeutralTopics = []string{
	"как распределить задачи на сегодня",
	"какой следующий шаг у команды",
	"что мешает продвинуться быстрее",
	"как улучшить взаимодействие между нами",
}

// conversation is the live topic of one unordered agent pair.
type conversation struct {
	topic          string
	remainingTurns int
}

// topicBook tracks per-pair conversation topics, partitioned by world.
// Pair keys are unordered: both directions share one conversation.
type topicBook struct {
	worlds map[string]map[[2]string]*conversation
	rng    *rand.Rand
}

func newTopicBook(rng *rand.Rand) *topicBook {
	return &topicBook{worlds: make(map[string]map[[2]string]*conversation), rng: rng}
}

func (t *topicBook) pairs(worldID string) map[[2]string]*conversation {
	p, ok := t.worlds[worldID]
	if !ok {
		p = make(map[[2]string]*conversation)
		t.worlds[worldID] = p
	}
	return p
}

func pairKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

// Select returns the pair's topic for this turn. An event override
// replaces the conversation outright; otherwise an active conversation
// is continued until its turns run out, then a new topic starts from
// the actor's plan, the latest event, or a neutral seed.
func (t *topicBook) Select(worldID, actorID, targetID, actorPlan, latestEventText string, eventOverride bool) string {
	pairs := t.pairs(worldID)
	key := pairKey(actorID, targetID)

	if eventOverride && latestEventText != "" {
		pairs[key] = &conversation{topic: latestEventText, remainingTurns: 3 + t.rng.Intn(3)}
		return latestEventText
	}

	if state, ok := pairs[key]; ok && state.remainingTurns > 0 {
		state.remainingTurns--
		return state.topic
	}

	var topic string
	switch {
	case actorPlan != "":
		topic = actorPlan
	case latestEventText != "" && t.rng.Float64() < 0.30:
		topic = latestEventText
	default:
		topic = NeutralTopics[t.rng.Intn(len(NeutralTopics))]
	}
	pairs[key] = &conversation{topic: topic, remainingTurns: 2 + t.rng.Intn(3)}
	return topic
}

// Reset drops every tracked conversation in one world. Other worlds'
// conversations are untouched.
func (t *topicBook) Reset(worldID string) {
	delete(t.worlds, worldID)
}
