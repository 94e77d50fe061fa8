package sim

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vivarium/internal/provider"
	"github.com/nidhogg/vivarium/internal/quality"
	"github.com/nidhogg/vivarium/internal/store"
	"github.com/nidhogg/vivarium/internal/world"
)

type fakeStore struct {
	agents    []*world.Agent
	relations map[[2]string]float64
	event     *world.Event
	reactions map[string]bool
	pending   []*world.DirectMessage
	lastChat  map[[2]string]string
	committed []*store.RoundBatch
}

func newFakeStore(agents ...*world.Agent) *fakeStore {
	return &fakeStore{
		agents:    agents,
		relations: make(map[[2]string]float64),
		reactions: make(map[string]bool),
		lastChat:  make(map[[2]string]string),
	}
}

func (f *fakeStore) ListWorldIDs(context.Context) ([]string, error) { return []string{"w1"}, nil }

func (f *fakeStore) ListAgents(context.Context, string) ([]*world.Agent, error) {
	return f.agents, nil
}

func (f *fakeStore) GetWorldSpeed(context.Context, string) (float64, error) { return 1.0, nil }
func (f *fakeStore) FastestSpeed(context.Context) (float64, error)          { return 1.0, nil }

func (f *fakeStore) GetRelation(_ context.Context, sourceID, targetID string) (*world.Relationship, error) {
	score, ok := f.relations[[2]string{sourceID, targetID}]
	if !ok {
		score = 0.5
	}
	return &world.Relationship{SourceAgentID: sourceID, TargetAgentID: targetID, Score: score}, nil
}

func (f *fakeStore) LatestUserEvent(context.Context, string, time.Duration) (*world.Event, error) {
	if f.event == nil {
		return nil, store.ErrNotFound
	}
	return f.event, nil
}

func (f *fakeStore) HasEventReaction(_ context.Context, agentID, eventID string) (bool, error) {
	return f.reactions[agentID+"/"+eventID], nil
}

func (f *fakeStore) PendingUserMessages(context.Context, string) ([]*world.DirectMessage, error) {
	return f.pending, nil
}

func (f *fakeStore) LastChatBetween(_ context.Context, senderID, receiverID string) (string, error) {
	return f.lastChat[[2]string{senderID, receiverID}], nil
}

func (f *fakeStore) RecentBySender(context.Context, string, int) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) RecentPairContext(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}

func (f *fakeStore) DirectHistory(context.Context, string, int) ([]*world.DirectMessage, error) {
	return nil, nil
}

func (f *fakeStore) CommitRound(_ context.Context, batch *store.RoundBatch) error {
	f.committed = append(f.committed, batch)
	for _, m := range batch.Memories {
		if strings.HasPrefix(m.Source, "evt_rx_") {
			f.reactions[m.AgentID+"/"+strings.TrimPrefix(m.Source, "evt_rx_")] = true
		}
	}
	return nil
}

type fakeMemories struct{}

func (fakeMemories) Build(_ context.Context, agentID, source, content string) (*world.MemoryRecord, error) {
	return &world.MemoryRecord{ID: source + "-" + agentID, AgentID: agentID, Source: source, Content: content}, nil
}
func (fakeMemories) Index(context.Context, *world.MemoryRecord) error { return nil }
func (fakeMemories) Retrieve(context.Context, string, string, int) ([]string, error) {
	return nil, nil
}
func (fakeMemories) CompactIfNeeded(context.Context, string) error { return nil }

type fakeTextGen struct {
	dialogue string
	ok       bool
}

func (f fakeTextGen) GenerateAgentStep(context.Context, string, string, string, string, []string) (provider.AgentStep, bool) {
	return provider.AgentStep{}, false
}

func (f fakeTextGen) GenerateDialogue(context.Context, string, string, string, string, string, []string) (string, bool) {
	return f.dialogue, f.ok
}

type fakePublisher struct {
	kinds []string
}

func (f *fakePublisher) Publish(_ context.Context, kind string, _ map[string]any) {
	f.kinds = append(f.kinds, kind)
}

func testAgents() (*world.Agent, *world.Agent) {
	return &world.Agent{ID: "a1", WorldID: "w1", Name: "Alice", MoodScore: 0.5},
		&world.Agent{ID: "a2", WorldID: "w1", Name: "Bob", MoodScore: 0.5}
}

func newTestEngine(st *fakeStore, gen TextGen, pub Publisher) *Engine {
	e := NewEngine(st, fakeMemories{}, gen, pub, DefaultConfig(), zap.NewNop())
	e.rng = rand.New(rand.NewSource(1))
	e.topics = newTopicBook(e.rng)
	return e
}

func TestTopicBookContinuesConversation(t *testing.T) {
	book := newTopicBook(rand.New(rand.NewSource(1)))
	first := book.Select("w1", "a1", "a2", "обсудить план", "", false)
	if first != "обсудить план" {
		t.Fatalf("topic should start from the actor's plan, got %q", first)
	}
	// Both directions of the pair share the conversation.
	for i := 0; i < 2; i++ {
		if got := book.Select("w1", "a2", "a1", "другой план", "", false); got != first {
			t.Fatalf("conversation dropped after %d turns: %q", i, got)
		}
	}
}

func TestTopicBookEventOverride(t *testing.T) {
	book := newTopicBook(rand.New(rand.NewSource(1)))
	book.Select("w1", "a1", "a2", "обычный план", "", false)
	got := book.Select("w1", "a1", "a2", "обычный план", "Кофемашина сломалась", true)
	if got != "Кофемашина сломалась" {
		t.Fatalf("event must override the topic, got %q", got)
	}
}

func TestTopicBookResetIsWorldScoped(t *testing.T) {
	book := newTopicBook(rand.New(rand.NewSource(1)))
	w1Topic := book.Select("w1", "a1", "a2", "план первой команды", "", false)
	w2Topic := book.Select("w2", "b1", "b2", "план второй команды", "", false)

	book.Reset("w1")

	if got := book.Select("w2", "b1", "b2", "другой план", "", false); got != w2Topic {
		t.Fatalf("w2 conversation lost after w1 reset: %q", got)
	}
	if got := book.Select("w1", "a1", "a2", "новый план", "", false); got == w1Topic {
		t.Fatalf("w1 conversation survived its own reset")
	}
}

func TestTopicFallsBackToLatestEvent(t *testing.T) {
	book := newTopicBook(rand.New(rand.NewSource(1)))
	eventText := "Отключили свет"

	eventHits, otherHits := 0, 0
	for i := 0; i < 100; i++ {
		actorID := fmt.Sprintf("x%d", i)
		if got := book.Select("w1", actorID, "y", "", eventText, false); got == eventText {
			eventHits++
		} else {
			otherHits++
		}
	}
	if eventHits == 0 {
		t.Fatalf("latest event never chosen as a fallback topic")
	}
	if otherHits == 0 {
		t.Fatalf("neutral topics never chosen alongside the event")
	}
}

func TestMarkTurnCreatesReplyDebt(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	e := newTestEngine(st, fakeTextGen{}, &fakePublisher{})

	e.markTurn("w1", "a1", "a2")
	if e.pendingReply["w1"]["a2"] != "a1" {
		t.Fatalf("target should owe a reply to the actor")
	}
	if !e.onCooldown("a1") {
		t.Fatalf("actor should be on cooldown after speaking")
	}

	actor, target := e.pickPair("w1", []*world.Agent{alice, bob})
	if actor.ID != "a2" || target.ID != "a1" {
		t.Fatalf("reply debt not honored: %s -> %s", actor.ID, target.ID)
	}
	if _, ok := e.pendingReply["w1"]["a2"]; ok {
		t.Fatalf("debt should be consumed")
	}
}

func TestEventFocusTurn(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	st.event = &world.Event{ID: "ev1", WorldID: "w1", Text: "Кофемашина сломалась",
		Type: world.EventUserInjected, CreatedAt: time.Now()}
	pub := &fakePublisher{}
	e := newTestEngine(st, fakeTextGen{}, pub)

	if err := e.round(context.Background(), "w1", st.agents); err != nil {
		t.Fatalf("round: %v", err)
	}
	if len(st.committed) != 1 {
		t.Fatalf("expected one committed batch, got %d", len(st.committed))
	}
	batch := st.committed[0]

	msg := batch.ChatMessages[0]
	if !strings.Contains(msg.Text, "фокус только на событии") {
		t.Fatalf("event turn should use the focus template: %q", msg.Text)
	}
	if msg.Topic != "Кофемашина сломалась" {
		t.Fatalf("topic should be the event text: %q", msg.Topic)
	}
	if len(batch.Relations) != 0 {
		t.Fatalf("event turns must not shift relations")
	}

	foundReaction := false
	for _, m := range batch.Memories {
		if m.Source == "evt_rx_ev1" {
			foundReaction = true
		}
	}
	if !foundReaction {
		t.Fatalf("actor's reaction memory missing")
	}
}

func TestFocusReleasesAfterAllReacted(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	st.event = &world.Event{ID: "ev1", WorldID: "w1", Text: "Событие",
		Type: world.EventUserInjected, CreatedAt: time.Now().Add(-5 * time.Minute)}
	st.reactions["a1/ev1"] = true
	st.reactions["a2/ev1"] = true
	e := newTestEngine(st, fakeTextGen{}, &fakePublisher{})

	active, err := e.focus.Resolve(context.Background(), "w1", st.agents, st.event, func() {})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if active != nil {
		t.Fatalf("focus should release once everyone reacted past the strict window")
	}
}

func TestStrictWindowHoldsFocusDespiteReactions(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	st.event = &world.Event{ID: "ev1", WorldID: "w1", Text: "Событие",
		Type: world.EventUserInjected, CreatedAt: time.Now()}
	st.reactions["a1/ev1"] = true
	st.reactions["a2/ev1"] = true
	e := newTestEngine(st, fakeTextGen{}, &fakePublisher{})

	active, err := e.focus.Resolve(context.Background(), "w1", st.agents, st.event, func() {})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if active == nil {
		t.Fatalf("strict window must hold focus regardless of reactions")
	}
}

func TestFailingGeneratorFallsBackToSafeLine(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	st.relations[[2]string{"a1", "a2"}] = 1.0
	st.relations[[2]string{"a2", "a1"}] = 1.0
	e := newTestEngine(st, fakeTextGen{ok: false}, &fakePublisher{})

	// Retry rounds until the relation gate lets one through.
	for i := 0; i < 20 && len(st.committed) == 0; i++ {
		e.lastSent = make(map[string]time.Time)
		if err := e.round(context.Background(), "w1", st.agents); err != nil {
			t.Fatalf("round: %v", err)
		}
	}
	if len(st.committed) == 0 {
		t.Fatalf("no round committed")
	}

	text := st.committed[0].ChatMessages[0].Text
	matched := false
	for _, fb := range quality.DefaultFallbacks {
		if text == quality.Truncate(fb, 120) {
			matched = true
		}
	}
	if !matched {
		t.Fatalf("expected a safe fallback line, got %q", text)
	}
}

func TestDuplicateLineIsDroppedSilently(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	st.relations[[2]string{"a1", "a2"}] = 1.0
	st.relations[[2]string{"a2", "a1"}] = 1.0
	line := "Предлагаю коротко синхронизироваться и договориться, кто что делает дальше."
	st.lastChat[[2]string{"a1", "a2"}] = line
	st.lastChat[[2]string{"a2", "a1"}] = line
	e := newTestEngine(st, fakeTextGen{dialogue: line, ok: true}, &fakePublisher{})

	for i := 0; i < 20; i++ {
		e.lastSent = make(map[string]time.Time)
		if err := e.round(context.Background(), "w1", st.agents); err != nil {
			t.Fatalf("round: %v", err)
		}
	}
	if len(st.committed) != 0 {
		t.Fatalf("duplicate lines must be dropped, committed %d", len(st.committed))
	}
}

func TestNewEventResetsOnlyItsWorld(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	st.event = &world.Event{ID: "ev1", WorldID: "w1", Text: "Кофемашина сломалась",
		Type: world.EventUserInjected, CreatedAt: time.Now()}
	e := newTestEngine(st, fakeTextGen{}, &fakePublisher{})

	// Live state in another world.
	w2Topic := e.topics.Select("w2", "b1", "b2", "план второй команды", "", false)
	e.markTurn("w2", "b1", "b2")

	if err := e.round(context.Background(), "w1", st.agents); err != nil {
		t.Fatalf("round: %v", err)
	}

	if got := e.topics.Select("w2", "b1", "b2", "другой план", "", false); got != w2Topic {
		t.Fatalf("w1's event wiped w2's conversation: %q", got)
	}
	if e.pendingReply["w2"]["b2"] != "b1" {
		t.Fatalf("w1's event wiped w2's reply debt")
	}
}

func TestReleasedFocusSeedsTopicsFromLatestEvent(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	latest := &world.Event{ID: "ev1", WorldID: "w1", Text: "Отключили свет",
		Type: world.EventUserInjected, CreatedAt: time.Now().Add(-5 * time.Minute)}
	e := newTestEngine(st, fakeTextGen{}, &fakePublisher{})

	// Focus has released (active == nil) but the event is still fresh:
	// planless agents should sometimes pick it up as the topic.
	for i := 0; i < 200; i++ {
		e.topics.Reset("w1")
		if err := e.agentTurn(context.Background(), "w1", alice, bob, nil, latest); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	found := false
	for _, batch := range st.committed {
		if batch.ChatMessages[0].Topic == "Отключили свет" {
			found = true
		}
	}
	if !found {
		t.Fatalf("latest event text never reached topic selection after focus release")
	}
}

type stalledListStore struct {
	*fakeStore
}

func (s *stalledListStore) ListAgents(ctx context.Context, worldID string) ([]*world.Agent, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestTickBoundsStalledStoreQuery(t *testing.T) {
	alice, bob := testAgents()
	cfg := DefaultConfig()
	cfg.StoreTimeout = 20 * time.Millisecond
	e := NewEngine(&stalledListStore{fakeStore: newFakeStore(alice, bob)},
		fakeMemories{}, fakeTextGen{}, &fakePublisher{}, cfg, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- e.tick(context.Background()) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("tick blocked on a stalled store query")
	}
}

type stalledRoundStore struct {
	*fakeStore
}

func (s *stalledRoundStore) PendingUserMessages(ctx context.Context, worldID string) ([]*world.DirectMessage, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRoundBoundsStalledPersistence(t *testing.T) {
	alice, bob := testAgents()
	cfg := DefaultConfig()
	cfg.RoundTimeout = 20 * time.Millisecond
	e := NewEngine(&stalledRoundStore{fakeStore: newFakeStore(alice, bob)},
		fakeMemories{}, fakeTextGen{}, &fakePublisher{}, cfg, zap.NewNop())

	done := make(chan error, 1)
	go func() { done <- e.tick(context.Background()) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("round blocked on stalled persistence")
	}
}

func TestPendingUserMessageAnsweredFirst(t *testing.T) {
	alice, bob := testAgents()
	st := newFakeStore(alice, bob)
	st.pending = []*world.DirectMessage{{
		ID: "m1", AgentID: "a1", Sender: world.SenderUser, Text: "Что дальше?",
	}}
	pub := &fakePublisher{}
	e := newTestEngine(st, fakeTextGen{}, pub)

	if err := e.round(context.Background(), "w1", st.agents); err != nil {
		t.Fatalf("round: %v", err)
	}
	if len(st.committed) != 1 {
		t.Fatalf("expected one committed batch, got %d", len(st.committed))
	}
	batch := st.committed[0]
	if len(batch.DirectReplies) != 1 {
		t.Fatalf("user message should get a direct reply")
	}
	if batch.ChatMessages[0].Topic != "direct" {
		t.Fatalf("reply chat topic = %q", batch.ChatMessages[0].Topic)
	}
	if pub.kinds[0] != "message" {
		t.Fatalf("direct reply payload should publish first, got %v", pub.kinds)
	}
}
