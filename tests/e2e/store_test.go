package e2e

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/vivarium/internal/presence"
	"github.com/nidhogg/vivarium/internal/store"
	"github.com/nidhogg/vivarium/internal/world"
)

func newID() string { return uuid.New().String() }

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = store.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func TestAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	a, err := seedAgent(ctx, "Аня-"+newID()[:8], "w-agents")
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}

	got, err := testStore.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.Name != a.Name || got.WorldID != "w-agents" {
		t.Errorf("agent = %+v", got)
	}
	if got.MoodText != "Спокоен" {
		t.Errorf("mood = %q", got.MoodText)
	}

	agents, err := testStore.ListAgents(ctx, "w-agents")
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) == 0 {
		t.Fatalf("no agents listed")
	}
}

func TestRelationLazyCreationAndSeeding(t *testing.T) {
	ctx := context.Background()
	a, err := seedAgent(ctx, "Боря-"+newID()[:8], "w-rel")
	if err != nil {
		t.Fatalf("seed a: %v", err)
	}
	b, err := seedAgent(ctx, "Вика-"+newID()[:8], "w-rel")
	if err != nil {
		t.Fatalf("seed b: %v", err)
	}

	// Seeding on b's creation covers both directions.
	ab, err := testStore.GetRelation(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("get relation a->b: %v", err)
	}
	if ab.Score != 0.5 {
		t.Errorf("a->b score = %v, want 0.5", ab.Score)
	}
	ba, err := testStore.GetRelation(ctx, b.ID, a.ID)
	if err != nil {
		t.Fatalf("get relation b->a: %v", err)
	}
	if ba.Score != 0.5 {
		t.Errorf("b->a score = %v, want 0.5", ba.Score)
	}
}

func TestCommitRoundIsAtomic(t *testing.T) {
	ctx := context.Background()
	a, err := seedAgent(ctx, "Гоша-"+newID()[:8], "w-round")
	if err != nil {
		t.Fatalf("seed a: %v", err)
	}
	b, err := seedAgent(ctx, "Даша-"+newID()[:8], "w-round")
	if err != nil {
		t.Fatalf("seed b: %v", err)
	}

	batch := &store.RoundBatch{
		Events: []*world.Event{{
			ID: newID(), WorldID: "w-round",
			Text: "Гоша и Даша синхронизировались по событию: тест.",
			Type: world.EventAgentAction,
		}},
		ChatMessages: []*world.ChatMessage{{
			ID: newID(), WorldID: "w-round",
			SenderType: world.SenderAgent, SenderAgentID: a.ID, ReceiverAgentID: b.ID,
			Text: "Предлагаю зафиксировать шаг.", Topic: "тест",
		}},
		Memories: []*world.MemoryRecord{{
			ID: newID(), AgentID: a.ID, Source: "agent_action",
			Content: "Я написал Даша: Предлагаю зафиксировать шаг.",
		}},
		Plans: map[string]string{a.ID: "Согласовать с Даша следующий практический шаг."},
		AgentUpdates: []store.AgentUpdate{{
			AgentID: a.ID, MoodScore: 0.8, MoodText: "Радостный",
			MoodEmoji: "😄", MoodColor: "#4CAF50",
			CurrentPlan: "Согласовать с Даша следующий практический шаг.",
			Reflection:  "Я веду разговор с Даша по теме 'тест' и держу фокус на конкретных шагах.",
		}},
		Relations: []*world.Relationship{{
			SourceAgentID: a.ID, TargetAgentID: b.ID, Score: 0.58,
		}},
	}
	if err := testStore.CommitRound(ctx, batch); err != nil {
		t.Fatalf("commit round: %v", err)
	}

	got, err := testStore.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if got.MoodScore != 0.8 || got.MoodText != "Радостный" {
		t.Errorf("mood not applied: %v %q", got.MoodScore, got.MoodText)
	}
	last, err := testStore.LastChatBetween(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("last chat: %v", err)
	}
	if last != "Предлагаю зафиксировать шаг." {
		t.Errorf("last chat = %q", last)
	}
	rel, err := testStore.GetRelation(ctx, a.ID, b.ID)
	if err != nil {
		t.Fatalf("get relation: %v", err)
	}
	if rel.Score != 0.58 {
		t.Errorf("relation score = %v, want 0.58", rel.Score)
	}
	plans, err := testStore.PlanHistory(ctx, a.ID, 5)
	if err != nil {
		t.Fatalf("plan history: %v", err)
	}
	if len(plans) == 0 || plans[0] != "Согласовать с Даша следующий практический шаг." {
		t.Errorf("plans = %v", plans)
	}
}

func TestCommitRoundRollsBackOnBadRow(t *testing.T) {
	ctx := context.Background()
	a, err := seedAgent(ctx, "Ева-"+newID()[:8], "w-rollback")
	if err != nil {
		t.Fatalf("seed a: %v", err)
	}

	eventID := newID()
	batch := &store.RoundBatch{
		Events: []*world.Event{{
			ID: eventID, WorldID: "w-rollback", Text: "пробный", Type: world.EventAgentAction,
		}},
		// FK violation: memory for a nonexistent agent.
		Memories: []*world.MemoryRecord{{
			ID: newID(), AgentID: newID(), Source: "agent_action", Content: "висячая запись",
		}},
	}
	if err := testStore.CommitRound(ctx, batch); err == nil {
		t.Fatalf("commit should fail on FK violation")
	}

	events, err := testStore.ListEvents(ctx, "w-rollback", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, e := range events {
		if e.ID == eventID {
			t.Fatalf("event leaked past rollback")
		}
	}
	_ = a
}

func TestLatestUserEventHonorsMaxAge(t *testing.T) {
	ctx := context.Background()
	worldID := "w-events"

	if err := testStore.InsertEvent(ctx, &world.Event{
		ID: newID(), WorldID: worldID, Text: "свежее событие", Type: world.EventUserInjected,
	}); err != nil {
		t.Fatalf("insert event: %v", err)
	}

	e, err := testStore.LatestUserEvent(ctx, worldID, 10*time.Minute)
	if err != nil {
		t.Fatalf("latest user event: %v", err)
	}
	if e.Text != "свежее событие" {
		t.Errorf("event = %q", e.Text)
	}

	// A zero-width window excludes everything already written.
	if _, err := testStore.LatestUserEvent(ctx, worldID, time.Nanosecond); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestPendingUserMessages(t *testing.T) {
	ctx := context.Background()
	a, err := seedAgent(ctx, "Женя-"+newID()[:8], "w-direct")
	if err != nil {
		t.Fatalf("seed a: %v", err)
	}

	if err := testStore.InsertDirectMessage(ctx, &world.DirectMessage{
		ID: newID(), AgentID: a.ID, Sender: world.SenderUser, Text: "привет",
	}); err != nil {
		t.Fatalf("insert direct: %v", err)
	}

	pending, err := testStore.PendingUserMessages(ctx, "w-direct")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Text != "привет" {
		t.Fatalf("pending = %+v", pending)
	}

	// An agent reply settles the debt.
	time.Sleep(10 * time.Millisecond)
	if err := testStore.InsertDirectMessage(ctx, &world.DirectMessage{
		ID: newID(), AgentID: a.ID, Sender: world.SenderAgent, Text: "Принял.",
	}); err != nil {
		t.Fatalf("insert reply: %v", err)
	}
	pending, err = testStore.PendingUserMessages(ctx, "w-direct")
	if err != nil {
		t.Fatalf("pending after reply: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %+v, want none", pending)
	}
}

func TestWorldSpeedRoundTrip(t *testing.T) {
	ctx := context.Background()

	speed, err := testStore.GetWorldSpeed(ctx, "w-speed-missing")
	if err != nil {
		t.Fatalf("get default speed: %v", err)
	}
	if speed != 1.0 {
		t.Errorf("default speed = %v, want 1.0", speed)
	}

	if err := testStore.UpsertWorldSpeed(ctx, "w-speed", 2.5); err != nil {
		t.Fatalf("upsert speed: %v", err)
	}
	speed, err = testStore.GetWorldSpeed(ctx, "w-speed")
	if err != nil {
		t.Fatalf("get speed: %v", err)
	}
	if speed != 2.5 {
		t.Errorf("speed = %v, want 2.5", speed)
	}

	fastest, err := testStore.FastestSpeed(ctx)
	if err != nil {
		t.Fatalf("fastest: %v", err)
	}
	if fastest < 2.5 {
		t.Errorf("fastest = %v, want >= 2.5", fastest)
	}
}

func TestMemorySummarizationMarking(t *testing.T) {
	ctx := context.Background()
	a, err := seedAgent(ctx, "Зоя-"+newID()[:8], "w-mem")
	if err != nil {
		t.Fatalf("seed a: %v", err)
	}

	var ids []string
	for i := 0; i < 3; i++ {
		m := &world.MemoryRecord{
			ID: newID(), AgentID: a.ID, Source: "agent_action",
			Content: fmt.Sprintf("эпизод %d", i),
		}
		if err := testStore.InsertMemory(ctx, m); err != nil {
			t.Fatalf("insert memory: %v", err)
		}
		ids = append(ids, m.ID)
	}

	count, err := testStore.UnsummarizedCount(ctx, a.ID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}

	if err := testStore.MarkSummarized(ctx, ids[:2]); err != nil {
		t.Fatalf("mark: %v", err)
	}
	count, err = testStore.UnsummarizedCount(ctx, a.ID)
	if err != nil {
		t.Fatalf("count after mark: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}

func TestPresenceTracking(t *testing.T) {
	ctx := context.Background()
	tracker, err := presence.New(testRedisURL, 2*time.Second, testLogger)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	defer tracker.Close()

	if err := tracker.Touch(ctx, "w-presence", "viewer-1"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := tracker.Touch(ctx, "w-presence", "viewer-2"); err != nil {
		t.Fatalf("touch: %v", err)
	}

	count, err := tracker.ActiveViewers(ctx, "w-presence")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("viewers = %d, want 2", count)
	}

	other, err := tracker.ActiveViewers(ctx, "w-presence-other")
	if err != nil {
		t.Fatalf("count other: %v", err)
	}
	if other != 0 {
		t.Errorf("viewers = %d, want 0", other)
	}
}
