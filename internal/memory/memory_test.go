package memory

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/vivarium/internal/embedding"
	"github.com/nidhogg/vivarium/internal/vectorstore"
	"github.com/nidhogg/vivarium/internal/world"
)

type fakeRows struct {
	inserted   []*world.MemoryRecord
	summarized []string
	latest     *world.MemoryRecord
	count      int
	oldest     []*world.MemoryRecord
}

func (f *fakeRows) InsertMemory(_ context.Context, m *world.MemoryRecord) error {
	f.inserted = append(f.inserted, m)
	return nil
}

func (f *fakeRows) UnsummarizedCount(_ context.Context, _ string) (int, error) {
	return f.count, nil
}

func (f *fakeRows) OldestUnsummarized(_ context.Context, _ string, limit int) ([]*world.MemoryRecord, error) {
	if len(f.oldest) > limit {
		return f.oldest[:limit], nil
	}
	return f.oldest, nil
}

func (f *fakeRows) MarkSummarized(_ context.Context, ids []string) error {
	f.summarized = append(f.summarized, ids...)
	return nil
}

func (f *fakeRows) LatestSummary(_ context.Context, _ string) (*world.MemoryRecord, error) {
	if f.latest == nil {
		return nil, context.Canceled
	}
	return f.latest, nil
}

func (f *fakeRows) GetMemoriesByIDs(_ context.Context, _ []string) ([]*world.MemoryRecord, error) {
	return nil, nil
}

type fakeVectors struct {
	upserts int
	hits    []*vectorstore.SearchResult
}

func (f *fakeVectors) Upsert(_ context.Context, _, _ string, _ []float32, _ map[string]string) error {
	f.upserts++
	return nil
}

func (f *fakeVectors) Search(_ context.Context, _ string, _ []float32, topK uint64, _ *vectorstore.Filter) ([]*vectorstore.SearchResult, error) {
	if uint64(len(f.hits)) > topK {
		return f.hits[:topK], nil
	}
	return f.hits, nil
}

type fakeSummarizer struct {
	text string
	ok   bool
}

func (f *fakeSummarizer) SummarizeMemories(_ context.Context, _ []string) (string, bool) {
	return f.text, f.ok
}

func newTestService(rows *fakeRows, vectors *fakeVectors, sum *fakeSummarizer) *Service {
	embedder := embedding.NewHashProvider(64)
	return NewService(rows, vectors, embedder, sum,
		Config{Collection: "test", ContextLimit: 15, BatchSize: 8}, zap.NewNop())
}

func TestBuildClipsContent(t *testing.T) {
	svc := newTestService(&fakeRows{}, &fakeVectors{}, &fakeSummarizer{})
	long := strings.Repeat("я", 600)
	m, err := svc.Build(context.Background(), "a1", "chat", long)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := len([]rune(m.Content)); got != MaxContentChars {
		t.Fatalf("content length = %d, want %d", got, MaxContentChars)
	}
	if len(m.Embedding) != 64 {
		t.Fatalf("embedding length = %d", len(m.Embedding))
	}
	if m.ID == "" {
		t.Fatalf("missing id")
	}
}

func TestRememberPersistsAndIndexes(t *testing.T) {
	rows := &fakeRows{}
	vectors := &fakeVectors{}
	svc := newTestService(rows, vectors, &fakeSummarizer{})

	if _, err := svc.Remember(context.Background(), "a1", "chat", "встретил соседа"); err != nil {
		t.Fatalf("remember: %v", err)
	}
	if len(rows.inserted) != 1 {
		t.Fatalf("rows inserted = %d", len(rows.inserted))
	}
	if vectors.upserts != 1 {
		t.Fatalf("vector upserts = %d", vectors.upserts)
	}
}

func TestRetrieveAppendsSummaryWithinCap(t *testing.T) {
	rows := &fakeRows{latest: &world.MemoryRecord{Content: "сводка", Source: "summary"}}
	vectors := &fakeVectors{hits: []*vectorstore.SearchResult{
		{Payload: map[string]string{"content": "эпизод 1"}},
		{Payload: map[string]string{"content": "эпизод 2"}},
		{Payload: map[string]string{"content": "эпизод 3"}},
	}}
	svc := newTestService(rows, vectors, &fakeSummarizer{})

	got, err := svc.Retrieve(context.Background(), "a1", "вопрос", 3)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("retrieved %d, want 3", len(got))
	}
	for _, c := range got[:2] {
		if !strings.HasPrefix(c, "эпизод") {
			t.Fatalf("unexpected episode order: %v", got)
		}
	}
}

func TestCompactBelowLimitIsNoop(t *testing.T) {
	rows := &fakeRows{count: 10}
	svc := newTestService(rows, &fakeVectors{}, &fakeSummarizer{})
	if err := svc.CompactIfNeeded(context.Background(), "a1"); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(rows.inserted) != 0 || len(rows.summarized) != 0 {
		t.Fatalf("compaction should not have run")
	}
}

func TestCompactFoldsBatchWithFallbackSummary(t *testing.T) {
	var oldest []*world.MemoryRecord
	for i := 0; i < 10; i++ {
		oldest = append(oldest, &world.MemoryRecord{
			ID:      string(rune('a' + i)),
			Content: "эпизод " + string(rune('0'+i)),
		})
	}
	rows := &fakeRows{count: 16, oldest: oldest}
	svc := newTestService(rows, &fakeVectors{}, &fakeSummarizer{ok: false})

	if err := svc.CompactIfNeeded(context.Background(), "a1"); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(rows.summarized) != 8 {
		t.Fatalf("summarized %d rows, want batch of 8", len(rows.summarized))
	}
	if len(rows.inserted) != 1 {
		t.Fatalf("expected one summary row, got %d", len(rows.inserted))
	}
	sum := rows.inserted[0]
	if sum.Source != "summary" {
		t.Fatalf("summary source = %q", sum.Source)
	}
	if !strings.HasPrefix(sum.Content, "Сводка прошлых событий: ") {
		t.Fatalf("fallback prefix missing: %q", sum.Content)
	}
	if strings.Count(sum.Content, ";") != 4 {
		t.Fatalf("fallback should join first 5 episodes: %q", sum.Content)
	}
}

func TestCompactUsesGeneratedSummary(t *testing.T) {
	rows := &fakeRows{count: 16, oldest: []*world.MemoryRecord{
		{ID: "m1", Content: "эпизод"},
	}}
	svc := newTestService(rows, &fakeVectors{}, &fakeSummarizer{text: "краткая сводка", ok: true})

	if err := svc.CompactIfNeeded(context.Background(), "a1"); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if rows.inserted[0].Content != "краткая сводка" {
		t.Fatalf("generated summary not used: %q", rows.inserted[0].Content)
	}
}
