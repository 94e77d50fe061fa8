// Package memory maintains each agent's episodic memory: rows in
// PostgreSQL, vectors in Qdrant, periodic compaction into summaries.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/vivarium/internal/embedding"
	"github.com/nidhogg/vivarium/internal/vectorstore"
	"github.com/nidhogg/vivarium/internal/world"
)

const (
	// MaxContentChars caps stored episode length.
	MaxContentChars = 480

	summarySource = "summary"
	summaryPrefix = "Сводка прошлых событий: "
)

// Rows is the relational side of memory persistence.
type Rows interface {
	InsertMemory(ctx context.Context, m *world.MemoryRecord) error
	UnsummarizedCount(ctx context.Context, agentID string) (int, error)
	OldestUnsummarized(ctx context.Context, agentID string, limit int) ([]*world.MemoryRecord, error)
	MarkSummarized(ctx context.Context, ids []string) error
	LatestSummary(ctx context.Context, agentID string) (*world.MemoryRecord, error)
	GetMemoriesByIDs(ctx context.Context, ids []string) ([]*world.MemoryRecord, error)
}

// Vectors is the vector index side of memory persistence.
type Vectors interface {
	Upsert(ctx context.Context, collection, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, filter *vectorstore.Filter) ([]*vectorstore.SearchResult, error)
}

// Summarizer compresses episode texts into one summary line. ok=false
// means no generated summary is available this time.
type Summarizer interface {
	SummarizeMemories(ctx context.Context, memories []string) (string, bool)
}

// Config tunes retrieval and compaction.
type Config struct {
	Collection   string
	ContextLimit int
	BatchSize    int
}

// Service ties rows, vectors, embeddings and summarization together.
type Service struct {
	rows       Rows
	vectors    Vectors
	embedder   embedding.Provider
	summarizer Summarizer
	cfg        Config
	logger     *zap.Logger
}

// NewService builds a memory Service.
func NewService(rows Rows, vectors Vectors, embedder embedding.Provider, summarizer Summarizer, cfg Config, logger *zap.Logger) *Service {
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = 15
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 8
	}
	return &Service{
		rows:       rows,
		vectors:    vectors,
		embedder:   embedder,
		summarizer: summarizer,
		cfg:        cfg,
		logger:     logger,
	}
}

// Build creates an embedded memory record without persisting it. The
// caller batches the row write; Index stores the vector afterwards.
func (s *Service) Build(ctx context.Context, agentID, source, content string) (*world.MemoryRecord, error) {
	content = clip(content, MaxContentChars)
	vectors, err := s.embedder.Embed(ctx, []string{content})
	if err != nil {
		return nil, fmt.Errorf("embed memory: %w", err)
	}
	var vec []float32
	if len(vectors) > 0 {
		vec = vectors[0]
	}
	return &world.MemoryRecord{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Source:    source,
		Content:   content,
		Embedding: vec,
		CreatedAt: time.Now(),
	}, nil
}

// Index writes the record's vector to the vector store. Row persistence
// happens separately in the round transaction.
func (s *Service) Index(ctx context.Context, m *world.MemoryRecord) error {
	if len(m.Embedding) == 0 {
		return nil
	}
	payload := map[string]string{
		"agent_id": m.AgentID,
		"source":   m.Source,
		"content":  m.Content,
	}
	if err := s.vectors.Upsert(ctx, s.cfg.Collection, m.ID, m.Embedding, payload); err != nil {
		return fmt.Errorf("index memory %s: %w", m.ID, err)
	}
	return nil
}

// Remember builds, persists and indexes one record in a single call.
func (s *Service) Remember(ctx context.Context, agentID, source, content string) (*world.MemoryRecord, error) {
	m, err := s.Build(ctx, agentID, source, content)
	if err != nil {
		return nil, err
	}
	if err := s.rows.InsertMemory(ctx, m); err != nil {
		return nil, err
	}
	if err := s.Index(ctx, m); err != nil {
		s.logger.Warn("memory vector index failed", zap.String("memory_id", m.ID), zap.Error(err))
	}
	return m, nil
}

// Retrieve returns up to k memory texts relevant to the query: the
// nearest raw episodes plus the agent's latest summary. The combined
// result never exceeds k entries.
func (s *Service) Retrieve(ctx context.Context, agentID, query string, k int) ([]string, error) {
	if k <= 0 {
		return nil, nil
	}

	var contents []string
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err == nil && len(vectors) > 0 && len(vectors[0]) > 0 {
		filter := &vectorstore.Filter{
			Must:    map[string]string{"agent_id": agentID},
			MustNot: map[string]string{"source": summarySource},
		}
		hits, err := s.vectors.Search(ctx, s.cfg.Collection, vectors[0], uint64(k), filter)
		if err != nil {
			s.logger.Warn("memory search failed", zap.String("agent_id", agentID), zap.Error(err))
		}
		for _, h := range hits {
			if c := h.Payload["content"]; c != "" {
				contents = append(contents, c)
			}
		}
	}

	summary, err := s.rows.LatestSummary(ctx, agentID)
	if err == nil && summary != nil {
		contents = append(contents, summary.Content)
	}
	if len(contents) > k {
		contents = contents[:k]
	}
	return contents, nil
}

// CompactIfNeeded folds the oldest raw episodes into a summary once the
// agent's backlog exceeds the context limit. The summary comes from the
// summarizer when it fires, otherwise from a deterministic join.
func (s *Service) CompactIfNeeded(ctx context.Context, agentID string) error {
	count, err := s.rows.UnsummarizedCount(ctx, agentID)
	if err != nil {
		return err
	}
	if count <= s.cfg.ContextLimit {
		return nil
	}

	batch, err := s.rows.OldestUnsummarized(ctx, agentID, s.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	texts := make([]string, len(batch))
	ids := make([]string, len(batch))
	for i, m := range batch {
		texts[i] = m.Content
		ids[i] = m.ID
	}

	summary, ok := s.summarizer.SummarizeMemories(ctx, texts)
	if !ok || strings.TrimSpace(summary) == "" {
		summary = fallbackSummary(texts)
	}

	if _, err := s.Remember(ctx, agentID, summarySource, summary); err != nil {
		return err
	}
	if err := s.rows.MarkSummarized(ctx, ids); err != nil {
		return err
	}
	s.logger.Debug("memories compacted",
		zap.String("agent_id", agentID),
		zap.Int("folded", len(ids)))
	return nil
}

func fallbackSummary(texts []string) string {
	if len(texts) > 5 {
		texts = texts[:5]
	}
	return summaryPrefix + strings.Join(texts, "; ") + "."
}

func clip(text string, maxChars int) string {
	runes := []rune(text)
	if len(runes) <= maxChars {
		return text
	}
	return string(runes[:maxChars])
}
