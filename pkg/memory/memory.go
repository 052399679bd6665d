// Package memory is the long-term memory engine: versioned entries with
// decaying prominence, a relation graph between them, and hybrid search.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/store"
)

// ErrInvalidEntry is returned for entries that fail validation.
var ErrInvalidEntry = errors.New("invalid memory entry")

// VectorIndex is an optional external nearest-neighbour index mirroring
// entry embeddings.
type VectorIndex interface {
	Upsert(ctx context.Context, id, userID string, vec []float32) error
	Delete(ctx context.Context, id string) error
	Nearest(ctx context.Context, userID string, vec []float32, limit int) ([]string, error)
}

// Store is the public memory API.
type Store struct {
	db       *store.DB
	cfg      Config
	vectors  *vectorizer
	graph    *RelationGraph
	reranker llm.Provider
	index    VectorIndex
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder sets the embedding model. Without one, similarity falls
// back to lexical vectors.
func WithEmbedder(e Embedder) Option {
	return func(s *Store) { s.vectors.embedder = e }
}

// WithProvider sets the completion provider used to classify ambiguous
// relations and to rerank search results.
func WithProvider(p llm.Provider) Option {
	return func(s *Store) {
		s.reranker = p
		s.graph.classifier = NewClassifier(p)
	}
}

// WithVectorIndex mirrors embeddings into an external index and uses it
// to widen search candidates.
func WithVectorIndex(idx VectorIndex) Option {
	return func(s *Store) { s.index = idx }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a Store over db.
func New(db *store.DB, cfg Config, opts ...Option) *Store {
	cfg = cfg.withDefaults()
	s := &Store{
		db:      db,
		cfg:     cfg,
		vectors: &vectorizer{lexical: NewLexicalEmbedder()},
		now:     time.Now,
	}
	s.graph = &RelationGraph{db: db, cfg: cfg.Relations, vectors: s.vectors}
	for _, opt := range opts {
		opt(s)
	}
	s.graph.now = s.now
	return s
}

// Graph exposes the relation graph.
func (s *Store) Graph() *RelationGraph { return s.graph }

// DB exposes the underlying persistence layer.
func (s *Store) DB() *store.DB { return s.db }

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

// AddRequest describes a new entry.
type AddRequest struct {
	UserID        string         `json:"user_id"`
	Content       string         `json:"content"`
	Category      store.Category `json:"category"`
	StaticProfile bool           `json:"static_profile,omitempty"`
	Importance    int            `json:"importance,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
	DocumentDate  time.Time      `json:"document_date,omitempty"`
	EventDate     *time.Time     `json:"event_date,omitempty"`
	SourceChunk   string         `json:"source_chunk,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	// SkipRelations stores the entry without relation detection.
	SkipRelations bool `json:"-"`
}

// AddResult is the stored entry and the edges created for it.
type AddResult struct {
	Entry     *store.MemoryEntry `json:"entry"`
	Relations []Candidate        `json:"relations,omitempty"`
}

// Add validates and stores a new entry, then links it into the relation
// graph. Relation detection is best-effort: failures are logged and the
// entry is still stored.
func (s *Store) Add(ctx context.Context, req AddRequest) (*AddResult, error) {
	req.Content = strings.TrimSpace(req.Content)
	switch {
	case req.UserID == "":
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidEntry)
	case req.Content == "":
		return nil, fmt.Errorf("%w: content is required", ErrInvalidEntry)
	case req.Category == "":
		req.Category = store.CategoryFact
	case !req.Category.Valid():
		return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidEntry, req.Category)
	}
	if req.Importance == 0 {
		req.Importance = 5
	}
	if req.Importance < 1 || req.Importance > 10 {
		return nil, fmt.Errorf("%w: importance %d outside 1-10", ErrInvalidEntry, req.Importance)
	}
	if req.Confidence <= 0 || req.Confidence > 1 {
		req.Confidence = 1.0
	}

	now := s.now()
	if req.DocumentDate.IsZero() {
		req.DocumentDate = now
	}
	typ := store.TypeRegular
	if req.StaticProfile {
		typ = store.TypeStaticProfile
	}

	e := &store.MemoryEntry{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		Content:      req.Content,
		Category:     req.Category,
		MemoryType:   typ,
		Importance:   req.Importance,
		Confidence:   req.Confidence,
		IsLatest:     true,
		DocumentDate: req.DocumentDate,
		EventDate:    req.EventDate,
		SourceChunk:  req.SourceChunk,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	e.Prominence = CalculateProminence(e, s.cfg.Decay, now)
	e.Embedding = s.vectors.document(ctx, e.Content)

	if err := s.db.InsertMemory(ctx, e); err != nil {
		return nil, err
	}
	s.indexEntry(ctx, e)

	result := &AddResult{Entry: e}
	if req.SkipRelations {
		return result, nil
	}

	candidates, err := s.graph.DetectRelations(ctx, e)
	if err != nil {
		slog.Warn("memory: relation detection failed", "id", e.ID, "error", err)
		return result, nil
	}
	for _, c := range candidates {
		var err error
		switch c.Type {
		case store.RelUpdates:
			err = s.graph.AddUpdatesRelation(ctx, e.ID, c.TargetID, c.Similarity)
		default:
			err = s.graph.AddExtendsRelation(ctx, e.ID, c.TargetID, c.Similarity)
		}
		if err != nil {
			slog.Warn("memory: add relation failed", "id", e.ID, "target", c.TargetID, "type", c.Type, "error", err)
			continue
		}
		result.Relations = append(result.Relations, c)
	}
	if len(result.Relations) > 0 {
		slog.Debug("memory: linked entry", "id", e.ID, "relations", len(result.Relations))
	}
	return result, nil
}

// Get returns an entry by id.
func (s *Store) Get(ctx context.Context, id string) (*store.MemoryEntry, error) {
	return s.db.GetMemory(ctx, id)
}

// UpdateRequest holds the fields to change. Nil fields are left alone.
type UpdateRequest struct {
	Content    *string         `json:"content,omitempty"`
	Category   *store.Category `json:"category,omitempty"`
	Importance *int            `json:"importance,omitempty"`
	Confidence *float64        `json:"confidence,omitempty"`
	EventDate  *time.Time      `json:"event_date,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

// Update changes an entry in place. A content change refreshes the
// embedding.
func (s *Store) Update(ctx context.Context, id string, req UpdateRequest) (*store.MemoryEntry, error) {
	e, err := s.db.GetMemory(ctx, id)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if req.Content != nil {
		c := strings.TrimSpace(*req.Content)
		if c == "" {
			return nil, fmt.Errorf("%w: content is required", ErrInvalidEntry)
		}
		contentChanged = c != e.Content
		e.Content = c
	}
	if req.Category != nil {
		if !req.Category.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidEntry, *req.Category)
		}
		e.Category = *req.Category
	}
	if req.Importance != nil {
		if *req.Importance < 1 || *req.Importance > 10 {
			return nil, fmt.Errorf("%w: importance %d outside 1-10", ErrInvalidEntry, *req.Importance)
		}
		e.Importance = *req.Importance
	}
	if req.Confidence != nil {
		if *req.Confidence < 0 || *req.Confidence > 1 {
			return nil, fmt.Errorf("%w: confidence %v outside 0-1", ErrInvalidEntry, *req.Confidence)
		}
		e.Confidence = *req.Confidence
	}
	if req.EventDate != nil {
		e.EventDate = req.EventDate
	}
	if req.Metadata != nil {
		if e.Metadata == nil {
			e.Metadata = map[string]any{}
		}
		for k, v := range req.Metadata {
			e.Metadata[k] = v
		}
	}

	now := s.now()
	if contentChanged {
		e.Embedding = s.vectors.document(ctx, e.Content)
	}
	e.UpdatedAt = now
	e.Prominence = CalculateProminence(e, s.cfg.Decay, now)

	if err := s.db.UpdateMemory(ctx, e); err != nil {
		return nil, err
	}
	if contentChanged {
		s.indexEntry(ctx, e)
	}
	return e, nil
}

// Delete removes an entry and its edges.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.db.DeleteMemory(ctx, id); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.Delete(ctx, id); err != nil {
			slog.Warn("memory: vector index delete failed", "id", id, "error", err)
		}
	}
	return nil
}

// Fuse stores one derived entry summarizing sources, links it with
// DERIVES edges and supersedes the sources. The derived entry starts at
// the highest source prominence plus 0.1, capped at 0.6.
func (s *Store) Fuse(ctx context.Context, userID, content string, category store.Category, sources []store.MemoryEntry) (*store.MemoryEntry, error) {
	content = strings.TrimSpace(content)
	if content == "" || len(sources) == 0 {
		return nil, fmt.Errorf("%w: fusion needs content and sources", ErrInvalidEntry)
	}
	if !category.Valid() {
		category = sources[0].Category
	}

	var maxProminence float64
	importance := 1
	ids := make([]string, len(sources))
	for i, src := range sources {
		ids[i] = src.ID
		if src.Prominence > maxProminence {
			maxProminence = src.Prominence
		}
		if src.Importance > importance {
			importance = src.Importance
		}
	}

	now := s.now()
	derived := &store.MemoryEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      content,
		Category:     category,
		MemoryType:   store.TypeDerived,
		Importance:   importance,
		Confidence:   0.8,
		IsLatest:     true,
		DocumentDate: now,
		Prominence:   min(0.6, maxProminence+0.1),
		Metadata:     map[string]any{"fused_from": len(sources)},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	derived.Embedding = s.vectors.document(ctx, content)

	if err := s.db.FuseMemories(ctx, derived, ids); err != nil {
		return nil, fmt.Errorf("fuse memories: %w", err)
	}
	s.indexEntry(ctx, derived)
	return derived, nil
}

// EmbedMissing computes embeddings for up to limit entries that have
// none. It is a no-op without an embedding model.
func (s *Store) EmbedMissing(ctx context.Context, limit int) (int, error) {
	if s.vectors.embedder == nil {
		return 0, nil
	}
	entries, err := s.db.ListMemories(ctx, store.MemoryFilter{
		MissingEmbedding: true,
		OrderBy:          "recent",
		Limit:            limit,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range entries {
		e := &entries[i]
		vec := s.vectors.document(ctx, e.Content)
		if vec == nil {
			break
		}
		if err := s.db.SetEmbedding(ctx, e.ID, vec); err != nil {
			return n, err
		}
		e.Embedding = vec
		s.indexEntry(ctx, e)
		n++
	}
	return n, nil
}

func (s *Store) indexEntry(ctx context.Context, e *store.MemoryEntry) {
	if s.index == nil || len(e.Embedding) == 0 {
		return
	}
	if err := s.index.Upsert(ctx, e.ID, e.UserID, e.Embedding); err != nil {
		slog.Warn("memory: vector index upsert failed", "id", e.ID, "error", err)
	}
}
