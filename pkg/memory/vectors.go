package memory

import (
	"context"
	"log/slog"

	"github.com/nous-labs/mneme/pkg/store"
)

// vectorizer hides whether a real embedding model is configured. Every
// comparison has a lexical fallback, so similarity is always defined.
type vectorizer struct {
	embedder Embedder
	lexical  *LexicalEmbedder
}

// document embeds text for storage. Nil when no model is configured or
// the call failed.
func (v *vectorizer) document(ctx context.Context, text string) []float32 {
	if v.embedder == nil {
		return nil
	}
	vec, err := v.embedder.Embed(ctx, text)
	if err != nil {
		slog.Warn("memory: embed failed, using lexical fallback", "error", err)
		return nil
	}
	return vec
}

// query embeds a search query, preferring the model's query encoding.
func (v *vectorizer) query(ctx context.Context, text string) []float32 {
	if qe, ok := v.embedder.(QueryEmbedder); ok {
		vec, err := qe.EmbedQuery(ctx, text)
		if err == nil {
			return vec
		}
		slog.Warn("memory: query embed failed, using lexical fallback", "error", err)
		return nil
	}
	return v.document(ctx, text)
}

// probe is a text prepared for repeated similarity checks.
type probe struct {
	model   []float32
	lexical []float32
}

func (v *vectorizer) probe(model []float32, text string) probe {
	return probe{model: model, lexical: v.lexical.vector(text)}
}

// similarity compares a probe against an entry using model vectors when
// both sides have comparable ones, computing the entry's vector on the
// fly if it has none, and lexical vectors otherwise.
func (v *vectorizer) similarity(ctx context.Context, p probe, e *store.MemoryEntry) float64 {
	if len(p.model) > 0 {
		if len(e.Embedding) == len(p.model) {
			return CosineSimilarity(p.model, e.Embedding)
		}
		if len(e.Embedding) == 0 && v.embedder != nil {
			if vec := v.document(ctx, e.Content); len(vec) == len(p.model) {
				e.Embedding = vec
				return CosineSimilarity(p.model, vec)
			}
		}
	}
	return CosineSimilarity(p.lexical, v.lexical.vector(e.Content))
}
