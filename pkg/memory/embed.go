package memory

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder turns text into a vector. Optional: without one the store
// falls back to LexicalEmbedder.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// QueryEmbedder is implemented by embedders that encode search queries
// differently from stored documents (asymmetric models).
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// LexicalDims is the width of the hashed lexical vectors.
const LexicalDims = 512

// LexicalEmbedder is a dependency-free stand-in for an embedding model.
// Tokens and adjacent token pairs are hashed into a fixed number of
// buckets, so texts that share vocabulary land close together.
type LexicalEmbedder struct {
	dims int
}

// NewLexicalEmbedder returns a LexicalEmbedder of LexicalDims width.
func NewLexicalEmbedder() *LexicalEmbedder {
	return &LexicalEmbedder{dims: LexicalDims}
}

// Embed never fails.
func (l *LexicalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return l.vector(text), nil
}

func (l *LexicalEmbedder) vector(text string) []float32 {
	vec := make([]float32, l.dims)
	tokens := tokenize(text)
	for i, tok := range tokens {
		l.add(vec, tok, 1.0)
		if i > 0 {
			l.add(vec, tokens[i-1]+" "+tok, 0.5)
		}
	}
	normalize(vec)
	return vec
}

func (l *LexicalEmbedder) add(vec []float32, term string, weight float32) {
	h := fnv.New64a()
	h.Write([]byte(term))
	sum := h.Sum64()
	idx := int(sum % uint64(l.dims))
	// A second hash bit picks the sign so collisions partly cancel.
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// tokenize splits text into lowercase tokens, stripping punctuation and
// single-character tokens.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	var tokens []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 1 {
			tokens = append(tokens, current.String())
		}
		current.Reset()
	}
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r > 127 {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

// normalize performs in-place L2 normalization.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
}

// CosineSimilarity computes the cosine similarity between two vectors.
// Mismatched or empty vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return dot / denom
}
