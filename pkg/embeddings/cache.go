package embeddings

import (
	"context"
	"crypto/md5"
	"fmt"

	"github.com/dgraph-io/ristretto"

	"github.com/nous-labs/mneme/pkg/memory"
)

// CachedEmbedder memoizes vectors by content hash. Queries and documents
// are cached separately because asymmetric models encode them differently.
type CachedEmbedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
}

// NewCachedEmbedder wraps inner with a cache bounded to maxBytes of
// vector data.
func NewCachedEmbedder(inner memory.Embedder, maxBytes int64) (*CachedEmbedder, error) {
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		// 10x the expected entry count; 768-dim vectors are ~3KB.
		NumCounters: max(1000, maxBytes/3072*10),
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

// Embed implements memory.Embedder.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return c.lookup("d:"+ContentHash(text), func() ([]float32, error) {
		return c.inner.Embed(ctx, text)
	})
}

// EmbedQuery implements memory.QueryEmbedder, falling back to Embed when
// the wrapped model has no query encoding.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	qe, ok := c.inner.(memory.QueryEmbedder)
	if !ok {
		return c.Embed(ctx, text)
	}
	return c.lookup("q:"+ContentHash(text), func() ([]float32, error) {
		return qe.EmbedQuery(ctx, text)
	})
}

func (c *CachedEmbedder) lookup(key string, compute func() ([]float32, error)) ([]float32, error) {
	if v, ok := c.cache.Get(key); ok {
		return v.([]float32), nil
	}
	vec, err := compute()
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec, int64(len(vec)*4))
	return vec, nil
}

// Wait blocks until buffered writes are visible to Get.
func (c *CachedEmbedder) Wait() { c.cache.Wait() }

// Close releases the cache.
func (c *CachedEmbedder) Close() { c.cache.Close() }

// ContentHash computes an MD5 hash of content for cache keys and
// staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}
