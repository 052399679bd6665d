package embeddings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingEmbedder struct {
	docs, queries int
	err           error
}

func (c *countingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	c.docs++
	if c.err != nil {
		return nil, c.err
	}
	return []float32{float32(len(text)), 0}, nil
}

func (c *countingEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	c.queries++
	return []float32{0, float32(len(text))}, nil
}

// docOnly hides EmbedQuery.
type docOnly struct{ inner *countingEmbedder }

func (d docOnly) Embed(ctx context.Context, text string) ([]float32, error) {
	return d.inner.Embed(ctx, text)
}

func TestCachedEmbedder(t *testing.T) {
	inner := &countingEmbedder{}
	c, err := NewCachedEmbedder(inner, 1<<20)
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	v1, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	c.Wait()
	v2, err := c.Embed(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, inner.docs)

	q, err := c.EmbedQuery(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 5}, q)
	c.Wait()
	_, err = c.EmbedQuery(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, inner.queries)
	assert.Equal(t, 1, inner.docs)
}

func TestCachedEmbedderErrorsNotCached(t *testing.T) {
	inner := &countingEmbedder{err: errors.New("down")}
	c, err := NewCachedEmbedder(inner, 0)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Embed(context.Background(), "x")
	assert.Error(t, err)
	c.Wait()
	inner.err = nil
	_, err = c.Embed(context.Background(), "x")
	assert.NoError(t, err)
	assert.Equal(t, 2, inner.docs)
}

func TestCachedEmbedderQueryFallsBackToDocument(t *testing.T) {
	inner := &countingEmbedder{}
	c, err := NewCachedEmbedder(docOnly{inner}, 0)
	require.NoError(t, err)
	defer c.Close()

	v, err := c.EmbedQuery(context.Background(), "abc")
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 0}, v)
	assert.Zero(t, inner.queries)
}

func TestContentHash(t *testing.T) {
	assert.Equal(t, ContentHash("a"), ContentHash("a"))
	assert.NotEqual(t, ContentHash("a"), ContentHash("b"))
	assert.Len(t, ContentHash(""), 32)
}
