package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/store"
)

func contents(results []SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Entry.Content
	}
	return out
}

func TestSearchKeywordAndMinScore(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	add(t, s, "u1", "Flying to Lisbon on Thursday", store.CategoryEvent)
	add(t, s, "u1", "Likes green tea", store.CategoryPreference)
	add(t, s, "u2", "Also flying to Lisbon", store.CategoryEvent)

	results, err := s.Search(ctx, "Lisbon trip", SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Flying to Lisbon on Thursday", results[0].Entry.Content)
	assert.InDelta(t, 0.5, results[0].Keyword, 1e-9)
	assert.Nil(t, results[0].Entry.Embedding)
}

func TestSearchExactPhraseBoost(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	add(t, s, "u1", "Tea blends with green leaves", store.CategoryPreference)
	add(t, s, "u1", "Likes green tea", store.CategoryPreference)

	results, err := s.Search(ctx, "green tea", SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "Likes green tea", results[0].Entry.Content)
	assert.Equal(t, 1.0, results[1].Keyword)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestSearchRecordsAccess(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	e := add(t, s, "u1", "Plays the cello", store.CategoryFact)

	_, err := s.Search(ctx, "cello", SearchOptions{UserID: "u1"})
	require.NoError(t, err)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	require.NotNil(t, got.LastAccessed)
	assert.True(t, got.LastAccessed.Equal(testNow))

	_, err = s.Search(ctx, "cello", SearchOptions{UserID: "u1", SkipAccess: true})
	require.NoError(t, err)
	got, err = s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
}

func TestSearchDormantOnRequest(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	_, err := s.Add(ctx, AddRequest{
		UserID: "u1", Content: "Visited Lisbon", Category: store.CategoryEvent,
		DocumentDate: testNow.Add(-150 * 24 * time.Hour),
	})
	require.NoError(t, err)

	results, err := s.Search(ctx, "Lisbon", SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.Search(ctx, "Lisbon", SearchOptions{UserID: "u1", IncludeDormant: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, StateDormant, StateFor(results[0].Entry.Prominence, s.Config().Decay))
}

func TestSearchSkipsSuperseded(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Lives in Dublin": {1, 0, 0, 0},
		"Lives in Cork":   {0.98, 0.2, 0, 0},
		"Lives":           {1, 0.1, 0, 0},
	}}
	s := testStore(t, WithEmbedder(emb))
	ctx := context.Background()
	add(t, s, "u1", "Lives in Dublin", store.CategoryFact)
	add(t, s, "u1", "Lives in Cork", store.CategoryFact)

	results, err := s.Search(ctx, "Lives", SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Lives in Cork"}, contents(results))
	require.Len(t, results[0].Related, 1)
	assert.Equal(t, store.RelUpdates, results[0].Related[0].Relation)
	assert.Equal(t, "Lives in Dublin", results[0].Related[0].Entry.Content)
}

func TestSearchRerank(t *testing.T) {
	mock := llm.NewMock("Sure: [1, 0]")
	s := testStore(t, WithProvider(mock))
	ctx := context.Background()
	add(t, s, "u1", "Likes green tea", store.CategoryPreference)
	add(t, s, "u1", "Tea blends with green leaves", store.CategoryPreference)

	plain, err := s.Search(ctx, "green tea", SearchOptions{UserID: "u1", SkipAccess: true})
	require.NoError(t, err)
	require.Len(t, plain, 2)
	assert.Zero(t, mock.CallCount())

	reranked, err := s.Search(ctx, "green tea", SearchOptions{UserID: "u1", Rerank: true})
	require.NoError(t, err)
	assert.Equal(t, []string{plain[1].Entry.Content, plain[0].Entry.Content}, contents(reranked))
	assert.Equal(t, 1, mock.CallCount())
}

func TestSearchRerankFailureKeepsOrder(t *testing.T) {
	for name, mock := range map[string]*llm.MockProvider{
		"error":   {Err: errors.New("timeout")},
		"garbage": llm.NewMock("I cannot rank these."),
	} {
		t.Run(name, func(t *testing.T) {
			s := testStore(t, WithProvider(mock))
			ctx := context.Background()
			add(t, s, "u1", "Likes green tea", store.CategoryPreference)
			add(t, s, "u1", "Tea blends with green leaves", store.CategoryPreference)

			plain, err := s.Search(ctx, "green tea", SearchOptions{UserID: "u1", SkipAccess: true})
			require.NoError(t, err)
			reranked, err := s.Search(ctx, "green tea", SearchOptions{UserID: "u1", Rerank: true})
			require.NoError(t, err)
			assert.Equal(t, contents(plain), contents(reranked))
		})
	}
}

func TestParseRanking(t *testing.T) {
	order, ok := parseRanking("[2, 2, 7, -1, 0]", 3)
	require.True(t, ok)
	assert.Equal(t, []int{2, 0, 1}, order)

	_, ok = parseRanking(`{"order": [1]}`, 3)
	assert.False(t, ok)

	_, ok = parseRanking("[9]", 3)
	assert.False(t, ok)
}

func TestKeywordScore(t *testing.T) {
	assert.Equal(t, 0.0, keywordScore(nil, "anything"))
	assert.InDelta(t, 2.0/3, keywordScore(tokenize("red blue green"), "red and green"), 1e-9)
}
