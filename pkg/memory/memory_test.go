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

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

// fakeEmbedder returns fixed vectors per text and a fallback otherwise.
type fakeEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls++
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return []float32{0, 0, 0, 1}, nil
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return New(testDB(t), Config{}, opts...)
}

func add(t *testing.T, s *Store, user, content string, cat store.Category) *store.MemoryEntry {
	t.Helper()
	res, err := s.Add(context.Background(), AddRequest{UserID: user, Content: content, Category: cat})
	require.NoError(t, err)
	return res.Entry
}

func TestAddGetRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	res, err := s.Add(ctx, AddRequest{
		UserID: "u1", Content: "  Allergic to peanuts ", Category: store.CategoryFact, Importance: 9,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Entry.ID)

	got, err := s.Get(ctx, res.Entry.ID)
	require.NoError(t, err)
	assert.Equal(t, "Allergic to peanuts", got.Content)
	assert.Equal(t, store.CategoryFact, got.Category)
	assert.Equal(t, 9, got.Importance)
	assert.Equal(t, store.TypeRegular, got.MemoryType)
	assert.True(t, got.IsLatest)
	assert.InDelta(t, 0.7, got.Prominence, 1e-9)

	content := "Allergic to peanuts and cashews"
	updated, err := s.Update(ctx, got.ID, UpdateRequest{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, content, updated.Content)

	got, err = s.Get(ctx, got.ID)
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, 9, got.Importance)
}

func TestAddValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, AddRequest{Content: "x", Category: store.CategoryFact})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = s.Add(ctx, AddRequest{UserID: "u1", Content: "   "})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = s.Add(ctx, AddRequest{UserID: "u1", Content: "x", Category: "gossip"})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	_, err = s.Add(ctx, AddRequest{UserID: "u1", Content: "x", Importance: 11})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	res, err := s.Add(ctx, AddRequest{UserID: "u1", Content: "defaults"})
	require.NoError(t, err)
	assert.Equal(t, store.CategoryFact, res.Entry.Category)
	assert.Equal(t, 5, res.Entry.Importance)
}

func TestUpdateMissingEntry(t *testing.T) {
	s := testStore(t)
	imp := 3
	_, err := s.Update(context.Background(), "nope", UpdateRequest{Importance: &imp})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateValidation(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	e := add(t, s, "u1", "Drinks coffee", store.CategoryPreference)

	for _, c := range []float64{-0.1, 1.5} {
		conf := c
		_, err := s.Update(ctx, e.ID, UpdateRequest{Confidence: &conf})
		assert.ErrorIs(t, err, ErrInvalidEntry, "confidence %v", c)
	}
	imp := 0
	_, err := s.Update(ctx, e.ID, UpdateRequest{Importance: &imp})
	assert.ErrorIs(t, err, ErrInvalidEntry)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Confidence, got.Confidence)

	conf := 0.4
	updated, err := s.Update(ctx, e.ID, UpdateRequest{Confidence: &conf})
	require.NoError(t, err)
	assert.Equal(t, 0.4, updated.Confidence)
}

func TestUpdateReembedsOnContentChange(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Drinks coffee": {1, 0, 0, 0},
		"Drinks tea":    {0, 1, 0, 0},
	}}
	s := testStore(t, WithEmbedder(emb))
	ctx := context.Background()

	e := add(t, s, "u1", "Drinks coffee", store.CategoryPreference)
	assert.Equal(t, []float32{1, 0, 0, 0}, e.Embedding)

	imp := 7
	_, err := s.Update(ctx, e.ID, UpdateRequest{Importance: &imp})
	require.NoError(t, err)
	calls := emb.calls

	content := "Drinks tea"
	_, err = s.Update(ctx, e.ID, UpdateRequest{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, calls+1, emb.calls)

	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, got.Embedding)
	assert.Equal(t, 7, got.Importance)
}

func TestDublinThenCorkSupersedes(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Lives in Dublin": {1, 0, 0, 0},
		"Lives in Cork":   {0.98, 0.2, 0, 0},
	}}
	s := testStore(t, WithEmbedder(emb))
	ctx := context.Background()

	dublin := add(t, s, "u1", "Lives in Dublin", store.CategoryFact)
	res, err := s.Add(ctx, AddRequest{UserID: "u1", Content: "Lives in Cork", Category: store.CategoryFact})
	require.NoError(t, err)
	cork := res.Entry

	require.Len(t, res.Relations, 1)
	assert.Equal(t, store.RelUpdates, res.Relations[0].Type)
	assert.Equal(t, dublin.ID, res.Relations[0].TargetID)

	old, err := s.Get(ctx, dublin.ID)
	require.NoError(t, err)
	assert.False(t, old.IsLatest)
	assert.Equal(t, store.TypeSuperseded, old.MemoryType)

	latest, err := s.Graph().GetLatestVersion(ctx, dublin.ID)
	require.NoError(t, err)
	assert.Equal(t, cork.ID, latest.ID)

	history, err := s.Graph().GetUpdateHistory(ctx, dublin.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, cork.ID, history[0].ID)
	assert.Equal(t, dublin.ID, history[1].ID)

	// Adding the same edge again changes nothing.
	require.NoError(t, s.Graph().AddUpdatesRelation(ctx, cork.ID, dublin.ID, 0.9))
	latest, err = s.Graph().GetLatestVersion(ctx, dublin.ID)
	require.NoError(t, err)
	assert.Equal(t, cork.ID, latest.ID)
}

func TestDifferentCategoryDoesNotSupersede(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Lives in Dublin":       {1, 0, 0, 0},
		"Dublin trip next week": {0.98, 0.2, 0, 0},
	}}
	s := testStore(t, WithEmbedder(emb))
	ctx := context.Background()

	dublin := add(t, s, "u1", "Lives in Dublin", store.CategoryFact)
	res, err := s.Add(ctx, AddRequest{UserID: "u1", Content: "Dublin trip next week", Category: store.CategoryEvent})
	require.NoError(t, err)
	assert.Empty(t, res.Relations)

	got, err := s.Get(ctx, dublin.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLatest)
}

func TestExtendsInSameFamily(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Works at Acme":     {0, 1, 0, 0},
		"Acme is in Galway": {0, 0.85, 0.5, 0},
	}}
	s := testStore(t, WithEmbedder(emb))
	ctx := context.Background()

	acme := add(t, s, "u1", "Works at Acme", store.CategoryFact)
	res, err := s.Add(ctx, AddRequest{UserID: "u1", Content: "Acme is in Galway", Category: store.CategoryFact})
	require.NoError(t, err)
	require.Len(t, res.Relations, 1)
	assert.Equal(t, store.RelExtends, res.Relations[0].Type)

	got, err := s.Get(ctx, acme.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLatest)

	related, err := s.Graph().Related(ctx, acme.ID, 3)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, res.Entry.ID, related[0].Entry.ID)
	assert.False(t, related[0].Outgoing)
}

func TestClassifierDecidesAmbiguousPairs(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Works at Acme":       {0, 1, 0, 0},
		"Now works at Globex": {0, 0.85, 0.5, 0},
	}}
	mock := llm.NewMock(`{"relation": "UPDATES", "confidence": 0.9}`)
	s := testStore(t, WithEmbedder(emb), WithProvider(mock))
	ctx := context.Background()

	acme := add(t, s, "u1", "Works at Acme", store.CategoryFact)
	res, err := s.Add(ctx, AddRequest{UserID: "u1", Content: "Now works at Globex", Category: store.CategoryFact})
	require.NoError(t, err)
	require.Len(t, res.Relations, 1)
	assert.Equal(t, store.RelUpdates, res.Relations[0].Type)
	assert.Equal(t, 1, mock.CallCount())

	got, err := s.Get(ctx, acme.ID)
	require.NoError(t, err)
	assert.False(t, got.IsLatest)
}

func TestClassifierFailureStillStoresEntry(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Works at Acme":       {0, 1, 0, 0},
		"Now works at Globex": {0, 0.85, 0.5, 0},
	}}
	mock := &llm.MockProvider{Err: errors.New("overloaded")}
	s := testStore(t, WithEmbedder(emb), WithProvider(mock))
	ctx := context.Background()

	acme := add(t, s, "u1", "Works at Acme", store.CategoryFact)
	res, err := s.Add(ctx, AddRequest{UserID: "u1", Content: "Now works at Globex", Category: store.CategoryFact})
	require.NoError(t, err)
	assert.Empty(t, res.Relations)

	_, err = s.Get(ctx, res.Entry.ID)
	require.NoError(t, err)
	got, err := s.Get(ctx, acme.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLatest)
}

func TestFuse(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	var sources []store.MemoryEntry
	for i, p := range []float64{0.2, 0.35, 0.3} {
		e := &store.MemoryEntry{
			ID: string(rune('a' + i)), UserID: "u1", Content: "note", Category: store.CategoryInsight,
			MemoryType: store.TypeRegular, Importance: 3 + i, Confidence: 1, IsLatest: true,
			DocumentDate: testNow, Prominence: p, CreatedAt: testNow, UpdatedAt: testNow,
		}
		require.NoError(t, s.DB().InsertMemory(ctx, e))
		sources = append(sources, *e)
	}

	derived, err := s.Fuse(ctx, "u1", "Summary of notes", store.CategoryInsight, sources)
	require.NoError(t, err)
	assert.Equal(t, store.TypeDerived, derived.MemoryType)
	assert.InDelta(t, 0.45, derived.Prominence, 1e-9)
	assert.Equal(t, 5, derived.Importance)

	edges, err := s.DB().RelationsFrom(ctx, derived.ID, store.RelDerives)
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	for _, src := range sources {
		got, err := s.Get(ctx, src.ID)
		require.NoError(t, err)
		assert.Equal(t, store.TypeSuperseded, got.MemoryType)
		assert.False(t, got.IsLatest)
	}

	high := sources[:1]
	high[0].Prominence = 0.9
	capped, err := s.Fuse(ctx, "u1", "Another", store.CategoryInsight, high)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, capped.Prominence, 1e-9)
}

func TestDeleteRemovesEdges(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"Lives in Dublin": {1, 0, 0, 0},
		"Lives in Cork":   {0.98, 0.2, 0, 0},
	}}
	s := testStore(t, WithEmbedder(emb))
	ctx := context.Background()

	dublin := add(t, s, "u1", "Lives in Dublin", store.CategoryFact)
	cork := add(t, s, "u1", "Lives in Cork", store.CategoryFact)

	require.NoError(t, s.Delete(ctx, cork.ID))
	_, err := s.Get(ctx, cork.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	edges, err := s.DB().RelationsTo(ctx, dublin.ID)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestEmbedMissing(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	plain := New(db, Config{}, WithClock(func() time.Time { return testNow }))
	add(t, plain, "u1", "Likes hiking", store.CategoryPreference)
	add(t, plain, "u1", "Likes climbing", store.CategoryPreference)

	n, err := plain.EmbedMissing(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	emb := &fakeEmbedder{}
	withModel := New(db, Config{}, WithEmbedder(emb), WithClock(func() time.Time { return testNow }))
	n, err = withModel.EmbedMissing(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = withModel.EmbedMissing(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}
