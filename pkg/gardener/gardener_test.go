package gardener

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/proactive"
	"github.com/nous-labs/mneme/pkg/signals"
	"github.com/nous-labs/mneme/pkg/store"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type env struct {
	g    *Gardener
	mem  *memory.Store
	db   *store.DB
	mock *llm.MockProvider
}

// scripted answers each step's prompt with a canned reply.
func scripted(req llm.CompletionRequest) (string, error) {
	switch req.System {
	case fusionSystem:
		return `{"content": "Enjoys trail running in Wicklow", "category": "preference"}`, nil
	case summarySystem:
		return "They talked about marathon training and a sore knee.", nil
	case innerThoughtsSystem:
		return `{"proact": true, "type": "follow_up", "message": "Ask how the knee is doing", "delay_minutes": 60}`, nil
	}
	return "ok", nil
}

func newEnv(t *testing.T, deps Deps, cfg Config) *env {
	t.Helper()
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := func() time.Time { return testNow }
	mem := memory.New(db, memory.Config{}, memory.WithClock(clock))
	mock := &llm.MockProvider{Respond: scripted}
	if deps.Provider == nil {
		deps.Provider = mock
	}
	if deps.Scheduler == nil {
		deps.Scheduler = proactive.NewScheduler(db, proactive.DefaultSchedulerConfig())
		deps.Scheduler.SetClock(clock)
	}
	g := New(mem, deps, cfg)
	g.SetClock(clock)
	return &env{g: g, mem: mem, db: db, mock: mock}
}

func (e *env) insert(t *testing.T, m *store.MemoryEntry) {
	t.Helper()
	if m.UserID == "" {
		m.UserID = "u1"
	}
	if m.MemoryType == "" {
		m.MemoryType = store.TypeRegular
	}
	if m.Category == "" {
		m.Category = store.CategoryPreference
	}
	if m.Importance == 0 {
		m.Importance = 5
	}
	if m.DocumentDate.IsZero() {
		m.DocumentDate = testNow
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.DocumentDate
		m.UpdatedAt = m.DocumentDate
	}
	m.IsLatest = m.MemoryType != store.TypeSuperseded
	m.Confidence = 1
	require.NoError(t, e.db.InsertMemory(context.Background(), m))
}

func (e *env) session(t *testing.T, id, user string, start time.Time, length time.Duration) {
	t.Helper()
	require.NoError(t, e.db.StartSession(context.Background(), &store.Session{
		ID: id, UserID: user, StartedAt: start, LastActiveAt: start.Add(length),
	}))
}

func TestLightTickLaunchesDeepTick(t *testing.T) {
	e := newEnv(t, Deps{}, Config{DeepEvery: 2})
	ctx := context.Background()

	r := e.g.LightTick(ctx)
	assert.Equal(t, "light", r.Kind)
	assert.Contains(t, r.Health, "memories")
	assert.Empty(t, r.Errors)
	e.g.deepWG.Wait()
	assert.Nil(t, e.g.LastReport())

	e.g.LightTick(ctx)
	e.g.deepWG.Wait()
	deep := e.g.LastReport()
	require.NotNil(t, deep)
	assert.Equal(t, "deep", deep.Kind)
	assert.Equal(t, 1, deep.Cycle)

	// The counter restarts after a launch.
	e.g.LightTick(ctx)
	e.g.deepWG.Wait()
	assert.Equal(t, 1, e.g.LastReport().Cycle)
}

func TestLightTickExpiresStaleItems(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	ctx := context.Background()
	require.NoError(t, e.db.InsertScheduled(ctx, &store.ScheduledItem{
		ID: "old", UserID: "u1", Type: "follow_up", Message: "m",
		TriggerAt: testNow.Add(-72 * time.Hour), CreatedAt: testNow.Add(-72 * time.Hour),
	}))
	r := e.g.LightTick(ctx)
	assert.Equal(t, 1, r.Expired)
}

func TestDeepLaunchSkippedWhileRunning(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	e.g.deepRunning.Store(true)
	assert.False(t, e.g.LaunchDeep(context.Background()))
	e.g.deepRunning.Store(false)
	assert.True(t, e.g.LaunchDeep(context.Background()))
	e.g.deepWG.Wait()
	assert.NotNil(t, e.g.LastReport())
}

func TestStartStop(t *testing.T) {
	e := newEnv(t, Deps{}, Config{LightInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, e.g.Start(ctx))
	assert.True(t, e.g.Running())
	assert.ErrorIs(t, e.g.Start(ctx), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return e.g.LastLightReport() != nil }, time.Second, 5*time.Millisecond)

	e.g.Stop()
	assert.False(t, e.g.Running())
	e.g.Stop()

	require.NoError(t, e.g.Start(ctx))
	e.g.Stop()
}

type panicSummarizer struct{}

func (panicSummarizer) Summarize(context.Context, store.Session, []store.Message) (string, error) {
	panic("summarizer exploded")
}

func TestDeepStepsAreIsolated(t *testing.T) {
	e := newEnv(t, Deps{Summarizer: panicSummarizer{}}, Config{})
	ctx := context.Background()

	idleStart := testNow.Add(-40 * 24 * time.Hour)
	e.session(t, "idle", "u1", idleStart, time.Hour)
	require.NoError(t, e.db.AppendMessage(ctx, &store.Message{SessionID: "idle", Role: "user", Content: "hi", CreatedAt: idleStart}))

	for i := 0; i < 10; i++ {
		e.session(t, "s"+string(rune('0'+i)), "u1", testNow.Add(-time.Duration(i*15+2)*time.Hour), time.Hour)
	}

	r := e.g.DeepTick(ctx)
	require.NotEmpty(t, r.Errors)
	assert.True(t, strings.Contains(strings.Join(r.Errors, ";"), "summarizer exploded"))
	assert.Zero(t, r.Summarized)
	assert.Equal(t, 1, r.TrustScored)
	assert.Equal(t, 1, r.PatternsUpdated)
}

func TestFusion(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		e.insert(t, &store.MemoryEntry{ID: id, Content: "runs " + id, Prominence: 0.3})
	}
	e.insert(t, &store.MemoryEntry{ID: "active", Content: "runs daily", Prominence: 0.9})
	e.insert(t, &store.MemoryEntry{ID: "lonely", Content: "likes tea", Prominence: 0.3})
	for _, pair := range [][2]string{{"b", "a"}, {"c", "b"}, {"d", "active"}, {"active", "c"}} {
		require.NoError(t, e.db.AddRelation(ctx, store.Relation{
			SourceID: pair[0], TargetID: pair[1], Type: store.RelExtends, Confidence: 0.8, CreatedAt: testNow,
		}))
	}

	r := &Report{}
	require.NoError(t, e.g.fuse(ctx, r))
	assert.Equal(t, 1, r.Clusters)
	assert.Equal(t, 1, r.Fused)

	derived, err := e.db.ListMemories(ctx, store.MemoryFilter{Types: []store.MemoryType{store.TypeDerived}})
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, "Enjoys trail running in Wicklow", derived[0].Content)
	assert.Equal(t, store.CategoryPreference, derived[0].Category)
	assert.InDelta(t, 0.4, derived[0].Prominence, 1e-9)

	edges, err := e.db.RelationsFrom(ctx, derived[0].ID, store.RelDerives)
	require.NoError(t, err)
	assert.Len(t, edges, 3)

	for id, superseded := range map[string]bool{"a": true, "b": true, "c": true, "d": false, "active": false, "lonely": false} {
		got, err := e.db.GetMemory(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, !superseded, got.IsLatest, id)
	}
}

func TestFusionSkipsUnparseableResponse(t *testing.T) {
	bad := llm.NewMock("Here is a merged memory: runs a lot")
	e := newEnv(t, Deps{Provider: bad}, Config{})
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		e.insert(t, &store.MemoryEntry{ID: id, Content: "runs " + id, Prominence: 0.3})
	}
	for _, pair := range [][2]string{{"b", "a"}, {"c", "b"}} {
		require.NoError(t, e.db.AddRelation(ctx, store.Relation{SourceID: pair[0], TargetID: pair[1], Type: store.RelRelated, Confidence: 0.8, CreatedAt: testNow}))
	}

	r := &Report{}
	require.NoError(t, e.g.fuse(ctx, r))
	assert.Zero(t, r.Fused)
	assert.Len(t, r.Errors, 1)

	got, err := e.db.GetMemory(ctx, "a")
	require.NoError(t, err)
	assert.True(t, got.IsLatest)
}

func TestSummarizeIdleSessions(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	ctx := context.Background()

	old := testNow.Add(-40 * 24 * time.Hour)
	e.session(t, "old", "u1", old, time.Hour)
	require.NoError(t, e.db.AppendMessage(ctx, &store.Message{SessionID: "old", Role: "user", Content: "training for Dublin marathon", CreatedAt: old}))
	e.session(t, "recent", "u1", testNow.Add(-time.Hour), time.Minute)
	require.NoError(t, e.db.AppendMessage(ctx, &store.Message{SessionID: "recent", Role: "user", Content: "hello", CreatedAt: testNow.Add(-time.Hour)}))

	r := &Report{}
	require.NoError(t, e.g.summarizeIdle(ctx, r))
	assert.Equal(t, 1, r.Summarized)

	sums, err := e.db.SummariesSince(ctx, testNow.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "old", sums[0].SessionID)
	assert.Contains(t, sums[0].Summary, "marathon")
}

func TestForgetting(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	ctx := context.Background()

	archivedAt := testNow.Add(-40 * 24 * time.Hour)
	recent := testNow.Add(-10 * 24 * time.Hour)
	e.insert(t, &store.MemoryEntry{ID: "gone", Content: "x", Prominence: 0.05, ArchivedAt: &archivedAt})
	e.insert(t, &store.MemoryEntry{ID: "kept-archive", Content: "x", Prominence: 0.05, ArchivedAt: &recent})
	e.insert(t, &store.MemoryEntry{ID: "unused", Content: "x", Prominence: 0.15, DocumentDate: testNow.Add(-100 * 24 * time.Hour)})
	e.insert(t, &store.MemoryEntry{ID: "profile", Content: "x", Prominence: 0.15, MemoryType: store.TypeStaticProfile, DocumentDate: testNow.Add(-100 * 24 * time.Hour)})

	r := &Report{}
	require.NoError(t, e.g.forget(ctx, r))
	assert.Equal(t, 1, r.PrunedMemories)
	assert.Equal(t, 1, r.Audited)
	assert.Equal(t, 1, r.Decay.Archived)

	_, err := e.db.GetMemory(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = e.db.GetMemory(ctx, "kept-archive")
	assert.NoError(t, err)
	unused, err := e.db.GetMemory(ctx, "unused")
	require.NoError(t, err)
	assert.NotNil(t, unused.ArchivedAt)
	profile, err := e.db.GetMemory(ctx, "profile")
	require.NoError(t, err)
	assert.Nil(t, profile.ArchivedAt)
}

func TestDecayedEntryIsArchivedThenPruned(t *testing.T) {
	db, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := testNow
	clock := func() time.Time { return now }
	mem := memory.New(db, memory.Config{}, memory.WithClock(clock))
	g := New(mem, Deps{Provider: &llm.MockProvider{Respond: scripted}}, Config{})
	g.SetClock(clock)
	ctx := context.Background()

	old := testNow.Add(-400 * 24 * time.Hour)
	require.NoError(t, db.InsertMemory(ctx, &store.MemoryEntry{
		ID: "old", UserID: "u1", Content: "used to commute by ferry", Category: store.CategoryFact,
		MemoryType: store.TypeRegular, Importance: 5, Confidence: 1, Prominence: 1, IsLatest: true,
		DocumentDate: old, CreatedAt: old, UpdatedAt: old,
	}))

	report := g.DeepTick(ctx)
	assert.Empty(t, report.Errors)
	entry, err := db.GetMemory(ctx, "old")
	require.NoError(t, err)
	require.NotNil(t, entry.ArchivedAt, "decay archives the entry")

	for day := 1; day <= 31; day++ {
		now = testNow.Add(time.Duration(day) * 24 * time.Hour)
		g.DeepTick(ctx)
	}
	_, err = db.GetMemory(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound, "pruned once the retention window passed")
}

func TestInferBehavior(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	ctx := context.Background()

	start := testNow.Add(-90 * time.Minute)
	e.session(t, "s1", "u1", start, 30*time.Minute)
	msgs := []*store.Message{
		{SessionID: "s1", Role: "user", Content: "feeling great today", Affect: &store.Affect{Valence: 0.5, Arousal: 0.6, Confidence: 0.9}, CreatedAt: start},
		{SessionID: "s1", Role: "assistant", Content: "glad to hear it", CreatedAt: start.Add(time.Minute)},
		{SessionID: "s1", Role: "user", Content: "going running", Affect: &store.Affect{Valence: 0.5, Arousal: 0.6, Confidence: 0.9}, CreatedAt: start.Add(2 * time.Minute)},
		{SessionID: "s1", Role: "user", Content: "bye", CreatedAt: start.Add(3 * time.Minute)},
	}
	for _, m := range msgs {
		require.NoError(t, e.db.AppendMessage(ctx, m))
	}
	e.insert(t, &store.MemoryEntry{ID: "p1", Content: "likes running", Category: store.CategoryPreference, Embedding: []float32{1, 0}})
	e.insert(t, &store.MemoryEntry{ID: "p2", Content: "likes hills", Category: store.CategoryPreference, Embedding: []float32{0.9, 0.1}})
	e.insert(t, &store.MemoryEntry{ID: "f1", Content: "lives in Cork", Category: store.CategoryFact, Embedding: []float32{0, 1}})

	r := &Report{}
	require.NoError(t, e.g.inferBehavior(ctx, r))
	assert.Equal(t, 1, r.PatternsUpdated)

	p, err := e.db.GetPattern(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, []int{10}, p.ActiveHours)
	assert.Equal(t, 3, p.Messages7d)
	assert.Equal(t, 1, p.Sessions7d)
	assert.InDelta(t, 30.0, p.AvgSessionMin, 1e-9)
	assert.Equal(t, []string{"preference", "fact"}, p.TopCategories)
	require.Len(t, p.CoreInterests, 3)
	assert.NotEqual(t, "f1", p.CoreInterests[0])
	require.NotNil(t, p.Affect)
	assert.Equal(t, 0.5, p.Affect.FastValence)
	assert.Equal(t, signals.SignalEngaged, p.GoalSignal)
	assert.Equal(t, msgs[2].ID, p.AffectCursor)

	// Folding again without new messages changes nothing.
	require.NoError(t, e.g.inferBehavior(ctx, &Report{}))
	again, err := e.db.GetPattern(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, p.Affect, again.Affect)
}

func TestScoreTrustEager(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		e.session(t, "s"+string(rune('a'+i)), "u1", testNow.Add(-time.Duration(i*15+2)*time.Hour), time.Hour)
	}
	for i := 0; i < 5; i++ {
		require.NoError(t, e.db.InsertScheduled(ctx, &store.ScheduledItem{
			ID: "it" + string(rune('a'+i)), UserID: "u1", Type: "follow_up", Message: "m",
			Status: store.StatusActed, TriggerAt: testNow.Add(-time.Hour), CreatedAt: testNow.Add(-24 * time.Hour),
		}))
	}
	e.session(t, "cold", "u2", testNow.Add(-time.Hour), time.Hour)

	r := &Report{}
	require.NoError(t, e.g.scoreTrust(ctx, r))
	assert.Equal(t, 1, r.TrustScored)
	assert.Equal(t, 1, r.ColdStart)

	p, err := e.db.GetPattern(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p.TrustScore)
	assert.Greater(t, *p.TrustScore, 0.7)
	assert.Equal(t, signals.DialEager, p.Dial)

	cold, err := e.db.GetPattern(ctx, "u2")
	require.NoError(t, err)
	require.NotNil(t, cold)
	assert.Nil(t, cold.TrustScore)
}

func TestScanGoals(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	ctx := context.Background()

	soon := testNow.Add(36 * time.Hour)
	far := testNow.Add(30 * 24 * time.Hour)
	require.NoError(t, e.db.CreateGoal(ctx, &store.Goal{ID: "g1", UserID: "u1", Title: "Ship the tax return", DueDate: &soon, CreatedAt: testNow}))
	require.NoError(t, e.db.CreateGoal(ctx, &store.Goal{ID: "g2", UserID: "u1", Title: "Learn Irish", DueDate: &far, CreatedAt: testNow}))

	r := &Report{}
	require.NoError(t, e.g.scanGoals(ctx, r))
	assert.Equal(t, 1, r.GoalItems)

	r = &Report{}
	require.NoError(t, e.g.scanGoals(ctx, r))
	assert.Zero(t, r.GoalItems)

	items, err := e.db.ScheduledSince(ctx, "u1", testNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "goal_checkin", items[0].Type)
	assert.Equal(t, "goal:g1", items[0].DedupKey)
	assert.Contains(t, items[0].Context, `"urgency":0.7`)
}

func TestGoalUrgency(t *testing.T) {
	assert.Equal(t, 1.0, goalUrgency(-time.Hour))
	assert.Equal(t, 0.9, goalUrgency(time.Hour))
	assert.Equal(t, 0.7, goalUrgency(48*time.Hour))
	assert.Equal(t, 0.5, goalUrgency(5*24*time.Hour))
	assert.Equal(t, 0.0, goalUrgency(8*24*time.Hour))
}

func TestInnerThoughts(t *testing.T) {
	e := newEnv(t, Deps{}, Config{})
	ctx := context.Background()

	e.session(t, "s1", "u1", testNow.Add(-2*time.Hour), time.Hour)
	require.NoError(t, e.db.SaveSummary(ctx, store.SessionSummary{SessionID: "s1", UserID: "u1", Summary: "Sore knee after a long run", CreatedAt: testNow.Add(-time.Hour)}))
	e.session(t, "s2", "u2", testNow.Add(-2*time.Hour), time.Hour)
	require.NoError(t, e.db.SaveSummary(ctx, store.SessionSummary{SessionID: "s2", UserID: "u2", Summary: "Chatted about films", CreatedAt: testNow.Add(-time.Hour)}))
	score := 0.1
	require.NoError(t, e.db.SavePattern(ctx, &store.BehavioralPattern{UserID: "u2", TrustScore: &score, Dial: signals.DialConservative}))

	r := &Report{}
	require.NoError(t, e.g.innerThoughts(ctx, r))
	assert.Equal(t, 1, r.InnerThoughts)
	assert.Equal(t, 1, e.mock.CallCount())

	items, err := e.db.ScheduledSince(ctx, "u1", testNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "follow_up", items[0].Type)
	assert.Equal(t, "s1", items[0].SessionID)
	assert.True(t, items[0].TriggerAt.Equal(testNow.Add(time.Hour)))

	// Same summary again is deduplicated.
	r = &Report{}
	require.NoError(t, e.g.innerThoughts(ctx, r))
	assert.Zero(t, r.InnerThoughts)
}

func TestInnerThoughtsProviderFailure(t *testing.T) {
	e := newEnv(t, Deps{Provider: &llm.MockProvider{Err: errors.New("down")}}, Config{})
	ctx := context.Background()
	e.session(t, "s1", "u1", testNow.Add(-2*time.Hour), time.Hour)
	require.NoError(t, e.db.SaveSummary(ctx, store.SessionSummary{SessionID: "s1", UserID: "u1", Summary: "x", CreatedAt: testNow}))

	r := &Report{}
	require.NoError(t, e.g.innerThoughts(ctx, r))
	assert.Zero(t, r.InnerThoughts)
	assert.Len(t, r.Errors, 1)
}

func TestParseThought(t *testing.T) {
	th, ok := parseThought("```json\n{\"proact\": true, \"message\": \"hi\", \"delay_minutes\": -5}\n```")
	require.True(t, ok)
	assert.True(t, th.Proact)
	assert.Equal(t, "follow_up", th.Type)
	assert.Zero(t, th.DelayMinutes)

	_, ok = parseThought("no")
	assert.False(t, ok)
}

func TestFoldAffectUsesTimestampOrder(t *testing.T) {
	early := store.Affect{Valence: 0.8, Arousal: 0.4, Confidence: 0.9}
	late := store.Affect{Valence: -0.6, Arousal: 0.7, Confidence: 0.9}
	msgs := []store.Message{
		{ID: 7, Affect: &late, CreatedAt: testNow},
		{ID: 8, Affect: &early, CreatedAt: testNow.Add(-2 * time.Hour)},
	}

	want := signals.UpdateAffect(signals.AffectState{}, signals.AffectSample{
		Valence: early.Valence, Arousal: early.Arousal, Confidence: early.Confidence, At: msgs[1].CreatedAt,
	})
	want = signals.UpdateAffect(want, signals.AffectSample{
		Valence: late.Valence, Arousal: late.Arousal, Confidence: late.Confidence, At: msgs[0].CreatedAt,
	})

	p := &store.BehavioralPattern{UserID: "u1"}
	foldAffect(p, msgs)
	require.NotNil(t, p.Affect)
	assert.Equal(t, want, *p.Affect)
	assert.Equal(t, int64(8), p.AffectCursor)
	assert.Equal(t, int64(7), msgs[0].ID, "input left untouched")
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "héllo wörld", truncate("héllo wörld", 11))

	got := truncate("日本語のテキストです", 6)
	assert.Equal(t, "日本語...", got)
	assert.True(t, utf8.ValidString(truncate(strings.Repeat("é", 100), 80)))
}
