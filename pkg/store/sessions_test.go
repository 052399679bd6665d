package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.StartSession(ctx, &Session{ID: "s1", UserID: "u1", StartedAt: testNow}))
	require.NoError(t, db.AppendMessage(ctx, &Message{SessionID: "s1", Role: "user", Content: "hi", CreatedAt: testNow.Add(time.Minute)}))
	msg := &Message{SessionID: "s1", Role: "user", Content: "I'm stressed", CreatedAt: testNow.Add(20 * time.Minute),
		Affect: &Affect{Valence: -0.6, Arousal: 0.5, Confidence: 0.8}}
	require.NoError(t, db.AppendMessage(ctx, msg))
	assert.NotZero(t, msg.ID)
	assert.Equal(t, "u1", msg.UserID)

	s, err := db.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.MessageCount)
	assert.Equal(t, 20*time.Minute, s.Duration())

	msgs, err := db.SessionMessages(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Nil(t, msgs[0].Affect)
	require.NotNil(t, msgs[1].Affect)
	assert.Equal(t, -0.6, msgs[1].Affect.Valence)

	scored, err := db.ScoredMessagesAfter(ctx, "u1", 0, 10)
	require.NoError(t, err)
	assert.Len(t, scored, 1)
	scored, err = db.ScoredMessagesAfter(ctx, "u1", msg.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, scored)
}

func TestAppendMessageMissingSession(t *testing.T) {
	db := testDB(t)
	err := db.AppendMessage(context.Background(), &Message{SessionID: "nope", Role: "user", Content: "x", CreatedAt: testNow})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIdleSessionsSummaryAndPrune(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	old := testNow.Add(-40 * 24 * time.Hour)

	require.NoError(t, db.StartSession(ctx, &Session{ID: "old", UserID: "u1", StartedAt: old}))
	require.NoError(t, db.AppendMessage(ctx, &Message{SessionID: "old", Role: "user", Content: "hello", CreatedAt: old}))
	require.NoError(t, db.StartSession(ctx, &Session{ID: "new", UserID: "u1", StartedAt: testNow}))
	require.NoError(t, db.AppendMessage(ctx, &Message{SessionID: "new", Role: "user", Content: "hey", CreatedAt: testNow}))

	idle, err := db.IdleSessions(ctx, testNow.Add(-30*24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, "old", idle[0].ID)

	require.NoError(t, db.SaveSummary(ctx, SessionSummary{SessionID: "old", UserID: "u1", Summary: "said hello", CreatedAt: testNow}))
	assert.ErrorIs(t, db.SaveSummary(ctx, SessionSummary{SessionID: "ghost", UserID: "u1", Summary: "x", CreatedAt: testNow}), ErrNotFound)

	idle, err = db.IdleSessions(ctx, testNow.Add(-30*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, idle)

	sums, err := db.SummariesSince(ctx, testNow.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "said hello", sums[0].Summary)

	n, err := db.PruneSessionMessages(ctx, testNow.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := db.SessionMessages(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSessionsSince(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, db.StartSession(ctx, &Session{
			ID: string(rune('a' + i)), UserID: "u1", StartedAt: testNow.Add(-time.Duration(i) * 24 * time.Hour),
		}))
	}
	got, err := db.SessionsSince(ctx, "u1", testNow.Add(-36*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID, "oldest first")
}

func TestPatternsAndGoals(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	p, err := db.GetPattern(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, p)

	score := 0.42
	require.NoError(t, db.UpdatePattern(ctx, "u1", func(p *BehavioralPattern) error {
		p.TrustScore = &score
		p.ActiveHours = []int{9, 10, 20}
		return nil
	}))
	p, err = db.GetPattern(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, p)
	require.NotNil(t, p.TrustScore)
	assert.Equal(t, 0.42, *p.TrustScore)
	assert.Equal(t, []int{9, 10, 20}, p.ActiveHours)

	due := testNow.Add(24 * time.Hour)
	require.NoError(t, db.CreateGoal(ctx, &Goal{ID: "g1", UserID: "u1", Title: "ship it", DueDate: &due, CreatedAt: testNow}))
	err = db.CreateGoal(ctx, &Goal{ID: "g2", UserID: "u1", Title: "child", ParentID: "missing", CreatedAt: testNow})
	assert.ErrorIs(t, err, ErrNotFound)

	goals, err := db.GoalsDueBefore(ctx, testNow.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "ship it", goals[0].Title)

	require.NoError(t, db.SetGoalStatus(ctx, "g1", GoalCompleted, testNow))
	goals, err = db.GoalsDueBefore(ctx, testNow.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, goals)
}

func TestDeleteOrphans(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	it := item("i1", "u1", testNow)
	it.SourceMemoryID = "gone"
	require.NoError(t, db.InsertScheduled(ctx, it))

	n, err := db.DeleteOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := db.GetScheduled(ctx, "i1")
	require.NoError(t, err)
	assert.Empty(t, got.SourceMemoryID)
}
