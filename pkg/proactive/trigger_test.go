package proactive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/store"
)

type fakeSearcher struct {
	results []memory.SearchResult
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, query string, opts memory.SearchOptions) ([]memory.SearchResult, error) {
	f.queries = append(f.queries, query)
	return f.results, nil
}

type fakeHook struct {
	reply string
	err   error
	seen  []string
}

func (h *fakeHook) ProcessTrigger(_ context.Context, item store.ScheduledItem, draft string) (string, error) {
	h.seen = append(h.seen, item.Type+":"+draft)
	return h.reply, h.err
}

func insertDue(t *testing.T, db *store.DB, id, typ string, at time.Time) {
	t.Helper()
	require.NoError(t, db.InsertScheduled(context.Background(), &store.ScheduledItem{
		ID: id, UserID: "u1", Type: typ, Message: "dentist appointment friday", TriggerAt: at, CreatedAt: at,
	}))
}

func newEvaluator(t *testing.T, provider llm.Provider, hook AgentHook) (*TriggerEvaluator, *store.DB, *[]string) {
	t.Helper()
	db := testDB(t)
	var delivered []string
	send := func(_ context.Context, userID, message string) bool {
		delivered = append(delivered, message)
		return true
	}
	search := &fakeSearcher{results: []memory.SearchResult{{Entry: store.MemoryEntry{Content: "Dreads the dentist"}}}}
	ev := NewTriggerEvaluator(db, search, provider, hook, send, TriggerConfig{}, nil)
	ev.SetClock(func() time.Time { return testNow })
	return ev, db, &delivered
}

func TestEvaluateFiresDueItems(t *testing.T) {
	ctx := context.Background()
	mock := llm.NewMock("Good luck at the dentist on Friday!")
	ev, db, delivered := newEvaluator(t, mock, nil)

	insertDue(t, db, "due", "follow_up", testNow.Add(-time.Minute))
	insertDue(t, db, "later", "follow_up", testNow.Add(time.Hour))

	fired, err := ev.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Equal(t, []string{"Good luck at the dentist on Friday!"}, *delivered)

	req := mock.Calls[0]
	assert.Contains(t, req.System, tones["follow_up"])
	assert.Contains(t, req.Messages[0].Content, "Dreads the dentist")

	got, err := db.GetScheduled(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFired, got.Status)
	got, err = db.GetScheduled(ctx, "later")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestGenerationFailureMarksFiredWithoutSend(t *testing.T) {
	ctx := context.Background()
	ev, db, delivered := newEvaluator(t, &llm.MockProvider{Err: errors.New("rate limited")}, nil)
	insertDue(t, db, "due", "follow_up", testNow.Add(-time.Minute))

	fired, err := ev.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
	assert.Empty(t, *delivered)

	got, err := db.GetScheduled(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, store.StatusFired, got.Status)

	fired, err = ev.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
}

func TestActionableItemsGoThroughHook(t *testing.T) {
	ctx := context.Background()
	hook := &fakeHook{reply: "I booked a reminder for 9am Friday and packed your notes."}
	ev, db, delivered := newEvaluator(t, llm.NewMock("draft"), hook)
	insertDue(t, db, "a", "event_prep", testNow.Add(-time.Minute))
	insertDue(t, db, "b", "follow_up", testNow.Add(-time.Minute))

	_, err := ev.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"event_prep:draft"}, hook.seen)
	assert.ElementsMatch(t, []string{hook.reply, "draft"}, *delivered)
}

func TestHookFailureFallsBackToDraft(t *testing.T) {
	hook := &fakeHook{err: errors.New("agent offline")}
	ev, db, delivered := newEvaluator(t, llm.NewMock("draft"), hook)
	insertDue(t, db, "a", "goal_checkin", testNow.Add(-time.Minute))

	_, err := ev.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"draft"}, *delivered)
}

func TestNoProviderSendsStoredMessage(t *testing.T) {
	ev, db, delivered := newEvaluator(t, nil, nil)
	insertDue(t, db, "a", "reminder", testNow.Add(-time.Minute))

	_, err := ev.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"dentist appointment friday"}, *delivered)
}

func TestEvaluateExpiresOldItems(t *testing.T) {
	ctx := context.Background()
	ev, db, delivered := newEvaluator(t, llm.NewMock("hi"), nil)
	insertDue(t, db, "old", "follow_up", testNow.Add(-72*time.Hour))

	fired, err := ev.Evaluate(ctx)
	require.NoError(t, err)
	assert.Zero(t, fired)
	assert.Empty(t, *delivered)

	got, err := db.GetScheduled(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, store.StatusExpired, got.Status)
}

func TestToneFallback(t *testing.T) {
	mock := llm.NewMock("ok")
	ev, db, _ := newEvaluator(t, mock, nil)
	insertDue(t, db, "a", "something_new", testNow.Add(-time.Minute))
	_, err := ev.Evaluate(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, mock.CallCount())
	assert.True(t, strings.HasSuffix(mock.Calls[0].System, defaultTone))
}
