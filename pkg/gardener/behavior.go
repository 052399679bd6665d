package gardener

import (
	"context"
	"sort"
	"time"

	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/signals"
	"github.com/nous-labs/mneme/pkg/store"
)

const (
	behaviorWindow    = 30 * 24 * time.Hour
	statsWindow       = 7 * 24 * time.Hour
	maxMessages       = 2000
	activeHourShare   = 0.05 // share of messages an hour needs to count as active
	minActiveHourMsgs = 2
	topCategoryCount  = 3
	coreInterestCount = 5
	affectBatch       = 500
)

// inferBehavior refreshes every user's behavioral pattern from stored
// messages, sessions and existing embeddings. It makes no model calls.
func (g *Gardener) inferBehavior(ctx context.Context, report *Report) error {
	users, err := g.db.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := g.inferUser(ctx, user); err != nil {
			report.addError("behavior for %s: %v", user, err)
			continue
		}
		report.PatternsUpdated++
	}
	return nil
}

func (g *Gardener) inferUser(ctx context.Context, userID string) error {
	now := g.now()

	msgs, err := g.db.UserMessagesSince(ctx, userID, now.Add(-behaviorWindow), maxMessages)
	if err != nil {
		return err
	}
	sessions, err := g.db.SessionsSince(ctx, userID, now.Add(-statsWindow))
	if err != nil {
		return err
	}
	entries, err := g.db.ListMemories(ctx, store.MemoryFilter{UserID: userID, LatestOnly: true})
	if err != nil {
		return err
	}
	scored, err := g.scoredSince(ctx, userID)
	if err != nil {
		return err
	}

	return g.db.UpdatePattern(ctx, userID, func(p *store.BehavioralPattern) error {
		p.ActiveHours = activeHours(msgs, g.cfg.Location)
		p.Messages7d, p.AvgMsgLength = messageStats(msgs, now.Add(-statsWindow))
		p.Sessions7d, p.AvgSessionMin = sessionStats(sessions)
		p.TopCategories = topCategories(entries, topCategoryCount)
		p.CoreInterests = coreInterests(entries, coreInterestCount)
		foldAffect(p, scored)
		return nil
	})
}

// scoredSince loads the scored messages after the user's affect cursor.
func (g *Gardener) scoredSince(ctx context.Context, userID string) ([]store.Message, error) {
	p, err := g.db.GetPattern(ctx, userID)
	if err != nil {
		return nil, err
	}
	var cursor int64
	if p != nil {
		cursor = p.AffectCursor
	}
	return g.db.ScoredMessagesAfter(ctx, userID, cursor, affectBatch)
}

// foldAffect advances the pattern's affect state over msgs in timestamp
// order and derives the goal signal. The cursor moves to the highest
// message id seen.
func foldAffect(p *store.BehavioralPattern, msgs []store.Message) {
	if len(msgs) == 0 {
		return
	}
	ordered := make([]store.Message, len(msgs))
	copy(ordered, msgs)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	var state signals.AffectState
	if p.Affect != nil {
		state = *p.Affect
	}
	for _, m := range ordered {
		if m.Affect != nil {
			state = signals.UpdateAffect(state, signals.AffectSample{
				Valence:    m.Affect.Valence,
				Arousal:    m.Affect.Arousal,
				Confidence: m.Affect.Confidence,
				At:         m.CreatedAt,
			})
		}
		if m.ID > p.AffectCursor {
			p.AffectCursor = m.ID
		}
	}
	p.Affect = &state
	p.GoalSignal = signals.DeriveGoalSignal(state)
}

// activeHours returns the hours of day (in loc) holding a meaningful
// share of the user's messages, ascending.
func activeHours(msgs []store.Message, loc *time.Location) []int {
	if len(msgs) == 0 {
		return nil
	}
	var hist [24]int
	for _, m := range msgs {
		hist[m.CreatedAt.In(loc).Hour()]++
	}
	var hours []int
	for h, n := range hist {
		if n >= minActiveHourMsgs && float64(n)/float64(len(msgs)) >= activeHourShare {
			hours = append(hours, h)
		}
	}
	return hours
}

func messageStats(msgs []store.Message, since time.Time) (int, float64) {
	var n, chars int
	for _, m := range msgs {
		if m.CreatedAt.Before(since) {
			continue
		}
		n++
		chars += len([]rune(m.Content))
	}
	if n == 0 {
		return 0, 0
	}
	return n, float64(chars) / float64(n)
}

func sessionStats(sessions []store.Session) (int, float64) {
	if len(sessions) == 0 {
		return 0, 0
	}
	var total time.Duration
	for _, s := range sessions {
		total += s.Duration()
	}
	return len(sessions), total.Minutes() / float64(len(sessions))
}

func topCategories(entries []store.MemoryEntry, n int) []string {
	counts := make(map[store.Category]int)
	for _, e := range entries {
		counts[e.Category]++
	}
	cats := make([]string, 0, len(counts))
	for c := range counts {
		cats = append(cats, string(c))
	}
	sort.Slice(cats, func(i, j int) bool {
		ci, cj := counts[store.Category(cats[i])], counts[store.Category(cats[j])]
		if ci != cj {
			return ci > cj
		}
		return cats[i] < cats[j]
	})
	if len(cats) > n {
		cats = cats[:n]
	}
	return cats
}

// coreInterests picks the entries closest to the centroid of the user's
// stored embeddings. Entries without a vector of the common dimension
// are ignored.
func coreInterests(entries []store.MemoryEntry, n int) []string {
	dims := make(map[int]int)
	for _, e := range entries {
		if len(e.Embedding) > 0 {
			dims[len(e.Embedding)]++
		}
	}
	dim, best := 0, 0
	for d, c := range dims {
		if c > best || (c == best && d > dim) {
			dim, best = d, c
		}
	}
	if dim == 0 {
		return nil
	}

	centroid := make([]float32, dim)
	var withVec []store.MemoryEntry
	for _, e := range entries {
		if len(e.Embedding) != dim {
			continue
		}
		withVec = append(withVec, e)
		for i, v := range e.Embedding {
			centroid[i] += v
		}
	}

	type scoredID struct {
		id    string
		score float64
	}
	ranked := make([]scoredID, 0, len(withVec))
	for _, e := range withVec {
		ranked = append(ranked, scoredID{e.ID, memory.CosineSimilarity(centroid, e.Embedding)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, r := range ranked {
		out[i] = r.id
	}
	return out
}
