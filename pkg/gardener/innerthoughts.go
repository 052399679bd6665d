package gardener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/proactive"
	"github.com/nous-labs/mneme/pkg/signals"
	"github.com/nous-labs/mneme/pkg/store"
)

const innerThoughtsSystem = `You are the inner voice of a personal assistant deciding whether to reach out to the user unprompted.
Only reach out when it would genuinely help or show you remembered something that matters to them.
Respond with JSON only:
{"proact": true|false, "type": "follow_up|event_prep|goal_checkin|check_in", "message": "<why to reach out>", "delay_minutes": <minutes from now>}`

// thought is the parsed inner-thoughts decision.
type thought struct {
	Proact       bool
	Type         string
	Message      string
	DelayMinutes int
}

func parseThought(s string) (thought, bool) {
	r, ok := llm.ExtractJSON(s)
	if !ok || !r.IsObject() {
		return thought{}, false
	}
	t := thought{
		Proact:       r.Get("proact").Bool(),
		Type:         strings.TrimSpace(r.Get("type").String()),
		Message:      strings.TrimSpace(r.Get("message").String()),
		DelayMinutes: int(r.Get("delay_minutes").Int()),
	}
	if t.Type == "" {
		t.Type = "follow_up"
	}
	if t.DelayMinutes < 0 {
		t.DelayMinutes = 0
	}
	if t.DelayMinutes > 7*24*60 {
		t.DelayMinutes = 7 * 24 * 60
	}
	return t, true
}

// innerThoughts asks, for every user with a fresh session summary,
// whether the agent should reach out, and schedules it if so.
func (g *Gardener) innerThoughts(ctx context.Context, report *Report) error {
	if g.provider == nil || g.scheduler == nil {
		return nil
	}
	now := g.now()
	summaries, err := g.db.SummariesSince(ctx, now.Add(-g.cfg.InnerThoughtsWindow))
	if err != nil {
		return err
	}

	// Newest summary per user.
	seen := make(map[string]bool)
	for _, sum := range summaries {
		if seen[sum.UserID] {
			continue
		}
		seen[sum.UserID] = true
		if ctx.Err() != nil {
			return ctx.Err()
		}

		ok, err := g.thinkAbout(ctx, sum)
		if err != nil {
			report.addError("inner thoughts for %s: %v", sum.UserID, err)
			slog.Warn("gardener: inner thoughts failed", "user", sum.UserID, "error", err)
			continue
		}
		if ok {
			report.InnerThoughts++
		}
	}
	return nil
}

func (g *Gardener) thinkAbout(ctx context.Context, sum store.SessionSummary) (bool, error) {
	pattern, err := g.db.GetPattern(ctx, sum.UserID)
	if err != nil {
		return false, err
	}
	dial := signals.DialModerate
	if pattern != nil && pattern.Dial != "" {
		dial = pattern.Dial
	}
	if dial == signals.DialConservative {
		slog.Debug("gardener: conservative dial, no inner thoughts", "user", sum.UserID)
		return false, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Latest conversation summary (%s):\n%s\n", sum.CreatedAt.Format(time.RFC1123), sum.Summary)
	results, err := g.mem.Search(ctx, sum.Summary, memory.SearchOptions{UserID: sum.UserID, Limit: 5, SkipAccess: true})
	if err != nil {
		slog.Warn("gardener: inner thoughts grounding failed", "user", sum.UserID, "error", err)
	}
	if len(results) > 0 {
		b.WriteString("\nRelevant memories:\n")
		for _, r := range results {
			fmt.Fprintf(&b, "- %s\n", r.Entry.Content)
		}
	}
	fmt.Fprintf(&b, "\nProactiveness: %s", dial)
	if pattern != nil && pattern.GoalSignal != "" && pattern.GoalSignal != signals.SignalStable {
		fmt.Fprintf(&b, "\nEmotional signal: %s", pattern.GoalSignal)
	}

	resp, err := g.provider.Complete(ctx, llm.Prompt(innerThoughtsSystem, b.String(), 300))
	if err != nil {
		return false, err
	}
	t, ok := parseThought(resp.Content)
	if !ok {
		return false, fmt.Errorf("unparseable response: %q", truncate(resp.Content, 80))
	}
	if !t.Proact || t.Message == "" {
		return false, nil
	}

	_, created, err := g.scheduler.Schedule(ctx, proactive.ScheduleRequest{
		UserID:    sum.UserID,
		SessionID: sum.SessionID,
		Source:    store.SourceAgent,
		Type:      t.Type,
		Message:   t.Message,
		DedupKey:  "thought:" + sum.SessionID,
		At:        g.now().Add(time.Duration(t.DelayMinutes) * time.Minute),
	})
	if err != nil {
		return false, err
	}
	return created, nil
}
