package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/mneme/pkg/events"
	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/store"
)

// Searcher retrieves grounding memories.
type Searcher interface {
	Search(ctx context.Context, query string, opts memory.SearchOptions) ([]memory.SearchResult, error)
}

// AgentHook lets an agent act on an actionable item before delivery. A
// non-empty reply replaces the generated draft.
type AgentHook interface {
	ProcessTrigger(ctx context.Context, item store.ScheduledItem, draft string) (string, error)
}

// TriggerConfig tunes the evaluator.
type TriggerConfig struct {
	PollInterval   time.Duration // default 60s
	MaxAge         time.Duration // pending items older than this expire (default 48h)
	BatchSize      int           // due items per poll (default 20)
	GroundingLimit int           // memories per message (default 5)
	Actionable     []string      // item types offered to the agent hook
}

// DefaultTriggerConfig returns the defaults.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		PollInterval:   time.Minute,
		MaxAge:         48 * time.Hour,
		BatchSize:      20,
		GroundingLimit: 5,
		Actionable:     []string{"event_prep", "goal_checkin"},
	}
}

var tones = map[string]string{
	"event_prep":   "Practical and helpful. Mention what is coming up and offer to help prepare.",
	"goal_checkin": "Encouraging, never pushy. Ask how it is going and offer a small next step.",
	"follow_up":    "Warm and curious. Refer back to what they shared last time.",
}

const defaultTone = "Friendly and brief, like a thoughtful friend checking in."

// TriggerEvaluator turns due scheduled items into delivered messages.
type TriggerEvaluator struct {
	db       *store.DB
	search   Searcher
	provider llm.Provider
	hook     AgentHook
	send     SendFunc
	cfg      TriggerConfig
	onEvent  EventFunc
	now      func() time.Time
}

// NewTriggerEvaluator creates an evaluator. search, provider and hook may
// be nil. Without a provider the item's stored message is sent as is.
func NewTriggerEvaluator(db *store.DB, search Searcher, provider llm.Provider, hook AgentHook, send SendFunc, cfg TriggerConfig, onEvent EventFunc) *TriggerEvaluator {
	d := DefaultTriggerConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = d.MaxAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.GroundingLimit <= 0 {
		cfg.GroundingLimit = d.GroundingLimit
	}
	if cfg.Actionable == nil {
		cfg.Actionable = d.Actionable
	}
	return &TriggerEvaluator{
		db: db, search: search, provider: provider, hook: hook, send: send,
		cfg: cfg, onEvent: onEvent, now: time.Now,
	}
}

// SetClock overrides time.Now.
func (t *TriggerEvaluator) SetClock(now func() time.Time) { t.now = now }

// Run polls on a ticker. Blocks until ctx is cancelled.
func (t *TriggerEvaluator) Run(ctx context.Context) {
	slog.Info("trigger evaluator started", "poll", t.cfg.PollInterval, "max_age", t.cfg.MaxAge)
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("trigger evaluator stopping")
			return
		case <-ticker.C:
			if _, err := t.Evaluate(ctx); err != nil {
				slog.Warn("trigger: poll failed", "error", err)
			}
		}
	}
}

// Evaluate expires stale items and fires every due item. Returns the
// number of items fired.
func (t *TriggerEvaluator) Evaluate(ctx context.Context) (int, error) {
	now := t.now()
	expired, err := t.db.ExpireStale(ctx, now.Add(-t.cfg.MaxAge))
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		slog.Info("trigger: expired stale items", "count", expired)
	}

	due, err := t.db.DueItems(ctx, now, t.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	fired := 0
	for _, it := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		t.fire(ctx, it)
		if err := t.db.MarkFired(ctx, it.ID, t.now()); err != nil {
			slog.Warn("trigger: mark fired failed", "id", it.ID, "error", err)
			continue
		}
		fired++
		t.emit(events.TriggerFired, fmt.Sprintf("%s %s for %s", it.Type, it.ID, it.UserID))
	}
	return fired, nil
}

// fire generates and sends the message for one item. A generation
// failure skips the send.
func (t *TriggerEvaluator) fire(ctx context.Context, it store.ScheduledItem) {
	message := it.Message
	if t.provider != nil {
		generated, err := t.generate(ctx, it)
		if err != nil {
			slog.Warn("trigger: message generation failed, skipping send", "id", it.ID, "error", err)
			return
		}
		message = generated
	}

	if t.hook != nil && t.isActionable(it.Type) {
		reply, err := t.hook.ProcessTrigger(ctx, it, message)
		switch {
		case err != nil:
			slog.Warn("trigger: agent hook failed, using generated message", "id", it.ID, "error", err)
		case strings.TrimSpace(reply) != "":
			message = reply
		}
	}

	if strings.TrimSpace(message) == "" {
		slog.Warn("trigger: empty message, nothing sent", "id", it.ID)
		return
	}
	if !t.send(ctx, it.UserID, message) {
		slog.Info("trigger: delivery declined", "id", it.ID, "user", it.UserID)
	}
}

func (t *TriggerEvaluator) generate(ctx context.Context, it store.ScheduledItem) (string, error) {
	var grounding []string
	if t.search != nil {
		results, err := t.search.Search(ctx, it.Message, memory.SearchOptions{
			UserID: it.UserID, Limit: t.cfg.GroundingLimit, IncludeDormant: true, SkipAccess: true,
		})
		if err != nil {
			slog.Warn("trigger: grounding search failed", "id", it.ID, "error", err)
		}
		for _, r := range results {
			grounding = append(grounding, "- "+r.Entry.Content)
		}
	}

	tone, ok := tones[it.Type]
	if !ok {
		tone = defaultTone
	}
	system := "You write short proactive messages from a personal assistant to its user. " +
		"One to three sentences, no greeting boilerplate, no markdown. Tone: " + tone

	var b strings.Builder
	fmt.Fprintf(&b, "Reason for reaching out (%s): %s\n", it.Type, it.Message)
	if it.Context != "" {
		fmt.Fprintf(&b, "Context: %s\n", it.Context)
	}
	if len(grounding) > 0 {
		b.WriteString("\nWhat you remember about the user:\n")
		b.WriteString(strings.Join(grounding, "\n"))
		b.WriteString("\n")
	}
	b.WriteString("\nWrite the message.")

	resp, err := t.provider.Complete(ctx, llm.Prompt(system, b.String(), 300))
	if err != nil {
		return "", err
	}
	msg := strings.TrimSpace(resp.Content)
	if msg == "" {
		return "", llm.ErrEmptyResponse
	}
	return msg, nil
}

func (t *TriggerEvaluator) isActionable(typ string) bool {
	for _, a := range t.cfg.Actionable {
		if a == typ {
			return true
		}
	}
	return false
}

func (t *TriggerEvaluator) emit(typ, message string) {
	if t.onEvent != nil {
		t.onEvent(typ, message)
	}
}
