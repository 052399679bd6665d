package gardener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/store"
)

// Summarizer condenses a session transcript.
type Summarizer interface {
	Summarize(ctx context.Context, session store.Session, messages []store.Message) (string, error)
}

// LLMSummarizer summarizes with a completion provider.
type LLMSummarizer struct {
	provider llm.Provider
	maxChars int
}

// NewLLMSummarizer creates a summarizer. Transcripts are cut to the most
// recent 12k characters.
func NewLLMSummarizer(p llm.Provider) *LLMSummarizer {
	return &LLMSummarizer{provider: p, maxChars: 12000}
}

const summarySystem = `Summarize this conversation between a user and their assistant in 2-4 sentences.
Keep what matters for future conversations: plans, worries, decisions, open questions. Plain text only.`

// Summarize implements Summarizer.
func (s *LLMSummarizer) Summarize(ctx context.Context, session store.Session, messages []store.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	transcript := b.String()
	if len(transcript) > s.maxChars {
		transcript = transcript[len(transcript)-s.maxChars:]
	}
	resp, err := s.provider.Complete(ctx, llm.Prompt(summarySystem, transcript, 300))
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", llm.ErrEmptyResponse
	}
	return summary, nil
}

// SummarizeSession summarizes one session now and stores the result. It
// is used by the deep tick for idle sessions and by the API when a
// session ends.
func (g *Gardener) SummarizeSession(ctx context.Context, sessionID string) (string, error) {
	if g.summarizer == nil {
		return "", fmt.Errorf("summarize session %s: no summarizer configured", sessionID)
	}
	sess, err := g.db.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	msgs, err := g.db.SessionMessages(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	summary, err := g.summarizer.Summarize(ctx, *sess, msgs)
	if err != nil {
		return "", fmt.Errorf("summarize session %s: %w", sessionID, err)
	}
	err = g.db.SaveSummary(ctx, store.SessionSummary{
		SessionID: sess.ID, UserID: sess.UserID, Summary: summary, CreatedAt: g.now(),
	})
	if err != nil {
		return "", err
	}
	return summary, nil
}

func (g *Gardener) summarizeIdle(ctx context.Context, report *Report) error {
	if g.summarizer == nil {
		return nil
	}
	idle, err := g.db.IdleSessions(ctx, g.now().Add(-g.cfg.SessionIdle), 50)
	if err != nil {
		return err
	}
	for _, sess := range idle {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := g.SummarizeSession(ctx, sess.ID); err != nil {
			report.addError("summarize %s: %v", sess.ID, err)
			slog.Warn("gardener: session summary failed", "session", sess.ID, "error", err)
			continue
		}
		report.Summarized++
	}
	return nil
}
