package gardener

import (
	"context"
	"log/slog"
	"time"

	"github.com/nous-labs/mneme/pkg/signals"
	"github.com/nous-labs/mneme/pkg/store"
)

const trustWindow = 30 * 24 * time.Hour

// scoreTrust recomputes each user's trust score and proactiveness dial.
// Users below the cold-start floor keep whatever they had.
func (g *Gardener) scoreTrust(ctx context.Context, report *Report) error {
	users, err := g.db.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	now := g.now()
	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sessions, err := g.db.SessionsSince(ctx, user, now.Add(-trustWindow))
		if err != nil {
			report.addError("trust sessions for %s: %v", user, err)
			continue
		}
		items, err := g.db.ScheduledSince(ctx, user, now.Add(-trustWindow))
		if err != nil {
			report.addError("trust items for %s: %v", user, err)
			continue
		}

		samples := make([]signals.SessionSample, len(sessions))
		for i, s := range sessions {
			samples[i] = signals.SessionSample{StartedAt: s.StartedAt, Duration: s.Duration()}
		}
		outcomes := make([]signals.Outcome, 0, len(items))
		for _, it := range items {
			outcomes = append(outcomes, signals.Outcome(it.Status))
		}

		err = g.db.UpdatePattern(ctx, user, func(p *store.BehavioralPattern) error {
			res := signals.ComputeTrustScore(samples, outcomes, signals.TrustOptions{ExistingScore: p.TrustScore, Now: now})
			if res == nil {
				report.ColdStart++
				return nil
			}
			score := res.TrustScore
			p.TrustScore = &score
			p.Dial = res.Dial
			sigs := res.Signals
			p.TrustSignals = &sigs
			report.TrustScored++
			slog.Debug("gardener: trust updated", "user", user, "score", score, "dial", res.Dial)
			return nil
		})
		if err != nil {
			report.addError("trust for %s: %v", user, err)
		}
	}
	return nil
}
