// Package signals holds the pure signal-processing models the gardener
// uses to turn usage history into a trust score and an affect estimate.
// Nothing here touches storage; state goes in and comes back out.
package signals

import (
	"math"
	"sort"
	"time"
)

// Dial is how freely the agent may initiate contact.
type Dial string

const (
	DialConservative Dial = "conservative"
	DialModerate     Dial = "moderate"
	DialEager        Dial = "eager"
)

// MinTrustSessions is the cold-start floor for trust scoring.
const MinTrustSessions = 5

const (
	weightReturn   = 0.25
	weightDuration = 0.15
	weightAccept   = 0.30
	weightDismiss  = 0.20
	weightFeedback = 0.10

	returnMidpoint   = 7.0 // sessions per week
	returnSteepness  = 1.0
	durationMidpoint = 30.0 // minutes
	durationSteep    = 0.15
	durationEMAAlpha = 0.3

	blendNew      = 0.3
	blendExisting = 0.7
)

// TrustSignals are the five inputs of the trust score, each in [0,1].
type TrustSignals struct {
	SessionReturnRate    float64 `json:"session_return_rate"`
	AvgSessionDuration   float64 `json:"avg_session_duration"`
	ProactiveAcceptRate  float64 `json:"proactive_accept_rate"`
	ProactiveDismissRate float64 `json:"proactive_dismiss_rate"`
	ExplicitFeedback     float64 `json:"explicit_feedback"`
}

// SessionSample is the slice of a session the trust model looks at.
type SessionSample struct {
	StartedAt time.Time
	Duration  time.Duration
}

// Outcome is the lifecycle state of a proactive item, as seen by the
// trust model. Only "acted", "dismissed" and "fired" count.
type Outcome string

const (
	OutcomeFired     Outcome = "fired"
	OutcomeActed     Outcome = "acted"
	OutcomeDismissed Outcome = "dismissed"
)

// TrustOptions tune a single computation.
type TrustOptions struct {
	// ExistingScore, when set, damps the new score toward the prior.
	ExistingScore *float64
	// Now anchors the 7-day return window. Zero means time.Now().
	Now time.Time
}

// TrustResult is the output of ComputeTrustScore.
type TrustResult struct {
	TrustScore float64      `json:"trust_score"`
	Dial       Dial         `json:"proactiveness_dial"`
	Signals    TrustSignals `json:"signals"`
}

// ComputeTrustScore derives a trust score from session history and the
// outcomes of proactive items. It returns nil when there are fewer than
// MinTrustSessions sessions.
func ComputeTrustScore(sessions []SessionSample, outcomes []Outcome, opts TrustOptions) *TrustResult {
	if len(sessions) < MinTrustSessions {
		return nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	sigs := TrustSignals{
		SessionReturnRate:  sigmoid(float64(sessionsInWindow(sessions, now, 7*24*time.Hour)), returnMidpoint, returnSteepness),
		AvgSessionDuration: sigmoid(emaDurationMinutes(sessions), durationMidpoint, durationSteep),
		ExplicitFeedback:   0.5,
	}
	sigs.ProactiveAcceptRate, sigs.ProactiveDismissRate = outcomeRates(outcomes)

	score := weightReturn*sigs.SessionReturnRate +
		weightDuration*sigs.AvgSessionDuration +
		weightAccept*sigs.ProactiveAcceptRate -
		weightDismiss*sigs.ProactiveDismissRate +
		weightFeedback*sigs.ExplicitFeedback
	score = clamp01(score)

	if opts.ExistingScore != nil {
		score = clamp01(blendNew*score + blendExisting*(*opts.ExistingScore))
	}

	return &TrustResult{TrustScore: score, Dial: DialFor(score), Signals: sigs}
}

// DialFor maps a trust score to a proactiveness dial.
func DialFor(score float64) Dial {
	switch {
	case score < 0.3:
		return DialConservative
	case score < 0.7:
		return DialModerate
	default:
		return DialEager
	}
}

func sessionsInWindow(sessions []SessionSample, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	n := 0
	for _, s := range sessions {
		if !s.StartedAt.Before(cutoff) && !s.StartedAt.After(now) {
			n++
		}
	}
	return n
}

// emaDurationMinutes smooths session durations in chronological order.
func emaDurationMinutes(sessions []SessionSample) float64 {
	ordered := make([]SessionSample, len(sessions))
	copy(ordered, sessions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].StartedAt.Before(ordered[j].StartedAt) })

	var ema float64
	for i, s := range ordered {
		m := s.Duration.Minutes()
		if i == 0 {
			ema = m
			continue
		}
		ema = durationEMAAlpha*m + (1-durationEMAAlpha)*ema
	}
	return ema
}

func outcomeRates(outcomes []Outcome) (accept, dismiss float64) {
	var acted, dismissed, total int
	for _, o := range outcomes {
		switch o {
		case OutcomeActed:
			acted++
			total++
		case OutcomeDismissed:
			dismissed++
			total++
		case OutcomeFired:
			total++
		}
	}
	if total == 0 {
		return 0.5, 0.5
	}
	return float64(acted) / float64(total), float64(dismissed) / float64(total)
}

func sigmoid(x, midpoint, steepness float64) float64 {
	return 1 / (1 + math.Exp(-steepness*(x-midpoint)))
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
