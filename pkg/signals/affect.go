package signals

import (
	"math"
	"time"
)

const (
	FastHalfLife = 2 * time.Hour
	SlowHalfLife = 72 * time.Hour

	// MinAffectConfidence gates out samples too uncertain to move the state.
	MinAffectConfidence = 0.1

	distressDelta     = -0.2
	improvingDelta    = 0.2
	engagedArousal    = 0.4
	disengagedArousal = -0.3
	disengagedValence = -0.1
)

// AffectState is a dual-rate moving average of a user's emotional state.
// The fast channel follows the current conversation; the slow channel is
// the baseline over days.
type AffectState struct {
	FastValence  float64 `json:"fast_valence"`
	SlowValence  float64 `json:"slow_valence"`
	FastArousal  float64 `json:"fast_arousal"`
	SlowArousal  float64 `json:"slow_arousal"`
	LastUpdateMs int64   `json:"last_update_ms"`
}

// AffectSample is one scored message.
type AffectSample struct {
	Valence    float64
	Arousal    float64
	Confidence float64
	At         time.Time
}

// UpdateAffect folds one sample into the state and returns the new state.
// Samples below MinAffectConfidence leave the state untouched. The first
// accepted sample snaps both channels to the raw value.
func UpdateAffect(state AffectState, s AffectSample) AffectState {
	if s.Confidence < MinAffectConfidence {
		return state
	}
	atMs := s.At.UnixMilli()

	if state.LastUpdateMs == 0 {
		return AffectState{
			FastValence:  s.Valence,
			SlowValence:  s.Valence,
			FastArousal:  s.Arousal,
			SlowArousal:  s.Arousal,
			LastUpdateMs: atMs,
		}
	}

	dt := time.Duration(atMs-state.LastUpdateMs) * time.Millisecond
	if dt < 0 {
		dt = 0
	}
	conf := math.Min(1, s.Confidence)
	fast := decayAlpha(dt, FastHalfLife) * conf
	slow := decayAlpha(dt, SlowHalfLife) * conf

	next := AffectState{
		FastValence: state.FastValence + fast*(s.Valence-state.FastValence),
		SlowValence: state.SlowValence + slow*(s.Valence-state.SlowValence),
		FastArousal: state.FastArousal + fast*(s.Arousal-state.FastArousal),
		SlowArousal: state.SlowArousal + slow*(s.Arousal-state.SlowArousal),
	}
	next.LastUpdateMs = state.LastUpdateMs
	if atMs > next.LastUpdateMs {
		next.LastUpdateMs = atMs
	}
	return next
}

// decayAlpha is the weight a new sample gets after dt has elapsed, for a
// channel with the given half-life. Back-to-back samples still get a small
// floor weight so a burst of messages is not ignored.
func decayAlpha(dt, halfLife time.Duration) float64 {
	a := 1 - math.Pow(0.5, dt.Hours()/halfLife.Hours())
	floor := 1 - math.Pow(0.5, float64(time.Minute)/float64(halfLife))
	return math.Max(a, floor)
}

// GoalSignal is the conversational stance derived from affect.
type GoalSignal string

const (
	SignalDistressed GoalSignal = "user_distressed"
	SignalImproving  GoalSignal = "user_improving"
	SignalEngaged    GoalSignal = "user_engaged"
	SignalDisengaged GoalSignal = "user_disengaged"
	SignalStable     GoalSignal = "stable"
)

// DeriveGoalSignal classifies the state. Distress wins over every other
// signal.
func DeriveGoalSignal(s AffectState) GoalSignal {
	delta := s.FastValence - s.SlowValence
	switch {
	case delta < distressDelta:
		return SignalDistressed
	case delta > improvingDelta:
		return SignalImproving
	case s.FastArousal > engagedArousal:
		return SignalEngaged
	case s.FastArousal < disengagedArousal && s.FastValence < disengagedValence:
		return SignalDisengaged
	default:
		return SignalStable
	}
}
