package signals

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var affectStart = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func TestUpdateAffectFirstSampleSnaps(t *testing.T) {
	s := UpdateAffect(AffectState{}, AffectSample{Valence: 0.6, Arousal: -0.2, Confidence: 0.9, At: affectStart})
	assert.Equal(t, 0.6, s.FastValence)
	assert.Equal(t, 0.6, s.SlowValence)
	assert.Equal(t, -0.2, s.FastArousal)
	assert.Equal(t, -0.2, s.SlowArousal)
	assert.Equal(t, affectStart.UnixMilli(), s.LastUpdateMs)
}

func TestUpdateAffectLowConfidenceIsNoop(t *testing.T) {
	start := UpdateAffect(AffectState{}, AffectSample{Valence: 0.2, Confidence: 1, At: affectStart})
	next := UpdateAffect(start, AffectSample{Valence: -1, Arousal: 1, Confidence: 0.05, At: affectStart.Add(time.Hour)})
	assert.Equal(t, start, next)

	untouched := UpdateAffect(AffectState{}, AffectSample{Valence: 1, Confidence: 0.09, At: affectStart})
	assert.Equal(t, AffectState{}, untouched)
}

func TestUpdateAffectFastMovesMoreThanSlow(t *testing.T) {
	s := UpdateAffect(AffectState{}, AffectSample{Valence: 0.5, Arousal: 0, Confidence: 1, At: affectStart})
	s = UpdateAffect(s, AffectSample{Valence: -0.5, Arousal: 0.8, Confidence: 1, At: affectStart.Add(2 * time.Hour)})

	// One fast half-life elapsed: the fast channel lands halfway.
	assert.InDelta(t, 0.0, s.FastValence, 1e-9)
	assert.InDelta(t, 0.4, s.FastArousal, 1e-9)
	assert.Greater(t, s.SlowValence, s.FastValence)
	assert.Less(t, s.SlowArousal, s.FastArousal)
}

func TestUpdateAffectConfidenceScalesStep(t *testing.T) {
	base := UpdateAffect(AffectState{}, AffectSample{Valence: 0, Confidence: 1, At: affectStart})
	sure := UpdateAffect(base, AffectSample{Valence: 1, Confidence: 1, At: affectStart.Add(time.Hour)})
	unsure := UpdateAffect(base, AffectSample{Valence: 1, Confidence: 0.3, At: affectStart.Add(time.Hour)})
	assert.Greater(t, sure.FastValence, unsure.FastValence)
	assert.Greater(t, unsure.FastValence, 0.0)
}

func TestDeriveGoalSignal(t *testing.T) {
	tests := []struct {
		name  string
		state AffectState
		want  GoalSignal
	}{
		{"distress beats engagement", AffectState{FastValence: -0.5, SlowValence: 0, FastArousal: 0.9}, SignalDistressed},
		{"distress", AffectState{FastValence: 0.1, SlowValence: 0.35}, SignalDistressed},
		{"improving", AffectState{FastValence: 0.5, SlowValence: 0.1}, SignalImproving},
		{"engaged", AffectState{FastValence: 0.1, SlowValence: 0.1, FastArousal: 0.5}, SignalEngaged},
		{"disengaged", AffectState{FastValence: -0.2, SlowValence: -0.2, FastArousal: -0.4}, SignalDisengaged},
		{"low arousal but not negative", AffectState{FastValence: 0.1, SlowValence: 0.1, FastArousal: -0.4}, SignalStable},
		{"stable", AffectState{}, SignalStable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveGoalSignal(tt.state))
		})
	}
}
