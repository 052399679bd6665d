package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/nous-labs/mneme/pkg/store"
)

const (
	recencyWeight   = 0.7
	accessWeight    = 0.2
	frequencyWeight = 0.1
	frequencyScale  = 5.0
)

// CalculateProminence scores how relevant an entry is at time now, in
// [0,1]. Age since documentDate decays the score on a half-life stretched
// by importance; a recent access and a high access count lift it.
// static_profile entries are always 1.0.
func CalculateProminence(e *store.MemoryEntry, cfg DecayConfig, now time.Time) float64 {
	if e.MemoryType == store.TypeStaticProfile {
		return 1.0
	}

	importance := math.Max(1, math.Min(10, float64(e.Importance)))
	halfLife := cfg.HalfLife.Hours() * (0.5 + importance/10)
	recency := halfLifeFactor(now.Sub(e.DocumentDate).Hours(), halfLife)

	var accessRecency float64
	if e.LastAccessed != nil {
		accessRecency = halfLifeFactor(now.Sub(*e.LastAccessed).Hours(), cfg.AccessHalfLife.Hours())
	}
	frequency := 1 - math.Exp(-float64(e.AccessCount)/frequencyScale)

	p := recencyWeight*recency + accessWeight*accessRecency + frequencyWeight*frequency
	return math.Max(0, math.Min(1, p))
}

func halfLifeFactor(ageHours, halfLifeHours float64) float64 {
	if ageHours <= 0 {
		return 1
	}
	if halfLifeHours <= 0 {
		return 0
	}
	return math.Pow(0.5, ageHours/halfLifeHours)
}

// State is the retrieval tier a prominence value falls into.
type State string

const (
	StateActive   State = "active"
	StateDormant  State = "dormant"
	StateArchival State = "archival"
)

// StateFor classifies a prominence value.
func StateFor(prominence float64, cfg DecayConfig) State {
	switch {
	case prominence >= cfg.ActiveThreshold:
		return StateActive
	case prominence >= cfg.DormantThreshold:
		return StateDormant
	default:
		return StateArchival
	}
}

// DecayResult reports what a decay pass changed.
type DecayResult struct {
	Updated  int `json:"updated"`
	Archived int `json:"archived"`
}

// ProcessDecay is the light pass: it recomputes prominence for a bounded
// set of recently touched entries.
func (s *Store) ProcessDecay(ctx context.Context) (DecayResult, error) {
	now := s.now()
	entries, err := s.db.ListMemories(ctx, store.MemoryFilter{
		TouchedSince: now.Add(-s.cfg.Decay.LightWindow),
		OrderBy:      "touched",
		Limit:        s.cfg.Decay.LightBatch,
	})
	if err != nil {
		return DecayResult{}, fmt.Errorf("light decay: %w", err)
	}
	return s.applyDecay(ctx, entries, now)
}

// ProcessFullDecay is the deep pass over every live entry.
func (s *Store) ProcessFullDecay(ctx context.Context) (DecayResult, error) {
	entries, err := s.db.ListMemories(ctx, store.MemoryFilter{})
	if err != nil {
		return DecayResult{}, fmt.Errorf("full decay: %w", err)
	}
	return s.applyDecay(ctx, entries, s.now())
}

func (s *Store) applyDecay(ctx context.Context, entries []store.MemoryEntry, now time.Time) (DecayResult, error) {
	var updates []store.ProminenceUpdate
	for i := range entries {
		e := &entries[i]
		p := CalculateProminence(e, s.cfg.Decay, now)
		archive := p < s.cfg.Decay.ArchiveFloor && e.MemoryType != store.TypeStaticProfile
		if !archive && math.Abs(p-e.Prominence) <= 0.001 {
			continue
		}
		updates = append(updates, store.ProminenceUpdate{ID: e.ID, Prominence: p, Archive: archive})
	}

	updated, archived, err := s.db.ApplyProminence(ctx, updates, now)
	if err != nil {
		return DecayResult{}, err
	}
	if updated > 0 {
		slog.Debug("memory: decay applied", "scanned", len(entries), "updated", updated, "archived", archived)
	}
	return DecayResult{Updated: updated, Archived: archived}, nil
}
