package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nous-labs/mneme/pkg/store"
)

// Candidate is a proposed edge from a new entry to an existing one.
type Candidate struct {
	TargetID   string             `json:"target_id"`
	Type       store.RelationType `json:"type"`
	Similarity float64            `json:"similarity"`
}

// RelatedEntry is an entry reachable over one edge.
type RelatedEntry struct {
	Relation store.RelationType `json:"relation"`
	Outgoing bool               `json:"outgoing"`
	Entry    store.MemoryEntry  `json:"entry"`
}

// RelationGraph manages the edges between entries. Edges live in the
// memory_relations table; nothing is held in memory between calls.
type RelationGraph struct {
	db         *store.DB
	cfg        RelationConfig
	vectors    *vectorizer
	classifier *Classifier
	now        func() time.Time
}

// topicFamily groups categories that can extend each other.
func topicFamily(c store.Category) string {
	switch c {
	case store.CategoryFact, store.CategoryPreference, store.CategoryRelationship:
		return "personal"
	case store.CategoryEvent:
		return "timeline"
	default:
		return "reflection"
	}
}

// DetectRelations compares entry against the user's other latest entries
// and proposes at most one UPDATES edge plus a few EXTENDS edges.
//
// Similarity at or above the update threshold in the same category is an
// update. Similarity at or above the extend threshold in the same topic
// family is an extension, unless a classifier is configured and the two
// share a category, in which case the model decides.
func (g *RelationGraph) DetectRelations(ctx context.Context, entry *store.MemoryEntry) ([]Candidate, error) {
	priors, err := g.db.ListMemories(ctx, store.MemoryFilter{
		UserID:       entry.UserID,
		LatestOnly:   true,
		ExcludeTypes: []store.MemoryType{store.TypeSuperseded},
		OrderBy:      "recent",
		Limit:        g.cfg.MaxCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("load relation candidates: %w", err)
	}

	p := g.vectors.probe(entry.Embedding, entry.Content)

	type scored struct {
		entry *store.MemoryEntry
		sim   float64
	}
	var (
		update    *Candidate
		extends   []Candidate
		ambiguous []scored
	)
	for i := range priors {
		prior := &priors[i]
		if prior.ID == entry.ID {
			continue
		}
		sim := g.vectors.similarity(ctx, p, prior)
		sameCategory := prior.Category == entry.Category

		switch {
		case sim >= g.cfg.UpdateThreshold && sameCategory:
			if update == nil || sim > update.Similarity {
				update = &Candidate{TargetID: prior.ID, Type: store.RelUpdates, Similarity: sim}
			}
		case sim >= g.cfg.ExtendThreshold && sameCategory && g.classifier != nil:
			ambiguous = append(ambiguous, scored{prior, sim})
		case sim >= g.cfg.ExtendThreshold && topicFamily(prior.Category) == topicFamily(entry.Category):
			extends = append(extends, Candidate{TargetID: prior.ID, Type: store.RelExtends, Similarity: sim})
		}
	}

	sort.Slice(ambiguous, func(i, j int) bool { return ambiguous[i].sim > ambiguous[j].sim })
	for i, a := range ambiguous {
		if i >= g.cfg.MaxClassify {
			break
		}
		cls, err := g.classifier.Classify(ctx, entry, a.entry)
		if err != nil {
			slog.Warn("memory: classification failed, skipping candidate", "entry", entry.ID, "target", a.entry.ID, "error", err)
			continue
		}
		switch cls.Kind {
		case KindUpdates:
			if update == nil || a.sim > update.Similarity {
				update = &Candidate{TargetID: a.entry.ID, Type: store.RelUpdates, Similarity: a.sim}
			}
		case KindExtends:
			extends = append(extends, Candidate{TargetID: a.entry.ID, Type: store.RelExtends, Similarity: a.sim})
		}
	}

	sort.Slice(extends, func(i, j int) bool { return extends[i].Similarity > extends[j].Similarity })
	var out []Candidate
	if update != nil {
		out = append(out, *update)
	}
	for _, c := range extends {
		if len(out) >= g.cfg.MaxExtends+1 {
			break
		}
		if update != nil && c.TargetID == update.TargetID {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// AddUpdatesRelation records that newID supersedes oldID. The old entry
// stops being latest and becomes superseded in the same transaction.
func (g *RelationGraph) AddUpdatesRelation(ctx context.Context, newID, oldID string, confidence float64) error {
	if err := g.db.AddSupersession(ctx, newID, oldID, confidence, g.now()); err != nil {
		return fmt.Errorf("add updates relation: %w", err)
	}
	return nil
}

// AddExtendsRelation records a non-destructive context link.
func (g *RelationGraph) AddExtendsRelation(ctx context.Context, sourceID, targetID string, confidence float64) error {
	return g.addEdge(ctx, sourceID, targetID, store.RelExtends, confidence)
}

// AddRelatedRelation records a loose association.
func (g *RelationGraph) AddRelatedRelation(ctx context.Context, sourceID, targetID string, confidence float64) error {
	return g.addEdge(ctx, sourceID, targetID, store.RelRelated, confidence)
}

func (g *RelationGraph) addEdge(ctx context.Context, sourceID, targetID string, typ store.RelationType, confidence float64) error {
	err := g.db.AddRelation(ctx, store.Relation{
		SourceID: sourceID, TargetID: targetID, Type: typ,
		Confidence: confidence, CreatedAt: g.now(),
	})
	if err != nil {
		return fmt.Errorf("add %s relation: %w", typ, err)
	}
	return nil
}

// GetLatestVersion follows UPDATES edges forward from id to the newest
// version of the fact. When two entries both updated the same one, the
// most recently created edge wins.
func (g *RelationGraph) GetLatestVersion(ctx context.Context, id string) (*store.MemoryEntry, error) {
	cur := id
	seen := map[string]bool{cur: true}
	for {
		newer, err := g.db.RelationsTo(ctx, cur, store.RelUpdates)
		if err != nil {
			return nil, err
		}
		if len(newer) == 0 {
			break
		}
		next := newer[0].SourceID
		if seen[next] {
			slog.Warn("memory: UPDATES cycle detected", "at", next)
			break
		}
		seen[next] = true
		cur = next
	}
	return g.db.GetMemory(ctx, cur)
}

// GetUpdateHistory returns the version chain containing id, most recent
// first.
func (g *RelationGraph) GetUpdateHistory(ctx context.Context, id string) ([]store.MemoryEntry, error) {
	latest, err := g.GetLatestVersion(ctx, id)
	if err != nil {
		return nil, err
	}
	history := []store.MemoryEntry{*latest}
	seen := map[string]bool{latest.ID: true}
	cur := latest.ID
	for {
		older, err := g.db.RelationsFrom(ctx, cur, store.RelUpdates)
		if err != nil {
			return nil, err
		}
		if len(older) == 0 || seen[older[0].TargetID] {
			break
		}
		prev, err := g.db.GetMemory(ctx, older[0].TargetID)
		if err != nil {
			return nil, err
		}
		seen[prev.ID] = true
		history = append(history, *prev)
		cur = prev.ID
	}
	return history, nil
}

// Related returns up to limit entries linked to id in either direction.
func (g *RelationGraph) Related(ctx context.Context, id string, limit int) ([]RelatedEntry, error) {
	out, err := g.db.RelationsFrom(ctx, id)
	if err != nil {
		return nil, err
	}
	in, err := g.db.RelationsTo(ctx, id)
	if err != nil {
		return nil, err
	}

	type edge struct {
		rel      store.Relation
		outgoing bool
		other    string
	}
	var edges []edge
	for _, r := range out {
		edges = append(edges, edge{r, true, r.TargetID})
	}
	for _, r := range in {
		edges = append(edges, edge{r, false, r.SourceID})
	}
	sort.SliceStable(edges, func(i, j int) bool { return edges[i].rel.Confidence > edges[j].rel.Confidence })
	if limit > 0 && len(edges) > limit {
		edges = edges[:limit]
	}

	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.other
	}
	entries, err := g.db.GetMemories(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.MemoryEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	var related []RelatedEntry
	for _, e := range edges {
		entry, ok := byID[e.other]
		if !ok {
			continue
		}
		entry.Embedding = nil
		related = append(related, RelatedEntry{Relation: e.rel.Type, Outgoing: e.outgoing, Entry: entry})
	}
	return related, nil
}
