package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/store"
)

// SearchOptions narrow a search.
type SearchOptions struct {
	UserID   string
	Category store.Category
	From, To time.Time
	Limit    int
	// IncludeDormant lowers the prominence floor from active to dormant.
	IncludeDormant bool
	// Rerank asks the completion provider to reorder the top results.
	Rerank bool
	// SkipAccess leaves access telemetry untouched (internal grounding
	// lookups should not make entries look popular).
	SkipAccess bool
}

// SearchResult is one scored entry.
type SearchResult struct {
	Entry    store.MemoryEntry `json:"entry"`
	Score    float64           `json:"score"`
	Keyword  float64           `json:"keyword"`
	Semantic float64           `json:"semantic"`
	Related  []RelatedEntry    `json:"related,omitempty"`
}

// Search scores candidate entries against query with keyword, semantic
// and prominence signals and returns at most opts.Limit results, best
// first.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	cfg := s.cfg.Search
	limit := opts.Limit
	if limit <= 0 {
		limit = cfg.DefaultLimit
	}
	minProminence := s.cfg.Decay.ActiveThreshold
	if opts.IncludeDormant {
		minProminence = s.cfg.Decay.DormantThreshold
	}

	filter := store.MemoryFilter{
		UserID:        opts.UserID,
		Category:      opts.Category,
		LatestOnly:    true,
		MinProminence: minProminence,
		From:          opts.From,
		To:            opts.To,
		Limit:         limit * cfg.CandidateFactor,
	}
	candidates, err := s.db.ListMemories(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}

	queryVec := s.vectors.query(ctx, query)
	if s.index != nil && len(queryVec) > 0 {
		candidates = s.widenFromIndex(ctx, candidates, queryVec, filter)
	}

	p := s.vectors.probe(queryVec, query)
	terms := tokenize(query)
	needle := strings.ToLower(strings.TrimSpace(query))

	var results []SearchResult
	for i := range candidates {
		e := &candidates[i]
		content := strings.ToLower(e.Content)

		kw := keywordScore(terms, content)
		sem := s.vectors.similarity(ctx, p, e)
		if sem < 0 {
			sem = 0
		}
		score := cfg.KeywordWeight*kw + cfg.SemanticWeight*sem + cfg.ProminenceWeight*e.Prominence
		if needle != "" && strings.Contains(content, needle) {
			score *= cfg.ExactBoost
		}
		if score < cfg.MinScore {
			continue
		}
		e.Embedding = nil
		results = append(results, SearchResult{Entry: *e, Score: score, Keyword: kw, Semantic: sem})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	if opts.Rerank && s.reranker != nil && len(results) > 1 {
		results = s.rerank(ctx, query, results)
	}
	if len(results) > limit {
		results = results[:limit]
	}

	for i := range results {
		related, err := s.graph.Related(ctx, results[i].Entry.ID, cfg.RelatedPerResult)
		if err != nil {
			slog.Warn("memory: related lookup failed", "id", results[i].Entry.ID, "error", err)
			continue
		}
		results[i].Related = related
	}

	if !opts.SkipAccess && len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Entry.ID
		}
		if err := s.db.RecordAccess(ctx, ids, s.now()); err != nil {
			slog.Warn("memory: record access failed", "error", err)
		}
	}
	return results, nil
}

// keywordScore is the fraction of query terms found as substrings.
func keywordScore(terms []string, content string) float64 {
	if len(terms) == 0 {
		return 0
	}
	hits := 0
	for _, t := range terms {
		if strings.Contains(content, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// widenFromIndex merges nearest neighbours from the vector index into the
// candidate set, applying the same filter the store scan used.
func (s *Store) widenFromIndex(ctx context.Context, candidates []store.MemoryEntry, vec []float32, f store.MemoryFilter) []store.MemoryEntry {
	ids, err := s.index.Nearest(ctx, f.UserID, vec, f.Limit)
	if err != nil {
		slog.Warn("memory: vector index lookup failed", "error", err)
		return candidates
	}
	have := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		have[c.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !have[id] {
			missing = append(missing, id)
		}
	}
	extra, err := s.db.GetMemories(ctx, missing)
	if err != nil {
		slog.Warn("memory: load index hits failed", "error", err)
		return candidates
	}
	for _, e := range extra {
		if matchesFilter(&e, f) {
			candidates = append(candidates, e)
		}
	}
	return candidates
}

func matchesFilter(e *store.MemoryEntry, f store.MemoryFilter) bool {
	switch {
	case f.UserID != "" && e.UserID != f.UserID:
		return false
	case f.Category != "" && e.Category != f.Category:
		return false
	case f.LatestOnly && !e.IsLatest:
		return false
	case e.ArchivedAt != nil:
		return false
	case e.Prominence < f.MinProminence:
		return false
	case !f.From.IsZero() && e.DocumentDate.Before(f.From):
		return false
	case !f.To.IsZero() && e.DocumentDate.After(f.To):
		return false
	}
	return true
}

const rerankSystem = `You rank memories by how useful they are for answering a query.
Respond with a JSON array of the memory numbers, most useful first, e.g. [2, 0, 1].`

// rerank reorders the top results by asking the provider. Any failure
// returns results unchanged.
func (s *Store) rerank(ctx context.Context, query string, results []SearchResult) []SearchResult {
	n := s.cfg.Search.RerankTopN
	if n > len(results) {
		n = len(results)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Query: %s\n\nMemories:\n", query)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "%d. %s\n", i, results[i].Entry.Content)
	}

	resp, err := s.reranker.Complete(ctx, llm.Prompt(rerankSystem, b.String(), 200))
	if err != nil {
		slog.Warn("memory: rerank failed, keeping original order", "error", err)
		return results
	}
	order, ok := parseRanking(resp.Content, n)
	if !ok {
		slog.Warn("memory: rerank response unusable, keeping original order")
		return results
	}

	out := make([]SearchResult, 0, len(results))
	for _, idx := range order {
		out = append(out, results[idx])
	}
	return append(out, results[n:]...)
}

// parseRanking reads a JSON array of indexes in [0,n). Unknown and
// repeated indexes are dropped and missing ones appended in their
// original order.
func parseRanking(content string, n int) ([]int, bool) {
	r, ok := llm.ExtractJSON(content)
	if !ok || !r.IsArray() {
		return nil, false
	}
	seen := make([]bool, n)
	var order []int
	for _, v := range r.Array() {
		idx := int(v.Int())
		if v.Type != gjson.Number || idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}
	if len(order) == 0 {
		return nil, false
	}
	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order, true
}
