package gardener

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/store"
)

const fusionSystem = `You merge several related memories about a user into one concise memory.
Keep every durable detail, drop repetition. Respond with JSON only:
{"content": "<merged memory>", "category": "fact|preference|event|relationship|insight"}`

// fuse merges clusters of dormant related entries per user.
func (g *Gardener) fuse(ctx context.Context, report *Report) error {
	if g.provider == nil {
		return nil
	}
	users, err := g.db.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		clusters, err := g.dormantClusters(ctx, user)
		if err != nil {
			report.addError("fusion clusters for %s: %v", user, err)
			continue
		}
		report.Clusters += len(clusters)
		for i, cluster := range clusters {
			if i >= g.cfg.MaxClusters {
				break
			}
			if err := g.fuseCluster(ctx, user, cluster); err != nil {
				report.addError("fuse cluster for %s: %v", user, err)
				slog.Warn("gardener: fusion skipped", "user", user, "size", len(cluster), "error", err)
				continue
			}
			report.Fused++
		}
	}
	return nil
}

// dormantClusters groups the user's dormant entries that are connected
// by EXTENDS or RELATED edges. Clusters below MinClusterSize are dropped;
// the rest are returned largest first.
func (g *Gardener) dormantClusters(ctx context.Context, userID string) ([][]store.MemoryEntry, error) {
	dormant, err := g.db.ListMemories(ctx, store.MemoryFilter{
		UserID:        userID,
		LatestOnly:    true,
		ExcludeTypes:  []store.MemoryType{store.TypeStaticProfile, store.TypeDerived, store.TypeSuperseded},
		MinProminence: g.mem.Config().Decay.DormantThreshold,
		MaxProminence: g.cfg.MergeCeiling,
	})
	if err != nil {
		return nil, err
	}
	if len(dormant) < g.cfg.MinClusterSize {
		return nil, nil
	}

	byID := make(map[string]store.MemoryEntry, len(dormant))
	uf := newUnionFind()
	for _, e := range dormant {
		byID[e.ID] = e
		uf.add(e.ID)
	}

	edges, err := g.db.RelationsForUser(ctx, userID, store.RelExtends, store.RelRelated)
	if err != nil {
		return nil, err
	}
	for _, r := range edges {
		if _, ok := byID[r.SourceID]; !ok {
			continue
		}
		if _, ok := byID[r.TargetID]; !ok {
			continue
		}
		uf.union(r.SourceID, r.TargetID)
	}

	groups := make(map[string][]store.MemoryEntry)
	for _, e := range dormant {
		root := uf.find(e.ID)
		groups[root] = append(groups[root], e)
	}
	var clusters [][]store.MemoryEntry
	for _, members := range groups {
		if len(members) >= g.cfg.MinClusterSize {
			sort.Slice(members, func(i, j int) bool { return members[i].DocumentDate.Before(members[j].DocumentDate) })
			clusters = append(clusters, members)
		}
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i]) != len(clusters[j]) {
			return len(clusters[i]) > len(clusters[j])
		}
		return clusters[i][0].ID < clusters[j][0].ID
	})
	return clusters, nil
}

func (g *Gardener) fuseCluster(ctx context.Context, userID string, cluster []store.MemoryEntry) error {
	var b strings.Builder
	for i, e := range cluster {
		fmt.Fprintf(&b, "%d. [%s, %s] %s\n", i+1, e.Category, e.DocumentDate.Format("2006-01-02"), e.Content)
	}
	resp, err := g.provider.Complete(ctx, llm.Prompt(fusionSystem, b.String(), 400))
	if err != nil {
		return err
	}
	content, category, ok := parseFusion(resp.Content)
	if !ok {
		return fmt.Errorf("unparseable fusion response: %q", truncate(resp.Content, 80))
	}
	if !category.Valid() {
		category = dominantCategory(cluster)
	}
	derived, err := g.mem.Fuse(ctx, userID, content, category, cluster)
	if err != nil {
		return err
	}
	slog.Info("gardener: fused memories", "user", userID, "derived", derived.ID, "sources", len(cluster))
	return nil
}

// parseFusion reads {"content", "category"}. A bare non-JSON answer is
// rejected rather than stored.
func parseFusion(s string) (string, store.Category, bool) {
	r, ok := llm.ExtractJSON(s)
	if !ok || !r.IsObject() {
		return "", "", false
	}
	content := strings.TrimSpace(r.Get("content").String())
	if content == "" {
		return "", "", false
	}
	return content, store.Category(strings.ToLower(r.Get("category").String())), true
}

func dominantCategory(entries []store.MemoryEntry) store.Category {
	counts := make(map[store.Category]int)
	best := entries[0].Category
	for _, e := range entries {
		counts[e.Category]++
		if counts[e.Category] > counts[best] {
			best = e.Category
		}
	}
	return best
}

type unionFind struct {
	parent map[string]string
}

func newUnionFind() *unionFind { return &unionFind{parent: make(map[string]string)} }

func (u *unionFind) add(id string) { u.parent[id] = id }

func (u *unionFind) find(id string) string {
	for u.parent[id] != id {
		u.parent[id] = u.parent[u.parent[id]]
		id = u.parent[id]
	}
	return id
}

func (u *unionFind) union(a, b string) {
	ra, rb := u.find(a), u.find(b)
	if ra != rb {
		u.parent[ra] = rb
	}
}
