package gardener

import (
	"context"

	"github.com/nous-labs/mneme/pkg/store"
)

// auditPenalty scales the prominence of old, never-retrieved entries.
const auditPenalty = 0.5

// forget audits unused entries and prunes what is no longer needed.
func (g *Gardener) forget(ctx context.Context, report *Report) error {
	now := g.now()
	decay := g.mem.Config().Decay

	// Old entries that were never retrieved and are already fading lose
	// half their prominence; those that drop below the floor archive.
	never := 0
	stale, err := g.db.ListMemories(ctx, store.MemoryFilter{
		ExcludeTypes:   []store.MemoryType{store.TypeStaticProfile},
		CreatedBefore:  now.Add(-g.cfg.AuditAge),
		MaxAccessCount: &never,
		MaxProminence:  decay.ActiveThreshold,
	})
	if err != nil {
		return err
	}
	updates := make([]store.ProminenceUpdate, 0, len(stale))
	for _, e := range stale {
		p := e.Prominence * auditPenalty
		updates = append(updates, store.ProminenceUpdate{ID: e.ID, Prominence: p, Archive: p < decay.ArchiveFloor})
	}
	audited, archived, err := g.db.ApplyProminence(ctx, updates, now)
	if err != nil {
		return err
	}
	report.Audited = audited
	report.Decay.Archived += archived

	// Archived entries are no longer decayed, so the floor they archived
	// under is the one they are pruned at.
	cutoff := now.Add(-g.cfg.Retention)
	if report.PrunedMemories, err = g.db.PruneArchived(ctx, cutoff, decay.ArchiveFloor); err != nil {
		return err
	}
	if report.PrunedMessages, err = g.db.PruneSessionMessages(ctx, now.Add(-g.cfg.SessionIdle)); err != nil {
		return err
	}
	if report.PrunedItems, err = g.db.PruneScheduled(ctx, cutoff); err != nil {
		return err
	}
	if report.Orphans, err = g.db.DeleteOrphans(ctx); err != nil {
		return err
	}
	return nil
}
