package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/store"
)

// Mirror is a vector index that can report what it holds.
type Mirror interface {
	memory.VectorIndex
	Hashes(ctx context.Context) (map[string]string, error)
}

// SyncResult counts the work of one sync cycle.
type SyncResult struct {
	Embedded int // entries that got a vector in sqlite
	Mirrored int // vectors written to the index
	Removed  int // index rows whose entry is gone, archived or superseded
	Skipped  int // vectors the index refused
}

// IndexSync keeps the vector index in step with sqlite. Each cycle it
// embeds entries still missing a vector, mirrors new or changed vectors
// of latest entries, and removes vectors of entries that are no longer
// searchable.
type IndexSync struct {
	mem       *memory.Store
	index     Mirror
	interval  time.Duration
	batchSize int
}

// NewIndexSync creates a new background sync worker.
func NewIndexSync(mem *memory.Store, index Mirror, interval time.Duration, batchSize int) *IndexSync {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &IndexSync{
		mem:       mem,
		index:     index,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *IndexSync) Run(ctx context.Context) {
	slog.Info("index sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Initial sync on startup (backfill)
	if res, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial index sync failed", "error", err)
	} else if res.Embedded+res.Mirrored+res.Removed > 0 {
		slog.Info("initial index sync complete", "embedded", res.Embedded, "mirrored", res.Mirrored, "removed", res.Removed)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("index sync worker stopping")
			return
		case <-ticker.C:
			if res, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("index sync cycle failed", "error", err)
			} else if res.Embedded+res.Mirrored+res.Removed > 0 {
				slog.Info("index sync cycle", "embedded", res.Embedded, "mirrored", res.Mirrored, "removed", res.Removed)
			}
		}
	}
}

// SyncOnce runs a single sync cycle.
func (w *IndexSync) SyncOnce(ctx context.Context) (SyncResult, error) {
	var res SyncResult

	embedded, err := w.mem.EmbedMissing(ctx, w.batchSize)
	res.Embedded = embedded
	if err != nil {
		return res, fmt.Errorf("embed missing: %w", err)
	}

	mirrored, err := w.index.Hashes(ctx)
	if err != nil {
		return res, fmt.Errorf("get mirrored: %w", err)
	}

	live, err := w.mem.DB().ListMemories(ctx, store.MemoryFilter{LatestOnly: true})
	if err != nil {
		return res, fmt.Errorf("list latest entries: %w", err)
	}

	keep := make(map[string]bool, len(live))
	for _, e := range live {
		if len(e.Embedding) == 0 {
			continue
		}
		keep[e.ID] = true
		if mirrored[e.ID] == VectorHash(e.Embedding) {
			continue
		}
		if err := w.index.Upsert(ctx, e.ID, e.UserID, e.Embedding); err != nil {
			slog.Debug("index sync: upsert refused", "id", e.ID, "error", err)
			res.Skipped++
			continue
		}
		res.Mirrored++
	}

	for id := range mirrored {
		if keep[id] {
			continue
		}
		if err := w.index.Delete(ctx, id); err != nil {
			return res, err
		}
		res.Removed++
	}
	return res, nil
}
