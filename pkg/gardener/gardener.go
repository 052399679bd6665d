// Package gardener runs background maintenance over the memory store.
//
// A light tick runs every few minutes: incremental decay, expiry of stale
// scheduled items and a health check. Every DeepEvery light ticks a deep
// tick is launched in the background and runs, in order:
//   - full decay
//   - fusion of dormant related entries into derived summaries
//   - summarization of idle sessions
//   - forgetting (audit, pruning, orphan cleanup)
//   - behavioral inference
//   - trust scoring
//   - goal deadline scan
//   - inner thoughts (deciding whether to reach out)
//
// Every deep step has its own error boundary; a failing step is recorded
// in the report and the next one runs anyway.
package gardener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nous-labs/mneme/pkg/events"
	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/proactive"
	"github.com/nous-labs/mneme/pkg/store"
)

// ErrAlreadyRunning is returned by Start on a running gardener.
var ErrAlreadyRunning = errors.New("gardener already running")

// EventFunc is a callback for publishing gardener events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// Config holds gardener cadence and thresholds.
type Config struct {
	LightInterval       time.Duration  // default 5m
	DeepEvery           int            // light ticks per deep tick (default 72)
	ScheduledMaxAge     time.Duration  // pending items older than this expire (default 48h)
	SessionIdle         time.Duration  // sessions idle this long get summarized (default 30d)
	InnerThoughtsWindow time.Duration  // summaries this recent are considered (default 6h)
	MinClusterSize      int            // fusion cluster floor (default 3)
	MaxClusters         int            // fusions per user per deep tick (default 5)
	MergeCeiling        float64        // prominence below which entries may fuse (default 0.5)
	Retention           time.Duration  // archived entries and finished items kept this long (default 30d)
	AuditAge            time.Duration  // never-retrieved entries older than this are audited (default 90d)
	StepTimeout         time.Duration  // per deep step (default 5m)
	Location            *time.Location // for active-hour inference (default UTC)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LightInterval:       5 * time.Minute,
		DeepEvery:           72,
		ScheduledMaxAge:     48 * time.Hour,
		SessionIdle:         30 * 24 * time.Hour,
		InnerThoughtsWindow: 6 * time.Hour,
		MinClusterSize:      3,
		MaxClusters:         5,
		MergeCeiling:        0.5,
		Retention:           30 * 24 * time.Hour,
		AuditAge:            90 * 24 * time.Hour,
		StepTimeout:         5 * time.Minute,
		Location:            time.UTC,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.LightInterval <= 0 {
		c.LightInterval = d.LightInterval
	}
	if c.DeepEvery <= 0 {
		c.DeepEvery = d.DeepEvery
	}
	if c.ScheduledMaxAge <= 0 {
		c.ScheduledMaxAge = d.ScheduledMaxAge
	}
	if c.SessionIdle <= 0 {
		c.SessionIdle = d.SessionIdle
	}
	if c.InnerThoughtsWindow <= 0 {
		c.InnerThoughtsWindow = d.InnerThoughtsWindow
	}
	if c.MinClusterSize <= 0 {
		c.MinClusterSize = d.MinClusterSize
	}
	if c.MaxClusters <= 0 {
		c.MaxClusters = d.MaxClusters
	}
	if c.MergeCeiling <= 0 {
		c.MergeCeiling = d.MergeCeiling
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.AuditAge <= 0 {
		c.AuditAge = d.AuditAge
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.Location == nil {
		c.Location = d.Location
	}
	return c
}

// Deps are the gardener's collaborators. Provider, Scheduler and
// Summarizer are optional; steps that need a missing one are skipped.
type Deps struct {
	Provider   llm.Provider
	Scheduler  *proactive.Scheduler
	Summarizer Summarizer
	OnEvent    EventFunc
}

// Report holds the results of one tick.
type Report struct {
	Kind      string         `json:"kind"` // light or deep
	Cycle     int            `json:"cycle"`
	StartedAt time.Time      `json:"started_at"`
	Duration  string         `json:"duration"`
	Health    map[string]int `json:"health,omitempty"`

	Decay   memory.DecayResult `json:"decay"`
	Expired int                `json:"expired,omitempty"`

	Clusters        int `json:"clusters,omitempty"`
	Fused           int `json:"fused,omitempty"`
	Summarized      int `json:"summarized,omitempty"`
	Audited         int `json:"audited,omitempty"`
	PrunedMemories  int `json:"pruned_memories,omitempty"`
	PrunedMessages  int `json:"pruned_messages,omitempty"`
	PrunedItems     int `json:"pruned_items,omitempty"`
	Orphans         int `json:"orphans,omitempty"`
	PatternsUpdated int `json:"patterns_updated,omitempty"`
	TrustScored     int `json:"trust_scored,omitempty"`
	ColdStart       int `json:"cold_start,omitempty"`
	GoalItems       int `json:"goal_items,omitempty"`
	InnerThoughts   int `json:"inner_thoughts,omitempty"`

	// Errors (non-fatal)
	Errors []string `json:"errors,omitempty"`

	mu sync.Mutex
}

func (r *Report) addError(format string, args ...any) {
	r.mu.Lock()
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

// Gardener is the background maintenance scheduler.
type Gardener struct {
	mem        *memory.Store
	db         *store.DB
	provider   llm.Provider
	scheduler  *proactive.Scheduler
	summarizer Summarizer
	onEvent    EventFunc
	cfg        Config
	now        func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	loopDone  chan struct{}
	tickCount int
	cycle     int
	lastLight *Report
	lastDeep  *Report

	deepRunning atomic.Bool
	deepWG      sync.WaitGroup
}

// New creates a stopped gardener. Without an explicit summarizer one is
// built on the provider, if any.
func New(mem *memory.Store, deps Deps, cfg Config) *Gardener {
	g := &Gardener{
		mem:        mem,
		db:         mem.DB(),
		provider:   deps.Provider,
		scheduler:  deps.Scheduler,
		summarizer: deps.Summarizer,
		onEvent:    deps.OnEvent,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
	if g.summarizer == nil && g.provider != nil {
		g.summarizer = NewLLMSummarizer(g.provider)
	}
	return g
}

// SetClock overrides time.Now.
func (g *Gardener) SetClock(now func() time.Time) { g.now = now }

// Start launches the light-tick loop.
func (g *Gardener) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.loopDone = make(chan struct{})

	slog.Info("gardener started",
		"light_interval", g.cfg.LightInterval,
		"deep_every", g.cfg.DeepEvery,
		"session_idle", g.cfg.SessionIdle,
	)
	g.emit(events.GardenerLight, "Gardener started")

	go g.loop(ctx, g.loopDone)
	return nil
}

// Stop halts the loop and waits for an in-flight deep tick to finish.
// Stopping a stopped gardener is a no-op.
func (g *Gardener) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.loopDone
	g.cancel, g.loopDone = nil, nil
	g.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	g.deepWG.Wait()
	slog.Info("gardener stopped")
	g.emit(events.GardenerLight, "Gardener stopped")
}

// Running reports whether the loop is active.
func (g *Gardener) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancel != nil
}

func (g *Gardener) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(g.cfg.LightInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.LightTick(ctx)
		}
	}
}

// LightTick runs the cheap pass and, every DeepEvery ticks, launches a
// deep tick without waiting for it.
func (g *Gardener) LightTick(ctx context.Context) *Report {
	start := g.now()
	report := &Report{Kind: "light", StartedAt: start}

	g.runStep(ctx, report, "decay", func(ctx context.Context) error {
		res, err := g.mem.ProcessDecay(ctx)
		report.Decay = res
		return err
	})
	g.runStep(ctx, report, "expire", func(ctx context.Context) error {
		n, err := g.db.ExpireStale(ctx, start.Add(-g.cfg.ScheduledMaxAge))
		report.Expired = n
		return err
	})
	g.runStep(ctx, report, "health", func(ctx context.Context) error {
		h, err := g.db.Health(ctx)
		report.Health = h
		return err
	})

	g.mu.Lock()
	g.tickCount++
	report.Cycle = g.tickCount
	launch := g.tickCount >= g.cfg.DeepEvery
	if launch {
		g.tickCount = 0
	}
	g.lastLight = report
	g.mu.Unlock()

	report.Duration = g.now().Sub(start).Round(time.Millisecond).String()
	slog.Debug("gardener: light tick", "decayed", report.Decay.Updated, "archived", report.Decay.Archived, "expired", report.Expired)
	g.emit(events.GardenerLight, fmt.Sprintf("Light tick: %d decayed, %d archived, %d expired",
		report.Decay.Updated, report.Decay.Archived, report.Expired))

	if launch {
		g.LaunchDeep(ctx)
	}
	return report
}

// LaunchDeep starts a deep tick in the background. It returns false when
// one is already running.
func (g *Gardener) LaunchDeep(ctx context.Context) bool {
	if !g.deepRunning.CompareAndSwap(false, true) {
		slog.Info("gardener: deep tick still running, skipping launch")
		return false
	}
	g.deepWG.Add(1)
	go func() {
		defer g.deepWG.Done()
		defer g.deepRunning.Store(false)
		// In-flight steps finish on shutdown rather than being cut off.
		g.DeepTick(context.WithoutCancel(ctx))
	}()
	return true
}

// DeepTick runs every deep step in order and returns the report.
func (g *Gardener) DeepTick(ctx context.Context) *Report {
	g.mu.Lock()
	g.cycle++
	cycle := g.cycle
	g.mu.Unlock()

	start := g.now()
	report := &Report{Kind: "deep", Cycle: cycle, StartedAt: start}
	g.emit(events.GardenerDeep, fmt.Sprintf("Deep tick %d starting", cycle))

	g.runStep(ctx, report, "full_decay", func(ctx context.Context) error {
		res, err := g.mem.ProcessFullDecay(ctx)
		report.Decay = res
		return err
	})
	g.runStep(ctx, report, "fusion", func(ctx context.Context) error { return g.fuse(ctx, report) })
	g.runStep(ctx, report, "summarize", func(ctx context.Context) error { return g.summarizeIdle(ctx, report) })
	g.runStep(ctx, report, "forgetting", func(ctx context.Context) error { return g.forget(ctx, report) })
	g.runStep(ctx, report, "behavior", func(ctx context.Context) error { return g.inferBehavior(ctx, report) })
	g.runStep(ctx, report, "trust", func(ctx context.Context) error { return g.scoreTrust(ctx, report) })
	g.runStep(ctx, report, "goals", func(ctx context.Context) error { return g.scanGoals(ctx, report) })
	g.runStep(ctx, report, "inner_thoughts", func(ctx context.Context) error { return g.innerThoughts(ctx, report) })
	g.runStep(ctx, report, "health", func(ctx context.Context) error {
		report.Health = g.db.MemoryStats(ctx)
		return nil
	})

	report.Duration = g.now().Sub(start).Round(time.Millisecond).String()

	g.mu.Lock()
	g.lastDeep = report
	g.mu.Unlock()

	g.logReport(report)
	return report
}

// LastReport returns the most recent deep tick report.
func (g *Gardener) LastReport() *Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastDeep
}

// LastLightReport returns the most recent light tick report.
func (g *Gardener) LastLightReport() *Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastLight
}

// runStep runs fn with its own timeout and recovers panics, so one
// failing step never stops the ones after it.
func (g *Gardener) runStep(ctx context.Context, report *Report, name string, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, g.cfg.StepTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				slog.Error("gardener: step panicked", "step", name, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		return fn(stepCtx)
	}()
	if err != nil {
		report.addError("%s: %v", name, err)
		slog.Warn("gardener: step failed", "step", name, "kind", report.Kind, "error", err)
		g.emit(events.GardenerStep, fmt.Sprintf("%s failed: %v", name, err))
	}
}

func (g *Gardener) logReport(r *Report) {
	summary := fmt.Sprintf(
		"Deep tick %d complete (%s): %d decayed, %d archived, %d fused from %d clusters, %d summarized, %d pruned, %d patterns, %d trust scores, %d goal items, %d inner thoughts",
		r.Cycle, r.Duration,
		r.Decay.Updated, r.Decay.Archived,
		r.Fused, r.Clusters,
		r.Summarized,
		r.PrunedMemories+r.PrunedMessages+r.PrunedItems+r.Orphans,
		r.PatternsUpdated, r.TrustScored,
		r.GoalItems, r.InnerThoughts,
	)
	if len(r.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(r.Errors))
	}
	slog.Info("gardener: deep tick complete", "summary", summary)
	g.emit(events.GardenerDeep, summary)
}

func (g *Gardener) emit(typ, message string) {
	if g.onEvent != nil {
		g.onEvent(typ, message)
	}
}

// truncate shortens a string to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxLen-3]) + "..."
}
