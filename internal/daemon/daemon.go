// Package daemon wires the memory engine, its background workers and the
// outer surfaces (HTTP API, Matrix) into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nous-labs/mneme/internal/agent"
	"github.com/nous-labs/mneme/internal/channel/matrix"
	illm "github.com/nous-labs/mneme/internal/llm"
	"github.com/nous-labs/mneme/internal/server"
	"github.com/nous-labs/mneme/pkg/channel"
	"github.com/nous-labs/mneme/pkg/embeddings"
	"github.com/nous-labs/mneme/pkg/events"
	"github.com/nous-labs/mneme/pkg/gardener"
	"github.com/nous-labs/mneme/pkg/llm"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/proactive"
	"github.com/nous-labs/mneme/pkg/store"
)

// Daemon is the main mneme process.
type Daemon struct {
	config  *Config
	version string

	db        *store.DB
	mem       *memory.Store
	router    *llm.Router
	events    *events.Bus
	gardener  *gardener.Gardener
	scheduler *proactive.Scheduler
	trigger   *proactive.TriggerEvaluator
	queue     *proactive.OutboundQueue
	routes    *channel.Router
	ingest    *Ingest
	api       *server.Server

	// Optional
	matrix    *matrix.Channel
	cache     *embeddings.CachedEmbedder
	vectors   *embeddings.VectorStore
	indexSync *embeddings.IndexSync

	wg sync.WaitGroup
}

// New opens the store and builds every component. Nothing runs until
// Run is called.
func New(ctx context.Context, cfg *Config, version string) (*Daemon, error) {
	if cfg == nil {
		cfg = defaultConfig()
	}
	d := &Daemon{
		config:  cfg,
		version: version,
		events:  events.NewBus(200),
		routes:  channel.NewRouter(),
	}

	db, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	d.db = db

	auth, err := illm.LoadAuthStore(cfg.AuthFile)
	if err != nil {
		slog.Warn("failed to load auth file, falling back to config API keys", "path", cfg.AuthFile, "error", err)
	}
	d.router, err = illm.NewRouter(cfg.LLM.Deep, cfg.LLM.Fast, auth)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("llm providers: %w", err)
	}
	if d.router.Empty() {
		slog.Warn("no completion providers configured, summaries, fusion and inner thoughts are disabled")
	}

	memOpts, err := d.memoryOptions(ctx)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.mem = memory.New(db, memoryConfig(cfg.Memory), memOpts...)
	if d.vectors != nil {
		d.indexSync = embeddings.NewIndexSync(d.mem, d.vectors, dur(cfg.VectorIndex.SyncInterval), cfg.VectorIndex.BatchSize)
	}

	loc, _ := cfg.location()
	deep := d.router.ForTier(llm.TierDeep)

	d.scheduler = proactive.NewScheduler(db, proactive.SchedulerConfig{
		Location:   loc,
		QuietStart: cfg.Proactive.QuietStart,
		QuietEnd:   cfg.Proactive.QuietEnd,
	})
	d.gardener = gardener.New(d.mem, gardener.Deps{
		Provider:  deep,
		Scheduler: d.scheduler,
		OnEvent:   d.events.Emit,
	}, gardener.Config{
		LightInterval:   dur(cfg.Gardener.LightInterval),
		DeepEvery:       cfg.Gardener.DeepEvery,
		ScheduledMaxAge: dur(cfg.Proactive.MaxAge),
		SessionIdle:     dur(cfg.Gardener.SessionIdle),
		StepTimeout:     dur(cfg.Gardener.StepTimeout),
		Retention:       dur(cfg.Gardener.Retention),
		Location:        loc,
	})

	d.queue = proactive.NewOutboundQueue(d.routes.Deliver, proactive.QueueConfig{
		DrainInterval: dur(cfg.Proactive.DrainInterval),
		MinGap:        dur(cfg.Proactive.MinGap),
		HourlyCap:     cfg.Proactive.HourlyCap,
	}, d.events.Emit)

	var hook proactive.AgentHook
	if cfg.Agent.URL != "" {
		hook = agent.NewOpenCodeHook(agent.NewOpenCode(cfg.Agent.URL, cfg.Agent.Username, cfg.Agent.Password, dur(cfg.Agent.Timeout)))
		slog.Info("agent hook configured", "url", cfg.Agent.URL)
	}
	d.trigger = proactive.NewTriggerEvaluator(db, d.mem, deep, hook, d.queue.Enqueue, proactive.TriggerConfig{
		PollInterval: dur(cfg.Proactive.PollInterval),
		MaxAge:       dur(cfg.Proactive.MaxAge),
		Actionable:   cfg.Proactive.Actionable,
	}, d.events.Emit)

	for userID, route := range cfg.Routes {
		d.routes.Bind(userID, route)
	}
	if cfg.Matrix.Enabled {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
		d.routes.Register(d.matrix)
	}

	d.ingest = NewIngest(db, d.routes, dur(cfg.SessionGap))
	d.ingest.OnSessionEnd(d.summarizeLater)

	d.api = server.New(server.Deps{
		Memory:    d.mem,
		Gardener:  d.gardener,
		Scheduler: d.scheduler,
		Events:    d.events,
		Version:   version,
	})
	return d, nil
}

func openStore(path string) (*store.DB, error) {
	if path == ":memory:" {
		return store.OpenMemory()
	}
	if path == "" {
		var err error
		if path, err = store.DefaultDBPath(); err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	return db, nil
}

// memoryOptions builds the embedder chain and the optional vector index.
// An unreachable vector index is logged and skipped.
func (d *Daemon) memoryOptions(ctx context.Context) ([]memory.Option, error) {
	var opts []memory.Option
	if fast := d.router.ForTier(llm.TierFast); fast != nil {
		opts = append(opts, memory.WithProvider(fast))
	}

	ec := d.config.Embeddings
	var embedder memory.Embedder
	switch ec.Provider {
	case "tei":
		tei := embeddings.NewTEIClient(ec.URL, ec.Prefixes)
		hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := tei.Health(hctx); err != nil {
			slog.Warn("TEI not ready, entries fall back to lexical vectors until it is", "url", ec.URL, "error", err)
		}
		cancel()
		embedder = tei
	case "openai":
		embedder = embeddings.NewOpenAIEmbedder(embeddings.OpenAIConfig{
			APIKey: ec.APIKey, BaseURL: ec.URL, Model: ec.Model, Dimensions: ec.Dimensions,
		})
	}
	if embedder != nil {
		if ec.CacheMB > 0 {
			cached, err := embeddings.NewCachedEmbedder(embedder, int64(ec.CacheMB)<<20)
			if err != nil {
				return nil, fmt.Errorf("embedding cache: %w", err)
			}
			d.cache = cached
			embedder = cached
		}
		opts = append(opts, memory.WithEmbedder(embedder))
		slog.Info("embedder configured", "provider", ec.Provider, "cache_mb", ec.CacheMB)
	} else {
		slog.Info("no embedder configured, using lexical vectors")
	}

	vc := d.config.VectorIndex
	if vc.PostgresURL != "" {
		initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		vs, err := embeddings.NewVectorStore(initCtx, vc.PostgresURL, vc.Dimensions)
		if err == nil {
			if err = vs.Init(initCtx); err != nil {
				vs.Close()
			}
		}
		if err != nil {
			slog.Warn("vector index unavailable, continuing without it", "error", err)
		} else {
			d.vectors = vs
			opts = append(opts, memory.WithVectorIndex(vs))
			slog.Info("vector index initialized", "dims", vs.Dims())
		}
	}
	return opts, nil
}

func memoryConfig(c MemoryConfig) memory.Config {
	var cfg memory.Config
	cfg.Decay.HalfLife = dur(c.HalfLife)
	cfg.Decay.AccessHalfLife = dur(c.AccessHalfLife)
	cfg.Relations.UpdateThreshold = c.UpdateThreshold
	cfg.Relations.ExtendThreshold = c.ExtendThreshold
	cfg.Search.MinScore = c.MinScore
	return cfg
}

// Memory exposes the memory store (CLI commands use it directly).
func (d *Daemon) Memory() *memory.Store { return d.mem }

// Gardener exposes the gardener.
func (d *Daemon) Gardener() *gardener.Gardener { return d.gardener }

// Handler returns the HTTP API.
func (d *Daemon) Handler() http.Handler { return d.api }

// Run starts every background worker and the HTTP API, and blocks until
// ctx is cancelled or a surface fails.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("mneme daemon running",
		"version", d.version,
		"http", d.config.HTTPAddr,
		"llm", !d.router.Empty(),
		"matrix", d.matrix != nil,
		"vector_index", d.vectors != nil,
	)

	if !d.config.Gardener.Disabled {
		if err := d.gardener.Start(ctx); err != nil {
			return fmt.Errorf("start gardener: %w", err)
		}
	} else {
		slog.Info("gardener disabled by config")
	}
	if !d.config.Proactive.Disabled {
		d.goRun(func() { d.trigger.Run(ctx) })
		d.goRun(func() { d.queue.Run(ctx) })
	} else {
		slog.Info("proactive delivery disabled by config")
	}
	if d.indexSync != nil {
		d.goRun(func() { d.indexSync.Run(ctx) })
	}

	errCh := make(chan error, 2)
	if d.matrix != nil {
		d.goRun(func() {
			slog.Info("starting matrix channel")
			if err := d.matrix.Start(ctx, d.ingest.Handle); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("matrix channel: %w", err)
			}
		})
	}

	httpServer := &http.Server{Addr: d.config.HTTPAddr, Handler: d.api, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info("API listening", "addr", d.config.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case runErr = <-errCh:
		slog.Error("surface failed, shutting down", "error", runErr)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown failed", "error", err)
	}
	if d.matrix != nil {
		if err := d.matrix.Stop(); err != nil {
			slog.Warn("matrix stop failed", "error", err)
		}
	}
	// Stop waits for an in-flight deep tick.
	d.gardener.Stop()
	cancel()
	d.wg.Wait()

	slog.Info("mneme daemon stopped")
	return runErr
}

func (d *Daemon) goRun(fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		fn()
	}()
}

// summarizeLater summarizes a session closed by the ingest path without
// holding up the incoming message.
func (d *Daemon) summarizeLater(sessionID string) {
	d.goRun(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if _, err := d.gardener.SummarizeSession(ctx, sessionID); err != nil {
			slog.Debug("session summary skipped", "session", sessionID, "error", err)
		}
	})
}

// Close releases the store and optional backends. Call after Run returns.
func (d *Daemon) Close() error {
	if d.cache != nil {
		d.cache.Close()
	}
	if d.vectors != nil {
		d.vectors.Close()
	}
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}
