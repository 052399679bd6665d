// Package server exposes the memory engine over HTTP for the channel
// layer: ingesting memories and conversation turns, recall, scheduling
// feedback, the gardener report and a live event stream.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nous-labs/mneme/pkg/events"
	"github.com/nous-labs/mneme/pkg/gardener"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/proactive"
	"github.com/nous-labs/mneme/pkg/store"
)

// Deps are the engines the API serves. Gardener, Scheduler and Events
// are optional; their routes answer 503 without them.
type Deps struct {
	Memory    *memory.Store
	Gardener  *gardener.Gardener
	Scheduler *proactive.Scheduler
	Events    *events.Bus
	Version   string
}

// Server is the mneme HTTP API.
type Server struct {
	mem       *memory.Store
	db        *store.DB
	gardener  *gardener.Gardener
	scheduler *proactive.Scheduler
	events    *events.Bus
	version   string
	started   time.Time
	now       func() time.Time
	router    chi.Router
}

// New creates a Server.
func New(deps Deps) *Server {
	s := &Server{
		mem:       deps.Memory,
		db:        deps.Memory.DB(),
		gardener:  deps.Gardener,
		scheduler: deps.Scheduler,
		events:    deps.Events,
		version:   deps.Version,
		started:   time.Now(),
		now:       time.Now,
	}
	s.routes()
	return s
}

// SetClock overrides time.Now for session and goal timestamps.
func (s *Server) SetClock(now func() time.Time) { s.now = now }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Post("/memories", s.handleAddMemory)
		r.Get("/memories/{id}", s.handleGetMemory)
		r.Patch("/memories/{id}", s.handleUpdateMemory)
		r.Delete("/memories/{id}", s.handleDeleteMemory)
		r.Get("/memories/{id}/history", s.handleHistory)
		r.Get("/memories/{id}/related", s.handleRelated)
		r.Get("/search", s.handleSearch)

		r.Post("/sessions", s.handleStartSession)
		r.Post("/sessions/{id}/messages", s.handleAppendMessage)
		r.Post("/sessions/{id}/end", s.handleEndSession)

		r.Post("/goals", s.handleCreateGoal)
		r.Post("/items", s.handleScheduleItem)
		r.Post("/items/{id}/outcome", s.handleOutcome)
		r.Get("/users/{userID}/pattern", s.handlePattern)

		r.Get("/gardener/report", s.handleGardenerReport)
		r.Post("/gardener/deep", s.handleGardenerDeep)

		r.Get("/events", s.handleEvents)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.db.Health(r.Context())
	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
		"db":      err == nil,
	}
	if err == nil {
		body["counts"] = counts
	}
	if s.gardener != nil {
		body["gardener_running"] = s.gardener.Running()
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("server: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeErr maps engine errors onto status codes. Internal failures are
// logged and reported without detail.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, memory.ErrInvalidEntry), errors.Is(err, proactive.ErrInvalidOutcome):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("server: request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"elapsed", time.Since(start).Round(time.Microsecond),
		)
	})
}
