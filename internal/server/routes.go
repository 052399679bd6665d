package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nous-labs/mneme/pkg/events"
	"github.com/nous-labs/mneme/pkg/memory"
	"github.com/nous-labs/mneme/pkg/proactive"
	"github.com/nous-labs/mneme/pkg/store"
)

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	var req memory.AddRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.mem.Add(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.events.Publish(events.Event{
		Type:    events.MemoryAdded,
		UserID:  res.Entry.UserID,
		Message: truncate(res.Entry.Content, 80),
		Data:    map[string]any{"id": res.Entry.ID, "relations": len(res.Relations)},
	})
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	e, err := s.mem.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateMemory(w http.ResponseWriter, r *http.Request) {
	var req memory.UpdateRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := s.mem.Update(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if err := s.mem.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.mem.Graph().GetUpdateHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": history, "count": len(history)})
}

func (s *Server) handleRelated(w http.ResponseWriter, r *http.Request) {
	related, err := s.mem.Graph().Related(r.Context(), chi.URLParam(r, "id"), intParam(r, "limit", 10, 100))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"related": related, "count": len(related)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := strings.TrimSpace(q.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "q parameter required")
		return
	}

	opts := memory.SearchOptions{
		UserID:         q.Get("user_id"),
		Category:       store.Category(q.Get("category")),
		Limit:          intParam(r, "limit", 10, 100),
		IncludeDormant: q.Get("dormant") == "true",
		Rerank:         q.Get("rerank") == "true",
	}
	for key, dst := range map[string]*time.Time{"from": &opts.From, "to": &opts.To} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be RFC3339", key))
			return
		}
		*dst = t
	}

	results, err := s.mem.Search(r.Context(), query, opts)
	if err != nil {
		writeErr(w, err)
		return
	}
	if results == nil {
		results = []memory.SearchResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": query, "results": results, "count": len(results)})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		UserID string `json:"user_id"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id required")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	sess := &store.Session{ID: req.ID, UserID: req.UserID, StartedAt: s.now()}
	if err := s.db.StartSession(r.Context(), sess); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleAppendMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role      string        `json:"role"`
		Content   string        `json:"content"`
		Affect    *store.Affect `json:"affect,omitempty"`
		CreatedAt time.Time     `json:"created_at"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, "content required")
		return
	}
	switch req.Role {
	case "":
		req.Role = "user"
	case "user", "assistant":
	default:
		writeError(w, http.StatusBadRequest, "role must be user or assistant")
		return
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}

	msg := &store.Message{
		SessionID: chi.URLParam(r, "id"),
		Role:      req.Role,
		Content:   req.Content,
		Affect:    req.Affect,
		CreatedAt: req.CreatedAt,
	}
	if err := s.db.AppendMessage(r.Context(), msg); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// handleEndSession closes the session and, when a gardener is wired,
// summarizes it straight away instead of waiting for the idle sweep.
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.db.EndSession(r.Context(), id, s.now()); err != nil {
		writeErr(w, err)
		return
	}

	resp := map[string]any{"session_id": id, "status": "ended"}
	if s.gardener != nil {
		summary, err := s.gardener.SummarizeSession(r.Context(), id)
		if err != nil {
			slog.Warn("server: session summary failed", "session", id, "error", err)
			resp["summary_error"] = "summary unavailable"
		} else if summary != "" {
			resp["summary"] = summary
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string     `json:"user_id"`
		Title    string     `json:"title"`
		ParentID string     `json:"parent_id"`
		DueDate  *time.Time `json:"due_date"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "user_id and title required")
		return
	}
	g := &store.Goal{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Title:     strings.TrimSpace(req.Title),
		ParentID:  req.ParentID,
		DueDate:   req.DueDate,
		CreatedAt: s.now(),
	}
	if err := s.db.CreateGoal(r.Context(), g); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleScheduleItem(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	var req struct {
		UserID   string    `json:"user_id"`
		Type     string    `json:"type"`
		Message  string    `json:"message"`
		Context  string    `json:"context"`
		DedupKey string    `json:"dedup_key"`
		At       time.Time `json:"at"`
		Exact    bool      `json:"exact"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Type == "" {
		writeError(w, http.StatusBadRequest, "user_id and type required")
		return
	}
	item, created, err := s.scheduler.Schedule(r.Context(), proactive.ScheduleRequest{
		UserID:   req.UserID,
		Source:   store.SourceUser,
		Type:     req.Type,
		Message:  req.Message,
		Context:  req.Context,
		DedupKey: req.DedupKey,
		At:       req.At,
		Exact:    req.Exact,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	writeJSON(w, status, item)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	var req struct {
		Status store.ItemStatus `json:"status"`
	}
	if !decode(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.scheduler.SetOutcome(r.Context(), id, req.Status); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status})
}

func (s *Server) handlePattern(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	p, err := s.db.GetPattern(r.Context(), userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "no pattern for "+userID)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGardenerReport(w http.ResponseWriter, r *http.Request) {
	if s.gardener == nil {
		writeError(w, http.StatusServiceUnavailable, "gardener not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running": s.gardener.Running(),
		"light":   s.gardener.LastLightReport(),
		"deep":    s.gardener.LastReport(),
	})
}

func (s *Server) handleGardenerDeep(w http.ResponseWriter, r *http.Request) {
	if s.gardener == nil {
		writeError(w, http.StatusServiceUnavailable, "gardener not configured")
		return
	}
	// The request context ends with the response; the deep tick must not.
	if !s.gardener.LaunchDeep(context.WithoutCancel(r.Context())) {
		writeError(w, http.StatusConflict, "deep tick already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "launched"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, done := s.events.Subscribe()
	defer s.events.Unsubscribe(done)

	for _, e := range s.events.Recent(intParam(r, "recent", 50, 500)) {
		fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", e.Marshal())
			flusher.Flush()
		}
	}
}

// intParam reads a positive integer query parameter, falling back to def
// when absent or out of range.
func intParam(r *http.Request, key string, def, limit int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > limit {
		return def
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
