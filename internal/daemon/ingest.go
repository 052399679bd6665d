package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/mneme/pkg/channel"
	"github.com/nous-labs/mneme/pkg/store"
)

// Ingest records incoming channel messages as session turns. A user's
// messages share a session until they go quiet for longer than the gap.
type Ingest struct {
	db     *store.DB
	routes *channel.Router
	gap    time.Duration
	now    func() time.Time
	onEnd  func(sessionID string)

	mu   sync.Mutex
	open map[string]openSession // user id -> current session
}

type openSession struct {
	id       string
	lastSeen time.Time
}

// NewIngest creates an ingest handler. gap defaults to 30 minutes.
func NewIngest(db *store.DB, routes *channel.Router, gap time.Duration) *Ingest {
	if gap <= 0 {
		gap = 30 * time.Minute
	}
	return &Ingest{
		db:     db,
		routes: routes,
		gap:    gap,
		now:    time.Now,
		open:   make(map[string]openSession),
	}
}

// OnSessionEnd registers a callback for sessions closed by a gap.
func (in *Ingest) OnSessionEnd(fn func(sessionID string)) { in.onEnd = fn }

// SetClock overrides time.Now.
func (in *Ingest) SetClock(now func() time.Time) { in.now = now }

// Handle implements channel.MessageHandler.
func (in *Ingest) Handle(ctx context.Context, msg channel.Message) error {
	if strings.TrimSpace(msg.Content) == "" || msg.SenderID == "" {
		return nil
	}
	in.routes.Observe(msg.SenderID, msg)

	at := in.now()
	if msg.Timestamp > 0 {
		at = time.UnixMilli(msg.Timestamp)
	}

	sessionID, ended, err := in.session(ctx, msg.SenderID, at)
	if err != nil {
		return err
	}
	if ended != "" && in.onEnd != nil {
		in.onEnd(ended)
	}

	err = in.db.AppendMessage(ctx, &store.Message{
		SessionID: sessionID,
		UserID:    msg.SenderID,
		Role:      "user",
		Content:   msg.Content,
		CreatedAt: at,
	})
	if err != nil {
		return fmt.Errorf("record message from %s: %w", msg.SenderID, err)
	}
	slog.Debug("ingest: message recorded", "user", msg.SenderID, "session", sessionID, "source", msg.Source)
	return nil
}

// session returns the user's current session, starting a new one (and
// ending the previous) when the gap has passed.
func (in *Ingest) session(ctx context.Context, userID string, at time.Time) (id, ended string, err error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	cur, ok := in.open[userID]
	if ok && at.Sub(cur.lastSeen) <= in.gap {
		cur.lastSeen = at
		in.open[userID] = cur
		return cur.id, "", nil
	}
	if ok {
		if err := in.db.EndSession(ctx, cur.id, cur.lastSeen); err != nil {
			slog.Warn("ingest: end session failed", "session", cur.id, "error", err)
		} else {
			ended = cur.id
		}
	}

	sess := &store.Session{ID: uuid.NewString(), UserID: userID, StartedAt: at}
	if err := in.db.StartSession(ctx, sess); err != nil {
		return "", "", err
	}
	in.open[userID] = openSession{id: sess.ID, lastSeen: at}
	return sess.ID, ended, nil
}
