// Package matrix implements the Matrix channel: it records what users
// say in their rooms and delivers proactive messages back to them.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/nous-labs/mneme/pkg/channel"
)

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "mneme"
	Password     string
	ServerName   string // e.g., "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

func (c Config) fullUserID() id.UserID {
	return id.NewUserID(c.UserID, c.ServerName)
}

const (
	// apology is sent when the handler fails on a message.
	apology = "Sorry, I couldn't take that in just now. Could you say it again in a moment?"

	maxChunk   = 4000
	chunkPause = 500 * time.Millisecond
	resyncWait = 15 * time.Second
)

// Channel is the Matrix implementation of channel.Channel.
type Channel struct {
	cfg     Config
	allowed map[id.UserID]bool // nil allows everyone

	mu      sync.Mutex
	client  *mautrix.Client
	handler channel.MessageHandler
	since   int64 // events older than this (ms) are history
}

// New creates a Matrix channel. Nothing connects until Start.
func New(cfg Config) *Channel {
	c := &Channel{cfg: cfg}
	for _, u := range cfg.AllowedUsers {
		if u == "" {
			continue
		}
		if c.allowed == nil {
			c.allowed = make(map[id.UserID]bool)
		}
		c.allowed[id.UserID(u)] = true
	}
	return c
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// Start logs in, joins rooms it is invited to by allowed users and
// forwards their messages to handler. It blocks until ctx is done,
// resyncing after transient sync failures.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("matrix data dir: %w", err)
	}

	client, err := mautrix.NewClient(c.cfg.Homeserver, c.cfg.fullUserID(), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	// Sync state is not persisted; history before startup is skipped instead.
	client.Store = mautrix.NewMemorySyncStore()

	if err := newSession(c.cfg, client).establish(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.client = client
	c.handler = handler
	c.since = time.Now().UnixMilli()
	c.mu.Unlock()

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onInvite)

	slog.Info("matrix: syncing", "user", client.UserID)
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("matrix: sync interrupted", "error", err, "retry_in", resyncWait)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(resyncWait):
		}
	}
}

// Stop ends the sync loop.
func (c *Channel) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

// Send posts markdown to a room. Bodies longer than one event are split
// and numbered.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return fmt.Errorf("matrix: not connected")
	}

	room := id.RoomID(resp.RoomID)
	parts := splitMessage(resp.Content, maxChunk)
	for i, part := range parts {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(chunkPause):
			}
		}
		if len(parts) > 1 {
			part = fmt.Sprintf("[%d/%d] %s", i+1, len(parts), part)
		}
		body := format.RenderMarkdown(part, true, false)
		if _, err := client.SendMessageEvent(ctx, room, event.EventMessage, &body); err != nil {
			return fmt.Errorf("matrix send to %s (part %d/%d): %w", room, i+1, len(parts), err)
		}
	}
	slog.Debug("matrix: sent", "room", room, "parts", len(parts), "bytes", len(resp.Content))
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	self, since, handler := c.client.UserID, c.since, c.handler
	c.mu.Unlock()

	msg, ok := c.incoming(evt, self, since)
	if !ok {
		return
	}
	slog.Info("matrix: message", "sender", msg.SenderID, "room", msg.RoomID, "preview", truncate(msg.Content, 80))

	if err := handler(ctx, msg); err != nil {
		slog.Error("matrix: handler failed", "sender", msg.SenderID, "error", err)
		if err := c.Send(ctx, channel.Response{RoomID: msg.RoomID, Content: apology}); err != nil {
			slog.Warn("matrix: apology not sent", "room", msg.RoomID, "error", err)
		}
	}
}

// incoming converts evt into a channel message, filtering the bot's own
// events, history from before startup, senders not on the allow list and
// non-text content.
func (c *Channel) incoming(evt *event.Event, self id.UserID, since int64) (channel.Message, bool) {
	if evt.Sender == self || evt.Timestamp < since || !c.isAllowed(evt.Sender) {
		return channel.Message{}, false
	}
	content := evt.Content.AsMessage()
	if content == nil || strings.TrimSpace(content.Body) == "" {
		return channel.Message{}, false
	}
	return channel.Message{
		Source:    c.Name(),
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   content.Body,
		Timestamp: evt.Timestamp,
	}, true
}

func (c *Channel) onInvite(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()

	member := evt.Content.AsMember()
	if evt.GetStateKey() != client.UserID.String() || member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.isAllowed(evt.Sender) {
		slog.Warn("matrix: ignoring invite", "room", evt.RoomID, "from", evt.Sender)
		return
	}
	if _, err := client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("matrix: join failed", "room", evt.RoomID, "error", err)
		return
	}
	slog.Info("matrix: joined", "room", evt.RoomID, "from", evt.Sender)
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	return c.allowed == nil || c.allowed[sender]
}

// splitMessage cuts s into chunks of at most maxLen bytes, preferring
// line breaks and never splitting a UTF-8 sequence.
func splitMessage(s string, maxLen int) []string {
	var chunks []string
	for len(s) > maxLen {
		cut := strings.LastIndexByte(s[:maxLen], '\n')
		if cut <= maxLen/2 {
			cut = maxLen
			for cut > 0 && !utf8.RuneStart(s[cut]) {
				cut--
			}
		}
		chunks = append(chunks, strings.TrimRight(s[:cut], "\n"))
		s = strings.TrimLeft(s[cut:], "\n")
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
