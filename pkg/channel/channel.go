// Package channel defines the messaging surfaces the memory daemon sits
// behind. Incoming messages feed sessions; outgoing proactive messages
// are routed back to the room each user last wrote from.
package channel

import (
	"context"
	"log/slog"
	"sync"
)

// Message represents an incoming message from any channel.
type Message struct {
	// Source identifies the channel (e.g., "matrix", "http")
	Source string

	// SenderID is the channel-specific sender identifier
	SenderID string

	// RoomID is the channel-specific room/conversation identifier
	RoomID string

	// Content is the message text
	Content string

	// Timestamp is the message timestamp in milliseconds
	Timestamp int64
}

// Response represents an outgoing message to a channel.
type Response struct {
	// Content is the text to send
	Content string

	// RoomID is the target room/conversation
	RoomID string
}

// Sender delivers a response to a room.
type Sender interface {
	Name() string
	Send(ctx context.Context, resp Response) error
}

// Channel is a Sender that also listens.
type Channel interface {
	Sender

	// Start begins listening for messages. Blocks until ctx is cancelled.
	// Received messages are sent to the handler function.
	Start(ctx context.Context, handler MessageHandler) error

	// Stop gracefully shuts down the channel.
	Stop() error
}

// MessageHandler is called when a message is received from any channel.
type MessageHandler func(ctx context.Context, msg Message) error

// Route is where a user is reachable.
type Route struct {
	Channel string `json:"channel"`
	RoomID  string `json:"room_id"`
}

// Router maps users to the room they can be reached in.
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender
	routes  map[string]Route
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		senders: make(map[string]Sender),
		routes:  make(map[string]Route),
	}
}

// Register adds a sender under its name.
func (r *Router) Register(s Sender) {
	r.mu.Lock()
	r.senders[s.Name()] = s
	r.mu.Unlock()
}

// Bind sets the route for a user, replacing any earlier one.
func (r *Router) Bind(userID string, route Route) {
	r.mu.Lock()
	r.routes[userID] = route
	r.mu.Unlock()
}

// Observe learns the route of the sender of msg. userID is the id the
// message was recorded under.
func (r *Router) Observe(userID string, msg Message) {
	if msg.RoomID == "" {
		return
	}
	r.Bind(userID, Route{Channel: msg.Source, RoomID: msg.RoomID})
}

// RouteFor returns the user's route, if known.
func (r *Router) RouteFor(userID string) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[userID]
	return route, ok
}

// Deliver sends message to the user's room. It reports whether the
// message went out, matching the outbound queue's send contract.
func (r *Router) Deliver(ctx context.Context, userID, message string) bool {
	r.mu.RLock()
	route, ok := r.routes[userID]
	var sender Sender
	if ok {
		sender = r.senders[route.Channel]
	}
	r.mu.RUnlock()

	if !ok {
		slog.Warn("channel: no route for user", "user", userID)
		return false
	}
	if sender == nil {
		slog.Warn("channel: route points at unknown channel", "user", userID, "channel", route.Channel)
		return false
	}
	if err := sender.Send(ctx, Response{Content: message, RoomID: route.RoomID}); err != nil {
		slog.Error("channel: delivery failed", "user", userID, "channel", route.Channel, "error", err)
		return false
	}
	return true
}
