package proactive

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/nous-labs/mneme/pkg/events"
)

// SendFunc delivers a message to a user and reports whether it got there.
type SendFunc func(ctx context.Context, userID, message string) bool

// QueueConfig holds delivery cadence limits.
type QueueConfig struct {
	Capacity      int           // pending messages (default 20)
	MinGap        time.Duration // between deliveries to one user (default 5m)
	HourlyCap     int           // deliveries per user per rolling hour (default 6)
	DedupWindow   time.Duration // look-back for duplicate detection (default 1h)
	DedupOverlap  float64       // word overlap that counts as duplicate (default 0.5)
	DrainInterval time.Duration // default 30s
}

// DefaultQueueConfig returns the defaults.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		Capacity:      20,
		MinGap:        5 * time.Minute,
		HourlyCap:     6,
		DedupWindow:   time.Hour,
		DedupOverlap:  0.5,
		DrainInterval: 30 * time.Second,
	}
}

type outbound struct {
	userID     string
	message    string
	enqueuedAt time.Time
}

type delivery struct {
	userID string
	words  map[string]struct{}
	at     time.Time
}

// OutboundQueue is the only path proactive messages take to a user. It
// drops near-duplicates, bounds the backlog and spaces deliveries out.
type OutboundQueue struct {
	send    SendFunc
	cfg     QueueConfig
	onEvent EventFunc
	now     func() time.Time

	mu        sync.Mutex
	pending   []outbound
	delivered []delivery

	draining atomic.Bool
}

// NewOutboundQueue wraps send. Zero config fields take the defaults.
func NewOutboundQueue(send SendFunc, cfg QueueConfig, onEvent EventFunc) *OutboundQueue {
	d := DefaultQueueConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = d.Capacity
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = d.MinGap
	}
	if cfg.HourlyCap <= 0 {
		cfg.HourlyCap = d.HourlyCap
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = d.DedupWindow
	}
	if cfg.DedupOverlap <= 0 {
		cfg.DedupOverlap = d.DedupOverlap
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = d.DrainInterval
	}
	return &OutboundQueue{send: send, cfg: cfg, onEvent: onEvent, now: time.Now}
}

// SetClock overrides time.Now.
func (q *OutboundQueue) SetClock(now func() time.Time) { q.now = now }

// Enqueue accepts a message for delivery. It returns false, without
// retrying later, when the message duplicates one delivered recently or
// the queue is full. Accepted messages trigger an immediate drain.
func (q *OutboundQueue) Enqueue(ctx context.Context, userID, message string) bool {
	message = strings.TrimSpace(message)
	if userID == "" || message == "" {
		return false
	}

	q.mu.Lock()
	now := q.now()
	q.forget(now)
	if q.isDuplicate(userID, words(message)) {
		q.mu.Unlock()
		slog.Info("outbound: duplicate dropped", "user", userID)
		q.emit(events.OutboundDropped, "duplicate for "+userID)
		return false
	}
	if len(q.pending) >= q.cfg.Capacity {
		q.mu.Unlock()
		slog.Warn("outbound: queue full, message dropped", "user", userID, "capacity", q.cfg.Capacity)
		q.emit(events.OutboundDropped, "queue full")
		return false
	}
	q.pending = append(q.pending, outbound{userID: userID, message: message, enqueuedAt: now})
	q.mu.Unlock()

	q.Drain(ctx)
	return true
}

// Drain delivers at most one pending message, oldest first, unless the
// minimum gap or the hourly cap holds every delivery back. A drain
// already in progress makes this call return immediately. Reports
// whether a message was sent.
func (q *OutboundQueue) Drain(ctx context.Context) bool {
	if !q.draining.CompareAndSwap(false, true) {
		return false
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	now := q.now()
	q.forget(now)
	var next *outbound
	for q.ready(now) && len(q.pending) > 0 {
		o := q.pending[0]
		q.pending = q.pending[1:]
		if q.isDuplicate(o.userID, words(o.message)) {
			slog.Info("outbound: stale duplicate dropped before send", "user", o.userID)
			q.emit(events.OutboundDropped, "duplicate for "+o.userID)
			continue
		}
		next = &o
		break
	}
	q.mu.Unlock()

	if next == nil {
		return false
	}

	ok := q.send(ctx, next.userID, next.message)
	if !ok {
		slog.Warn("outbound: send failed, message dropped", "user", next.userID)
		q.emit(events.OutboundDropped, "send failed for "+next.userID)
		return false
	}

	q.mu.Lock()
	q.delivered = append(q.delivered, delivery{userID: next.userID, words: words(next.message), at: q.now()})
	q.mu.Unlock()

	slog.Info("outbound: delivered", "user", next.userID, "waited", now.Sub(next.enqueuedAt).Round(time.Second))
	q.emit(events.OutboundDelivered, next.userID)
	return true
}

// Len returns the number of pending messages.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drains on a ticker. Blocks until ctx is cancelled.
func (q *OutboundQueue) Run(ctx context.Context) {
	slog.Info("outbound queue started", "drain_interval", q.cfg.DrainInterval, "min_gap", q.cfg.MinGap, "hourly_cap", q.cfg.HourlyCap)
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("outbound queue stopping", "pending", q.Len())
			return
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

// ready reports whether any message may go out at now. The gap and the
// cap count every delivery, whichever user it went to. Caller holds q.mu.
func (q *OutboundQueue) ready(now time.Time) bool {
	var last time.Time
	count := 0
	for _, d := range q.delivered {
		if now.Sub(d.at) < time.Hour {
			count++
		}
		if d.at.After(last) {
			last = d.at
		}
	}
	if !last.IsZero() && now.Sub(last) < q.cfg.MinGap {
		return false
	}
	return count < q.cfg.HourlyCap
}

// isDuplicate compares against deliveries to userID inside the dedup
// window. Caller holds q.mu.
func (q *OutboundQueue) isDuplicate(userID string, w map[string]struct{}) bool {
	now := q.now()
	for _, d := range q.delivered {
		if d.userID != userID || now.Sub(d.at) > q.cfg.DedupWindow {
			continue
		}
		if wordOverlap(w, d.words) >= q.cfg.DedupOverlap {
			return true
		}
	}
	return false
}

// forget drops delivery records older than anything the limits look at.
// Caller holds q.mu.
func (q *OutboundQueue) forget(now time.Time) {
	horizon := max(q.cfg.DedupWindow, time.Hour, q.cfg.MinGap)
	keep := q.delivered[:0]
	for _, d := range q.delivered {
		if now.Sub(d.at) <= horizon {
			keep = append(keep, d)
		}
	}
	q.delivered = keep
}

func (q *OutboundQueue) emit(typ, message string) {
	if q.onEvent != nil {
		q.onEvent(typ, message)
	}
}

// words returns the distinct lowercase words of at least three letters.
func words(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) >= 3 {
			out[f] = struct{}{}
		}
	}
	return out
}

// wordOverlap is |a ∩ b| / min(|a|, |b|).
func wordOverlap(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}
