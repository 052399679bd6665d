// Package proactive decides when the agent may speak unprompted: it
// schedules items, turns due items into messages and rate-limits their
// delivery.
package proactive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nous-labs/mneme/pkg/store"
)

// EventFunc is a callback for publishing events.
// Parameters: event type, message.
type EventFunc func(typ, message string)

// ErrInvalidOutcome is returned when an outcome cannot be recorded.
var ErrInvalidOutcome = errors.New("invalid outcome")

// SchedulerConfig holds quiet hours and dedup settings.
type SchedulerConfig struct {
	Location    *time.Location // default UTC
	QuietStart  int            // hour of day quiet hours begin (default 22)
	QuietEnd    int            // hour of day quiet hours end (default 8)
	DedupWindow time.Duration  // default 24h
}

// DefaultSchedulerConfig returns the defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Location:    time.UTC,
		QuietStart:  22,
		QuietEnd:    8,
		DedupWindow: 24 * time.Hour,
	}
}

// Scheduler computes delivery times and stores scheduled items.
type Scheduler struct {
	db  *store.DB
	cfg SchedulerConfig
	now func() time.Time
}

// NewScheduler creates a scheduler. Quiet hours equal to each other
// disable quiet hours; a zero config gets the defaults.
func NewScheduler(db *store.DB, cfg SchedulerConfig) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.QuietStart == 0 && cfg.QuietEnd == 0 {
		cfg.QuietStart, cfg.QuietEnd = 22, 8
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	return &Scheduler{db: db, cfg: cfg, now: time.Now}
}

// SetClock overrides time.Now.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// ScheduleRequest describes an item to schedule.
type ScheduleRequest struct {
	UserID         string
	SessionID      string
	Source         store.ItemSource
	Type           string
	Message        string
	Context        string
	DedupKey       string
	SourceMemoryID string
	// At is the desired delivery time; zero means as soon as allowed.
	At time.Time
	// Exact skips quiet-hour and active-hour adjustment.
	Exact bool
}

// Schedule stores an item at its computed delivery time. When an item
// with the same dedup key exists inside the dedup window, that item is
// returned and created is false.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (item *store.ScheduledItem, created bool, err error) {
	if req.UserID == "" || req.Type == "" {
		return nil, false, fmt.Errorf("schedule: user id and type are required")
	}
	now := s.now()
	if req.DedupKey != "" {
		existing, err := s.db.FindByDedupKey(ctx, req.UserID, req.DedupKey, now.Add(-s.cfg.DedupWindow))
		if err != nil {
			return nil, false, fmt.Errorf("schedule dedup lookup: %w", err)
		}
		if existing != nil {
			slog.Debug("proactive: duplicate item skipped", "user", req.UserID, "dedup_key", req.DedupKey)
			return existing, false, nil
		}
	}

	at := req.At
	if !req.Exact {
		at, err = s.DeliveryTime(ctx, req.UserID, req.At)
		if err != nil {
			return nil, false, err
		}
	} else if at.IsZero() {
		at = now
	}

	item = &store.ScheduledItem{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Source:         req.Source,
		Type:           req.Type,
		Message:        req.Message,
		Context:        req.Context,
		DedupKey:       req.DedupKey,
		TriggerAt:      at,
		SourceMemoryID: req.SourceMemoryID,
		CreatedAt:      now,
	}
	if err := s.db.InsertScheduled(ctx, item); err != nil {
		return nil, false, err
	}
	slog.Info("proactive: item scheduled", "id", item.ID, "user", item.UserID, "type", item.Type, "trigger_at", at)
	return item, true, nil
}

// DeliveryTime moves desired (or now, if earlier) out of quiet hours and,
// when the user has learned active hours, forward to the next active hour
// within a day.
func (s *Scheduler) DeliveryTime(ctx context.Context, userID string, desired time.Time) (time.Time, error) {
	now := s.now()
	if desired.Before(now) {
		desired = now
	}
	t := s.leaveQuietHours(desired.In(s.cfg.Location))

	p, err := s.db.GetPattern(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("delivery time: %w", err)
	}
	if p == nil || len(p.ActiveHours) == 0 || slices.Contains(p.ActiveHours, t.Hour()) {
		return t, nil
	}
	c := t
	for i := 0; i < 24; i++ {
		c = nextHour(c)
		if slices.Contains(p.ActiveHours, c.Hour()) && !s.quiet(c.Hour()) {
			return c, nil
		}
	}
	return t, nil
}

func (s *Scheduler) quiet(hour int) bool {
	start, end := s.cfg.QuietStart, s.cfg.QuietEnd
	switch {
	case start == end:
		return false
	case start > end:
		return hour >= start || hour < end
	default:
		return hour >= start && hour < end
	}
}

func (s *Scheduler) leaveQuietHours(t time.Time) time.Time {
	for i := 0; i < 24 && s.quiet(t.Hour()); i++ {
		t = nextHour(t)
	}
	return t
}

// nextHour returns the top of the following hour in t's location.
func nextHour(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour()+1, 0, 0, 0, t.Location())
}

// SetOutcome records how the user responded to a fired item.
func (s *Scheduler) SetOutcome(ctx context.Context, id string, status store.ItemStatus) error {
	if status != store.StatusActed && status != store.StatusDismissed {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, status)
	}
	it, err := s.db.GetScheduled(ctx, id)
	if err != nil {
		return err
	}
	if it.Status == store.StatusPending || it.Status == store.StatusExpired {
		return fmt.Errorf("%w: item %s is %s", ErrInvalidOutcome, id, it.Status)
	}
	return s.db.SetItemStatus(ctx, id, status)
}
