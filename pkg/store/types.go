package store

import (
	"time"

	"github.com/nous-labs/mneme/pkg/signals"
)

// Category classifies what a memory entry is about.
type Category string

const (
	CategoryFact         Category = "fact"
	CategoryPreference   Category = "preference"
	CategoryEvent        Category = "event"
	CategoryRelationship Category = "relationship"
	CategoryInsight      Category = "insight"
)

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryFact, CategoryPreference, CategoryEvent, CategoryRelationship, CategoryInsight:
		return true
	}
	return false
}

// MemoryType is the lifecycle role of an entry.
type MemoryType string

const (
	TypeRegular       MemoryType = "regular"
	TypeStaticProfile MemoryType = "static_profile"
	TypeDerived       MemoryType = "derived"
	TypeSuperseded    MemoryType = "superseded"
)

// RelationType labels a directed edge between two entries.
type RelationType string

const (
	RelUpdates RelationType = "UPDATES"
	RelExtends RelationType = "EXTENDS"
	RelDerives RelationType = "DERIVES"
	RelRelated RelationType = "RELATED"
)

// MemoryEntry is a single versioned fact about a user.
type MemoryEntry struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Content      string     `json:"content"`
	Category     Category   `json:"category"`
	MemoryType   MemoryType `json:"memory_type"`
	Importance   int        `json:"importance"`
	Confidence   float64    `json:"confidence"`
	IsLatest     bool       `json:"is_latest"`
	DocumentDate time.Time  `json:"document_date"`
	EventDate    *time.Time `json:"event_date,omitempty"`

	Prominence   float64    `json:"prominence"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	AccessCount  int        `json:"access_count"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`

	SourceChunk string         `json:"source_chunk,omitempty"`
	Embedding   []float32      `json:"-"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Relation is a directed edge sourceID -> targetID.
type Relation struct {
	SourceID   string       `json:"source_id"`
	TargetID   string       `json:"target_id"`
	Type       RelationType `json:"type"`
	Confidence float64      `json:"confidence"`
	CreatedAt  time.Time    `json:"created_at"`
}

// ItemStatus is the lifecycle state of a scheduled item.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusFired     ItemStatus = "fired"
	StatusActed     ItemStatus = "acted"
	StatusDismissed ItemStatus = "dismissed"
	StatusExpired   ItemStatus = "expired"
)

// ItemSource records who asked for a scheduled item.
type ItemSource string

const (
	SourceAgent ItemSource = "agent"
	SourceUser  ItemSource = "user"
)

// ScheduledItem is a proactive trigger waiting for its delivery time.
type ScheduledItem struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	SessionID      string     `json:"session_id,omitempty"`
	Source         ItemSource `json:"source"`
	Type           string     `json:"type"`
	Message        string     `json:"message"`
	Context        string     `json:"context,omitempty"` // opaque JSON
	DedupKey       string     `json:"dedup_key,omitempty"`
	TriggerAt      time.Time  `json:"trigger_at"`
	Status         ItemStatus `json:"status"`
	FiredAt        *time.Time `json:"fired_at,omitempty"`
	SourceMemoryID string     `json:"source_memory_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Session is one conversation between the agent and a user.
type Session struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	StartedAt    time.Time  `json:"started_at"`
	LastActiveAt time.Time  `json:"last_active_at"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	MessageCount int        `json:"message_count"`
	Summarized   bool       `json:"summarized"`
}

// Duration is the wall time between the first and last activity.
func (s Session) Duration() time.Duration {
	end := s.LastActiveAt
	if s.EndedAt != nil && s.EndedAt.After(end) {
		end = *s.EndedAt
	}
	if end.Before(s.StartedAt) {
		return 0
	}
	return end.Sub(s.StartedAt)
}

// Affect is an upstream emotional score attached to a message.
type Affect struct {
	Valence    float64 `json:"valence"`
	Arousal    float64 `json:"arousal"`
	Confidence float64 `json:"confidence"`
}

// Message is a single turn in a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Affect    *Affect   `json:"affect,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionSummary is the condensed form of an idle session.
type SessionSummary struct {
	SessionID string    `json:"session_id,omitempty"`
	UserID    string    `json:"user_id"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// BehavioralPattern is the per-user record of inferred signals.
type BehavioralPattern struct {
	UserID        string                `json:"user_id"`
	TrustScore    *float64              `json:"trust_score,omitempty"`
	Dial          signals.Dial          `json:"proactiveness_dial,omitempty"`
	TrustSignals  *signals.TrustSignals `json:"trust_signals,omitempty"`
	ActiveHours   []int                 `json:"active_hours,omitempty"`
	Messages7d    int                   `json:"messages_7d"`
	AvgMsgLength  float64               `json:"avg_message_length"`
	Sessions7d    int                   `json:"sessions_7d"`
	AvgSessionMin float64               `json:"avg_session_minutes"`
	TopCategories []string              `json:"top_categories,omitempty"`
	CoreInterests []string              `json:"core_interests,omitempty"`
	Affect        *signals.AffectState  `json:"affect,omitempty"`
	GoalSignal    signals.GoalSignal    `json:"goal_signal,omitempty"`
	AffectCursor  int64                 `json:"affect_cursor,omitempty"` // last folded message id
	UpdatedAt     time.Time             `json:"updated_at"`
}

// GoalStatus is the state of a goal.
type GoalStatus string

const (
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal is a user goal with an optional deadline.
type Goal struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Status      GoalStatus `json:"status"`
	ParentID    string     `json:"parent_id,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
