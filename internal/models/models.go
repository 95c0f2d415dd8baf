package models

import (
	"time"
)

// NudgeType classifies why a proactive message was sent.
const (
	NudgeMorning       = "morning"
	NudgeRandom        = "random_reminder"
	NudgeAutonomous    = "autonomous"
	NudgeEncouragement = "encouragement"
)

// SummaryKind distinguishes the persisted summary rows.
const (
	SummaryDaily   = "daily"
	SummaryEvening = "evening"
	SummaryWeekly  = "weekly"
)

// Engagement is the per-user row driving streaks and nudge decisions.
// Streak is never decremented; it either increments from a yesterday
// activity or resets to 1.
type Engagement struct {
	UserID       int64      `json:"user_id"`
	FirstName    string     `json:"first_name"`
	Streak       int        `json:"streak"`
	LastActive   *time.Time `json:"last_active,omitempty"`
	TotalEntries int        `json:"total_entries"`
}

// NudgeLogEntry is an append-only record of a sent nudge. The engine only
// reads it to answer "was this user nudged after T".
type NudgeLogEntry struct {
	UserID  int64     `json:"user_id"`
	Type    string    `json:"nudge_type"`
	Message string    `json:"message"`
	SentAt  time.Time `json:"sent_at"`
}

// Entry is a single work-log item recorded by the ingestion path.
type Entry struct {
	ID              string    `json:"id"`
	UserID          int64     `json:"user_id"`
	Content         string    `json:"content"`
	Category        string    `json:"category,omitempty"`
	Activities      []string  `json:"activities,omitempty"`
	Accomplishments []string  `json:"accomplishments,omitempty"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// Summary is a generated reflection or summary persisted for a user.
type Summary struct {
	ID           string    `json:"id"`
	UserID       int64     `json:"user_id"`
	Kind         string    `json:"kind"`
	PeriodStart  time.Time `json:"period_start"`
	PeriodEnd    time.Time `json:"period_end"`
	EntriesCount int       `json:"entries_count"`
	Themes       []string  `json:"themes,omitempty"`
	Achievements []string  `json:"achievements,omitempty"`
	Learnings    []string  `json:"learnings,omitempty"`
	Reflection   string    `json:"reflection,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Classification is the oracle's verdict on a single piece of text.
type Classification struct {
	Category   string  `json:"category"`
	Relevant   bool    `json:"relevant"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Decision is the autonomous oracle's structured recommendation. Confidence
// below the engine's gate means no action is taken regardless of the rest.
type Decision struct {
	ShouldNudge     bool    `json:"should_nudge"`
	ShouldEncourage bool    `json:"should_encourage"`
	NudgeType       string  `json:"nudge_type"`
	CustomMessage   string  `json:"custom_message,omitempty"`
	Reasoning       string  `json:"reasoning,omitempty"`
	PriorityAction  string  `json:"priority_action"`
	Confidence      float64 `json:"confidence"`
}

// UserContext is the snapshot handed to the decision oracle for one user.
type UserContext struct {
	UserID          int64    `json:"user_id"`
	FirstName       string   `json:"first_name"`
	Streak          int      `json:"streak"`
	HoursSinceEntry float64  `json:"hours_since_entry"`
	EntriesToday    int      `json:"entries_today"`
	EntriesThisWeek int      `json:"entries_this_week"`
	RecentThemes    []string `json:"recent_themes,omitempty"`
	CurrentHour     int      `json:"current_hour"`
	DayOfWeek       string   `json:"day_of_week"`
}
