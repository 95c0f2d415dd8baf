// Package engage owns the per-user engagement rules: streak transitions,
// nudge cooldowns, and the append-only nudge log. Persistence is delegated
// to a narrow store interface; the rules live here.
package engage

import (
	"context"
	"fmt"
	"time"

	"worklog-engine/internal/models"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	GetEngagement(ctx context.Context, userID int64) (models.Engagement, bool, error)
	UpdateEngagement(ctx context.Context, userID int64, fn func(*models.Engagement)) (models.Engagement, error)
	LatestEntryTime(ctx context.Context, userID int64) (*time.Time, error)
	AppendNudgeLog(ctx context.Context, entry models.NudgeLogEntry) error
	NudgedSince(ctx context.Context, userID int64, t time.Time) (bool, error)
}

// Tracker applies engagement rules on top of the store. Calendar dates are
// computed in the engine's configured timezone.
type Tracker struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

// NewTracker builds a tracker; a nil location means UTC.
func NewTracker(store Store, loc *time.Location) *Tracker {
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{store: store, loc: loc, now: time.Now}
}

// RecordActivity applies the streak transition for an activity at the
// current time and returns the resulting streak. Repeated calls within one
// calendar day are no-ops. The store serializes concurrent updates for the
// same user, so racing triggers cannot lose an increment.
func (t *Tracker) RecordActivity(ctx context.Context, userID int64) (int, error) {
	at := t.now()
	e, err := t.store.UpdateEngagement(ctx, userID, func(e *models.Engagement) {
		applyActivity(e, at, t.loc)
	})
	if err != nil {
		return 0, fmt.Errorf("record activity for user %d: %w", userID, err)
	}
	return e.Streak, nil
}

// applyActivity is the pure streak transition: same-day activity is a no-op,
// a yesterday last-active increments, anything else resets to 1. last_active
// only moves forward on the non-no-op branches.
func applyActivity(e *models.Engagement, at time.Time, loc *time.Location) {
	today := dateOf(at, loc)
	if e.LastActive != nil {
		last := dateOf(*e.LastActive, loc)
		if last.Equal(today) {
			return
		}
		if last.Equal(today.AddDate(0, 0, -1)) {
			e.Streak++
			e.LastActive = &at
			return
		}
	}
	e.Streak = 1
	e.LastActive = &at
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// NeedsNudge reports whether the user's most recent entry is older than the
// threshold and no nudge was logged inside the window. A user with no
// entries at all is never nudged here; they have nothing to lapse from.
func (t *Tracker) NeedsNudge(ctx context.Context, userID int64, threshold time.Duration) (bool, error) {
	latest, err := t.store.LatestEntryTime(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("latest entry for user %d: %w", userID, err)
	}
	if latest == nil {
		return false, nil
	}
	cutoff := t.now().Add(-threshold)
	if !latest.Before(cutoff) {
		return false, nil
	}
	nudged, err := t.store.NudgedSince(ctx, userID, cutoff)
	if err != nil {
		return false, fmt.Errorf("nudge window for user %d: %w", userID, err)
	}
	return !nudged, nil
}

// LogNudge appends to the nudge log. Messages are truncated to an excerpt;
// the log answers cooldown queries, it is not an archive.
func (t *Tracker) LogNudge(ctx context.Context, userID int64, nudgeType, message string) error {
	if len(message) > 200 {
		message = message[:200]
	}
	err := t.store.AppendNudgeLog(ctx, models.NudgeLogEntry{
		UserID:  userID,
		Type:    nudgeType,
		Message: message,
		SentAt:  t.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("log nudge for user %d: %w", userID, err)
	}
	return nil
}
