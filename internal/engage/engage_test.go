package engage

import (
	"context"
	"testing"
	"time"

	"worklog-engine/internal/models"
)

type fakeStore struct {
	engagement map[int64]models.Engagement
	latest     map[int64]*time.Time
	nudges     []models.NudgeLogEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		engagement: make(map[int64]models.Engagement),
		latest:     make(map[int64]*time.Time),
	}
}

func (f *fakeStore) GetEngagement(_ context.Context, userID int64) (models.Engagement, bool, error) {
	e, ok := f.engagement[userID]
	return e, ok, nil
}

func (f *fakeStore) UpdateEngagement(_ context.Context, userID int64, fn func(*models.Engagement)) (models.Engagement, error) {
	e, ok := f.engagement[userID]
	if !ok {
		e = models.Engagement{UserID: userID}
	}
	fn(&e)
	f.engagement[userID] = e
	return e, nil
}

func (f *fakeStore) LatestEntryTime(_ context.Context, userID int64) (*time.Time, error) {
	return f.latest[userID], nil
}

func (f *fakeStore) AppendNudgeLog(_ context.Context, entry models.NudgeLogEntry) error {
	f.nudges = append(f.nudges, entry)
	return nil
}

func (f *fakeStore) NudgedSince(_ context.Context, userID int64, t time.Time) (bool, error) {
	for _, n := range f.nudges {
		if n.UserID == userID && !n.SentAt.Before(t) {
			return true, nil
		}
	}
	return false, nil
}

func trackerAt(store Store, loc *time.Location, now time.Time) *Tracker {
	tr := NewTracker(store, loc)
	tr.now = func() time.Time { return now }
	return tr
}

func TestRecordActivityStartsStreak(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 5, 1, 14, 0, 0, 0, time.UTC)
	tr := trackerAt(store, time.UTC, now)

	streak, err := tr.RecordActivity(context.Background(), 7)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if streak != 1 {
		t.Fatalf("first activity should start streak at 1, got %d", streak)
	}
}

func TestRecordActivitySameDayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	morning := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	tr := trackerAt(store, time.UTC, morning)
	if _, err := tr.RecordActivity(context.Background(), 7); err != nil {
		t.Fatalf("record: %v", err)
	}

	evening := time.Date(2026, 5, 1, 22, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return evening }
	streak, err := tr.RecordActivity(context.Background(), 7)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if streak != 1 {
		t.Fatalf("same-day activity must not change the streak, got %d", streak)
	}
	if got := store.engagement[7].LastActive; !got.Equal(morning) {
		t.Fatalf("same-day no-op must not move last_active, got %s", got)
	}
}

func TestRecordActivityYesterdayIncrements(t *testing.T) {
	store := newFakeStore()
	day1 := time.Date(2026, 5, 1, 23, 50, 0, 0, time.UTC)
	tr := trackerAt(store, time.UTC, day1)
	if _, err := tr.RecordActivity(context.Background(), 7); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Just past midnight still counts as consecutive days.
	day2 := time.Date(2026, 5, 2, 0, 10, 0, 0, time.UTC)
	tr.now = func() time.Time { return day2 }
	streak, err := tr.RecordActivity(context.Background(), 7)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if streak != 2 {
		t.Fatalf("consecutive-day activity should increment, got %d", streak)
	}
}

func TestRecordActivityGapResets(t *testing.T) {
	store := newFakeStore()
	day1 := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := trackerAt(store, time.UTC, day1)
	if _, err := tr.RecordActivity(context.Background(), 7); err != nil {
		t.Fatalf("record: %v", err)
	}
	tr.now = func() time.Time { return day1.AddDate(0, 0, 1) }
	if _, err := tr.RecordActivity(context.Background(), 7); err != nil {
		t.Fatalf("record: %v", err)
	}

	tr.now = func() time.Time { return day1.AddDate(0, 0, 4) }
	streak, err := tr.RecordActivity(context.Background(), 7)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if streak != 1 {
		t.Fatalf("a missed day must reset the streak to 1, got %d", streak)
	}
}

func TestStreakUsesConfiguredTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	store := newFakeStore()

	// 03:00 UTC on May 2 is still May 1 evening in New York.
	first := time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)
	tr := trackerAt(store, loc, first)
	if _, err := tr.RecordActivity(context.Background(), 7); err != nil {
		t.Fatalf("record: %v", err)
	}

	// May 2 noon New York is the next local day: increment, not no-op.
	second := time.Date(2026, 5, 2, 16, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return second }
	streak, err := tr.RecordActivity(context.Background(), 7)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if streak != 2 {
		t.Fatalf("local-day boundary should increment the streak, got %d", streak)
	}
}

func TestNeedsNudge(t *testing.T) {
	now := time.Date(2026, 5, 2, 12, 0, 0, 0, time.UTC)
	threshold := 24 * time.Hour

	t.Run("no entries never nudges", func(t *testing.T) {
		tr := trackerAt(newFakeStore(), time.UTC, now)
		needs, err := tr.NeedsNudge(context.Background(), 7, threshold)
		if err != nil || needs {
			t.Fatalf("user with no entries must not be nudged, needs=%v err=%v", needs, err)
		}
	})

	t.Run("recent entry does not nudge", func(t *testing.T) {
		store := newFakeStore()
		recent := now.Add(-2 * time.Hour)
		store.latest[7] = &recent
		tr := trackerAt(store, time.UTC, now)
		needs, _ := tr.NeedsNudge(context.Background(), 7, threshold)
		if needs {
			t.Fatalf("entry inside the threshold must not nudge")
		}
	})

	t.Run("stale entry nudges", func(t *testing.T) {
		store := newFakeStore()
		stale := now.Add(-30 * time.Hour)
		store.latest[7] = &stale
		tr := trackerAt(store, time.UTC, now)
		needs, _ := tr.NeedsNudge(context.Background(), 7, threshold)
		if !needs {
			t.Fatalf("entry older than the threshold must nudge")
		}
	})

	t.Run("recent nudge suppresses", func(t *testing.T) {
		store := newFakeStore()
		stale := now.Add(-30 * time.Hour)
		store.latest[7] = &stale
		store.nudges = append(store.nudges, models.NudgeLogEntry{
			UserID: 7,
			Type:   models.NudgeAutonomous,
			SentAt: now.Add(-3 * time.Hour),
		})
		tr := trackerAt(store, time.UTC, now)
		needs, _ := tr.NeedsNudge(context.Background(), 7, threshold)
		if needs {
			t.Fatalf("a nudge inside the window must suppress another")
		}
	})

	t.Run("old nudge does not suppress", func(t *testing.T) {
		store := newFakeStore()
		stale := now.Add(-80 * time.Hour)
		store.latest[7] = &stale
		store.nudges = append(store.nudges, models.NudgeLogEntry{
			UserID: 7,
			Type:   models.NudgeAutonomous,
			SentAt: now.Add(-48 * time.Hour),
		})
		tr := trackerAt(store, time.UTC, now)
		needs, _ := tr.NeedsNudge(context.Background(), 7, threshold)
		if !needs {
			t.Fatalf("a nudge outside the window must not suppress")
		}
	})
}

func TestLogNudgeTruncatesMessage(t *testing.T) {
	store := newFakeStore()
	tr := trackerAt(store, time.UTC, time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))

	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if err := tr.LogNudge(context.Background(), 7, models.NudgeMorning, string(long)); err != nil {
		t.Fatalf("log: %v", err)
	}
	if got := len(store.nudges[0].Message); got != 200 {
		t.Fatalf("expected excerpt of 200 chars, got %d", got)
	}
}
