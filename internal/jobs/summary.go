package jobs

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"worklog-engine/internal/models"
	"worklog-engine/internal/resilience"
	"worklog-engine/internal/telemetry"
)

// RunEveningSummary compiles a deterministic end-of-day recap from today's
// entries. No oracle call: the recap is a straight aggregation.
func (e *Engine) RunEveningSummary(ctx context.Context) error {
	dayStart, dayEnd := e.dayBounds(e.now())

	users, err := resilience.Call(ctx, e.storeExec, "store.users_with_entries", func(ctx context.Context) ([]int64, error) {
		return e.store.UsersWithEntriesBetween(ctx, dayStart, dayEnd)
	})
	if err != nil {
		return fmt.Errorf("select evening summary candidates: %w", err)
	}

	for _, userID := range users {
		if err := e.eveningForUser(ctx, userID, dayStart, dayEnd); err != nil {
			e.userFailed(JobEveningSummary, userID, err)
		}
	}
	e.log.Info("evening summary completed", zap.Int("users", len(users)))
	return nil
}

func (e *Engine) eveningForUser(ctx context.Context, userID int64, dayStart, dayEnd time.Time) error {
	entries, err := e.store.GetEntriesBetween(ctx, userID, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("fetch entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	activities := dedupe(collect(entries, func(en models.Entry) []string { return en.Activities }), 5)
	accomplishments := dedupe(collect(entries, func(en models.Entry) []string { return en.Accomplishments }), 5)

	sum := models.Summary{
		UserID:       userID,
		Kind:         models.SummaryEvening,
		PeriodStart:  dayStart,
		PeriodEnd:    dayEnd,
		EntriesCount: len(entries),
		Achievements: accomplishments,
		Themes:       activities,
	}
	if _, err := resilience.Call(ctx, e.storeExec, "store.save_summary", func(ctx context.Context) (string, error) {
		return e.store.SaveSummary(ctx, sum)
	}); err != nil {
		return fmt.Errorf("save evening summary: %w", err)
	}
	telemetry.SummariesSaved.WithLabelValues(models.SummaryEvening).Inc()

	if err := e.send(ctx, userID, formatEvening(dayStart, len(entries), activities, accomplishments)); err != nil {
		return fmt.Errorf("deliver evening summary: %w", err)
	}
	return nil
}

// RunWeeklySummary asks the oracle to condense the week's daily reflections
// for every user with entries this week.
func (e *Engine) RunWeeklySummary(ctx context.Context) error {
	weekStart, weekEnd := e.weekBounds(e.now())

	users, err := resilience.Call(ctx, e.storeExec, "store.users_with_entries", func(ctx context.Context) ([]int64, error) {
		return e.store.UsersWithEntriesBetween(ctx, weekStart, weekEnd)
	})
	if err != nil {
		return fmt.Errorf("select weekly summary candidates: %w", err)
	}

	for _, userID := range users {
		if err := e.weeklyForUser(ctx, userID, weekStart, weekEnd); err != nil {
			e.userFailed(JobWeeklySummary, userID, err)
		}
	}
	e.log.Info("weekly summary completed", zap.Int("users", len(users)))
	return nil
}

func (e *Engine) weeklyForUser(ctx context.Context, userID int64, weekStart, weekEnd time.Time) error {
	dailies, err := e.store.SummariesBetween(ctx, userID, models.SummaryDaily, weekStart, weekEnd)
	if err != nil {
		return fmt.Errorf("fetch daily summaries: %w", err)
	}
	if len(dailies) == 0 {
		return nil
	}
	name := e.userName(ctx, userID)

	e.typing(ctx, userID)

	sum, err := resilience.Call(ctx, e.llmExec, "oracle.summarize_week", func(ctx context.Context) (models.Summary, error) {
		return e.oracle.SummarizeWeek(ctx, name, dailies)
	})
	if err != nil {
		return fmt.Errorf("summarize week: %w", err)
	}
	sum.UserID = userID
	sum.Kind = models.SummaryWeekly
	sum.PeriodStart = weekStart
	sum.PeriodEnd = weekEnd

	id, err := resilience.Call(ctx, e.storeExec, "store.save_summary", func(ctx context.Context) (string, error) {
		return e.store.SaveSummary(ctx, sum)
	})
	if err != nil {
		return fmt.Errorf("save weekly summary: %w", err)
	}
	telemetry.SummariesSaved.WithLabelValues(models.SummaryWeekly).Inc()

	if err := e.send(ctx, userID, formatWeekly(sum)); err != nil {
		return fmt.Errorf("deliver weekly summary: %w", err)
	}
	e.log.Info("weekly summary delivered",
		zap.Int64("user", userID),
		zap.String("summary_id", id))
	return nil
}

func collect(entries []models.Entry, pick func(models.Entry) []string) []string {
	var out []string
	for _, e := range entries {
		out = append(out, pick(e)...)
	}
	return out
}

func dedupe(items []string, max int) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) == max {
			break
		}
	}
	return out
}
