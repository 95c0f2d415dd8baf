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

// RunDailyReflection generates and delivers a reflection for every user who
// logged at least one entry today.
func (e *Engine) RunDailyReflection(ctx context.Context) error {
	dayStart, dayEnd := e.dayBounds(e.now())

	users, err := resilience.Call(ctx, e.storeExec, "store.users_with_entries", func(ctx context.Context) ([]int64, error) {
		return e.store.UsersWithEntriesBetween(ctx, dayStart, dayEnd)
	})
	if err != nil {
		return fmt.Errorf("select reflection candidates: %w", err)
	}

	for _, userID := range users {
		if err := e.reflectForUser(ctx, userID, dayStart, dayEnd); err != nil {
			e.userFailed(JobDailyReflection, userID, err)
		}
	}
	e.log.Info("daily reflection completed", zap.Int("users", len(users)))
	return nil
}

func (e *Engine) reflectForUser(ctx context.Context, userID int64, dayStart, dayEnd time.Time) error {
	entries, err := e.store.GetEntriesBetween(ctx, userID, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("fetch entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}
	name := e.userName(ctx, userID)

	e.typing(ctx, userID)

	sum, err := resilience.Call(ctx, e.llmExec, "oracle.summarize_day", func(ctx context.Context) (models.Summary, error) {
		return e.oracle.SummarizeDay(ctx, name, dayStart, entries)
	})
	if err != nil {
		// No fabricated reflection: the user simply misses this firing.
		return fmt.Errorf("summarize day: %w", err)
	}
	sum.UserID = userID
	sum.Kind = models.SummaryDaily
	sum.PeriodStart = dayStart
	sum.PeriodEnd = dayEnd
	sum.EntriesCount = len(entries)

	if _, err := resilience.Call(ctx, e.storeExec, "store.save_summary", func(ctx context.Context) (string, error) {
		return e.store.SaveSummary(ctx, sum)
	}); err != nil {
		return fmt.Errorf("save reflection: %w", err)
	}
	telemetry.SummariesSaved.WithLabelValues(models.SummaryDaily).Inc()

	if err := e.send(ctx, userID, formatReflection(sum)); err != nil {
		return fmt.Errorf("deliver reflection: %w", err)
	}
	return nil
}
