package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"worklog-engine/internal/models"
	"worklog-engine/internal/resilience"
	"worklog-engine/internal/schedule"
	"worklog-engine/internal/telemetry"
)

// RunMorningNudge reminds recently-active users who have not logged anything
// yet today. The message is oracle-authored with a templated fallback.
func (e *Engine) RunMorningNudge(ctx context.Context) error {
	now := e.now()
	activeSince := now.Add(-time.Duration(e.cfg.ActiveWindowDays) * 24 * time.Hour)

	candidates, err := resilience.Call(ctx, e.storeExec, "store.active_users", func(ctx context.Context) ([]models.Engagement, error) {
		return e.store.ActiveUsersSince(ctx, activeSince)
	})
	if err != nil {
		return fmt.Errorf("select morning nudge candidates: %w", err)
	}

	dayStart, dayEnd := e.dayBounds(now)
	nudged := 0
	for _, user := range candidates {
		n, err := e.store.CountEntriesBetween(ctx, user.UserID, dayStart, dayEnd)
		if err != nil {
			e.userFailed(JobMorningNudge, user.UserID, fmt.Errorf("count today's entries: %w", err))
			continue
		}
		if n > 0 {
			continue
		}
		if err := e.morningNudgeFor(ctx, user); err != nil {
			e.userFailed(JobMorningNudge, user.UserID, err)
			continue
		}
		nudged++
	}
	e.log.Info("morning nudge completed", zap.Int("nudged", nudged))
	return nil
}

func (e *Engine) morningNudgeFor(ctx context.Context, user models.Engagement) error {
	name := user.FirstName
	if name == "" {
		name = "there"
	}

	msg, err := resilience.Call(ctx, e.llmExec, "oracle.compose_nudge", func(ctx context.Context) (string, error) {
		return e.oracle.ComposeNudge(ctx, "morning", name, user.Streak)
	})
	if err != nil || msg == "" {
		msg = fallbackNudge(name, user.Streak)
	}

	if err := e.send(ctx, user.UserID, msg); err != nil {
		return fmt.Errorf("deliver morning nudge: %w", err)
	}
	if err := e.engage.LogNudge(ctx, user.UserID, models.NudgeMorning, msg); err != nil {
		return fmt.Errorf("log morning nudge: %w", err)
	}
	telemetry.NudgesSent.WithLabelValues(models.NudgeMorning).Inc()
	return nil
}

// RunInactivityCheck is the autonomous loop. For each user past the
// inactivity threshold (and outside the nudge cooldown window) it consults
// the decision oracle and acts only above the confidence gate, sending
// either a nudge or an encouragement, never both. An oracle failure means
// no action for that user: silence is the safe failure mode.
func (e *Engine) RunInactivityCheck(ctx context.Context) error {
	now := e.now()
	threshold := time.Duration(e.cfg.NudgeThresholdHours) * time.Hour

	// Bound the scan to users seen in the last 30 days; older accounts
	// are dormant, not lapsed.
	candidates, err := resilience.Call(ctx, e.storeExec, "store.active_users", func(ctx context.Context) ([]models.Engagement, error) {
		return e.store.ActiveUsersSince(ctx, now.Add(-30*24*time.Hour))
	})
	if err != nil {
		return fmt.Errorf("select inactivity candidates: %w", err)
	}

	checked := 0
	for _, user := range candidates {
		needs, err := e.engage.NeedsNudge(ctx, user.UserID, threshold)
		if err != nil {
			e.userFailed(JobInactivityCheck, user.UserID, err)
			continue
		}
		if !needs {
			continue
		}
		checked++
		if err := e.autonomousActionFor(ctx, user); err != nil {
			e.userFailed(JobInactivityCheck, user.UserID, err)
		}
	}
	e.log.Info("inactivity check completed",
		zap.Int("candidates", len(candidates)),
		zap.Int("checked", checked))
	return nil
}

func (e *Engine) autonomousActionFor(ctx context.Context, user models.Engagement) error {
	uc, err := e.buildUserContext(ctx, user)
	if err != nil {
		return fmt.Errorf("build user context: %w", err)
	}

	decision, err := resilience.Call(ctx, e.llmExec, "oracle.decide", func(ctx context.Context) (models.Decision, error) {
		return e.oracle.Decide(ctx, uc)
	})
	if err != nil {
		// Degrade to no action rather than defaulting to a nudge.
		e.log.Warn("decision oracle unavailable, taking no action",
			zap.Int64("user", user.UserID),
			zap.Error(err))
		return nil
	}

	e.log.Info("autonomous decision",
		zap.Int64("user", user.UserID),
		zap.String("action", decision.PriorityAction),
		zap.Float64("confidence", decision.Confidence))

	if decision.Confidence < e.cfg.ConfidenceGate {
		telemetry.DecisionsGated.Inc()
		return nil
	}

	switch {
	case decision.ShouldNudge:
		return e.autonomousNudge(ctx, user, uc, decision)
	case decision.ShouldEncourage:
		return e.encourage(ctx, user, uc)
	default:
		return nil
	}
}

func (e *Engine) autonomousNudge(ctx context.Context, user models.Engagement, uc models.UserContext, decision models.Decision) error {
	msg := decision.CustomMessage
	if msg == "" {
		composed, err := resilience.Call(ctx, e.llmExec, "oracle.compose_nudge", func(ctx context.Context) (string, error) {
			return e.oracle.ComposeNudge(ctx, decision.NudgeType, uc.FirstName, user.Streak)
		})
		if err != nil || composed == "" {
			msg = fallbackNudge(uc.FirstName, user.Streak)
		} else {
			msg = composed
		}
	}

	if err := e.send(ctx, user.UserID, msg); err != nil {
		return fmt.Errorf("deliver autonomous nudge: %w", err)
	}
	nudgeType := models.NudgeAutonomous
	if decision.NudgeType != "" && decision.NudgeType != "none" {
		nudgeType = models.NudgeAutonomous + "_" + decision.NudgeType
	}
	if err := e.engage.LogNudge(ctx, user.UserID, nudgeType, msg); err != nil {
		return fmt.Errorf("log autonomous nudge: %w", err)
	}
	telemetry.NudgesSent.WithLabelValues(models.NudgeAutonomous).Inc()
	return nil
}

func (e *Engine) encourage(ctx context.Context, user models.Engagement, uc models.UserContext) error {
	insight, err := resilience.Call(ctx, e.llmExec, "oracle.compose_insight", func(ctx context.Context) (string, error) {
		return e.oracle.ComposeInsight(ctx, uc)
	})
	if err != nil || insight == "" {
		// Encouragement is optional content; without the oracle there is
		// nothing worth sending.
		return nil
	}

	if err := e.send(ctx, user.UserID, formatEncouragement(uc.FirstName, insight)); err != nil {
		return fmt.Errorf("deliver encouragement: %w", err)
	}
	if err := e.engage.LogNudge(ctx, user.UserID, models.NudgeEncouragement, insight); err != nil {
		return fmt.Errorf("log encouragement: %w", err)
	}
	telemetry.NudgesSent.WithLabelValues(models.NudgeEncouragement).Inc()
	return nil
}

func (e *Engine) buildUserContext(ctx context.Context, user models.Engagement) (models.UserContext, error) {
	now := e.now()
	dayStart, dayEnd := e.dayBounds(now)
	weekStart, weekEnd := e.weekBounds(now)

	hoursSince := 48.0
	latest, err := e.store.LatestEntryTime(ctx, user.UserID)
	if err != nil {
		return models.UserContext{}, fmt.Errorf("latest entry: %w", err)
	}
	if latest != nil {
		hoursSince = now.Sub(*latest).Hours()
	}

	today, err := e.store.CountEntriesBetween(ctx, user.UserID, dayStart, dayEnd)
	if err != nil {
		return models.UserContext{}, fmt.Errorf("count today: %w", err)
	}
	week, err := e.store.CountEntriesBetween(ctx, user.UserID, weekStart, weekEnd)
	if err != nil {
		return models.UserContext{}, fmt.Errorf("count week: %w", err)
	}
	themes, err := e.store.RecentCategories(ctx, user.UserID, 5)
	if err != nil {
		return models.UserContext{}, fmt.Errorf("recent categories: %w", err)
	}

	name := user.FirstName
	if name == "" {
		name = "there"
	}
	local := now.In(e.loc)
	return models.UserContext{
		UserID:          user.UserID,
		FirstName:       name,
		Streak:          user.Streak,
		HoursSinceEntry: hoursSince,
		EntriesToday:    today,
		EntriesThisWeek: week,
		RecentThemes:    themes,
		CurrentHour:     local.Hour(),
		DayOfWeek:       local.Weekday().String(),
	}, nil
}

// ScheduleRandomReminder draws today's reminder time inside the configured
// window and registers it as a one-shot, replacing yesterday's registration.
// A drawn time already in the past skips the registration for today; the
// reminder is never scheduled retroactively.
func (e *Engine) ScheduleRandomReminder(ctx context.Context) error {
	if e.sched == nil {
		return fmt.Errorf("scheduler not attached")
	}
	now := e.now().In(e.loc)

	span := e.cfg.RandomReminderEndHour - e.cfg.RandomReminderStartHour
	if span < 0 {
		return fmt.Errorf("random reminder window is inverted (%d..%d)",
			e.cfg.RandomReminderStartHour, e.cfg.RandomReminderEndHour)
	}
	hour := e.cfg.RandomReminderStartHour + e.randInt(span+1)
	minute := e.randInt(60)
	at := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, e.loc)

	err := e.sched.Register(JobRandomReminder, schedule.OneShot(at),
		Counted(JobRandomReminder, e.RunRandomReminder))
	if err != nil {
		if errors.Is(err, schedule.ErrPastTrigger) {
			e.log.Info("random reminder time already passed, skipping today",
				zap.Time("drawn", at))
			return nil
		}
		return fmt.Errorf("register random reminder: %w", err)
	}
	e.log.Info("random reminder scheduled", zap.Time("at", at))
	return nil
}

// RunRandomReminder pings recently-active users who have not logged today
// with a templated reminder.
func (e *Engine) RunRandomReminder(ctx context.Context) error {
	now := e.now()
	activeSince := now.Add(-time.Duration(e.cfg.ActiveWindowDays) * 24 * time.Hour)

	candidates, err := resilience.Call(ctx, e.storeExec, "store.active_users", func(ctx context.Context) ([]models.Engagement, error) {
		return e.store.ActiveUsersSince(ctx, activeSince)
	})
	if err != nil {
		return fmt.Errorf("select random reminder candidates: %w", err)
	}

	dayStart, dayEnd := e.dayBounds(now)
	sent := 0
	for _, user := range candidates {
		n, err := e.store.CountEntriesBetween(ctx, user.UserID, dayStart, dayEnd)
		if err != nil {
			e.userFailed(JobRandomReminder, user.UserID, fmt.Errorf("count today's entries: %w", err))
			continue
		}
		if n > 0 {
			continue
		}

		name := user.FirstName
		if name == "" {
			name = "there"
		}
		msg := randomReminderMessage(name, e.randInt)
		if err := e.send(ctx, user.UserID, msg); err != nil {
			e.userFailed(JobRandomReminder, user.UserID, err)
			continue
		}
		if err := e.engage.LogNudge(ctx, user.UserID, models.NudgeRandom, msg); err != nil {
			e.userFailed(JobRandomReminder, user.UserID, err)
			continue
		}
		telemetry.NudgesSent.WithLabelValues(models.NudgeRandom).Inc()
		sent++
	}
	e.log.Info("random reminder completed", zap.Int("sent", sent))
	return nil
}
