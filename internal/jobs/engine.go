// Package jobs implements the engine's scheduled work: reflections,
// summaries, nudges, and the autonomous inactivity loop. Every job follows
// the same shape: select candidates, build per-user context, act through the
// resilience layer, update engagement state, notify. One user's failure
// never aborts the batch; only candidate selection is job-fatal.
package jobs

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"worklog-engine/internal/config"
	"worklog-engine/internal/models"
	"worklog-engine/internal/resilience"
	"worklog-engine/internal/schedule"
	"worklog-engine/internal/telemetry"
)

// Job identifiers registered on the scheduler.
const (
	JobDailyReflection = "daily_reflection"
	JobEveningSummary  = "evening_summary"
	JobWeeklySummary   = "weekly_summary"
	JobMorningNudge    = "morning_nudge"
	JobInactivityCheck = "inactivity_check"
	JobRandomScheduler = "random_reminder_scheduler"
	JobRandomReminder  = "random_reminder"
	JobBackup          = "backup"
)

// Store is the persistence collaborator. Failures are storage-kind and
// retryable under the storage policy.
type Store interface {
	UsersWithEntriesBetween(ctx context.Context, from, to time.Time) ([]int64, error)
	GetEntriesBetween(ctx context.Context, userID int64, from, to time.Time) ([]models.Entry, error)
	GetEngagement(ctx context.Context, userID int64) (models.Engagement, bool, error)
	ActiveUsersSince(ctx context.Context, since time.Time) ([]models.Engagement, error)
	LatestEntryTime(ctx context.Context, userID int64) (*time.Time, error)
	CountEntriesBetween(ctx context.Context, userID int64, from, to time.Time) (int, error)
	RecentCategories(ctx context.Context, userID int64, limit int) ([]string, error)
	SaveSummary(ctx context.Context, sum models.Summary) (string, error)
	SummariesBetween(ctx context.Context, userID int64, kind string, from, to time.Time) ([]models.Summary, error)
}

// Oracle is the reasoning and generation collaborator.
type Oracle interface {
	SummarizeDay(ctx context.Context, userName string, date time.Time, entries []models.Entry) (models.Summary, error)
	SummarizeWeek(ctx context.Context, userName string, dailies []models.Summary) (models.Summary, error)
	Decide(ctx context.Context, uc models.UserContext) (models.Decision, error)
	ComposeNudge(ctx context.Context, nudgeType, userName string, streak int) (string, error)
	ComposeInsight(ctx context.Context, uc models.UserContext) (string, error)
}

// Messenger delivers text to a user.
type Messenger interface {
	Send(ctx context.Context, userID int64, text string) error
	SendTyping(ctx context.Context, userID int64) error
}

// Engagement is the rules surface of the engagement state store.
type Engagement interface {
	NeedsNudge(ctx context.Context, userID int64, threshold time.Duration) (bool, error)
	LogNudge(ctx context.Context, userID int64, nudgeType, message string) error
}

// Engine holds the collaborators and registers the job set on a scheduler.
type Engine struct {
	cfg       config.Config
	loc       *time.Location
	store     Store
	oracle    Oracle
	messenger Messenger
	engage    Engagement

	llmExec    *resilience.Executor
	msgExec    *resilience.Executor
	storeExec  *resilience.Executor
	msgBreaker *resilience.CircuitBreaker

	sched *schedule.Scheduler
	log   *zap.Logger

	now     func() time.Time
	randInt func(n int) int
}

// Deps collects everything the engine needs; all fields are required except
// the breaker (typing indicators are simply skipped without one).
type Deps struct {
	Config     config.Config
	Location   *time.Location
	Store      Store
	Oracle     Oracle
	Messenger  Messenger
	Engagement Engagement
	LLMExec    *resilience.Executor
	MsgExec    *resilience.Executor
	StoreExec  *resilience.Executor
	MsgBreaker *resilience.CircuitBreaker
	Logger     *zap.Logger
}

// New builds the engine.
func New(d Deps) *Engine {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		cfg:        d.Config,
		loc:        loc,
		store:      d.Store,
		oracle:     d.Oracle,
		messenger:  d.Messenger,
		engage:     d.Engagement,
		llmExec:    d.LLMExec,
		msgExec:    d.MsgExec,
		storeExec:  d.StoreExec,
		msgBreaker: d.MsgBreaker,
		log:        d.Logger,
		now:        time.Now,
		randInt:    rand.Intn,
	}
}

// RegisterAll installs every recurring trigger on the scheduler. The random
// reminder itself is a one-shot registered daily by its scheduler job.
func (e *Engine) RegisterAll(s *schedule.Scheduler) error {
	e.sched = s

	type spec struct {
		id      string
		trigger func() (schedule.Trigger, error)
		cb      schedule.Callback
	}
	specs := []spec{
		{JobDailyReflection, func() (schedule.Trigger, error) {
			return schedule.Daily(e.cfg.DailyReflectionHour, e.cfg.DailyReflectionMinute, e.loc)
		}, Counted(JobDailyReflection, e.RunDailyReflection)},
		{JobEveningSummary, func() (schedule.Trigger, error) {
			return schedule.Daily(e.cfg.EveningSummaryHour, e.cfg.EveningSummaryMinute, e.loc)
		}, Counted(JobEveningSummary, e.RunEveningSummary)},
		{JobWeeklySummary, func() (schedule.Trigger, error) {
			return schedule.Weekly(e.cfg.WeeklySummaryDay, e.cfg.WeeklySummaryHour, e.cfg.WeeklySummaryMinute, e.loc)
		}, Counted(JobWeeklySummary, e.RunWeeklySummary)},
		{JobMorningNudge, func() (schedule.Trigger, error) {
			return schedule.Daily(e.cfg.MorningNudgeHour, e.cfg.MorningNudgeMinute, e.loc)
		}, Counted(JobMorningNudge, e.RunMorningNudge)},
		{JobInactivityCheck, func() (schedule.Trigger, error) {
			return schedule.Recurring(e.cfg.InactivityCheckSpec, e.loc)
		}, Counted(JobInactivityCheck, e.RunInactivityCheck)},
	}
	if e.cfg.EnableRandomReminder {
		specs = append(specs, spec{JobRandomScheduler, func() (schedule.Trigger, error) {
			return schedule.Daily(6, 0, e.loc)
		}, Counted(JobRandomScheduler, e.ScheduleRandomReminder)})
	}

	for _, sp := range specs {
		trigger, err := sp.trigger()
		if err != nil {
			return fmt.Errorf("build trigger for %s: %w", sp.id, err)
		}
		if err := s.Register(sp.id, trigger, sp.cb); err != nil {
			return fmt.Errorf("register %s: %w", sp.id, err)
		}
	}
	return nil
}

// Counted wraps a job callback with the firing counter and selection-failure
// counter. Every callback handed to the scheduler goes through it, including
// jobs registered outside RegisterAll.
func Counted(id string, fn schedule.Callback) schedule.Callback {
	return func(ctx context.Context) error {
		telemetry.JobRuns.WithLabelValues(id).Inc()
		if err := fn(ctx); err != nil {
			telemetry.JobFailures.WithLabelValues(id).Inc()
			return err
		}
		return nil
	}
}

// userFailed logs and counts one isolated per-user failure.
func (e *Engine) userFailed(job string, userID int64, err error) {
	telemetry.UserFailures.WithLabelValues(job).Inc()
	e.log.Error("user processing failed",
		zap.String("job", job),
		zap.Int64("user", userID),
		zap.Error(err))
}

// userName resolves a display name, defaulting to "there".
func (e *Engine) userName(ctx context.Context, userID int64) string {
	eng, ok, err := e.store.GetEngagement(ctx, userID)
	if err != nil || !ok || eng.FirstName == "" {
		return "there"
	}
	return eng.FirstName
}

// typing fires the typing indicator when the messaging circuit admits it.
// Failures are swallowed; the indicator is cosmetic.
func (e *Engine) typing(ctx context.Context, userID int64) {
	if e.msgBreaker != nil && !e.msgBreaker.CanExecute() {
		return
	}
	_ = e.messenger.SendTyping(ctx, userID)
}

// send delivers one message through the messaging executor.
func (e *Engine) send(ctx context.Context, userID int64, text string) error {
	err := e.msgExec.Do(ctx, "messaging.send", func(ctx context.Context) error {
		return e.messenger.Send(ctx, userID, text)
	})
	if err == nil {
		telemetry.MessagesSent.Inc()
	}
	return err
}

// dayBounds returns the start and end of the calendar day containing t.
func (e *Engine) dayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(e.loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	return start, start.AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// weekBounds returns the start (Monday 00:00) and end of the week
// containing t.
func (e *Engine) weekBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(e.loc)
	weekday := int(local.Weekday())
	if weekday == 0 {
		weekday = 7 // Sunday closes the week
	}
	y, m, d := local.AddDate(0, 0, -(weekday - 1)).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, e.loc)
	return start, start.AddDate(0, 0, 7).Add(-time.Nanosecond)
}
