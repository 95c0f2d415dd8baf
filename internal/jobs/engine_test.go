package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"worklog-engine/internal/config"
	"worklog-engine/internal/models"
	"worklog-engine/internal/resilience"
	"worklog-engine/internal/schedule"
	"worklog-engine/internal/telemetry"
)

type fakeStore struct {
	engagement map[int64]models.Engagement
	entries    map[int64][]models.Entry
	dailies    map[int64][]models.Summary
	saved      []models.Summary

	entriesErr map[int64]error
}

func newJobStore() *fakeStore {
	return &fakeStore{
		engagement: make(map[int64]models.Engagement),
		entries:    make(map[int64][]models.Entry),
		dailies:    make(map[int64][]models.Summary),
		entriesErr: make(map[int64]error),
	}
}

func (f *fakeStore) UsersWithEntriesBetween(_ context.Context, from, to time.Time) ([]int64, error) {
	var out []int64
	for id := range f.entries {
		if len(f.entriesBetween(id, from, to)) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeStore) entriesBetween(userID int64, from, to time.Time) []models.Entry {
	var out []models.Entry
	for _, e := range f.entries[userID] {
		if !e.RecordedAt.Before(from) && !e.RecordedAt.After(to) {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeStore) GetEntriesBetween(_ context.Context, userID int64, from, to time.Time) ([]models.Entry, error) {
	if err := f.entriesErr[userID]; err != nil {
		return nil, err
	}
	return f.entriesBetween(userID, from, to), nil
}

func (f *fakeStore) GetEngagement(_ context.Context, userID int64) (models.Engagement, bool, error) {
	e, ok := f.engagement[userID]
	return e, ok, nil
}

func (f *fakeStore) ActiveUsersSince(_ context.Context, since time.Time) ([]models.Engagement, error) {
	var out []models.Engagement
	for _, e := range f.engagement {
		if e.LastActive != nil && e.LastActive.After(since) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) LatestEntryTime(_ context.Context, userID int64) (*time.Time, error) {
	var latest *time.Time
	for _, e := range f.entries[userID] {
		t := e.RecordedAt
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest, nil
}

func (f *fakeStore) CountEntriesBetween(_ context.Context, userID int64, from, to time.Time) (int, error) {
	return len(f.entriesBetween(userID, from, to)), nil
}

func (f *fakeStore) RecentCategories(_ context.Context, userID int64, limit int) ([]string, error) {
	var out []string
	for _, e := range f.entries[userID] {
		if e.Category != "" && len(out) < limit {
			out = append(out, e.Category)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveSummary(_ context.Context, sum models.Summary) (string, error) {
	f.saved = append(f.saved, sum)
	return "sum-1", nil
}

func (f *fakeStore) SummariesBetween(_ context.Context, userID int64, kind string, _, _ time.Time) ([]models.Summary, error) {
	if kind != models.SummaryDaily {
		return nil, nil
	}
	return f.dailies[userID], nil
}

type fakeOracle struct {
	decision    models.Decision
	decideErr   error
	nudgeText   string
	nudgeErr    error
	insight     string
	insightErr  error
	summary     models.Summary
	summarized  int
	summarizErr error
}

func (f *fakeOracle) SummarizeDay(_ context.Context, _ string, _ time.Time, entries []models.Entry) (models.Summary, error) {
	if f.summarizErr != nil {
		return models.Summary{}, f.summarizErr
	}
	f.summarized++
	s := f.summary
	s.EntriesCount = len(entries)
	return s, nil
}

func (f *fakeOracle) SummarizeWeek(_ context.Context, _ string, dailies []models.Summary) (models.Summary, error) {
	if f.summarizErr != nil {
		return models.Summary{}, f.summarizErr
	}
	f.summarized++
	s := f.summary
	for _, d := range dailies {
		s.EntriesCount += d.EntriesCount
	}
	return s, nil
}

func (f *fakeOracle) Decide(_ context.Context, _ models.UserContext) (models.Decision, error) {
	return f.decision, f.decideErr
}

func (f *fakeOracle) ComposeNudge(_ context.Context, _, _ string, _ int) (string, error) {
	return f.nudgeText, f.nudgeErr
}

func (f *fakeOracle) ComposeInsight(_ context.Context, _ models.UserContext) (string, error) {
	return f.insight, f.insightErr
}

type sentMessage struct {
	userID int64
	text   string
}

type fakeMessenger struct {
	sent    []sentMessage
	typing  []int64
	sendErr error
}

func (f *fakeMessenger) Send(_ context.Context, userID int64, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{userID: userID, text: text})
	return nil
}

func (f *fakeMessenger) SendTyping(_ context.Context, userID int64) error {
	f.typing = append(f.typing, userID)
	return nil
}

type loggedNudge struct {
	userID    int64
	nudgeType string
	message   string
}

type fakeEngage struct {
	needs  map[int64]bool
	logged []loggedNudge
}

func (f *fakeEngage) NeedsNudge(_ context.Context, userID int64, _ time.Duration) (bool, error) {
	return f.needs[userID], nil
}

func (f *fakeEngage) LogNudge(_ context.Context, userID int64, nudgeType, message string) error {
	f.logged = append(f.logged, loggedNudge{userID: userID, nudgeType: nudgeType, message: message})
	return nil
}

type fixture struct {
	engine    *Engine
	store     *fakeStore
	oracle    *fakeOracle
	messenger *fakeMessenger
	engage    *fakeEngage
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newJobStore()
	orc := &fakeOracle{}
	msg := &fakeMessenger{}
	eng := &fakeEngage{needs: make(map[int64]bool)}

	stats := resilience.NewStats()
	log := zap.NewNop()
	llmExec, err := resilience.NewExecutor(resilience.DepLLM, nil, stats, log)
	if err != nil {
		t.Fatalf("llm executor: %v", err)
	}
	msgExec, err := resilience.NewExecutor(resilience.DepMessaging, nil, stats, log)
	if err != nil {
		t.Fatalf("msg executor: %v", err)
	}
	storeExec, err := resilience.NewExecutor(resilience.DepStorage, nil, stats, log)
	if err != nil {
		t.Fatalf("store executor: %v", err)
	}

	cfg := config.Config{
		NudgeThresholdHours:     24,
		ActiveWindowDays:        7,
		ConfidenceGate:          0.5,
		RandomReminderStartHour: 10,
		RandomReminderEndHour:   18,
	}
	e := New(Deps{
		Config:     cfg,
		Location:   time.UTC,
		Store:      store,
		Oracle:     orc,
		Messenger:  msg,
		Engagement: eng,
		LLMExec:    llmExec,
		MsgExec:    msgExec,
		StoreExec:  storeExec,
		Logger:     log,
	})
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	return &fixture{engine: e, store: store, oracle: orc, messenger: msg, engage: eng, now: now}
}

func (f *fixture) addActiveUser(userID int64, name string) {
	lastActive := f.now.Add(-2 * time.Hour)
	f.store.engagement[userID] = models.Engagement{
		UserID:     userID,
		FirstName:  name,
		Streak:     3,
		LastActive: &lastActive,
	}
}

func (f *fixture) addEntry(userID int64, content string, at time.Time) {
	f.store.entries[userID] = append(f.store.entries[userID], models.Entry{
		UserID:     userID,
		Content:    content,
		RecordedAt: at,
	})
}

func TestInactivityCheckGatesLowConfidence(t *testing.T) {
	f := newFixture(t)
	f.addActiveUser(7, "Ada")
	f.addEntry(7, "old work", f.now.Add(-30*time.Hour))
	f.engage.needs[7] = true
	f.oracle.decision = models.Decision{
		ShouldNudge: true,
		NudgeType:   "gentle",
		Confidence:  0.4,
	}

	if err := f.engine.RunInactivityCheck(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.messenger.sent) != 0 {
		t.Fatalf("low-confidence decision must not send, sent %v", f.messenger.sent)
	}
	if len(f.engage.logged) != 0 {
		t.Fatalf("gated decision must not log a nudge")
	}
}

func TestInactivityCheckOracleFailureIsSilent(t *testing.T) {
	f := newFixture(t)
	f.addActiveUser(7, "Ada")
	f.addEntry(7, "old work", f.now.Add(-30*time.Hour))
	f.engage.needs[7] = true
	f.oracle.decideErr = resilience.Markf(resilience.KindBadResponse, "garbled")

	if err := f.engine.RunInactivityCheck(context.Background()); err != nil {
		t.Fatalf("oracle failure must not fail the job: %v", err)
	}
	if len(f.messenger.sent) != 0 {
		t.Fatalf("oracle failure must degrade to silence, sent %v", f.messenger.sent)
	}
}

func TestInactivityCheckSendsCustomNudge(t *testing.T) {
	f := newFixture(t)
	f.addActiveUser(7, "Ada")
	f.addEntry(7, "old work", f.now.Add(-30*time.Hour))
	f.engage.needs[7] = true
	f.oracle.decision = models.Decision{
		ShouldNudge:   true,
		NudgeType:     "gentle",
		CustomMessage: "Hey Ada, how did the migration land?",
		Confidence:    0.9,
	}

	if err := f.engine.RunInactivityCheck(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.messenger.sent) != 1 || f.messenger.sent[0].text != "Hey Ada, how did the migration land?" {
		t.Fatalf("expected the oracle's custom message, got %v", f.messenger.sent)
	}
	if len(f.engage.logged) != 1 || f.engage.logged[0].nudgeType != "autonomous_gentle" {
		t.Fatalf("unexpected nudge log: %v", f.engage.logged)
	}
}

func TestInactivityCheckEncouragesInsteadOfNudging(t *testing.T) {
	f := newFixture(t)
	f.addActiveUser(7, "Ada")
	f.addEntry(7, "old work", f.now.Add(-30*time.Hour))
	f.engage.needs[7] = true
	f.oracle.decision = models.Decision{
		ShouldEncourage: true,
		NudgeType:       "none",
		Confidence:      0.8,
	}
	f.oracle.insight = "Your infra work this week compounded nicely."

	if err := f.engine.RunInactivityCheck(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.messenger.sent) != 1 || !strings.Contains(f.messenger.sent[0].text, "compounded nicely") {
		t.Fatalf("expected the insight delivered, got %v", f.messenger.sent)
	}
	if len(f.engage.logged) != 1 || f.engage.logged[0].nudgeType != models.NudgeEncouragement {
		t.Fatalf("unexpected nudge log: %v", f.engage.logged)
	}
}

func TestInactivityCheckSkipsUsersNotNeedingNudge(t *testing.T) {
	f := newFixture(t)
	f.addActiveUser(7, "Ada")
	f.engage.needs[7] = false
	f.oracle.decision = models.Decision{ShouldNudge: true, Confidence: 0.9}

	if err := f.engine.RunInactivityCheck(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.messenger.sent) != 0 {
		t.Fatalf("user inside threshold must not be considered")
	}
}

func TestMorningNudgeSkipsUsersWithEntriesToday(t *testing.T) {
	f := newFixture(t)
	f.addActiveUser(7, "Ada")
	f.addActiveUser(8, "Grace")
	f.addEntry(7, "already logged", f.now.Add(-time.Hour))
	f.oracle.nudgeText = "Morning! What's on deck today?"

	if err := f.engine.RunMorningNudge(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.messenger.sent) != 1 || f.messenger.sent[0].userID != 8 {
		t.Fatalf("only the user without entries should be nudged, got %v", f.messenger.sent)
	}
	if len(f.engage.logged) != 1 || f.engage.logged[0].nudgeType != models.NudgeMorning {
		t.Fatalf("unexpected nudge log: %v", f.engage.logged)
	}
}

func TestMorningNudgeFallsBackWhenOracleFails(t *testing.T) {
	f := newFixture(t)
	f.addActiveUser(8, "Grace")
	f.oracle.nudgeErr = resilience.Markf(resilience.KindUnauthorized, "no key")

	if err := f.engine.RunMorningNudge(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.messenger.sent) != 1 {
		t.Fatalf("fallback template must still be sent, got %v", f.messenger.sent)
	}
	if !strings.Contains(f.messenger.sent[0].text, "Grace") {
		t.Fatalf("fallback must address the user by name: %q", f.messenger.sent[0].text)
	}
}

func TestDailyReflectionIsolatesUserFailures(t *testing.T) {
	f := newFixture(t)
	f.addEntry(7, "work", f.now.Add(-time.Hour))
	f.addEntry(8, "more work", f.now.Add(-time.Hour))
	f.store.entriesErr[7] = errors.New("row corrupt")
	f.oracle.summary = models.Summary{Reflection: "Good day."}

	if err := f.engine.RunDailyReflection(context.Background()); err != nil {
		t.Fatalf("one user's failure must not abort the batch: %v", err)
	}
	if len(f.store.saved) != 1 || f.store.saved[0].UserID != 8 {
		t.Fatalf("expected user 8's reflection saved, got %v", f.store.saved)
	}
	if len(f.messenger.sent) != 1 || f.messenger.sent[0].userID != 8 {
		t.Fatalf("expected delivery to user 8 only, got %v", f.messenger.sent)
	}
}

func TestDailyReflectionSkipsDeliveryOnOracleFailure(t *testing.T) {
	f := newFixture(t)
	f.addEntry(7, "work", f.now.Add(-time.Hour))
	f.oracle.summarizErr = resilience.Markf(resilience.KindUnauthorized, "no key")

	if err := f.engine.RunDailyReflection(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.messenger.sent) != 0 {
		t.Fatalf("no fabricated reflection may be delivered, got %v", f.messenger.sent)
	}
	if len(f.store.saved) != 0 {
		t.Fatalf("nothing should be saved when the oracle fails")
	}
}

func TestEveningSummaryAggregatesWithoutOracle(t *testing.T) {
	f := newFixture(t)
	f.store.entries[7] = []models.Entry{
		{UserID: 7, Content: "a", RecordedAt: f.now.Add(-3 * time.Hour),
			Activities: []string{"coding", "review"}, Accomplishments: []string{"merged PR"}},
		{UserID: 7, Content: "b", RecordedAt: f.now.Add(-time.Hour),
			Activities: []string{"coding", "planning"}, Accomplishments: []string{"merged PR", "cut release"}},
	}

	if err := f.engine.RunEveningSummary(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.oracle.summarized != 0 {
		t.Fatalf("evening summary must not call the oracle")
	}
	if len(f.store.saved) != 1 {
		t.Fatalf("expected one saved summary, got %d", len(f.store.saved))
	}
	sum := f.store.saved[0]
	if sum.Kind != models.SummaryEvening || sum.EntriesCount != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(sum.Themes) != 3 || len(sum.Achievements) != 2 {
		t.Fatalf("expected deduped activities/accomplishments, got %v / %v", sum.Themes, sum.Achievements)
	}
	if len(f.messenger.sent) != 1 || !strings.Contains(f.messenger.sent[0].text, "cut release") {
		t.Fatalf("unexpected delivery: %v", f.messenger.sent)
	}
}

func TestWeeklySummarySkipsUsersWithoutDailies(t *testing.T) {
	f := newFixture(t)
	f.addEntry(7, "work", f.now.Add(-24*time.Hour))
	f.oracle.summary = models.Summary{Reflection: "Solid week."}

	if err := f.engine.RunWeeklySummary(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.store.saved) != 0 || len(f.messenger.sent) != 0 {
		t.Fatalf("a user without daily summaries must be skipped")
	}

	f.store.dailies[7] = []models.Summary{{Kind: models.SummaryDaily, EntriesCount: 4, Reflection: "busy"}}
	if err := f.engine.RunWeeklySummary(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.store.saved) != 1 || f.store.saved[0].Kind != models.SummaryWeekly {
		t.Fatalf("expected weekly summary saved, got %v", f.store.saved)
	}
}

func TestScheduleRandomReminderRegistersOneShot(t *testing.T) {
	f := newFixture(t)
	f.engine.now = func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }
	f.engine.randInt = func(n int) int { return 2 % n }
	f.engine.sched = schedule.New(zap.NewNop())

	if err := f.engine.ScheduleRandomReminder(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	jobs := f.engine.sched.Jobs()
	if len(jobs) != 1 || jobs[0].ID != JobRandomReminder {
		t.Fatalf("expected one random reminder registration, got %v", jobs)
	}
	want := time.Date(2026, 5, 1, 12, 2, 0, 0, time.UTC)
	if !jobs[0].NextFire.Equal(want) {
		t.Fatalf("got fire time %s want %s", jobs[0].NextFire, want)
	}
}

func TestScheduleRandomReminderSkipsPastDraw(t *testing.T) {
	f := newFixture(t)
	f.engine.now = func() time.Time { return time.Date(2026, 5, 1, 20, 0, 0, 0, time.UTC) }
	f.engine.randInt = func(int) int { return 0 }
	f.engine.sched = schedule.New(zap.NewNop())

	if err := f.engine.ScheduleRandomReminder(context.Background()); err != nil {
		t.Fatalf("a past draw must be skipped, not failed: %v", err)
	}
	if got := len(f.engine.sched.Jobs()); got != 0 {
		t.Fatalf("past draw must not register, got %d jobs", got)
	}
}

func TestRandomReminderSendsAndLogs(t *testing.T) {
	f := newFixture(t)
	f.addActiveUser(8, "Grace")
	f.engine.randInt = func(n int) int { return 0 }

	if err := f.engine.RunRandomReminder(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.messenger.sent) != 1 || !strings.Contains(f.messenger.sent[0].text, "Grace") {
		t.Fatalf("unexpected delivery: %v", f.messenger.sent)
	}
	if len(f.engage.logged) != 1 || f.engage.logged[0].nudgeType != models.NudgeRandom {
		t.Fatalf("unexpected nudge log: %v", f.engage.logged)
	}
}

func TestWeekBounds(t *testing.T) {
	f := newFixture(t)

	// 2026-05-01 is a Friday; the week runs Monday April 27 through Sunday.
	start, end := f.engine.weekBounds(time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC))
	if start.Weekday() != time.Monday || start.Day() != 27 {
		t.Fatalf("unexpected week start %s", start)
	}
	if end.Before(time.Date(2026, 5, 3, 23, 0, 0, 0, time.UTC)) {
		t.Fatalf("week end %s does not cover Sunday", end)
	}

	// A Sunday belongs to the week that started the previous Monday.
	start, _ = f.engine.weekBounds(time.Date(2026, 5, 3, 12, 0, 0, 0, time.UTC))
	if start.Day() != 27 {
		t.Fatalf("Sunday should close the April 27 week, got start %s", start)
	}
}

func TestCountedTracksFiringsAndFailures(t *testing.T) {
	runsBefore := testutil.ToFloat64(telemetry.JobRuns.WithLabelValues(JobBackup))
	failsBefore := testutil.ToFloat64(telemetry.JobFailures.WithLabelValues(JobBackup))

	boom := errors.New("boom")
	if err := Counted(JobBackup, func(context.Context) error { return boom })(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("wrapped callback must propagate the error, got %v", err)
	}
	if err := Counted(JobBackup, func(context.Context) error { return nil })(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := testutil.ToFloat64(telemetry.JobRuns.WithLabelValues(JobBackup)) - runsBefore; got != 2 {
		t.Fatalf("expected 2 firings counted, got %g", got)
	}
	if got := testutil.ToFloat64(telemetry.JobFailures.WithLabelValues(JobBackup)) - failsBefore; got != 1 {
		t.Fatalf("expected 1 failure counted, got %g", got)
	}
}
