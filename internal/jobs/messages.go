package jobs

import (
	"fmt"
	"strings"
	"time"

	"worklog-engine/internal/models"
)

// Message templates. Delivery uses Telegram HTML parse mode, so literal
// user-facing text is kept free of <, > and &.

var randomReminderTemplates = []string{
	"Hey %s! Quick check-in: what have you been working on?",
	"%s, got a minute? Drop a line about what you did today.",
	"Psst, %s. Your work log is looking a little quiet today.",
	"%s, anything worth logging from the last few hours?",
	"Midday ping, %s. What moved forward today?",
}

func randomReminderMessage(name string, randInt func(int) int) string {
	tpl := randomReminderTemplates[randInt(len(randomReminderTemplates))]
	return fmt.Sprintf(tpl, name)
}

func fallbackNudge(name string, streak int) string {
	if streak >= 3 {
		return fmt.Sprintf("Good morning %s! You're on a %d-day streak. Log something today to keep it going \U0001F525", name, streak)
	}
	return fmt.Sprintf("Good morning %s! What's on your plate today? Log it when you get a chance.", name)
}

func formatEncouragement(name, insight string) string {
	return fmt.Sprintf("\U0001F4A1 %s, a thought on your recent work:\n\n%s", name, insight)
}

func formatReflection(sum models.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>\U0001F319 Daily Reflection</b> (%s)\n\n", sum.PeriodStart.Format("Mon, Jan 2"))
	fmt.Fprintf(&b, "You logged <b>%d</b> %s today.\n", sum.EntriesCount, plural(sum.EntriesCount, "entry", "entries"))
	appendList(&b, "Themes", sum.Themes)
	appendList(&b, "Achievements", sum.Achievements)
	appendList(&b, "Learnings", sum.Learnings)
	if sum.Reflection != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>", sum.Reflection)
	}
	return b.String()
}

func formatEvening(day time.Time, entries int, activities, accomplishments []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>\U0001F305 Evening Summary</b> (%s)\n\n", day.Format("Mon, Jan 2"))
	fmt.Fprintf(&b, "<b>%d</b> %s logged today.\n", entries, plural(entries, "entry", "entries"))
	appendList(&b, "What you worked on", activities)
	appendList(&b, "What you got done", accomplishments)
	b.WriteString("\nNice work. See you tomorrow \U0001F44B")
	return b.String()
}

func formatWeekly(sum models.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>\U0001F4C5 Weekly Summary</b> (%s to %s)\n\n",
		sum.PeriodStart.Format("Jan 2"), sum.PeriodEnd.Add(-24*time.Hour).Format("Jan 2"))
	fmt.Fprintf(&b, "<b>%d</b> entries across the week.\n", sum.EntriesCount)
	appendList(&b, "Themes", sum.Themes)
	appendList(&b, "Achievements", sum.Achievements)
	appendList(&b, "Learnings", sum.Learnings)
	if sum.Reflection != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>", sum.Reflection)
	}
	return b.String()
}

func appendList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n<b>%s</b>\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "• %s\n", it)
	}
}

func plural(n int, singular, pluralForm string) string {
	if n == 1 {
		return singular
	}
	return pluralForm
}
