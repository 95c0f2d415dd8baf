package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger computes fire times for a registration. Two kinds exist: recurring
// cron-style triggers evaluated in a timezone, and one-shot absolute
// timestamps.
type Trigger interface {
	// next returns the first fire time strictly after t, or ok=false when
	// the trigger has no future firing.
	next(t time.Time) (time.Time, bool)
}

// standard 5-field spec: minute hour dom month dow.
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

type recurring struct {
	sched cron.Schedule
	loc   *time.Location
}

func (r recurring) next(t time.Time) (time.Time, bool) {
	return r.sched.Next(t.In(r.loc)), true
}

// Recurring parses a 5-field cron spec (supports interval fields such as
// "*/4" hours) evaluated in loc.
func Recurring(spec string, loc *time.Location) (Trigger, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse trigger spec %q: %w", spec, err)
	}
	if loc == nil {
		loc = time.UTC
	}
	return recurring{sched: sched, loc: loc}, nil
}

// Daily builds a recurring trigger firing once per day at hour:minute in loc.
func Daily(hour, minute int, loc *time.Location) (Trigger, error) {
	return Recurring(fmt.Sprintf("%d %d * * *", minute, hour), loc)
}

// Weekly builds a recurring trigger for one day of the week, where dow is a
// cron day-of-week name ("SUN") or number.
func Weekly(dow string, hour, minute int, loc *time.Location) (Trigger, error) {
	return Recurring(fmt.Sprintf("%d %d * * %s", minute, hour, dow), loc)
}

type oneShot struct {
	at time.Time
}

func (o oneShot) next(t time.Time) (time.Time, bool) {
	if o.at.After(t) {
		return o.at, true
	}
	return time.Time{}, false
}

// OneShot fires exactly once at the given instant. Registering a one-shot
// already in the past is rejected by the scheduler.
func OneShot(at time.Time) Trigger {
	return oneShot{at: at}
}
