package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the standard five-field expression (minute hour dom
// month dow); heartbeats have no need for the seconds field.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronExpr wraps a parsed cron schedule so Matches can be called once per
// tick without re-parsing the expression every minute.
type cronExpr struct {
	raw      string
	schedule cron.Schedule
}

func parseCron(expr string) (*cronExpr, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parsing cron expression %q: %w", expr, err)
	}
	return &cronExpr{raw: expr, schedule: schedule}, nil
}

// matches reports whether the expression has an activation inside the
// minute containing t. It truncates t to the minute, asks the schedule for
// its next activation strictly after (truncated-1ns), and compares that
// against the truncated minute. This avoids firing twice when the driving
// ticker wakes up a few hundred milliseconds late or early within the same
// minute.
func (c *cronExpr) matches(t time.Time) bool {
	truncated := t.Truncate(time.Minute)
	next := c.schedule.Next(truncated.Add(-time.Nanosecond))
	return next.Equal(truncated)
}

func (c *cronExpr) String() string {
	return c.raw
}
