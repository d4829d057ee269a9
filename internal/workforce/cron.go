package workforce

import (
	"fmt"
	"time"

	cron "github.com/netresearch/go-cron"
)

// cronExpr wraps a parsed 5-field cron schedule.
type cronExpr struct {
	raw      string
	schedule cron.Schedule
}

func parseCron(expr string) (*cronExpr, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron %q: %w", expr, err)
	}
	return &cronExpr{raw: expr, schedule: schedule}, nil
}

// next returns the first activation after t.
func (c *cronExpr) next(t time.Time) time.Time {
	return c.schedule.Next(t)
}

// lastFire returns the most recent activation at or before t, scanning
// back over the lookback horizon. Zero time when none fired.
func (c *cronExpr) lastFire(t, lookback time.Time) time.Time {
	var last time.Time
	cursor := lookback
	for {
		n := c.schedule.Next(cursor)
		if n.IsZero() || n.After(t) {
			return last
		}
		last = n
		cursor = n
	}
}
