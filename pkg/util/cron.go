package util

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Billing periods are described with standard five-field cron expressions
// (minute, hour, day of month, month, weekday), e.g. "0 0 1 * *" for monthly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpr checks if a cron expression is valid.
func ValidateCronExpr(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// PeriodContaining returns the billing period [start, end) that contains t.
// The start is found by stepping back one day at a time until the schedule's
// next occurrence from that point lands on or before t, bounded to a year.
func PeriodContaining(cronExpr string, t time.Time) (time.Time, time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}

	t = t.UTC()
	end := schedule.Next(t)

	start := t
	for cursor := t.AddDate(0, 0, -1); t.Sub(cursor) <= 366*24*time.Hour; cursor = cursor.AddDate(0, 0, -1) {
		next := schedule.Next(cursor)
		if !next.After(t) {
			start = next
			// Keep the latest boundary that is still <= t.
			for {
				following := schedule.Next(start)
				if following.After(t) {
					break
				}
				start = following
			}
			return start, end, nil
		}
	}
	return start, end, nil
}
