package subscription

import (
	"time"

	"github.com/feedbox/billing/internal/models"
)

// AddMonthsClamped adds n calendar months to t, clamping the day to the last
// day of the target month (Jan 31 + 1 month is Feb 28 or 29).
func AddMonthsClamped(t time.Time, n int) time.Time {
	year, month, day := t.Date()
	first := time.Date(year, month+time.Month(n), 1, 0, 0, 0, 0, t.Location())
	if last := daysIn(first.Year(), first.Month(), t.Location()); day > last {
		day = last
	}
	hour, minute, sec := t.Clock()
	return time.Date(first.Year(), first.Month(), day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month, loc *time.Location) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc).Day()
}

// NextBillingDate returns the end of one paid cycle starting at from.
func NextBillingDate(from time.Time, cycle models.BillingCycle) time.Time {
	if cycle == models.BillingCycleYearly {
		return AddMonthsClamped(from, 12)
	}
	return AddMonthsClamped(from, 1)
}

// InitialEndDate returns the end date of a newly created subscription.
func InitialEndDate(start time.Time, cycle models.BillingCycle) time.Time {
	if cycle == models.BillingCycleYearly {
		return start.AddDate(0, 0, 365)
	}
	return start.AddDate(0, 0, 30)
}
