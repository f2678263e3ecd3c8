// Package billing holds the pure calendar and money rules shared by the
// scheduler, the reconciler and the storage layer.
package billing

import "time"

// Day truncates t to its civil date in loc and returns it as midnight UTC,
// which is how DATE columns come back from Postgres.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// AddMonths adds n calendar months, clamping to the last day of the target
// month (Jan 31 + 1 month = Feb 28, or Feb 29 in leap years).
func AddMonths(d time.Time, n int) time.Time {
	y, m, day := d.Date()
	first := time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, d.Location())
	last := daysIn(first.Year(), first.Month())
	if day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, d.Hour(), d.Minute(), d.Second(), d.Nanosecond(), d.Location())
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// NextDueDate applies the rollover rule after an approved account payment.
// A due date still in the future keeps its anchor and moves one month;
// a due date that is today or already past restarts from today.
func NextDueDate(current *time.Time, today time.Time) time.Time {
	if current != nil && current.After(today) {
		return AddMonths(*current, 1)
	}
	return AddMonths(today, 1)
}

// ExtendSubscription returns the new expiry after an approved subscription
// payment. Remaining paid time is kept; trial time is not carried over.
func ExtendSubscription(currentExpiry *time.Time, trial bool, now time.Time, termDays int) time.Time {
	base := now
	if !trial && currentExpiry != nil && currentExpiry.After(now) {
		base = *currentExpiry
	}
	return base.AddDate(0, 0, termDays)
}

// DueDateFor returns the due date an account must have to match offset on
// today. Negative offsets are days before the due date.
func DueDateFor(today time.Time, offsetDays int) time.Time {
	return today.AddDate(0, 0, -offsetDays)
}
