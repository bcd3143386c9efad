// Package marketcal holds the small amount of trading-calendar arithmetic
// the core needs for bucket keys and session boundaries. Exchange holiday
// calendars live with the external calendar collaborator; weekends are
// enough for bucketing.
package marketcal

import "time"

const keyLayout = "2006-01-02"

// DayKey formats t as the day-bucket key.
func DayKey(t time.Time) string {
	return t.Format(keyLayout)
}

// WeekStart returns the Monday of t's week, at midnight in t's location.
func WeekStart(t time.Time) time.Time {
	y, m, d := t.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	offset := (int(midnight.Weekday()) + 6) % 7 // Monday=0 ... Sunday=6
	return midnight.AddDate(0, 0, -offset)
}

// WeekKey formats the Monday of t's week as the week-bucket key.
func WeekKey(t time.Time) string {
	return WeekStart(t).Format(keyLayout)
}

// ParseKey parses a bucket key back into a date.
func ParseKey(s string) (time.Time, error) {
	return time.Parse(keyLayout, s)
}

// SameDay reports whether a and b fall on the same calendar day.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// IsWeekend reports whether t falls on a Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// PrevSession returns the most recent weekday strictly before t.
func PrevSession(t time.Time) time.Time {
	d := t.AddDate(0, 0, -1)
	for IsWeekend(d) {
		d = d.AddDate(0, 0, -1)
	}
	y, m, dd := d.Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, t.Location())
}

// NextSession returns the first weekday strictly after t.
func NextSession(t time.Time) time.Time {
	d := t.AddDate(0, 0, 1)
	for IsWeekend(d) {
		d = d.AddDate(0, 0, 1)
	}
	y, m, dd := d.Date()
	return time.Date(y, m, dd, 0, 0, 0, 0, t.Location())
}

// WeekEnd returns the Friday of t's week, at midnight.
func WeekEnd(t time.Time) time.Time {
	return WeekStart(t).AddDate(0, 0, 4)
}

// IsWeekEndingDay reports whether t is the last trading day of its week.
func IsWeekEndingDay(t time.Time) bool {
	return SameDay(t, WeekEnd(t))
}
