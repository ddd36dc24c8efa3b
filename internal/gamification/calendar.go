// Package gamification implements streaks, on-track pacing, badges and milestone
// notifications.
//
// The rules are pure functions over prior state and a calendar day so they can be
// evaluated against historical data without side effects. Engine persists their
// results through the record store.
package gamification

import (
	"fmt"
	"time"
)

// DayLayout is the storage format of calendar days.
const DayLayout = "2006-01-02"

// Calendar converts instants to local calendar days at a fixed UTC offset.
type Calendar struct {
	loc *time.Location
}

// NewCalendar returns a calendar at offsetHours east of UTC.
func NewCalendar(offsetHours int) Calendar {
	return Calendar{loc: time.FixedZone(fmt.Sprintf("UTC%+d", offsetHours), offsetHours*3600)}
}

func (c Calendar) location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// Local converts t to the calendar's zone.
func (c Calendar) Local(t time.Time) time.Time { return t.In(c.location()) }

// Day returns the local calendar day of t.
func (c Calendar) Day(t time.Time) string { return c.Local(t).Format(DayLayout) }

// Month returns the local month key of t, e.g. 2026-10.
func (c Calendar) Month(t time.Time) string { return c.Local(t).Format("2006-01") }

// Week returns the ISO week key of t, e.g. 2026-W42.
func (c Calendar) Week(t time.Time) string {
	y, w := c.Local(t).ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

// weekEpoch is a Monday; week slots count whole weeks from it.
var weekEpoch = time.Date(1970, 1, 5, 0, 0, 0, 0, time.UTC)

// WeekSlot maps t's local week onto a calendar day so that consecutive weeks map to
// consecutive days. Weekly tracks feed it to the daily streak rules.
func (c Calendar) WeekSlot(t time.Time) string {
	l := c.Local(t)
	day := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, time.UTC)
	weeks := int(day.Sub(weekEpoch).Hours()/24) / 7
	return weekEpoch.AddDate(0, 0, weeks).Format(DayLayout)
}

// DayBounds returns the start of t's local day and the start of the next day, in UTC.
func (c Calendar) DayBounds(t time.Time) (time.Time, time.Time) {
	l := c.Local(t)
	start := time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, c.location())
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}

// MonthProgress returns the local day of month and the number of days in that month.
func (c Calendar) MonthProgress(t time.Time) (day, daysInMonth int) {
	l := c.Local(t)
	first := time.Date(l.Year(), l.Month(), 1, 0, 0, 0, 0, c.location())
	return l.Day(), first.AddDate(0, 1, -1).Day()
}

// AddDays shifts a calendar day by n days.
func AddDays(day string, n int) (string, error) {
	d, err := time.Parse(DayLayout, day)
	if err != nil {
		return "", fmt.Errorf("invalid day %q: %w", day, err)
	}
	return d.AddDate(0, 0, n).Format(DayLayout), nil
}

// DaysBetween returns to minus from in whole calendar days.
func DaysBetween(from, to string) (int, error) {
	a, err := time.Parse(DayLayout, from)
	if err != nil {
		return 0, fmt.Errorf("invalid day %q: %w", from, err)
	}
	b, err := time.Parse(DayLayout, to)
	if err != nil {
		return 0, fmt.Errorf("invalid day %q: %w", to, err)
	}
	// both are UTC midnights, so the division is exact
	return int(b.Sub(a).Hours() / 24), nil
}
