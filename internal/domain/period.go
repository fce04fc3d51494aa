package domain

import (
	"fmt"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// PeriodIndex returns the daily reset period containing t: the number of
// whole days since the Unix epoch, where each day starts cutoverMinutes
// after 00:00 UTC.
func PeriodIndex(t time.Time, cutoverMinutes int) int64 {
	return floorDiv(t.Unix()-int64(cutoverMinutes)*60, secondsPerDay)
}

// PeriodStart returns the instant period idx begins.
func PeriodStart(idx int64, cutoverMinutes int) time.Time {
	return time.Unix(idx*secondsPerDay+int64(cutoverMinutes)*60, 0).UTC()
}

// NextDailyBoundary returns the start of the period after the one containing t.
func NextDailyBoundary(t time.Time, cutoverMinutes int) time.Time {
	return PeriodStart(PeriodIndex(t, cutoverMinutes)+1, cutoverMinutes)
}

// weekIndex returns the Monday-based week containing period idx.
// Period 0 (1970-01-01) was a Thursday.
func weekIndex(idx int64) int64 {
	return floorDiv(idx+3, 7)
}

// NextWeeklyBoundary returns the first Monday cutover after t.
func NextWeeklyBoundary(t time.Time, cutoverMinutes int) time.Time {
	week := weekIndex(PeriodIndex(t, cutoverMinutes))
	return PeriodStart((week+1)*7-3, cutoverMinutes)
}

// DailyPeriodKey identifies the daily generation period containing t,
// e.g. "daily:2026-10-17".
func DailyPeriodKey(t time.Time, cutoverMinutes int) string {
	start := PeriodStart(PeriodIndex(t, cutoverMinutes), cutoverMinutes)
	return "daily:" + start.Format("2006-01-02")
}

// WeeklyPeriodKey identifies the weekly generation period containing t,
// e.g. "weekly:2026-W42".
func WeeklyPeriodKey(t time.Time, cutoverMinutes int) string {
	week := weekIndex(PeriodIndex(t, cutoverMinutes))
	monday := PeriodStart(week*7-3, cutoverMinutes)
	return "weekly:" + isoWeek(monday)
}

// isoWeek returns "YYYY-Www" for the given time.
func isoWeek(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
