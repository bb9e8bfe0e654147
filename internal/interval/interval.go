// Package interval holds the pure time arithmetic shared by the layout engine
// and the conflict detector. Nothing here converts zones: every function
// works in the location of the time it is given.
package interval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	MinutesPerDay      = 24 * 60
	DefaultSnapMinutes = 15
	dateLayout         = "2006-01-02"
)

// MinuteOfDay returns hours*60+minutes in t's location.
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func AddMinutes(t time.Time, n int) time.Time {
	return t.Add(time.Duration(n) * time.Minute)
}

func StartOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// EndOfDay returns the last nanosecond of t's day.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// DayBounds returns the half-open [midnight, next midnight) span of t's day.
// The span is 23 or 25 hours long on DST transition days.
func DayBounds(t time.Time) (time.Time, time.Time) {
	start := StartOfDay(t)
	return start, start.AddDate(0, 0, 1)
}

// StartOfWeek returns midnight of the most recent weekStart on or before t.
func StartOfWeek(t time.Time, weekStart time.Weekday) time.Time {
	day := StartOfDay(t)
	back := (int(day.Weekday()) - int(weekStart) + 7) % 7
	return day.AddDate(0, 0, -back)
}

func EndOfWeek(t time.Time, weekStart time.Weekday) time.Time {
	return StartOfWeek(t, weekStart).AddDate(0, 0, 7).Add(-time.Nanosecond)
}

func StartOfMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func EndOfMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0).Add(-time.Nanosecond)
}

// WeekStartFromString maps "sunday" to time.Sunday and anything else to
// time.Monday, which is the default for scheduling windows.
func WeekStartFromString(s string) time.Weekday {
	if strings.EqualFold(strings.TrimSpace(s), "sunday") {
		return time.Sunday
	}
	return time.Monday
}

// Days enumerates the local midnights from from's day through to's day,
// inclusive. It returns nil when to is before from.
func Days(from, to time.Time) []time.Time {
	first := StartOfDay(from)
	last := StartOfDay(to.In(from.Location()))
	if last.Before(first) {
		return nil
	}
	var out []time.Time
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		out = append(out, d)
	}
	return out
}

// SnapDeltaMinutes converts a pixel drag delta into a signed minute delta
// quantized to snapMinutes. The result is within snapMinutes/2 of the ideal
// delta; halves round away from zero.
func SnapDeltaMinutes(deltaPx, pxPerMinute float64, snapMinutes int) int {
	if pxPerMinute <= 0 {
		return 0
	}
	if snapMinutes <= 0 {
		snapMinutes = DefaultSnapMinutes
	}
	ideal := deltaPx / pxPerMinute
	steps := math.Round(ideal / float64(snapMinutes))
	return int(steps) * snapMinutes
}

// Intersects reports whether [a1,a2) and [b1,b2) share more than an instant.
// Touching at a single boundary does not count.
func Intersects(a1, a2, b1, b2 time.Time) bool {
	return a1.Before(b2) && b1.Before(a2)
}

// OverlapMinutes returns the intersection length of two ranges in whole
// minutes, rounded up so that any real overlap counts as at least one.
func OverlapMinutes(a1, a2, b1, b2 time.Time) int {
	if !Intersects(a1, a2, b1, b2) {
		return 0
	}
	start := a1
	if b1.After(start) {
		start = b1
	}
	end := a2
	if b2.Before(end) {
		end = b2
	}
	return int(math.Ceil(end.Sub(start).Minutes()))
}

// ParseClock parses "HH:MM" (24h) into hour and minute.
func ParseClock(s string) (int, int, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("clock %q: bad hour: %w", s, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("clock %q: bad minute: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, errors.New("clock " + strconv.Quote(s) + ": out of range")
	}
	return h, m, nil
}

// AtClock returns day's date at the wall-clock time "HH:MM".
func AtClock(day time.Time, clock string) (time.Time, error) {
	h, m, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), nil
}

// ParseDate parses "YYYY-MM-DD" as midnight in loc.
func ParseDate(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation(dateLayout, strings.TrimSpace(s), loc)
}

// DateISO formats t's local date as "YYYY-MM-DD".
func DateISO(t time.Time) string {
	return t.Format(dateLayout)
}
