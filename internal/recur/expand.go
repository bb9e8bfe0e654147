// Package recur expands recurring events (RRULE + EXDATE) into concrete
// occurrences within a time range.
package recur

import (
	"errors"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
	occurrenceSep                 = "@"
	occurrenceLayout              = "20060102T150405Z"
)

// Config controls how expansion is performed.
type Config struct {
	// Location is the zone the rule is evaluated in, so that a weekly 09:00
	// series stays at 09:00 local across DST. Nil means UTC.
	Location *time.Location

	// RangeStart / RangeEnd bound the occurrences returned. An occurrence is
	// kept when it overlaps [RangeStart, RangeEnd).
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps a single series. Zero means the default.
	MaxOccurrencesPerEvent int
}

// Result wraps the expanded events and the series that hit the cap.
type Result struct {
	Events    []model.Event
	Truncated []string
}

// Expand returns every non-deleted event overlapping the range, with
// recurring series replaced by their occurrences. Series whose rule does
// not parse are logged and skipped.
func Expand(events []model.Event, cfg Config) (Result, error) {
	var res Result
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return res, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	for _, ev := range events {
		if ev.DeletedAt != nil {
			continue
		}
		if strings.TrimSpace(ev.RRule) == "" {
			if overlaps(ev.StartsAt, ev.EndsAt, cfg.RangeStart, cfg.RangeEnd) {
				res.Events = append(res.Events, ev)
			}
			continue
		}
		occ, hitCap, err := expandSeries(ev, cfg)
		if err != nil {
			appLog.Error("expand: failed to parse RRULE", err, "event_id", ev.ID, "rrule", ev.RRule)
			continue
		}
		if hitCap {
			res.Truncated = append(res.Truncated, ev.ID)
			appLog.Warn("expand: truncated occurrences for series due to cap",
				"event_id", ev.ID, "cap", cfg.MaxOccurrencesPerEvent)
		}
		res.Events = append(res.Events, occ...)
	}
	return res, nil
}

func buildSet(ev model.Event, loc *time.Location) (*rrule.Set, error) {
	r, err := rrule.StrToRRule(ev.RRule)
	if err != nil {
		return nil, err
	}
	r.DTStart(ev.StartsAt.In(loc))

	set := &rrule.Set{}
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(loc))
	}
	return set, nil
}

func expandSeries(ev model.Event, cfg Config) ([]model.Event, bool, error) {
	set, err := buildSet(ev, cfg.Location)
	if err != nil {
		return nil, false, err
	}
	dur := ev.EndsAt.Sub(ev.StartsAt)
	if dur <= 0 {
		dur = model.MinEventDuration
	}

	// Start early enough to catch occurrences already running at RangeStart.
	starts := set.Between(cfg.RangeStart.Add(-dur).In(cfg.Location), cfg.RangeEnd.In(cfg.Location), true)
	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.Event, 0, len(starts))
	for _, s := range starts {
		occ := Occurrence(ev, s, dur)
		if overlaps(occ.StartsAt, occ.EndsAt, cfg.RangeStart, cfg.RangeEnd) {
			out = append(out, occ)
		}
	}
	return out, hitCap, nil
}

// Occurrence materializes one instance of series starting at start.
func Occurrence(series model.Event, start time.Time, dur time.Duration) model.Event {
	occ := series
	occ.ID = OccurrenceID(series.ID, start)
	occ.StartsAt = start.UTC()
	occ.EndsAt = start.Add(dur).UTC()
	occ.RRule = ""
	occ.ExDates = nil
	occ.RecurrenceOf = series.ID
	if len(series.Tags) > 0 {
		occ.Tags = append([]string(nil), series.Tags...)
	}
	return occ
}

// HasOccurrence reports whether series has a non-excluded instance starting
// exactly at start.
func HasOccurrence(series model.Event, start time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	set, err := buildSet(series, loc)
	if err != nil {
		return false
	}
	for _, s := range set.Between(start.In(loc), start.In(loc), true) {
		if s.Equal(start) {
			return true
		}
	}
	return false
}

// OccurrenceID is the stable ID of the instance of seriesID starting at start.
func OccurrenceID(seriesID string, start time.Time) string {
	return seriesID + occurrenceSep + start.UTC().Format(occurrenceLayout)
}

// ParseOccurrenceID splits an ID produced by OccurrenceID.
func ParseOccurrenceID(id string) (string, time.Time, bool) {
	i := strings.LastIndex(id, occurrenceSep)
	if i <= 0 {
		return "", time.Time{}, false
	}
	start, err := time.Parse(occurrenceLayout, id[i+1:])
	if err != nil {
		return "", time.Time{}, false
	}
	return id[:i], start, true
}

func overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}
