package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
	"quietcal/internal/recur"
)

// Parse converts one ICS payload into events owned by src.OwnerID.
//
// Event IDs are "<source id>:<UID>". A VEVENT carrying RECURRENCE-ID becomes
// a detached occurrence of its series (see recur.OccurrenceID). All-day
// events are kept as free so they never block a window. Floating times are
// read in loc. Bad VEVENTs are logged and skipped.
func Parse(src Source, body []byte, loc *time.Location) ([]model.Event, error) {
	const op = "ics.parse"
	if len(body) == 0 {
		return nil, apperr.Validation(op, "empty calendar body for source %q", src.ID)
	}
	if loc == nil {
		loc = time.UTC
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Validation(op, "source %q: %v", src.ID, err)
	}

	out := make([]model.Event, 0)
	for _, ve := range cal.Events() {
		ev, err := parseVEvent(src, ve, loc)
		if err != nil {
			appLog.Warn("ics: skipping vevent", "source", src.ID, "err", err.Error())
			continue
		}
		out = append(out, ev)
	}
	appLog.Debug("ics: parsed", "source", src.ID, "events", len(out))
	return out, nil
}

func parseVEvent(src Source, ve *ical.VEvent, loc *time.Location) (model.Event, error) {
	uid := propValue(ve, ical.ComponentPropertyUniqueId)
	if uid == "" {
		return model.Event{}, errors.New("missing UID")
	}
	seriesID := src.ID + ":" + uid

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return model.Event{}, fmt.Errorf("%s: missing DTSTART", uid)
	}
	start, allDay, err := propTime(dtStart, loc)
	if err != nil {
		return model.Event{}, fmt.Errorf("%s: DTSTART: %w", uid, err)
	}

	var end time.Time
	if dtEnd := ve.GetProperty(ical.ComponentPropertyDtEnd); dtEnd != nil {
		if end, _, err = propTime(dtEnd, loc); err != nil {
			return model.Event{}, fmt.Errorf("%s: DTEND: %w", uid, err)
		}
	} else if allDay {
		end = start.AddDate(0, 0, 1)
	}

	ev := model.Event{
		ID:       seriesID,
		OwnerID:  src.OwnerID,
		Title:    propValue(ve, ical.ComponentPropertySummary),
		Location: propValue(ve, ical.ComponentPropertyLocation),
		Source:   src.ID,
		StartsAt: start,
		EndsAt:   end,
		RRule:    propValue(ve, ical.ComponentPropertyRrule),
	}
	if cats := propValue(ve, "CATEGORIES"); cats != "" {
		for _, c := range strings.Split(cats, ",") {
			if c = strings.TrimSpace(c); c != "" {
				ev.Tags = append(ev.Tags, c)
			}
		}
	}
	if allDay || strings.EqualFold(propValue(ve, "TRANSP"), "TRANSPARENT") {
		ev.Transparency = model.Free
	}
	if strings.EqualFold(propValue(ve, "STATUS"), "CANCELLED") {
		ev.Status = model.StatusCancelled
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			t, _, err := parseTime(part, param(p, "TZID"), loc)
			if err != nil {
				appLog.Warn("ics: ignoring bad EXDATE", "event_id", seriesID, "value", part)
				continue
			}
			ev.ExDates = append(ev.ExDates, t)
		}
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		t, _, err := propTime(rid, loc)
		if err != nil {
			return model.Event{}, fmt.Errorf("%s: RECURRENCE-ID: %w", uid, err)
		}
		ev.ID = recur.OccurrenceID(seriesID, t)
		ev.RecurrenceOf = seriesID
		ev.RRule = ""
		ev.ExDates = nil
	}
	return ev.Normalized(), nil
}

func propValue(ve *ical.VEvent, name ical.ComponentProperty) string {
	if p := ve.GetProperty(name); p != nil {
		return strings.TrimSpace(p.Value)
	}
	return ""
}

func param(p *ical.IANAProperty, name string) string {
	if vs, ok := p.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func propTime(p *ical.IANAProperty, loc *time.Location) (time.Time, bool, error) {
	t, dateOnly, err := parseTime(p.Value, param(p, "TZID"), loc)
	if strings.EqualFold(param(p, "VALUE"), "DATE") {
		dateOnly = true
	}
	return t, dateOnly, err
}

// parseTime reads DATE, UTC DATE-TIME, zoned DATE-TIME (tzid) and floating
// DATE-TIME (loc) forms. The result is UTC.
func parseTime(v, tzid string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}
	in := loc
	if tzid != "" {
		z, err := time.LoadLocation(tzid)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("unknown TZID %q", tzid)
		}
		in = z
	}
	switch {
	case strings.HasSuffix(v, "Z"):
		t, err := time.Parse("20060102T150405Z", v)
		return t.UTC(), false, err
	case strings.Contains(v, "T"):
		t, err := time.ParseInLocation("20060102T150405", v, in)
		return t.UTC(), false, err
	default:
		t, err := time.ParseInLocation("20060102", v, in)
		return t.UTC(), true, err
	}
}
