package recur

import (
	"testing"
	"time"

	"quietcal/internal/model"
)

func series() model.Event {
	start := time.Date(2026, 10, 12, 9, 0, 0, 0, time.UTC) // Monday
	return model.Event{
		ID:       "standup",
		StartsAt: start,
		EndsAt:   start.Add(30 * time.Minute),
		RRule:    "FREQ=DAILY;COUNT=10",
		Tags:     []string{"team"},
	}
}

func TestExpandDailySeries(t *testing.T) {
	from := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	res, err := Expand([]model.Event{series()}, Config{RangeStart: from, RangeEnd: from.AddDate(0, 0, 2)})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Events) != 2 {
		t.Fatalf("occurrences = %d, want 2", len(res.Events))
	}
	occ := res.Events[0]
	if occ.ID != "standup@20261015T090000Z" || occ.RecurrenceOf != "standup" || occ.RRule != "" {
		t.Fatalf("occurrence = %+v", occ)
	}
	if occ.Duration() != 30*time.Minute {
		t.Fatalf("duration = %v", occ.Duration())
	}
}

func TestExpandHonoursExDatesAndRunningOccurrences(t *testing.T) {
	s := series()
	s.ExDates = []time.Time{time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
	from := time.Date(2026, 10, 15, 9, 15, 0, 0, time.UTC)
	res, _ := Expand([]model.Event{s}, Config{RangeStart: from, RangeEnd: from.Add(time.Hour)})
	if len(res.Events) != 0 {
		t.Fatalf("excluded occurrence returned: %+v", res.Events)
	}

	s.ExDates = nil
	res, _ = Expand([]model.Event{s}, Config{RangeStart: from, RangeEnd: from.Add(time.Hour)})
	if len(res.Events) != 1 {
		t.Fatalf("running occurrence missing: %d", len(res.Events))
	}
}

func TestExpandSingleAndDeleted(t *testing.T) {
	now := time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
	single := model.Event{ID: "one", StartsAt: now, EndsAt: now.Add(time.Hour)}
	gone := single
	gone.ID = "gone"
	gone.DeletedAt = &now
	bad := series()
	bad.ID = "bad"
	bad.RRule = "FREQ=NOPE"

	res, err := Expand([]model.Event{single, gone, bad}, Config{RangeStart: now.Add(-time.Hour), RangeEnd: now.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(res.Events) != 1 || res.Events[0].ID != "one" {
		t.Fatalf("events = %+v", res.Events)
	}
}

func TestExpandCap(t *testing.T) {
	s := series()
	s.RRule = "FREQ=DAILY"
	from := s.StartsAt
	res, _ := Expand([]model.Event{s}, Config{RangeStart: from, RangeEnd: from.AddDate(0, 0, 30), MaxOccurrencesPerEvent: 5})
	if len(res.Events) != 5 || len(res.Truncated) != 1 {
		t.Fatalf("events=%d truncated=%v", len(res.Events), res.Truncated)
	}
}

func TestOccurrenceIDRoundTrip(t *testing.T) {
	start := time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)
	id := OccurrenceID("series@with@ats", start)
	seriesID, got, ok := ParseOccurrenceID(id)
	if !ok || seriesID != "series@with@ats" || !got.Equal(start) {
		t.Fatalf("ParseOccurrenceID(%q) = %q %v %v", id, seriesID, got, ok)
	}
	if _, _, ok := ParseOccurrenceID("plain-id"); ok {
		t.Fatal("plain id parsed as occurrence")
	}
}

func TestHasOccurrence(t *testing.T) {
	s := series()
	if !HasOccurrence(s, time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC), nil) {
		t.Fatal("expected occurrence on the 14th")
	}
	if HasOccurrence(s, time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC), nil) {
		t.Fatal("unexpected occurrence at 09:30")
	}
}
