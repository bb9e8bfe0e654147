package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"quietcal/internal/apperr"
	"quietcal/internal/model"
	"quietcal/internal/recur"
	"quietcal/internal/store"
)

const sample = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//quietcal//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"DTSTART:20261012T130000Z\r\n" +
	"DTEND:20261012T131500Z\r\n" +
	"SUMMARY:Standup\r\n" +
	"RRULE:FREQ=DAILY;COUNT=5\r\n" +
	"EXDATE:20261013T130000Z\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:standup@example.com\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"RECURRENCE-ID:20261015T130000Z\r\n" +
	"DTSTART:20261015T140000Z\r\n" +
	"DTEND:20261015T141500Z\r\n" +
	"SUMMARY:Standup (moved)\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:focus@example.com\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"DTSTART:20261015T090000Z\r\n" +
	"DTEND:20261015T100000Z\r\n" +
	"SUMMARY:Focus\r\n" +
	"TRANSP:TRANSPARENT\r\n" +
	"CATEGORIES:deep,work\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:offsite@example.com\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"DTSTART;VALUE=DATE:20261016\r\n" +
	"SUMMARY:Offsite\r\n" +
	"STATUS:CANCELLED\r\n" +
	"END:VEVENT\r\n" +
	"BEGIN:VEVENT\r\n" +
	"DTSTAMP:20261001T000000Z\r\n" +
	"DTSTART:20261015T090000Z\r\n" +
	"SUMMARY:No UID\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

var src = Source{ID: "work", OwnerID: "u1"}

func byID(evs []model.Event) map[string]model.Event {
	m := make(map[string]model.Event, len(evs))
	for _, ev := range evs {
		m[ev.ID] = ev
	}
	return m
}

func TestParseMapsProperties(t *testing.T) {
	evs, err := Parse(src, []byte(sample), time.UTC)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(evs) != 4 {
		t.Fatalf("got %d events, want 4 (UID-less one skipped)", len(evs))
	}
	m := byID(evs)

	series := m["work:standup@example.com"]
	if series.RRule != "FREQ=DAILY;COUNT=5" || len(series.ExDates) != 1 || series.OwnerID != "u1" || series.Source != "work" {
		t.Fatalf("series = %+v", series)
	}
	moved := m[recur.OccurrenceID("work:standup@example.com", time.Date(2026, 10, 15, 13, 0, 0, 0, time.UTC))]
	if moved.RecurrenceOf != "work:standup@example.com" || moved.StartsAt.Hour() != 14 {
		t.Fatalf("override = %+v", moved)
	}
	focus := m["work:focus@example.com"]
	if focus.Transparency != model.Free || len(focus.Tags) != 2 {
		t.Fatalf("focus = %+v", focus)
	}
	offsite := m["work:offsite@example.com"]
	if offsite.Status != model.StatusCancelled || offsite.Transparency != model.Free || offsite.Duration() != 24*time.Hour {
		t.Fatalf("offsite = %+v", offsite)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse(src, nil, nil); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("empty body err = %v", err)
	}
}

func TestParseTimeForms(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	got, allDay, err := parseTime("20261015T090000", "America/New_York", time.UTC)
	if err != nil || allDay || !got.Equal(time.Date(2026, 10, 15, 9, 0, 0, 0, ny)) {
		t.Fatalf("zoned = %v %v %v", got, allDay, err)
	}
	got, _, _ = parseTime("20261015T090000", "", ny)
	if !got.Equal(time.Date(2026, 10, 15, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("floating = %v", got)
	}
	if _, allDay, _ := parseTime("20261015", "", time.UTC); !allDay {
		t.Fatal("date form not all-day")
	}
	if _, _, err := parseTime("20261015T090000", "Mars/Olympus", time.UTC); err == nil {
		t.Fatal("unknown TZID accepted")
	}
}

func TestImportStoresAndDetachesOverrides(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	st := store.NewMemory()
	im := &Importer{Fetcher: NewFetcher(t.TempDir(), time.Second), Sink: st, Location: time.UTC}
	sources := []Source{{ID: "work", OwnerID: "u1", URL: srv.URL + "/private.ics"}}

	res, err := im.Import(context.Background(), sources)
	if err != nil || res.Events != 4 || res.Cached != 0 {
		t.Fatalf("first import = %+v, %v", res, err)
	}
	res, err = im.Import(context.Background(), sources)
	if err != nil || res.Cached != 1 {
		t.Fatalf("second import = %+v, %v", res, err)
	}

	day := time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	evs, err := st.LoadEvents(context.Background(), "u1", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	var standups []model.Event
	for _, ev := range evs {
		if strings.HasPrefix(ev.Title, "Standup") {
			standups = append(standups, ev)
		}
	}
	if len(standups) != 1 || standups[0].StartsAt.Hour() != 14 {
		t.Fatalf("standups on the 15th = %+v", standups)
	}
}

func TestFetchFallsBackToCache(t *testing.T) {
	var down atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sample))
	}))
	defer srv.Close()

	f := NewFetcher(t.TempDir(), time.Second)
	s := Source{ID: "work", OwnerID: "u1", URL: srv.URL}
	if _, err := f.FetchOne(context.Background(), s); err != nil {
		t.Fatalf("warm fetch: %v", err)
	}
	down.Store(true)
	res, err := f.FetchOne(context.Background(), s)
	if err != nil || !res.FromCache {
		t.Fatalf("fallback = %+v, %v", res, err)
	}

	cold := NewFetcher("", time.Second)
	if _, err := cold.FetchOne(context.Background(), s); !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("uncached failure err = %v", err)
	}
}

func TestImportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cal.ics")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	im := &Importer{Fetcher: NewFetcher("", 0), Sink: store.NewMemory()}
	n, err := im.ImportFile(context.Background(), src, path)
	if err != nil || n != 4 {
		t.Fatalf("ImportFile = %d, %v", n, err)
	}
	if _, err := im.ImportFile(context.Background(), Source{ID: "x"}, path); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("ownerless err = %v", err)
	}
}

func TestRedactURL(t *testing.T) {
	if got := redactURL("https://cal.example.com/feeds/secret.ics?token=abc"); got != "https://cal.example.com/...(redacted)" {
		t.Fatalf("redactURL = %s", got)
	}
}
