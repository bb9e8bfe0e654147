package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"quietcal/internal/apperr"
	"quietcal/internal/model"
	"quietcal/internal/recur"
)

var day = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

func mustPut(t *testing.T, s *Store, ev model.Event) model.Event {
	t.Helper()
	out, err := s.PutEvent(context.Background(), ev)
	if err != nil {
		t.Fatalf("PutEvent(%s): %v", ev.ID, err)
	}
	return out
}

func TestPutEventNormalizesAndValidates(t *testing.T) {
	s := NewMemory()
	ev := mustPut(t, s, model.Event{OwnerID: "u1", Title: "standup", StartsAt: at(9, 0), EndsAt: at(9, 0)})
	if ev.ID == "" {
		t.Fatal("expected generated ID")
	}
	if ev.Duration() != model.MinEventDuration || ev.Transparency != model.Busy || ev.Status != model.StatusConfirmed {
		t.Fatalf("not normalized: %+v", ev)
	}

	_, err := s.PutEvent(context.Background(), model.Event{OwnerID: "u1", ID: "x"})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("missing start err = %v", err)
	}
	_, err = s.PutEvent(context.Background(), model.Event{ID: "x", StartsAt: at(9, 0)})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("missing owner err = %v", err)
	}
}

func TestEventsAreOwnerScoped(t *testing.T) {
	s := NewMemory()
	mustPut(t, s, model.Event{OwnerID: "u1", ID: "e1", StartsAt: at(9, 0), EndsAt: at(10, 0)})
	if _, err := s.GetEvent(context.Background(), "u2", "e1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-owner get err = %v", err)
	}
	if _, err := s.MutateEvent(context.Background(), "u2", "e1", model.Cancel{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-owner mutate err = %v", err)
	}
}

func TestUpsertEventsSkipsInvalid(t *testing.T) {
	s := NewMemory()
	n, err := s.UpsertEvents(context.Background(), "u1", []model.Event{
		{ID: "ok", StartsAt: at(9, 0), EndsAt: at(10, 0)},
		{ID: "bad"},
	})
	if err != nil || n != 1 {
		t.Fatalf("UpsertEvents = %d, %v", n, err)
	}
}

func TestMutateEventReturnsBeforeAndAfter(t *testing.T) {
	s := NewMemory()
	mustPut(t, s, model.Event{OwnerID: "u1", ID: "e1", StartsAt: at(14, 0), EndsAt: at(14, 30)})
	ch, err := s.MutateEvent(context.Background(), "u1", "e1", model.Shift{Minutes: 30})
	if err != nil {
		t.Fatalf("MutateEvent: %v", err)
	}
	if !ch.Before.StartsAt.Equal(at(14, 0)) || !ch.After.StartsAt.Equal(at(14, 30)) || !ch.After.EndsAt.Equal(at(15, 0)) {
		t.Fatalf("change = %+v", ch)
	}
	got, _ := s.GetEvent(context.Background(), "u1", "e1")
	if !got.StartsAt.Equal(at(14, 30)) {
		t.Fatalf("stored start = %v", got.StartsAt)
	}

	if _, err := s.MutateEvent(context.Background(), "u1", "e1", model.Shorten{NewEnd: at(14, 0)}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("shorten before start err = %v", err)
	}
}

func TestDeleteEventHidesFromLoad(t *testing.T) {
	s := NewMemory()
	mustPut(t, s, model.Event{OwnerID: "u1", ID: "e1", StartsAt: at(9, 0), EndsAt: at(10, 0)})
	if err := s.DeleteEvent(context.Background(), "u1", "e1"); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	evs, err := s.LoadEvents(context.Background(), "u1", day, day.Add(24*time.Hour))
	if err != nil || len(evs) != 0 {
		t.Fatalf("LoadEvents = %v, %v", evs, err)
	}
	if _, err := s.MutateEvent(context.Background(), "u1", "e1", model.Cancel{}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("mutate deleted err = %v", err)
	}
}

func TestMutatingOccurrenceDetachesIt(t *testing.T) {
	s := NewMemory()
	mustPut(t, s, model.Event{
		OwnerID: "u1", ID: "daily", Title: "sync",
		StartsAt: at(13, 0).AddDate(0, 0, -3), EndsAt: at(13, 30).AddDate(0, 0, -3),
		RRule: "FREQ=DAILY;COUNT=10",
	})
	evs, err := s.LoadEvents(context.Background(), "u1", day, day.Add(24*time.Hour))
	if err != nil || len(evs) != 1 {
		t.Fatalf("LoadEvents = %v, %v", evs, err)
	}
	occID := evs[0].ID
	if occID != recur.OccurrenceID("daily", at(13, 0)) {
		t.Fatalf("occurrence id = %s", occID)
	}

	ch, err := s.MutateEvent(context.Background(), "u1", occID, model.Shift{Minutes: 30})
	if err != nil {
		t.Fatalf("MutateEvent: %v", err)
	}
	if ch.After.ID != occID || ch.After.RecurrenceOf != "daily" || ch.After.RRule != "" {
		t.Fatalf("detached = %+v", ch.After)
	}

	evs, _ = s.LoadEvents(context.Background(), "u1", day, day.Add(24*time.Hour))
	if len(evs) != 1 || !evs[0].StartsAt.Equal(at(13, 30)) {
		t.Fatalf("after detach = %+v", evs)
	}
	next, _ := s.LoadEvents(context.Background(), "u1", day.Add(24*time.Hour), day.Add(48*time.Hour))
	if len(next) != 1 || !next[0].StartsAt.Equal(at(13, 0).Add(24*time.Hour)) {
		t.Fatalf("series next day = %+v", next)
	}

	if _, err := s.GetEvent(context.Background(), "u1", recur.OccurrenceID("daily", at(13, 5))); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("non-occurrence err = %v", err)
	}
}

func conflict(key string, start time.Time) model.Conflict {
	return model.Conflict{
		ID: "id-" + key, Key: key, EventID: "e-" + key, DateISO: "2026-10-15",
		WindowName: "dhuhr", WindowStart: start, WindowEnd: start.Add(40 * time.Minute),
		OverlapMinutes: 10, Severity: model.SeverityLow, Status: model.ConflictOpen,
	}
}

func TestRecordDetectedLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	res, err := s.RecordDetected(ctx, "u1", "2026-10-15", []model.Conflict{conflict("a", at(12, 50)), conflict("b", at(15, 0))})
	if err != nil || res.Created != 2 {
		t.Fatalf("first scan = %+v, %v", res, err)
	}

	// a is refreshed, b vanished.
	a := conflict("a", at(12, 50))
	a.OverlapMinutes, a.Severity = 30, model.SeverityHigh
	res, err = s.RecordDetected(ctx, "u1", "2026-10-15", []model.Conflict{a})
	if err != nil || res.Updated != 1 || res.Cleared != 1 {
		t.Fatalf("second scan = %+v, %v", res, err)
	}
	got, _ := s.GetConflict(ctx, "u1", "id-a")
	if got.Severity != model.SeverityHigh || got.Status != model.ConflictOpen {
		t.Fatalf("refreshed = %+v", got)
	}
	b, _ := s.GetConflict(ctx, "u1", "id-b")
	if b.Status != model.ConflictDismissed || b.Resolution != ResolutionCleared {
		t.Fatalf("stale = %+v", b)
	}

	// A dismissed key stays dismissed on re-detection.
	res, _ = s.RecordDetected(ctx, "u1", "2026-10-15", []model.Conflict{conflict("a", at(12, 50)), conflict("b", at(15, 0))})
	if res.Created != 0 {
		t.Fatalf("dismissed key recreated: %+v", res)
	}

	// A resolved key that reappears gets a fresh open record.
	if _, err := s.UpdateConflictStatus(ctx, "u1", "id-a", model.Transition{From: model.ConflictOpen, To: model.ConflictResolved}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	res, _ = s.RecordDetected(ctx, "u1", "2026-10-15", []model.Conflict{conflict("a", at(12, 50))})
	if res.Created != 1 || res.Conflicts[0].ID == "id-a" || res.Conflicts[0].Status != model.ConflictOpen {
		t.Fatalf("recreated = %+v", res)
	}
	old, _ := s.GetConflict(ctx, "u1", "id-a")
	if old.Status != model.ConflictResolved {
		t.Fatalf("old record changed: %+v", old)
	}

	open, _ := s.ListConflicts(ctx, "u1", ConflictFilter{DateISO: "2026-10-15", Status: model.ConflictOpen})
	if len(open) != 1 {
		t.Fatalf("open = %+v", open)
	}
}

func TestUpdateConflictStatusIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	_, _ = s.RecordDetected(ctx, "u1", "2026-10-15", []model.Conflict{conflict("a", at(12, 50))})

	tr := model.Transition{From: model.ConflictOpen, To: model.ConflictResolved, DecidedBy: "u1", DecidedAt: at(13, 0)}
	c, err := s.UpdateConflictStatus(ctx, "u1", "id-a", tr)
	if err != nil || c.Status != model.ConflictResolved || c.DecidedAt == nil {
		t.Fatalf("first CAS = %+v, %v", c, err)
	}
	if _, err := s.UpdateConflictStatus(ctx, "u1", "id-a", tr); !errors.Is(err, apperr.ErrConflictState) {
		t.Fatalf("second CAS err = %v", err)
	}
	if _, err := s.UpdateConflictStatus(ctx, "u2", "id-a", tr); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-owner CAS err = %v", err)
	}
}

func TestActionTokensAreOwnerScopedAndUnique(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	a := model.AutopilotAction{OwnerID: "u1", ConflictID: "c1", Action: model.ActionCancel, UndoToken: "tok"}
	if err := s.AppendAction(ctx, a); err != nil {
		t.Fatalf("AppendAction: %v", err)
	}
	if err := s.AppendAction(ctx, a); !errors.Is(err, apperr.ErrConflictState) {
		t.Fatalf("duplicate token err = %v", err)
	}
	if _, err := s.ActionByToken(ctx, "u2", "tok"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-owner token err = %v", err)
	}
	got, err := s.ActionByToken(ctx, "u1", "tok")
	if err != nil || got.ConflictID != "c1" || got.ID == "" {
		t.Fatalf("ActionByToken = %+v, %v", got, err)
	}
	list, _ := s.ListActions(ctx, "u1", "c1")
	if len(list) != 1 {
		t.Fatalf("ListActions = %+v", list)
	}
}

func TestDiskStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	mustPut(t, s, model.Event{OwnerID: "u 1", ID: "e-1", Title: "review", StartsAt: at(9, 0), EndsAt: at(10, 0)})
	_, _ = s.RecordDetected(ctx, "u 1", "2026-10-15", []model.Conflict{conflict("a", at(12, 50))})
	_ = s.AppendAction(ctx, model.AutopilotAction{OwnerID: "u 1", ConflictID: "id-a", Action: model.ActionFree, UndoToken: "tok", CreatedAt: at(13, 0)})

	re, err := Open(Options{Dir: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	ev, err := re.GetEvent(ctx, "u 1", "e-1")
	if err != nil || ev.Title != "review" {
		t.Fatalf("event after reopen = %+v, %v", ev, err)
	}
	if c, err := re.GetConflict(ctx, "u 1", "id-a"); err != nil || c.Key != "a" {
		t.Fatalf("conflict after reopen = %+v, %v", c, err)
	}
	if a, err := re.ActionByToken(ctx, "u 1", "tok"); err != nil || a.Action != model.ActionFree {
		t.Fatalf("action after reopen = %+v, %v", a, err)
	}
	if owners := re.Owners(); len(owners) != 1 || owners[0] != "u 1" {
		t.Fatalf("owners = %v", owners)
	}
}
