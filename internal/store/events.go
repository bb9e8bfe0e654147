package store

import (
	"context"
	"sort"
	"strings"
	"time"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
	"quietcal/internal/recur"
)

// PutEvent validates, normalizes and stores ev, replacing any event with
// the same ID. An empty ID is assigned.
func (s *Store) PutEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	const op = "store.put_event"
	if err := ctxErr(ctx, op); err != nil {
		return model.Event{}, err
	}
	ev, err := prepareEvent(op, ev)
	if err != nil {
		return model.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persist(op, storeKey(kindEvent, ev.OwnerID, ev.ID), ev); err != nil {
		return model.Event{}, err
	}
	s.owner(ev.OwnerID).events[ev.ID] = ev
	return ev, nil
}

// UpsertEvents stores a batch for one owner. Invalid events are logged and
// skipped; the count of stored events is returned.
func (s *Store) UpsertEvents(ctx context.Context, ownerID string, events []model.Event) (int, error) {
	const op = "store.upsert_events"
	if err := checkOwner(op, ownerID); err != nil {
		return 0, err
	}
	n := 0
	for _, ev := range events {
		ev.OwnerID = ownerID
		if _, err := s.PutEvent(ctx, ev); err != nil {
			if apperr.KindOf(err) == apperr.ErrValidation {
				appLog.Warn("store: skipping invalid event", "event_id", ev.ID, "err", err.Error())
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

func prepareEvent(op string, ev model.Event) (model.Event, error) {
	if err := checkOwner(op, ev.OwnerID); err != nil {
		return ev, err
	}
	if ev.StartsAt.IsZero() {
		return ev, apperr.Validation(op, "event %q has no start", ev.ID)
	}
	if strings.TrimSpace(ev.ID) == "" {
		ev.ID = newID()
	}
	return ev.Normalized(), nil
}

// DeleteEvent soft-deletes an event. Deleted events stay readable but are
// excluded from layout and detection.
func (s *Store) DeleteEvent(ctx context.Context, ownerID, eventID string) error {
	const op = "store.delete_event"
	if err := ctxErr(ctx, op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	od := s.lookup(ownerID)
	if od == nil {
		return apperr.NotFound(op, "event %s not found", eventID)
	}
	ev, ok := od.events[eventID]
	if !ok {
		return apperr.NotFound(op, "event %s not found", eventID)
	}
	if ev.DeletedAt != nil {
		return nil
	}
	now := s.clock().UTC()
	ev.DeletedAt = &now
	if err := s.persist(op, storeKey(kindEvent, ownerID, ev.ID), ev); err != nil {
		return err
	}
	od.events[ev.ID] = ev
	return nil
}

// GetEvent returns a stored event, or a recurring occurrence addressed by
// its occurrence ID.
func (s *Store) GetEvent(ctx context.Context, ownerID, eventID string) (model.Event, error) {
	const op = "store.get_event"
	if err := ctxErr(ctx, op); err != nil {
		return model.Event{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, _, err := s.resolveLocked(op, ownerID, eventID)
	return ev, err
}

// resolveLocked finds eventID. When it names an occurrence that has not yet
// been detached, the parent series is returned alongside the synthesized
// occurrence.
func (s *Store) resolveLocked(op, ownerID, eventID string) (model.Event, *model.Event, error) {
	od := s.lookup(ownerID)
	if od == nil {
		return model.Event{}, nil, apperr.NotFound(op, "event %s not found", eventID)
	}
	if ev, ok := od.events[eventID]; ok {
		return ev, nil, nil
	}
	seriesID, start, ok := recur.ParseOccurrenceID(eventID)
	if !ok {
		return model.Event{}, nil, apperr.NotFound(op, "event %s not found", eventID)
	}
	series, ok := od.events[seriesID]
	if !ok || series.DeletedAt != nil || series.RRule == "" || !recur.HasOccurrence(series, start, s.loc) {
		return model.Event{}, nil, apperr.NotFound(op, "event %s not found", eventID)
	}
	return recur.Occurrence(series, start, series.Duration()), &series, nil
}

// MutateEvent applies p to one event atomically. Mutating an occurrence of
// a series detaches it: the parent gains an EXDATE and the occurrence is
// stored as a standalone event under its occurrence ID.
func (s *Store) MutateEvent(ctx context.Context, ownerID, eventID string, p model.Patch) (model.EventChange, error) {
	const op = "store.mutate_event"
	if err := ctxErr(ctx, op); err != nil {
		return model.EventChange{}, err
	}
	if p == nil {
		return model.EventChange{}, apperr.Validation(op, "patch is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	before, series, err := s.resolveLocked(op, ownerID, eventID)
	if err != nil {
		return model.EventChange{}, err
	}
	if before.DeletedAt != nil {
		return model.EventChange{}, apperr.Validation(op, "event %s is deleted", eventID)
	}
	after, err := p.Apply(before)
	if err != nil {
		return model.EventChange{}, err
	}

	od := s.owner(ownerID)
	if series != nil {
		parent := *series
		parent.ExDates = append(append([]time.Time(nil), parent.ExDates...), before.StartsAt)
		if err := s.persist(op, storeKey(kindEvent, ownerID, parent.ID), parent); err != nil {
			return model.EventChange{}, err
		}
		od.events[parent.ID] = parent
		appLog.Info("store: detached occurrence from series", "series_id", parent.ID, "event_id", after.ID)
	}
	if err := s.persist(op, storeKey(kindEvent, ownerID, after.ID), after); err != nil {
		if series != nil {
			od.events[series.ID] = *series
			_ = s.persist(op, storeKey(kindEvent, ownerID, series.ID), *series)
		}
		return model.EventChange{}, err
	}
	od.events[after.ID] = after
	return model.EventChange{Before: before, After: after}, nil
}

// ListEvents returns the owner's stored events (series unexpanded), sorted
// by start then ID.
func (s *Store) ListEvents(ctx context.Context, ownerID string) ([]model.Event, error) {
	const op = "store.list_events"
	if err := ctxErr(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	od := s.lookup(ownerID)
	if od == nil {
		return nil, nil
	}
	out := make([]model.Event, 0, len(od.events))
	for _, ev := range od.events {
		out = append(out, ev)
	}
	sortEvents(out)
	return out, nil
}

// LoadEvents returns the owner's non-deleted events overlapping [from, to),
// with recurring series expanded into occurrences.
func (s *Store) LoadEvents(ctx context.Context, ownerID string, from, to time.Time) ([]model.Event, error) {
	const op = "store.load_events"
	stored, err := s.ListEvents(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	res, err := recur.Expand(stored, recur.Config{Location: s.loc, RangeStart: from, RangeEnd: to})
	if err != nil {
		return nil, apperr.Validation(op, "%v", err)
	}
	sortEvents(res.Events)
	return res.Events, nil
}

func sortEvents(evs []model.Event) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].StartsAt.Equal(evs[j].StartsAt) {
			return evs[i].ID < evs[j].ID
		}
		return evs[i].StartsAt.Before(evs[j].StartsAt)
	})
}
