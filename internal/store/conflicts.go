package store

import (
	"context"
	"sort"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

// ResolutionCleared marks an open conflict the scanner no longer detects.
const ResolutionCleared = "cleared"

// ScannerActor is recorded as the decider of scanner-driven changes.
const ScannerActor = "scanner"

// RecordResult summarizes one RecordDetected call.
type RecordResult struct {
	Created   int              `json:"created"`
	Updated   int              `json:"updated"`
	Cleared   int              `json:"cleared"`
	Conflicts []model.Conflict `json:"conflicts"`
}

// RecordDetected reconciles one scan of one date with what is stored:
//   - a key never seen before is inserted as open;
//   - an open conflict with the same key is refreshed in place;
//   - a dismissed key stays dismissed;
//   - a resolved or undone key that shows up again becomes a new open
//     conflict with a fresh ID;
//   - open conflicts of that date the scan no longer reports are dismissed
//     as cleared.
func (s *Store) RecordDetected(ctx context.Context, ownerID, dateISO string, detected []model.Conflict) (RecordResult, error) {
	const op = "store.record_detected"
	var res RecordResult
	if err := checkOwner(op, ownerID); err != nil {
		return res, err
	}
	if err := ctxErr(ctx, op); err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	od := s.owner(ownerID)
	now := s.clock().UTC()
	seen := make(map[string]bool, len(detected))

	for _, d := range detected {
		d.OwnerID = ownerID
		if d.DateISO == "" {
			d.DateISO = dateISO
		}
		seen[d.Key] = true

		var (
			rec     model.Conflict
			created bool
		)
		prevID, known := od.byKey[d.Key]
		prev := od.conflicts[prevID]
		switch {
		case !known:
			rec, created = d, true
			if rec.ID == "" {
				rec.ID = newID()
			}
		case prev.Status == model.ConflictOpen:
			rec = prev
			rec.WindowStart, rec.WindowEnd = d.WindowStart, d.WindowEnd
			rec.OverlapMinutes = d.OverlapMinutes
			rec.BufferMin = d.BufferMin
			rec.Severity = d.Severity
			rec.SuggestedStart = d.SuggestedStart
		case prev.Status == model.ConflictDismissed:
			res.Conflicts = append(res.Conflicts, prev)
			continue
		default:
			rec, created = d, true
			if _, taken := od.conflicts[rec.ID]; taken || rec.ID == "" {
				rec.ID = newID()
			}
		}
		rec.Status = model.ConflictOpen
		if created {
			rec.Resolution, rec.DecidedBy, rec.DecidedAt = "", "", nil
			if rec.DetectedAt.IsZero() {
				rec.DetectedAt = now
			}
		}

		if err := s.persist(op, storeKey(kindConflict, ownerID, rec.ID), rec); err != nil {
			return res, err
		}
		od.conflicts[rec.ID] = rec
		od.byKey[rec.Key] = rec.ID
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		res.Conflicts = append(res.Conflicts, rec)
	}

	for id, c := range od.conflicts {
		if c.DateISO != dateISO || c.Status != model.ConflictOpen || seen[c.Key] {
			continue
		}
		c.Status = model.ConflictDismissed
		c.Resolution = ResolutionCleared
		c.DecidedBy = ScannerActor
		c.DecidedAt = &now
		if err := s.persist(op, storeKey(kindConflict, ownerID, id), c); err != nil {
			return res, err
		}
		od.conflicts[id] = c
		res.Cleared++
	}

	if res.Created+res.Cleared > 0 {
		appLog.Info("store: recorded scan", "owner_id", ownerID, "date", dateISO,
			"created", res.Created, "updated", res.Updated, "cleared", res.Cleared)
	}
	return res, nil
}

// GetConflict returns one conflict of the owner.
func (s *Store) GetConflict(ctx context.Context, ownerID, id string) (model.Conflict, error) {
	const op = "store.get_conflict"
	if err := ctxErr(ctx, op); err != nil {
		return model.Conflict{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if od := s.lookup(ownerID); od != nil {
		if c, ok := od.conflicts[id]; ok {
			return c, nil
		}
	}
	return model.Conflict{}, apperr.NotFound(op, "conflict %s not found", id)
}

// UpdateConflictStatus is a compare-and-set on the status: it fails with a
// conflict-state error unless the stored status equals tr.From. The state
// machine itself is the caller's business, so rollbacks can use it too.
func (s *Store) UpdateConflictStatus(ctx context.Context, ownerID, id string, tr model.Transition) (model.Conflict, error) {
	const op = "store.update_conflict_status"
	if err := ctxErr(ctx, op); err != nil {
		return model.Conflict{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	od := s.lookup(ownerID)
	if od == nil {
		return model.Conflict{}, apperr.NotFound(op, "conflict %s not found", id)
	}
	c, ok := od.conflicts[id]
	if !ok {
		return model.Conflict{}, apperr.NotFound(op, "conflict %s not found", id)
	}
	if c.Status != tr.From {
		return model.Conflict{}, apperr.ConflictState(op, "conflict %s is %s, not %s", id, c.Status, tr.From)
	}
	c.Status = tr.To
	c.Resolution = tr.Resolution
	c.DecidedBy = tr.DecidedBy
	if tr.DecidedAt.IsZero() {
		c.DecidedAt = nil
	} else {
		at := tr.DecidedAt.UTC()
		c.DecidedAt = &at
	}
	if err := s.persist(op, storeKey(kindConflict, ownerID, id), c); err != nil {
		return model.Conflict{}, err
	}
	od.conflicts[id] = c
	return c, nil
}

// ConflictFilter narrows ListConflicts. Zero values match everything.
type ConflictFilter struct {
	DateISO string
	Status  model.ConflictStatus
	EventID string
}

// ListConflicts returns matching conflicts ordered by window start, then
// event ID.
func (s *Store) ListConflicts(ctx context.Context, ownerID string, f ConflictFilter) ([]model.Conflict, error) {
	const op = "store.list_conflicts"
	if err := ctxErr(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	od := s.lookup(ownerID)
	if od == nil {
		return nil, nil
	}
	var out []model.Conflict
	for _, c := range od.conflicts {
		if f.DateISO != "" && c.DateISO != f.DateISO {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.EventID != "" && c.EventID != f.EventID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.WindowStart.Equal(b.WindowStart) {
			return a.WindowStart.Before(b.WindowStart)
		}
		if a.EventID != b.EventID {
			return a.EventID < b.EventID
		}
		return a.ID < b.ID
	})
	return out, nil
}
