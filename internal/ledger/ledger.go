// Package ledger applies conflict resolutions to events and records every
// mutation as an undoable action.
//
// Conflict status is the arbiter of concurrency: a resolution only proceeds
// after winning the open -> resolved compare-and-set, and an undo only after
// winning resolved -> undone, so neither can be applied twice.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"quietcal/internal/advisor"
	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

// EventStore is the slice of the event store the ledger needs.
type EventStore interface {
	GetEvent(ctx context.Context, ownerID, eventID string) (model.Event, error)
	// MutateEvent applies p atomically and returns the before/after pair.
	MutateEvent(ctx context.Context, ownerID, eventID string, p model.Patch) (model.EventChange, error)
}

// ConflictStore persists conflict records.
type ConflictStore interface {
	GetConflict(ctx context.Context, ownerID, id string) (model.Conflict, error)
	// UpdateConflictStatus must fail with apperr.ErrConflictState when the
	// current status is not tr.From.
	UpdateConflictStatus(ctx context.Context, ownerID, id string, tr model.Transition) (model.Conflict, error)
}

// ActionStore is the append-only action log.
type ActionStore interface {
	AppendAction(ctx context.Context, a model.AutopilotAction) error
	ActionByToken(ctx context.Context, ownerID, token string) (model.AutopilotAction, error)
}

// Config wires a Ledger. Advisor, Clock and NewToken are optional.
type Config struct {
	Events    EventStore
	Conflicts ConflictStore
	Actions   ActionStore
	Advisor   *advisor.Coordinator
	Clock     func() time.Time
	NewToken  func() string
}

type Ledger struct {
	events    EventStore
	conflicts ConflictStore
	actions   ActionStore
	advisor   *advisor.Coordinator
	clock     func() time.Time
	newToken  func() string
}

func New(cfg Config) *Ledger {
	l := &Ledger{
		events:    cfg.Events,
		conflicts: cfg.Conflicts,
		actions:   cfg.Actions,
		advisor:   cfg.Advisor,
		clock:     cfg.Clock,
		newToken:  cfg.NewToken,
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	if l.newToken == nil {
		l.newToken = uuid.NewString
	}
	if l.advisor == nil {
		l.advisor = advisor.NewCoordinator(nil, nil)
	}
	return l
}

// Outcome describes what a ledger call did. Action is nil for no-ops and
// dismissals.
type Outcome struct {
	Conflict model.Conflict
	Event    model.Event
	Action   *model.AutopilotAction
	NoOp     bool
}

// Apply resolves an open conflict by applying p to its event.
func (l *Ledger) Apply(ctx context.Context, ownerID, conflictID string, p model.Patch, decidedBy string) (Outcome, error) {
	const op = "ledger.apply"
	if p == nil {
		return Outcome{}, apperr.Validation(op, "patch is required")
	}

	c, err := l.conflicts.GetConflict(ctx, ownerID, conflictID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Status != model.ConflictOpen {
		return Outcome{}, apperr.ConflictState(op, "conflict %s is already %s", c.ID, c.Status)
	}
	if c.EventID == "" {
		return Outcome{}, apperr.Validation(op, "conflict %s does not reference an event", c.ID)
	}
	ev, err := l.events.GetEvent(ctx, ownerID, c.EventID)
	if err != nil {
		return Outcome{}, err
	}
	if p.Noop(ev) {
		appLog.Warn("ledger: patch changes nothing; not recording an action",
			"conflict_id", c.ID, "event_id", ev.ID, "action", string(p.Kind()))
		return Outcome{Conflict: c, Event: ev, NoOp: true}, nil
	}
	if _, err := p.Apply(ev); err != nil {
		return Outcome{}, err
	}

	now := l.clock().UTC()
	resolved, err := l.conflicts.UpdateConflictStatus(ctx, ownerID, c.ID, model.Transition{
		From:       model.ConflictOpen,
		To:         model.ConflictResolved,
		Resolution: string(p.Kind()),
		DecidedBy:  decidedBy,
		DecidedAt:  now,
	})
	if err != nil {
		// Lost the race to another decision.
		return Outcome{}, persistErr(op, err)
	}

	change, err := l.events.MutateEvent(ctx, ownerID, c.EventID, p)
	if err != nil {
		l.revertStatus(ctx, ownerID, c, model.ConflictResolved)
		return Outcome{}, persistErr(op, err)
	}

	action := model.AutopilotAction{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		ConflictID:  c.ID,
		EventID:     change.After.ID,
		Action:      p.Kind(),
		UndoToken:   l.newToken(),
		Patch:       p.Spec(),
		PatchBefore: change.Before,
		PatchAfter:  change.After,
		DecidedBy:   decidedBy,
		CreatedAt:   now,
	}
	if err := l.actions.AppendAction(ctx, action); err != nil {
		l.revertEvent(ctx, ownerID, change, p)
		l.revertStatus(ctx, ownerID, c, model.ConflictResolved)
		return Outcome{}, persistErr(op, err)
	}

	l.advisor.Forget(c, ev)
	appLog.Info("ledger: resolution applied",
		"conflict_id", c.ID, "event_id", change.After.ID, "action", string(p.Kind()), "decided_by", decidedBy)
	return Outcome{Conflict: resolved, Event: change.After, Action: &action}, nil
}

// Suggest returns advice for an open conflict without applying anything.
func (l *Ledger) Suggest(ctx context.Context, ownerID, conflictID string) (model.Conflict, advisor.Advice, error) {
	c, err := l.conflicts.GetConflict(ctx, ownerID, conflictID)
	if err != nil {
		return model.Conflict{}, advisor.Advice{}, err
	}
	if c.EventID == "" {
		return c, advisor.Advice{}, apperr.Validation("ledger.suggest", "conflict %s does not reference an event", c.ID)
	}
	ev, err := l.events.GetEvent(ctx, ownerID, c.EventID)
	if err != nil {
		return c, advisor.Advice{}, err
	}
	a, err := l.advisor.Advise(ctx, c, ev)
	return c, a, err
}

// ApplySuggested asks the advisor for a patch and applies it. The advisor
// only chooses; the bookkeeping is the same as Apply.
func (l *Ledger) ApplySuggested(ctx context.Context, ownerID, conflictID, decidedBy string) (Outcome, advisor.Advice, error) {
	c, a, err := l.Suggest(ctx, ownerID, conflictID)
	if err != nil {
		return Outcome{}, a, err
	}
	if c.Status != model.ConflictOpen {
		return Outcome{}, a, apperr.ConflictState("ledger.apply_suggested", "conflict %s is already %s", c.ID, c.Status)
	}
	out, err := l.Apply(ctx, ownerID, conflictID, a.Patch, decidedBy)
	return out, a, err
}

// Undo redeems an undo token: it reverts the recorded mutation against the
// event's current state and moves the conflict to undone. A token is good
// exactly once; every reason it cannot be redeemed reads as not found.
func (l *Ledger) Undo(ctx context.Context, ownerID, token, decidedBy string) (Outcome, error) {
	const op = "ledger.undo"
	if token == "" {
		return Outcome{}, apperr.Validation(op, "undo token is required")
	}
	orig, err := l.actions.ActionByToken(ctx, ownerID, token)
	if err != nil {
		return Outcome{}, err
	}
	if orig.Action == model.ActionUndo {
		return Outcome{}, apperr.NotFound(op, "undo token %s cannot be redeemed", token)
	}
	p, err := orig.Patch.Patch()
	if err != nil {
		return Outcome{}, apperr.Persistence(op, err)
	}

	c, err := l.conflicts.GetConflict(ctx, ownerID, orig.ConflictID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Status != model.ConflictResolved {
		return Outcome{}, apperr.NotFound(op, "undo token %s already redeemed", token)
	}

	now := l.clock().UTC()
	undone, err := l.conflicts.UpdateConflictStatus(ctx, ownerID, c.ID, model.Transition{
		From:       model.ConflictResolved,
		To:         model.ConflictUndone,
		Resolution: string(model.ActionUndo),
		DecidedBy:  decidedBy,
		DecidedAt:  now,
	})
	if err != nil {
		if errors.Is(err, apperr.ErrConflictState) {
			return Outcome{}, apperr.NotFound(op, "undo token %s already redeemed", token)
		}
		return Outcome{}, persistErr(op, err)
	}

	current, err := l.events.GetEvent(ctx, ownerID, orig.EventID)
	if err != nil {
		l.revertStatus(ctx, ownerID, c, model.ConflictUndone)
		return Outcome{}, persistErr(op, err)
	}
	if diverged(orig.PatchAfter, current) {
		appLog.Warn("ledger: event changed since the action; undoing against its current state",
			"event_id", current.ID, "undo_token", token)
	}
	inv := p.Inverse(orig.PatchBefore, orig.PatchAfter, current)
	change, err := l.events.MutateEvent(ctx, ownerID, orig.EventID, inv)
	if err != nil {
		l.revertStatus(ctx, ownerID, c, model.ConflictUndone)
		return Outcome{}, persistErr(op, err)
	}

	action := model.AutopilotAction{
		ID:           uuid.NewString(),
		OwnerID:      ownerID,
		ConflictID:   c.ID,
		EventID:      change.After.ID,
		Action:       model.ActionUndo,
		UndoToken:    l.newToken(),
		Patch:        inv.Spec(),
		PatchBefore:  change.Before,
		PatchAfter:   change.After,
		RevertsToken: token,
		DecidedBy:    decidedBy,
		CreatedAt:    now,
	}
	if err := l.actions.AppendAction(ctx, action); err != nil {
		l.revertEvent(ctx, ownerID, change, inv)
		l.revertStatus(ctx, ownerID, c, model.ConflictUndone)
		return Outcome{}, persistErr(op, err)
	}

	appLog.Info("ledger: action undone",
		"conflict_id", c.ID, "event_id", change.After.ID, "reverted", string(orig.Action), "decided_by", decidedBy)
	return Outcome{Conflict: undone, Event: change.After, Action: &action}, nil
}

func diverged(recorded, current model.Event) bool {
	return !recorded.StartsAt.Equal(current.StartsAt) ||
		!recorded.EndsAt.Equal(current.EndsAt) ||
		recorded.Status != current.Status ||
		recorded.Transparency != current.Transparency
}

// Dismiss closes an open conflict without touching its event.
func (l *Ledger) Dismiss(ctx context.Context, ownerID, conflictID, decidedBy, reason string) (Outcome, error) {
	const op = "ledger.dismiss"
	c, err := l.conflicts.GetConflict(ctx, ownerID, conflictID)
	if err != nil {
		return Outcome{}, err
	}
	if c.Status != model.ConflictOpen {
		return Outcome{}, apperr.ConflictState(op, "conflict %s is already %s", c.ID, c.Status)
	}
	if reason == "" {
		reason = "dismissed"
	}
	dismissed, err := l.conflicts.UpdateConflictStatus(ctx, ownerID, c.ID, model.Transition{
		From:       model.ConflictOpen,
		To:         model.ConflictDismissed,
		Resolution: reason,
		DecidedBy:  decidedBy,
		DecidedAt:  l.clock().UTC(),
	})
	if err != nil {
		return Outcome{}, persistErr(op, err)
	}
	return Outcome{Conflict: dismissed}, nil
}

// revertStatus puts prior back after a later step failed. current is the
// status the failed call had moved the conflict to.
func (l *Ledger) revertStatus(ctx context.Context, ownerID string, prior model.Conflict, current model.ConflictStatus) {
	tr := model.Transition{
		From:       current,
		To:         prior.Status,
		Resolution: prior.Resolution,
		DecidedBy:  prior.DecidedBy,
	}
	if prior.DecidedAt != nil {
		tr.DecidedAt = *prior.DecidedAt
	}
	if _, err := l.conflicts.UpdateConflictStatus(ctx, ownerID, prior.ID, tr); err != nil {
		appLog.Error("ledger: failed to revert conflict status", err,
			"conflict_id", prior.ID, "from", string(current), "to", string(prior.Status))
	}
}

// revertEvent puts an event back after a later step failed.
func (l *Ledger) revertEvent(ctx context.Context, ownerID string, change model.EventChange, p model.Patch) {
	inv := p.Inverse(change.Before, change.After, change.After)
	if _, err := l.events.MutateEvent(ctx, ownerID, change.After.ID, inv); err != nil {
		appLog.Error("ledger: failed to revert event", err, "event_id", change.After.ID)
	}
}

// persistErr keeps typed errors and classifies anything else as a store
// failure.
func persistErr(op string, err error) error {
	if apperr.KindOf(err) != nil {
		return err
	}
	return apperr.Persistence(op, err)
}
