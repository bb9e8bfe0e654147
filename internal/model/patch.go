package model

import (
	"time"

	"quietcal/internal/apperr"
)

// Patch is exactly one kind of event mutation. The concrete types are Shift,
// Shorten, Cancel and MarkFree; a patch can never carry two kinds at once.
type Patch interface {
	Kind() ActionKind
	// Apply returns the mutated copy of ev or a validation error.
	Apply(ev Event) (Event, error)
	// Noop reports whether applying to ev would change nothing.
	Noop(ev Event) bool
	// Inverse returns the patch that reverts this one when applied to
	// current, given the snapshots recorded when it was first applied.
	Inverse(before, after, current Event) Patch
	Spec() PatchSpec
}

// Shift moves both ends of the event by Minutes.
type Shift struct {
	Minutes int
}

func (Shift) Kind() ActionKind { return ActionShift }

func (p Shift) Apply(ev Event) (Event, error) {
	d := time.Duration(p.Minutes) * time.Minute
	ev.StartsAt = ev.StartsAt.Add(d)
	ev.EndsAt = ev.EndsAt.Add(d)
	return ev, nil
}

func (p Shift) Noop(Event) bool { return p.Minutes == 0 }

func (p Shift) Inverse(_, _, _ Event) Patch { return Shift{Minutes: -p.Minutes} }

func (p Shift) Spec() PatchSpec {
	m := p.Minutes
	return PatchSpec{ShiftMinutes: &m}
}

// Shorten sets a new end while preserving the start. Undo uses it to give
// back the removed tail, so it accepts any end after the start.
type Shorten struct {
	NewEnd time.Time
}

func (Shorten) Kind() ActionKind { return ActionShorten }

func (p Shorten) Apply(ev Event) (Event, error) {
	if p.NewEnd.IsZero() {
		return ev, apperr.Validation("shorten", "new end is required")
	}
	if !p.NewEnd.After(ev.StartsAt) {
		return ev, apperr.Validation("shorten", "new end %s is not after start %s",
			p.NewEnd.UTC().Format(time.RFC3339), ev.StartsAt.UTC().Format(time.RFC3339))
	}
	ev.EndsAt = p.NewEnd.UTC()
	return ev, nil
}

func (p Shorten) Noop(ev Event) bool { return p.NewEnd.Equal(ev.EndsAt) }

func (p Shorten) Inverse(before, after, current Event) Patch {
	return Shorten{NewEnd: current.EndsAt.Add(before.EndsAt.Sub(after.EndsAt))}
}

func (p Shorten) Spec() PatchSpec {
	t := p.NewEnd.UTC()
	return PatchSpec{NewEnd: &t}
}

// Cancel marks the event cancelled without touching its times.
type Cancel struct{}

func (Cancel) Kind() ActionKind { return ActionCancel }

func (Cancel) Apply(ev Event) (Event, error) {
	ev.Status = StatusCancelled
	return ev, nil
}

func (Cancel) Noop(ev Event) bool { return ev.Status == StatusCancelled }

func (Cancel) Inverse(before, _, _ Event) Patch {
	return restore{status: before.Status}
}

func (Cancel) Spec() PatchSpec { return PatchSpec{Cancel: true} }

// MarkFree flips the event to free so it stops blocking protected windows.
type MarkFree struct{}

func (MarkFree) Kind() ActionKind { return ActionFree }

func (MarkFree) Apply(ev Event) (Event, error) {
	ev.Transparency = Free
	return ev, nil
}

func (MarkFree) Noop(ev Event) bool { return ev.Transparency == Free }

func (MarkFree) Inverse(before, _, _ Event) Patch {
	return restore{transparency: before.Transparency}
}

func (MarkFree) Spec() PatchSpec { return PatchSpec{Free: true} }

// restore puts back a status or transparency captured before a Cancel or
// MarkFree. It only exists as the inverse of those two.
type restore struct {
	status       EventStatus
	transparency Transparency
}

func (restore) Kind() ActionKind { return ActionUndo }

func (p restore) Apply(ev Event) (Event, error) {
	if p.status != "" {
		ev.Status = p.status
	}
	if p.transparency != "" {
		ev.Transparency = p.transparency
	}
	return ev, nil
}

func (p restore) Noop(ev Event) bool {
	return (p.status == "" || p.status == ev.Status) &&
		(p.transparency == "" || p.transparency == ev.Transparency)
}

func (p restore) Inverse(before, _, _ Event) Patch {
	return restore{status: before.Status, transparency: before.Transparency}
}

func (restore) Spec() PatchSpec { return PatchSpec{} }

// PatchSpec is the flat wire and storage form of a Patch. Exactly one field
// may be set; Patch() enforces that.
type PatchSpec struct {
	ShiftMinutes *int       `json:"shift_minutes,omitempty"`
	NewEnd       *time.Time `json:"new_end,omitempty"`
	Cancel       bool       `json:"cancel,omitempty"`
	Free         bool       `json:"free,omitempty"`
}

// Patch converts the spec into its variant.
func (s PatchSpec) Patch() (Patch, error) {
	var out []Patch
	if s.ShiftMinutes != nil {
		out = append(out, Shift{Minutes: *s.ShiftMinutes})
	}
	if s.NewEnd != nil {
		out = append(out, Shorten{NewEnd: s.NewEnd.UTC()})
	}
	if s.Cancel {
		out = append(out, Cancel{})
	}
	if s.Free {
		out = append(out, MarkFree{})
	}
	switch len(out) {
	case 0:
		return nil, apperr.Validation("patch", "no mutation given")
	case 1:
		return out[0], nil
	default:
		return nil, apperr.Validation("patch", "%d mutation kinds given, exactly one is allowed", len(out))
	}
}
