package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quietcal/internal/apperr"
	"quietcal/internal/model"
	"quietcal/internal/store"
)

var (
	day = time.Date(2026, 10, 15, 0, 0, 0, 0, time.UTC)
	now = time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC)
)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

// flakyActions fails AppendAction while fail is set.
type flakyActions struct {
	*store.Store
	fail atomic.Bool
}

func (f *flakyActions) AppendAction(ctx context.Context, a model.AutopilotAction) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.Store.AppendAction(ctx, a)
}

type fixture struct {
	st      *store.Store
	actions *flakyActions
	l       *Ledger
}

func setup(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	if _, err := st.PutEvent(ctx, model.Event{OwnerID: "u1", ID: "e1", Title: "design review", StartsAt: at(14, 0), EndsAt: at(14, 30)}); err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	suggested := at(14, 30)
	_, err := st.RecordDetected(ctx, "u1", "2026-10-15", []model.Conflict{{
		ID: "c1", Key: "k1", EventID: "e1", DateISO: "2026-10-15", WindowName: "asr",
		WindowStart: at(13, 50), WindowEnd: at(14, 10), OverlapMinutes: 30,
		Severity: model.SeverityHigh, Status: model.ConflictOpen, SuggestedStart: &suggested,
	}})
	if err != nil {
		t.Fatalf("RecordDetected: %v", err)
	}
	fa := &flakyActions{Store: st}
	var n int32
	l := New(Config{
		Events:    st,
		Conflicts: st,
		Actions:   fa,
		Clock:     func() time.Time { return now },
		NewToken:  func() string { return fmt.Sprintf("tok-%d", atomic.AddInt32(&n, 1)) },
	})
	return fixture{st: st, actions: fa, l: l}
}

func TestApplyThenUndoRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	out, err := f.l.Apply(ctx, "u1", "c1", model.Shift{Minutes: 30}, "u1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !out.Event.StartsAt.Equal(at(14, 30)) || !out.Event.EndsAt.Equal(at(15, 0)) {
		t.Fatalf("shifted event = %+v", out.Event)
	}
	if out.Conflict.Status != model.ConflictResolved || out.Conflict.Resolution != "shift" {
		t.Fatalf("conflict = %+v", out.Conflict)
	}
	if out.Action == nil || out.Action.UndoToken != "tok-1" || *out.Action.Patch.ShiftMinutes != 30 {
		t.Fatalf("action = %+v", out.Action)
	}
	if !out.Action.PatchBefore.StartsAt.Equal(at(14, 0)) || !out.Action.PatchAfter.StartsAt.Equal(at(14, 30)) {
		t.Fatalf("snapshots = %+v / %+v", out.Action.PatchBefore, out.Action.PatchAfter)
	}

	u, err := f.l.Undo(ctx, "u1", "tok-1", "u1")
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !u.Event.StartsAt.Equal(at(14, 0)) || !u.Event.EndsAt.Equal(at(14, 30)) {
		t.Fatalf("restored event = %+v", u.Event)
	}
	if u.Conflict.Status != model.ConflictUndone || u.Action.RevertsToken != "tok-1" {
		t.Fatalf("undo outcome = %+v / %+v", u.Conflict, u.Action)
	}

	log, _ := f.st.ListActions(ctx, "u1", "c1")
	if len(log) != 2 || log[1].Action != model.ActionUndo {
		t.Fatalf("action log = %+v", log)
	}
}

func TestUndoTokenIsSingleUse(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	if _, err := f.l.Apply(ctx, "u1", "c1", model.Cancel{}, "u1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := f.l.Undo(ctx, "u1", "tok-1", "u1"); err != nil {
		t.Fatalf("first Undo: %v", err)
	}
	ev, _ := f.st.GetEvent(ctx, "u1", "e1")
	if ev.Status != model.StatusConfirmed {
		t.Fatalf("status after undo = %s", ev.Status)
	}
	if _, err := f.l.Undo(ctx, "u1", "tok-1", "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second Undo err = %v", err)
	}
	// The undo's own token is never redeemable.
	if _, err := f.l.Undo(ctx, "u1", "tok-2", "u1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("undo-of-undo err = %v", err)
	}
}

func TestUndoIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	if _, err := f.l.Apply(ctx, "u1", "c1", model.MarkFree{}, "u1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := f.l.Undo(ctx, "u2", "tok-1", "u2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-owner Undo err = %v", err)
	}
	if _, err := f.l.Apply(ctx, "u2", "c1", model.Cancel{}, "u2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("cross-owner Apply err = %v", err)
	}
}

func TestApplyRequiresOpenConflict(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	if _, err := f.l.Dismiss(ctx, "u1", "c1", "u1", ""); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if _, err := f.l.Apply(ctx, "u1", "c1", model.Cancel{}, "u1"); !errors.Is(err, apperr.ErrConflictState) {
		t.Fatalf("Apply on dismissed err = %v", err)
	}
	if _, err := f.l.Dismiss(ctx, "u1", "c1", "u1", ""); !errors.Is(err, apperr.ErrConflictState) {
		t.Fatalf("second Dismiss err = %v", err)
	}
}

func TestConcurrentApplyHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := setup(t)

	var (
		wg      sync.WaitGroup
		wins    atomic.Int32
		refused atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.l.Apply(ctx, "u1", "c1", model.Shift{Minutes: 30}, "u1")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrConflictState):
				refused.Add(1)
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 || refused.Load() != 7 {
		t.Fatalf("wins=%d refused=%d", wins.Load(), refused.Load())
	}
	ev, _ := f.st.GetEvent(ctx, "u1", "e1")
	if !ev.StartsAt.Equal(at(14, 30)) {
		t.Fatalf("event shifted more than once: %v", ev.StartsAt)
	}
}

func TestMultiFieldPatchSpecIsRejected(t *testing.T) {
	m := 15
	end := at(14, 15)
	_, err := model.PatchSpec{ShiftMinutes: &m, NewEnd: &end}.Patch()
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if _, err := (model.PatchSpec{}).Patch(); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("empty spec err = %v", err)
	}
}

func TestNoopPatchRecordsNothing(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	out, err := f.l.Apply(ctx, "u1", "c1", model.Shift{Minutes: 0}, "u1")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !out.NoOp || out.Action != nil || out.Conflict.Status != model.ConflictOpen {
		t.Fatalf("outcome = %+v", out)
	}
	log, _ := f.st.ListActions(ctx, "u1", "")
	if len(log) != 0 {
		t.Fatalf("action log = %+v", log)
	}
}

func TestInvalidPatchLeavesConflictOpen(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, err := f.l.Apply(ctx, "u1", "c1", model.Shorten{NewEnd: at(13, 0)}, "u1")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	c, _ := f.st.GetConflict(ctx, "u1", "c1")
	if c.Status != model.ConflictOpen {
		t.Fatalf("status = %s", c.Status)
	}
}

func TestFailedAppendRollsBack(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.actions.fail.Store(true)

	_, err := f.l.Apply(ctx, "u1", "c1", model.Shorten{NewEnd: at(14, 10)}, "u1")
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("err = %v", err)
	}
	ev, _ := f.st.GetEvent(ctx, "u1", "e1")
	if !ev.EndsAt.Equal(at(14, 30)) {
		t.Fatalf("event not restored: %+v", ev)
	}
	c, _ := f.st.GetConflict(ctx, "u1", "c1")
	if c.Status != model.ConflictOpen || c.DecidedAt != nil {
		t.Fatalf("conflict not reopened: %+v", c)
	}

	f.actions.fail.Store(false)
	if _, err := f.l.Apply(ctx, "u1", "c1", model.Shorten{NewEnd: at(14, 10)}, "u1"); err != nil {
		t.Fatalf("retry Apply: %v", err)
	}
}

func TestUndoAppliesInverseToCurrentState(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	if _, err := f.l.Apply(ctx, "u1", "c1", model.Shift{Minutes: 30}, "u1"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// Someone else moves the event another hour later.
	if _, err := f.st.MutateEvent(ctx, "u1", "e1", model.Shift{Minutes: 60}); err != nil {
		t.Fatalf("MutateEvent: %v", err)
	}
	u, err := f.l.Undo(ctx, "u1", "tok-1", "u1")
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !u.Event.StartsAt.Equal(at(15, 0)) {
		t.Fatalf("start after undo = %v, want 15:00", u.Event.StartsAt)
	}
}

func TestApplySuggestedUsesHeuristic(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	out, advice, err := f.l.ApplySuggested(ctx, "u1", "c1", "u1")
	if err != nil {
		t.Fatalf("ApplySuggested: %v", err)
	}
	if advice.Patch != (model.Shift{Minutes: 30}) {
		t.Fatalf("advice = %+v", advice)
	}
	if !out.Event.StartsAt.Equal(at(14, 30)) {
		t.Fatalf("event = %+v", out.Event)
	}
}
