package store

import (
	"context"
	"strings"

	"quietcal/internal/apperr"
	"quietcal/internal/model"
)

// AppendAction adds an entry to the owner's action log. The log is
// append-only and undo tokens are unique per owner.
func (s *Store) AppendAction(ctx context.Context, a model.AutopilotAction) error {
	const op = "store.append_action"
	if err := checkOwner(op, a.OwnerID); err != nil {
		return err
	}
	if err := ctxErr(ctx, op); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = newID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	od := s.owner(a.OwnerID)
	if a.UndoToken != "" {
		if _, dup := od.tokens[a.UndoToken]; dup {
			return apperr.ConflictState(op, "undo token already issued")
		}
	}
	if err := s.persist(op, storeKey(kindAction, a.OwnerID, a.ID), a); err != nil {
		return err
	}
	od.actions = append(od.actions, a)
	if a.UndoToken != "" {
		od.tokens[a.UndoToken] = len(od.actions) - 1
	}
	return nil
}

// ActionByToken looks a token up within one owner. Tokens of other owners
// are indistinguishable from unknown ones.
func (s *Store) ActionByToken(ctx context.Context, ownerID, token string) (model.AutopilotAction, error) {
	const op = "store.action_by_token"
	if err := ctxErr(ctx, op); err != nil {
		return model.AutopilotAction{}, err
	}
	if strings.TrimSpace(token) == "" {
		return model.AutopilotAction{}, apperr.NotFound(op, "undo token not found")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if od := s.lookup(ownerID); od != nil {
		if i, ok := od.tokens[token]; ok {
			return od.actions[i], nil
		}
	}
	return model.AutopilotAction{}, apperr.NotFound(op, "undo token not found")
}

// ListActions returns the owner's log in append order, optionally limited to
// one conflict.
func (s *Store) ListActions(ctx context.Context, ownerID, conflictID string) ([]model.AutopilotAction, error) {
	const op = "store.list_actions"
	if err := ctxErr(ctx, op); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	od := s.lookup(ownerID)
	if od == nil {
		return nil, nil
	}
	out := make([]model.AutopilotAction, 0, len(od.actions))
	for _, a := range od.actions {
		if conflictID == "" || a.ConflictID == conflictID {
			out = append(out, a)
		}
	}
	return out, nil
}
