// Package store keeps events, conflicts and the action log per owner. It is
// an in-memory store with optional write-through to a diskv directory, so a
// restart reloads everything that was written.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peterbourgon/diskv/v3"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

const (
	kindEvent    = "event"
	kindConflict = "conflict"
	kindAction   = "action"
)

// Options configures a Store. An empty Dir keeps everything in memory.
type Options struct {
	Dir string
	// Location is the zone recurring series are expanded in.
	Location *time.Location
	Clock    func() time.Time
}

type ownerData struct {
	events    map[string]model.Event
	conflicts map[string]model.Conflict
	byKey     map[string]string
	actions   []model.AutopilotAction
	tokens    map[string]int
}

func newOwnerData() *ownerData {
	return &ownerData{
		events:    make(map[string]model.Event),
		conflicts: make(map[string]model.Conflict),
		byKey:     make(map[string]string),
		tokens:    make(map[string]int),
	}
}

type Store struct {
	mu     sync.RWMutex
	owners map[string]*ownerData
	disk   *diskv.Diskv
	loc    *time.Location
	clock  func() time.Time
}

// NewMemory returns a store with no disk backing.
func NewMemory() *Store {
	s, _ := Open(Options{})
	return s
}

// Open builds a store and, when opts.Dir is set, loads everything
// previously written there.
func Open(opts Options) (*Store, error) {
	s := &Store{
		owners: make(map[string]*ownerData),
		loc:    opts.Location,
		clock:  opts.Clock,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if opts.Dir == "" {
		return s, nil
	}
	s.disk = diskv.New(diskv.Options{
		BasePath:          opts.Dir,
		AdvancedTransform: keyToPathTransform,
		InverseTransform:  pathToKeyTransform,
		CacheSizeMax:      1024 * 1024,
	})
	if err := s.load(); err != nil {
		return nil, apperr.Persistence("store.open", err)
	}
	return s, nil
}

// load replays the disk contents into memory. Records that do not decode
// are logged and skipped.
func (s *Store) load() error {
	done := make(chan struct{})
	defer close(done)
	var n int
	for key := range s.disk.Keys(done) {
		kind, _, _, ok := splitKey(key)
		if !ok {
			appLog.Warn("store: ignoring unrecognized key", "key", key)
			continue
		}
		val, err := s.disk.Read(key)
		if err != nil {
			return fmt.Errorf("read %s: %w", key, err)
		}
		switch kind {
		case kindEvent:
			var ev model.Event
			if err := json.Unmarshal(val, &ev); err != nil {
				appLog.Error("store: skipping corrupt event", err, "key", key)
				continue
			}
			s.owner(ev.OwnerID).events[ev.ID] = ev
		case kindConflict:
			var c model.Conflict
			if err := json.Unmarshal(val, &c); err != nil {
				appLog.Error("store: skipping corrupt conflict", err, "key", key)
				continue
			}
			od := s.owner(c.OwnerID)
			od.conflicts[c.ID] = c
			if prev, ok := od.byKey[c.Key]; !ok || od.conflicts[prev].DetectedAt.Before(c.DetectedAt) {
				od.byKey[c.Key] = c.ID
			}
		case kindAction:
			var a model.AutopilotAction
			if err := json.Unmarshal(val, &a); err != nil {
				appLog.Error("store: skipping corrupt action", err, "key", key)
				continue
			}
			od := s.owner(a.OwnerID)
			od.actions = append(od.actions, a)
		}
		n++
	}
	for _, od := range s.owners {
		sortActions(od.actions)
		for i, a := range od.actions {
			if a.UndoToken != "" {
				od.tokens[a.UndoToken] = i
			}
		}
	}
	appLog.Info("store: loaded records from disk", "count", n)
	return nil
}

func (s *Store) owner(id string) *ownerData {
	od, ok := s.owners[id]
	if !ok {
		od = newOwnerData()
		s.owners[id] = od
	}
	return od
}

// lookup never creates owner data, so reads stay allocation free.
func (s *Store) lookup(id string) *ownerData {
	return s.owners[id]
}

// persist writes v under key when disk backing is enabled.
func (s *Store) persist(op, key string, v any) error {
	if s.disk == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	if err := s.disk.Write(key, b); err != nil {
		return apperr.Persistence(op, err)
	}
	return nil
}

// Owners lists every owner with stored data, sorted.
func (s *Store) Owners() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.owners))
	for id := range s.owners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// keys are kind-hex(owner)-hex(id) so that no user-supplied byte can reach
// the file system path.
func storeKey(kind, ownerID, id string) string {
	return kind + "-" + hex.EncodeToString([]byte(ownerID)) + "-" + hex.EncodeToString([]byte(id))
}

func splitKey(key string) (kind, ownerID, id string, ok bool) {
	parts := strings.Split(key, "-")
	if len(parts) != 3 {
		return "", "", "", false
	}
	o, err1 := hex.DecodeString(parts[1])
	i, err2 := hex.DecodeString(parts[2])
	if err1 != nil || err2 != nil {
		return "", "", "", false
	}
	return parts[0], string(o), string(i), true
}

func keyToPathTransform(s string) *diskv.PathKey {
	parts := strings.Split(s, "-")
	return &diskv.PathKey{
		Path:     parts[:len(parts)-1],
		FileName: parts[len(parts)-1],
	}
}

func pathToKeyTransform(pathKey *diskv.PathKey) string {
	return fmt.Sprintf("%s-%s", strings.Join(pathKey.Path, "-"), pathKey.FileName)
}

func newID() string { return uuid.NewString() }

func sortActions(as []model.AutopilotAction) {
	sort.SliceStable(as, func(i, j int) bool {
		if as[i].CreatedAt.Equal(as[j].CreatedAt) {
			return as[i].ID < as[j].ID
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}

func checkOwner(op, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return apperr.Validation(op, "owner id is required")
	}
	return nil
}

func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return apperr.Persistence(op, err)
	}
	return nil
}
