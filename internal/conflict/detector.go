// Package conflict detects events that collide with the protected windows of
// a day and proposes a deterministic fallback fix for each collision.
package conflict

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"quietcal/internal/interval"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

const DefaultGuardMinutes = 20

// conflictNamespace seeds the name-based UUIDs so that re-running detection
// on identical inputs yields identical conflict IDs.
var conflictNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("quietcal:conflict"))

// Detector finds overlaps between events and protected windows.
type Detector struct {
	// GuardMinutes widens every window on both sides, on top of the
	// window's own pre/post buffer.
	GuardMinutes int
	// SuggestOffsetMinutes is added to the window end to form the
	// heuristic suggested start.
	SuggestOffsetMinutes int
	Policy               Policy
	Now                  func() time.Time
}

// NewDetector returns a detector with the default guard and policy.
func NewDetector() *Detector {
	return &Detector{
		GuardMinutes: DefaultGuardMinutes,
		Policy:       DefaultPolicy(),
		Now:          time.Now,
	}
}

// Input is one day's worth of detection work.
type Input struct {
	OwnerID string
	Day     time.Time
	Events  []model.Event
	Windows []model.ProtectedWindow
}

// Skip records an event that could not be checked.
type Skip struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

type Result struct {
	Conflicts []model.Conflict `json:"conflicts"`
	Skipped   []Skip           `json:"skipped,omitempty"`
}

// Detect checks every blocking event of the day against every window. An
// event conflicts with a window when [start,end) intersects
// [windowStart-guard, windowEnd+guard) strictly. Malformed events are
// skipped, never fatal.
func (d *Detector) Detect(in Input) Result {
	guard := d.guard()
	policy := d.Policy
	if len(policy) == 0 {
		policy = DefaultPolicy()
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	detectedAt := now().UTC()

	dayStart, _ := interval.DayBounds(in.Day)
	dateISO := interval.DateISO(dayStart)
	spanStart, spanEnd := d.Span(in.Day, in.Windows)

	var res Result
	events := make([]model.Event, 0, len(in.Events))
	for _, raw := range in.Events {
		if raw.StartsAt.IsZero() {
			res.Skipped = append(res.Skipped, Skip{EventID: raw.ID, Reason: "missing start"})
			appLog.Debug("conflict: skipping event without start", "event_id", raw.ID)
			continue
		}
		ev := raw.Normalized()
		if !ev.Blocking() || !interval.Intersects(ev.StartsAt, ev.EndsAt, spanStart, spanEnd) {
			continue
		}
		events = append(events, ev)
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].StartsAt.Before(events[j].StartsAt)
	})

	for _, ev := range events {
		for _, w := range in.Windows {
			guardStart := interval.AddMinutes(w.Start, -guard)
			guardEnd := interval.AddMinutes(w.End, guard)
			overlap := interval.OverlapMinutes(ev.StartsAt, ev.EndsAt, guardStart, guardEnd)
			if overlap == 0 {
				continue
			}
			key := Key(in.OwnerID, ev, dateISO, w.Name)
			suggested := interval.AddMinutes(w.End, d.SuggestOffsetMinutes).UTC()
			res.Conflicts = append(res.Conflicts, model.Conflict{
				ID:             IDForKey(key),
				Key:            key,
				OwnerID:        in.OwnerID,
				EventID:        ev.ID,
				DateISO:        dateISO,
				WindowName:     w.Name,
				WindowStart:    w.Start.UTC(),
				WindowEnd:      w.End.UTC(),
				OverlapMinutes: overlap,
				BufferMin:      guard,
				Severity:       policy.Classify(overlap, ev.Duration()),
				Status:         model.ConflictOpen,
				SuggestedStart: &suggested,
				DetectedAt:     detectedAt,
			})
		}
	}
	return res
}

func (d *Detector) guard() int {
	if d.GuardMinutes < 0 {
		return 0
	}
	return d.GuardMinutes
}

// Span is the range of events Detect looks at for day: the day itself,
// stretched to cover any guarded window that crosses midnight.
func (d *Detector) Span(day time.Time, ws []model.ProtectedWindow) (time.Time, time.Time) {
	from, to := interval.DayBounds(day)
	guard := d.guard()
	for _, w := range ws {
		if s := interval.AddMinutes(w.Start, -guard); s.Before(from) {
			from = s
		}
		if e := interval.AddMinutes(w.End, guard); e.After(to) {
			to = e
		}
	}
	return from, to
}

// Key fingerprints an event/window collision. It includes the event's
// times so that a moved event produces a new conflict.
func Key(ownerID string, ev model.Event, dateISO, window string) string {
	return strings.Join([]string{
		ownerID,
		ev.ID,
		dateISO,
		strings.ToLower(window),
		strconv.FormatInt(ev.StartsAt.Unix(), 10),
		strconv.FormatInt(ev.EndsAt.Unix(), 10),
	}, "|")
}

// IDForKey derives the stable conflict ID for a key.
func IDForKey(key string) string {
	return uuid.NewSHA1(conflictNamespace, []byte(key)).String()
}
