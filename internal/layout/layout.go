// Package layout assigns the events of one day to horizontal lanes so that
// overlapping events never share a lane, and derives their pixel geometry.
package layout

import (
	"sort"
	"time"

	"quietcal/internal/interval"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

const (
	DefaultPxPerHour = 64
	// minRenderedMinutes keeps zero and near-zero events visible.
	minRenderedMinutes = 15
	laneGutterPct      = 2
)

// Options tunes a layout pass.
type Options struct {
	// PxPerHour is the vertical scale. Zero means DefaultPxPerHour.
	PxPerHour float64

	// ClusterWidths sizes lanes per overlap cluster instead of per day.
	// The default (false) narrows every event to the day's maximum lane
	// count, even events that never overlap anything.
	ClusterWidths bool
}

// Skip records an event left out of the layout and why.
type Skip struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
}

// Result is one render pass over a day.
type Result struct {
	Placements []model.Placement `json:"placements"`
	LaneCount  int               `json:"lane_count"`
	Skipped    []Skip            `json:"skipped,omitempty"`
}

type item struct {
	ev       model.Event
	startMin int
	endMin   int
}

type activeLane struct {
	end    time.Time
	lane   int
}

// Compute lays out events for the local day containing day. Events are
// sorted by start with ties kept in input order; each takes the lowest lane
// not held by an event still running at its start.
func Compute(day time.Time, events []model.Event, opts Options) Result {
	pxPerHour := opts.PxPerHour
	if pxPerHour <= 0 {
		pxPerHour = DefaultPxPerHour
	}
	pxPerMinute := pxPerHour / 60
	dayStart, dayEnd := interval.DayBounds(day)
	dayLen := int(dayEnd.Sub(dayStart).Minutes())

	var res Result
	items := make([]item, 0, len(events))
	for _, raw := range events {
		if raw.StartsAt.IsZero() {
			res.Skipped = append(res.Skipped, Skip{EventID: raw.ID, Reason: "missing start"})
			appLog.Debug("layout: skipping event without start", "event_id", raw.ID)
			continue
		}
		ev := raw.Normalized()
		if !ev.Blocking() {
			res.Skipped = append(res.Skipped, Skip{EventID: ev.ID, Reason: nonBlockingReason(ev)})
			continue
		}
		if !interval.Intersects(ev.StartsAt, ev.EndsAt, dayStart, dayEnd) {
			res.Skipped = append(res.Skipped, Skip{EventID: ev.ID, Reason: "outside day"})
			continue
		}
		items = append(items, item{
			ev:       ev,
			startMin: clampMin(ev.StartsAt.Sub(dayStart), dayLen),
			endMin:   clampMinCeil(ev.EndsAt.Sub(dayStart), dayLen),
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ev.StartsAt.Before(items[j].ev.StartsAt)
	})

	lanes := make([]int, len(items))
	clusters := make([]int, len(items))
	var active []activeLane
	cluster := -1
	for i, it := range items {
		kept := active[:0]
		for _, a := range active {
			if a.end.After(it.ev.StartsAt) {
				kept = append(kept, a)
			}
		}
		active = kept
		if len(active) == 0 {
			cluster++
		}

		lane := firstFreeLane(active)
		active = append(active, activeLane{end: it.ev.EndsAt, lane: lane})
		lanes[i] = lane
		clusters[i] = cluster
		if lane+1 > res.LaneCount {
			res.LaneCount = lane + 1
		}
	}

	clusterLanes := make(map[int]int)
	for i := range items {
		if lanes[i]+1 > clusterLanes[clusters[i]] {
			clusterLanes[clusters[i]] = lanes[i] + 1
		}
	}

	res.Placements = make([]model.Placement, 0, len(items))
	for i, it := range items {
		count := res.LaneCount
		if opts.ClusterWidths {
			count = clusterLanes[clusters[i]]
		}
		rendered := it.endMin - it.startMin
		if rendered < minRenderedMinutes {
			rendered = minRenderedMinutes
		}
		res.Placements = append(res.Placements, model.Placement{
			EventID:      it.ev.ID,
			Title:        it.ev.Title,
			LaneIndex:    lanes[i],
			LaneCount:    count,
			StartMin:     it.startMin,
			EndMin:       it.endMin,
			TopPx:        float64(it.startMin) * pxPerMinute,
			HeightPx:     float64(rendered) * pxPerMinute,
			LaneLeftPct:  float64(lanes[i]) / float64(count) * 100,
			LaneWidthPct: 100/float64(count) - laneGutterPct,
		})
	}
	return res
}

func firstFreeLane(active []activeLane) int {
	used := make(map[int]bool, len(active))
	for _, a := range active {
		used[a.lane] = true
	}
	lane := 0
	for used[lane] {
		lane++
	}
	return lane
}

func clampMin(d time.Duration, dayLen int) int {
	return clamp(int(d/time.Minute), dayLen)
}

// clampMinCeil rounds a partial trailing minute up.
func clampMinCeil(d time.Duration, dayLen int) int {
	m := int(d / time.Minute)
	if d%time.Minute > 0 {
		m++
	}
	return clamp(m, dayLen)
}

func clamp(m, dayLen int) int {
	if m < 0 {
		return 0
	}
	if m > dayLen {
		return dayLen
	}
	return m
}

func nonBlockingReason(ev model.Event) string {
	switch {
	case ev.DeletedAt != nil:
		return "deleted"
	case ev.Status == model.StatusCancelled:
		return "cancelled"
	default:
		return "free"
	}
}

// MaxConcurrency returns the largest number of placements running at any
// instant. With the default options it equals Result.LaneCount.
func MaxConcurrency(placements []model.Placement) int {
	type edge struct {
		at    int
		delta int
	}
	edges := make([]edge, 0, 2*len(placements))
	for _, p := range placements {
		if p.EndMin <= p.StartMin {
			continue
		}
		edges = append(edges, edge{p.StartMin, 1}, edge{p.EndMin, -1})
	}
	// Ends before starts at the same minute: touching is not overlap.
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].at != edges[j].at {
			return edges[i].at < edges[j].at
		}
		return edges[i].delta < edges[j].delta
	})
	cur, best := 0, 0
	for _, e := range edges {
		cur += e.delta
		if cur > best {
			best = cur
		}
	}
	return best
}
