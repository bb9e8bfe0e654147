// Package windows builds the protected windows of a day from named base
// times (prayer times or any other recurring quiet hours) and a per-window
// buffer table.
package windows

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"quietcal/internal/interval"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
)

// Spec configures one named window. PreMin is usually negative (minutes
// before the base time); PostMin positive.
type Spec struct {
	Name    string `yaml:"name" json:"name"`
	PreMin  int    `yaml:"pre" json:"pre"`
	PostMin int    `yaml:"post" json:"post"`
	// RRule optionally restricts the days the window applies, for example
	// "FREQ=WEEKLY;BYDAY=FR". Empty means every day.
	RRule string `yaml:"rrule,omitempty" json:"rrule,omitempty"`
}

// Table is the ordered buffer table. Build emits windows in this order.
type Table []Spec

// DefaultTable is the five daily prayers with their customary buffers.
func DefaultTable() Table {
	return Table{
		{Name: "fajr", PreMin: -5, PostMin: 20},
		{Name: "dhuhr", PreMin: -10, PostMin: 30},
		{Name: "asr", PreMin: -10, PostMin: 30},
		{Name: "maghrib", PreMin: -5, PostMin: 20},
		{Name: "isha", PreMin: -10, PostMin: 30},
	}
}

// Lookup returns the spec for name, matched case-insensitively.
func (t Table) Lookup(name string) (Spec, bool) {
	for _, s := range t {
		if strings.EqualFold(s.Name, name) {
			return s, true
		}
	}
	return Spec{}, false
}

// AppliesOn reports whether the spec's rule has an occurrence on day. Rules
// are anchored at 2000-01-01 (a Saturday) in day's location. An unparseable
// rule is logged and treated as "every day".
func (s Spec) AppliesOn(day time.Time) bool {
	if strings.TrimSpace(s.RRule) == "" {
		return true
	}
	r, err := rrule.StrToRRule(s.RRule)
	if err != nil {
		appLog.Error("windows: bad rrule; applying every day", err, "window", s.Name, "rrule", s.RRule)
		return true
	}
	start, end := interval.DayBounds(day)
	r.DTStart(time.Date(2000, time.January, 1, 0, 0, 0, 0, day.Location()))
	return len(r.Between(start, end.Add(-time.Nanosecond), true)) > 0
}

// Build returns one window per table entry whose base time is present for
// day. Missing names are skipped, never defaulted; unparseable clocks are
// logged and skipped.
func Build(day time.Time, baseTimes map[string]string, table Table) []model.ProtectedWindow {
	out := make([]model.ProtectedWindow, 0, len(table))
	for _, spec := range table {
		clock, ok := lookupBase(baseTimes, spec.Name)
		if !ok {
			continue
		}
		if !spec.AppliesOn(day) {
			continue
		}
		base, err := interval.AtClock(day, clock)
		if err != nil {
			appLog.Error("windows: skipping unparseable base time", err,
				"window", spec.Name, "date", interval.DateISO(day))
			continue
		}
		out = append(out, model.ProtectedWindow{
			Name:          spec.Name,
			BaseTime:      clock,
			PreBufferMin:  spec.PreMin,
			PostBufferMin: spec.PostMin,
			Start:         interval.AddMinutes(base, spec.PreMin),
			End:           interval.AddMinutes(base, spec.PostMin),
		})
	}
	return out
}

func lookupBase(baseTimes map[string]string, name string) (string, bool) {
	if v, ok := baseTimes[name]; ok && strings.TrimSpace(v) != "" {
		return v, true
	}
	for k, v := range baseTimes {
		if strings.EqualFold(k, name) && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}
