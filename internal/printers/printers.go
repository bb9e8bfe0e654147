// Package printers renders CLI output as aligned, colored tables.
package printers

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/gosuri/uitable"

	"quietcal/internal/advisor"
	"quietcal/internal/model"
	"quietcal/internal/scan"
)

// Printer writes either tables or JSON to Out.
type Printer struct {
	Out      io.Writer
	JSON     bool
	Location *time.Location
}

// New prints to color.Output, which strips escapes on terminals that do
// not support them.
func New(asJSON bool, loc *time.Location) *Printer {
	if loc == nil {
		loc = time.UTC
	}
	return &Printer{Out: color.Output, JSON: asJSON, Location: loc}
}

func (p *Printer) json(v any) error {
	enc := json.NewEncoder(p.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) clock(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(p.Location).Format("15:04")
}

func newTable(headers ...any) *uitable.Table {
	bold := color.New(color.Bold)
	tbl := uitable.New()
	tbl.Separator = "  "
	tbl.MaxColWidth = 48
	hs := make([]any, len(headers))
	for i, h := range headers {
		hs[i] = bold.Sprint(h)
	}
	tbl.AddRow(hs...)
	return tbl
}

func (p *Printer) none(what string) {
	f := color.New(color.Faint, color.Italic)
	_, _ = f.Fprintf(p.Out, " no %s\n", what)
}

var severityColor = map[model.Severity]*color.Color{
	model.SeverityHigh:   color.New(color.FgHiRed, color.Bold),
	model.SeverityMedium: color.New(color.FgYellow),
	model.SeverityLow:    color.New(color.Faint),
}

func severity(s model.Severity) string {
	if c, ok := severityColor[s]; ok {
		return c.Sprint(string(s))
	}
	return string(s)
}

// Layout prints the day's windows, then one row per placement.
func (p *Printer) Layout(v scan.DayView) error {
	if p.JSON {
		return p.json(v)
	}
	t := color.New(color.Bold, color.Underline)
	_, _ = t.Fprintln(p.Out, v.Date)
	for _, w := range v.Windows {
		_, _ = fmt.Fprintf(p.Out, "  %s %s-%s\n", color.New(color.FgCyan).Sprint(w.Name), p.clock(w.Start), p.clock(w.End))
	}
	if len(v.Layout.Placements) == 0 {
		p.none("events")
		return nil
	}
	tbl := newTable("START", "END", "LANE", "TITLE")
	for _, pl := range v.Layout.Placements {
		tbl.AddRow(minuteClock(pl.StartMin), minuteClock(pl.EndMin),
			strconv.Itoa(pl.LaneIndex+1)+"/"+strconv.Itoa(pl.LaneCount), pl.Title)
	}
	_, _ = fmt.Fprintln(p.Out, tbl)
	for _, s := range v.Layout.Skipped {
		_, _ = color.New(color.Faint).Fprintf(p.Out, "  skipped %s: %s\n", s.EventID, s.Reason)
	}
	return nil
}

func minuteClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}

// Conflicts prints a conflict table.
func (p *Printer) Conflicts(cs []model.Conflict) error {
	if p.JSON {
		if cs == nil {
			cs = []model.Conflict{}
		}
		return p.json(cs)
	}
	if len(cs) == 0 {
		p.none("conflicts")
		return nil
	}
	tbl := newTable("ID", "DATE", "WINDOW", "EVENT", "OVERLAP", "SEVERITY", "STATUS", "SUGGESTED")
	for _, c := range cs {
		sug := "-"
		if c.SuggestedStart != nil {
			sug = p.clock(*c.SuggestedStart)
		}
		tbl.AddRow(c.ID, c.DateISO, c.WindowName, c.EventID,
			strconv.Itoa(c.OverlapMinutes)+"m", severity(c.Severity), string(c.Status), sug)
	}
	_, _ = fmt.Fprintln(p.Out, tbl)
	return nil
}

// Reports prints one summary line per scanned day, then the conflicts.
func (p *Printer) Reports(reps []scan.Report) error {
	if p.JSON {
		return p.json(reps)
	}
	var all []model.Conflict
	for _, r := range reps {
		_, _ = fmt.Fprintf(p.Out, "%s  %s: %d windows, %d new, %d updated, %d cleared\n",
			color.New(color.Bold).Sprint(r.Date), r.OwnerID, len(r.Windows), r.Created, r.Updated, r.Cleared)
		all = append(all, r.Conflicts...)
	}
	return p.Conflicts(all)
}

// Outcome prints what a ledger call changed.
func (p *Printer) Outcome(c model.Conflict, ev model.Event, a *model.AutopilotAction, noop bool) error {
	if p.JSON {
		return p.json(map[string]any{"conflict": c, "event": ev, "action": a, "noop": noop})
	}
	if noop {
		_, _ = color.New(color.FgYellow).Fprintln(p.Out, "nothing to change")
		return nil
	}
	_, _ = fmt.Fprintf(p.Out, "conflict %s is now %s\n", c.ID, color.New(color.Bold).Sprint(string(c.Status)))
	if ev.ID != "" {
		_, _ = fmt.Fprintf(p.Out, "event %s: %s-%s %s\n", ev.ID, p.clock(ev.StartsAt), p.clock(ev.EndsAt), ev.Status)
	}
	if a != nil && a.Action != model.ActionUndo {
		_, _ = fmt.Fprintf(p.Out, "undo token: %s\n", color.New(color.FgGreen).Sprint(a.UndoToken))
	}
	return nil
}

// Actions prints the action log.
func (p *Printer) Actions(as []model.AutopilotAction) error {
	if p.JSON {
		return p.json(as)
	}
	if len(as) == 0 {
		p.none("actions")
		return nil
	}
	tbl := newTable("WHEN", "ACTION", "CONFLICT", "EVENT", "BY", "REVERTS")
	for _, a := range as {
		tbl.AddRow(a.CreatedAt.In(p.Location).Format(time.RFC3339), string(a.Action), a.ConflictID, a.EventID, a.DecidedBy, a.RevertsToken)
	}
	_, _ = fmt.Fprintln(p.Out, tbl)
	return nil
}

// Suggestion prints advice for one conflict.
func (p *Printer) Suggestion(c model.Conflict, a advisor.Advice) error {
	if p.JSON {
		out := map[string]any{"conflict_id": c.ID, "source": a.Source, "confidence": a.Confidence, "rationale": a.Rationale}
		if a.Patch != nil {
			out["action"] = a.Patch.Kind()
			out["patch"] = a.Patch.Spec()
		}
		return p.json(out)
	}
	if a.Patch == nil {
		p.none("suggestion")
		return nil
	}
	_, _ = fmt.Fprintf(p.Out, "%s: %s (%s, confidence %.2f)\n", c.ID, color.New(color.Bold).Sprint(string(a.Patch.Kind())), a.Source, a.Confidence)
	if a.Rationale != "" {
		_, _ = fmt.Fprintf(p.Out, "  %s\n", a.Rationale)
	}
	for _, alt := range a.Alternatives {
		_, _ = fmt.Fprintf(p.Out, "  or %s\n", alt.Kind())
	}
	return nil
}
