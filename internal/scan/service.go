// Package scan runs the read side of the calendar: it loads a day's events,
// builds that day's protected windows, lays the day out and records the
// conflicts it finds.
package scan

import (
	"context"
	"time"

	"quietcal/internal/apperr"
	"quietcal/internal/conflict"
	"quietcal/internal/interval"
	"quietcal/internal/layout"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
	"quietcal/internal/store"
	"quietcal/internal/windows"
)

// EventSource loads events overlapping a range, series expanded.
type EventSource interface {
	LoadEvents(ctx context.Context, ownerID string, from, to time.Time) ([]model.Event, error)
}

// Recorder persists one scan's findings.
type Recorder interface {
	RecordDetected(ctx context.Context, ownerID, dateISO string, detected []model.Conflict) (store.RecordResult, error)
}

type Service struct {
	Events     EventSource
	Recorder   Recorder
	BaseTimes  windows.Provider
	Table      windows.Table
	Detector   *conflict.Detector
	LayoutOpts layout.Options
	Location   *time.Location
}

// Report is the outcome of scanning one owner's day.
type Report struct {
	OwnerID   string                  `json:"owner_id"`
	Date      string                  `json:"date"`
	Windows   []model.ProtectedWindow `json:"windows"`
	Conflicts []model.Conflict        `json:"conflicts"`
	Skipped   []conflict.Skip         `json:"skipped,omitempty"`
	Created   int                     `json:"created"`
	Updated   int                     `json:"updated"`
	Cleared   int                     `json:"cleared"`
}

// DayView is a laid-out day plus its protected windows.
type DayView struct {
	Date    string                  `json:"date"`
	Windows []model.ProtectedWindow `json:"windows"`
	Layout  layout.Result           `json:"layout"`
}

func (s *Service) loc() *time.Location {
	if s.Location == nil {
		return time.UTC
	}
	return s.Location
}

// Day parses dateISO (empty means today) as a local midnight.
func (s *Service) Day(dateISO string) (time.Time, error) {
	if dateISO == "" {
		return interval.StartOfDay(time.Now().In(s.loc())), nil
	}
	d, err := interval.ParseDate(dateISO, s.loc())
	if err != nil {
		return time.Time{}, apperr.Validation("scan.day", "bad date %q: %v", dateISO, err)
	}
	return d, nil
}

// Windows builds the owner's protected windows for day.
func (s *Service) Windows(ctx context.Context, ownerID string, day time.Time) ([]model.ProtectedWindow, error) {
	if s.BaseTimes == nil {
		return nil, nil
	}
	base, err := s.BaseTimes.BaseTimes(ctx, ownerID, interval.DateISO(day))
	if err != nil {
		if apperr.KindOf(err) != nil {
			return nil, err
		}
		return nil, apperr.Upstream("scan.windows", err)
	}
	return windows.Build(day, base, s.Table), nil
}

func (s *Service) dayEvents(ctx context.Context, ownerID string, day time.Time) ([]model.Event, error) {
	from, to := interval.DayBounds(day)
	return s.Events.LoadEvents(ctx, ownerID, from, to)
}

// Layout places the owner's events for dateISO into lanes.
func (s *Service) Layout(ctx context.Context, ownerID, dateISO string) (DayView, error) {
	day, err := s.Day(dateISO)
	if err != nil {
		return DayView{}, err
	}
	events, err := s.dayEvents(ctx, ownerID, day)
	if err != nil {
		return DayView{}, err
	}
	ws, err := s.Windows(ctx, ownerID, day)
	if err != nil {
		appLog.Warn("scan: laying out without windows", "owner_id", ownerID, "err", err.Error())
	}
	return DayView{
		Date:    interval.DateISO(day),
		Windows: ws,
		Layout:  layout.Compute(day, events, s.LayoutOpts),
	}, nil
}

// ScanDay detects and records conflicts for one owner and date.
func (s *Service) ScanDay(ctx context.Context, ownerID, dateISO string) (Report, error) {
	day, err := s.Day(dateISO)
	if err != nil {
		return Report{}, err
	}
	date := interval.DateISO(day)
	rep := Report{OwnerID: ownerID, Date: date}

	ws, err := s.Windows(ctx, ownerID, day)
	if err != nil {
		return rep, err
	}
	rep.Windows = ws

	det := s.Detector
	if det == nil {
		det = conflict.NewDetector()
	}
	from, to := det.Span(day, ws)
	events, err := s.Events.LoadEvents(ctx, ownerID, from, to)
	if err != nil {
		return rep, err
	}
	found := det.Detect(conflict.Input{OwnerID: ownerID, Day: day, Events: events, Windows: ws})
	rep.Skipped = found.Skipped

	rec, err := s.Recorder.RecordDetected(ctx, ownerID, date, found.Conflicts)
	if err != nil {
		return rep, err
	}
	rep.Conflicts = rec.Conflicts
	rep.Created, rep.Updated, rep.Cleared = rec.Created, rec.Updated, rec.Cleared
	return rep, nil
}

// ScanRange scans days consecutive days starting at from. A failing day is
// logged and the rest still run; the first error is returned at the end.
func (s *Service) ScanRange(ctx context.Context, ownerID string, from time.Time, days int) ([]Report, error) {
	var (
		out      []Report
		firstErr error
	)
	start := interval.StartOfDay(from.In(s.loc()))
	for i := 0; i < days; i++ {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		date := interval.DateISO(start.AddDate(0, 0, i))
		rep, err := s.ScanDay(ctx, ownerID, date)
		if err != nil {
			appLog.Error("scan: day failed", err, "owner_id", ownerID, "date", date)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, rep)
	}
	return out, firstErr
}
