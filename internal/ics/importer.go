// Package ics imports events from iCalendar feeds and files into the store.
package ics

import (
	"context"
	"os"
	"time"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
	"quietcal/internal/model"
	"quietcal/internal/recur"
)

// EventSink receives parsed events for one owner.
type EventSink interface {
	UpsertEvents(ctx context.Context, ownerID string, events []model.Event) (int, error)
}

// Importer fetches, parses and stores calendar feeds.
type Importer struct {
	Fetcher  *Fetcher
	Sink     EventSink
	Location *time.Location
}

// ImportResult summarizes one Import run.
type ImportResult struct {
	Sources int      `json:"sources"`
	Events  int      `json:"events"`
	Cached  int      `json:"cached"`
	Errors  []string `json:"errors,omitempty"`
}

// Import processes every source. A source that fails to fetch or parse is
// reported in the result and the rest still run; only a store failure
// aborts.
func (im *Importer) Import(ctx context.Context, sources []Source) (ImportResult, error) {
	var res ImportResult
	fetched, errs := im.Fetcher.FetchAll(ctx, sources)
	for _, err := range errs {
		res.Errors = append(res.Errors, err.Error())
	}
	for _, fr := range fetched {
		n, err := im.store(ctx, fr.Source, fr.Body)
		if err != nil {
			if apperr.KindOf(err) == apperr.ErrPersistence {
				return res, err
			}
			res.Errors = append(res.Errors, fr.Source.ID+": "+err.Error())
			continue
		}
		res.Sources++
		res.Events += n
		if fr.FromCache {
			res.Cached++
		}
	}
	appLog.Info("ics: import finished", "sources", res.Sources, "events", res.Events, "errors", len(res.Errors))
	return res, nil
}

// ImportFile reads a local .ics file as source src.
func (im *Importer) ImportFile(ctx context.Context, src Source, path string) (int, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return 0, apperr.Validation("ics.import_file", "read %s: %v", path, err)
	}
	return im.store(ctx, src, body)
}

func (im *Importer) store(ctx context.Context, src Source, body []byte) (int, error) {
	if src.OwnerID == "" {
		return 0, apperr.Validation("ics.import", "source %q has no owner", src.ID)
	}
	events, err := Parse(src, body, im.Location)
	if err != nil {
		return 0, err
	}
	return im.Sink.UpsertEvents(ctx, src.OwnerID, mergeOverrides(events))
}

// mergeOverrides adds each detached occurrence's original start to its
// series' EXDATEs so the series stops generating it.
func mergeOverrides(events []model.Event) []model.Event {
	idx := make(map[string]int, len(events))
	for i, ev := range events {
		if ev.RecurrenceOf == "" {
			idx[ev.ID] = i
		}
	}
	for _, ev := range events {
		if ev.RecurrenceOf == "" {
			continue
		}
		i, ok := idx[ev.RecurrenceOf]
		if !ok {
			continue
		}
		_, start, ok := recur.ParseOccurrenceID(ev.ID)
		if !ok {
			continue
		}
		events[i].ExDates = append(events[i].ExDates, start)
	}
	return events
}
