// Package app wires the configured components together. Both the HTTP
// server and the CLI run on top of an App.
package app

import (
	"context"
	"fmt"
	"time"

	"quietcal/internal/advisor"
	"quietcal/internal/config"
	"quietcal/internal/conflict"
	"quietcal/internal/ics"
	"quietcal/internal/layout"
	"quietcal/internal/ledger"
	appLog "quietcal/internal/log"
	"quietcal/internal/scan"
	"quietcal/internal/store"
	"quietcal/internal/windows"
)

// Options tweak construction for tests and one-shot commands.
type Options struct {
	// Memory keeps the store in memory instead of under DataDir.
	Memory bool
	Clock  func() time.Time
}

type App struct {
	Config   *config.Config
	Location *time.Location
	Store    *store.Store
	Importer *ics.Importer
	Scan     *scan.Service
	Ledger   *ledger.Ledger
	Advisor  *advisor.Coordinator

	// fileTimes is set when base times come from a watched file.
	fileTimes *windows.FileProvider
	clock     func() time.Time
}

// New validates cfg and builds every component.
func New(cfg *config.Config, opts Options) (*App, error) {
	cfg.Normalize()
	if err := cfg.ExpandPaths(); err != nil {
		return nil, fmt.Errorf("expand paths: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	a := &App{Config: cfg, Location: loc, clock: clock}

	so := store.Options{Location: loc, Clock: clock}
	cacheDir := ""
	if !opts.Memory {
		so.Dir = cfg.StorePath()
		cacheDir = cfg.CachePath()
	}
	if a.Store, err = store.Open(so); err != nil {
		return nil, err
	}

	a.Importer = &ics.Importer{
		Fetcher:  ics.NewFetcher(cacheDir, 0),
		Sink:     a.Store,
		Location: loc,
	}

	var provider windows.Provider = windows.Static(cfg.BaseTimes.Static)
	if cfg.BaseTimes.File != "" {
		fp, err := windows.NewFileProvider(cfg.BaseTimes.File)
		if err != nil {
			return nil, fmt.Errorf("base times: %w", err)
		}
		a.fileTimes = fp
		provider = fp
	}

	det := conflict.NewDetector()
	det.GuardMinutes = cfg.Detector.GuardMinutes
	det.SuggestOffsetMinutes = cfg.Detector.SuggestOffsetMinutes
	det.Policy = cfg.Detector.Severity
	det.Now = clock

	a.Scan = &scan.Service{
		Events:     a.Store,
		Recorder:   a.Store,
		BaseTimes:  provider,
		Table:      cfg.Windows,
		Detector:   det,
		LayoutOpts: layout.Options{PxPerHour: cfg.Layout.PxPerHour, ClusterWidths: cfg.Layout.ClusterWidths},
		Location:   loc,
	}

	var primary advisor.Advisor
	if cfg.Advisor.URL != "" {
		primary = advisor.NewHTTPAdvisor(cfg.Advisor.URL, cfg.Advisor.Timeout)
	}
	var cache advisor.Cache
	if cfg.Advisor.CacheTTL > 0 {
		cache = advisor.NewTTLCache(cfg.Advisor.CacheTTL, clock)
	}
	a.Advisor = advisor.NewCoordinator(primary, cache)
	a.Advisor.Timeout = cfg.Advisor.Timeout
	a.Advisor.MinConfidence = cfg.Advisor.MinConfidence

	a.Ledger = ledger.New(ledger.Config{
		Events:    a.Store,
		Conflicts: a.Store,
		Actions:   a.Store,
		Advisor:   a.Advisor,
		Clock:     clock,
	})
	return a, nil
}

// Sources converts the configured feeds.
func (a *App) Sources() []ics.Source {
	out := make([]ics.Source, 0, len(a.Config.ICS))
	for _, s := range a.Config.ICS {
		out = append(out, ics.Source{ID: s.ID, OwnerID: s.Owner, URL: s.URL})
	}
	return out
}

// Owners is the configured owners plus every owner with stored data.
func (a *App) Owners() []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, o := range a.Config.Owners {
		add(o)
	}
	for _, s := range a.Config.ICS {
		add(s.Owner)
	}
	for _, o := range a.Store.Owners() {
		add(o)
	}
	return out
}

// RefreshResult summarizes one Refresh.
type RefreshResult struct {
	Import ics.ImportResult `json:"import"`
	Scans  []scan.Report    `json:"scans"`
}

// Refresh imports every feed, then scans the horizon for every owner.
func (a *App) Refresh(ctx context.Context) (RefreshResult, error) {
	var res RefreshResult
	if len(a.Config.ICS) > 0 {
		imp, err := a.Importer.Import(ctx, a.Sources())
		res.Import = imp
		if err != nil {
			return res, err
		}
	}
	today := a.clock().In(a.Location)
	var firstErr error
	for _, owner := range a.Owners() {
		reps, err := a.Scan.ScanRange(ctx, owner, today, a.Config.HorizonDays)
		res.Scans = append(res.Scans, reps...)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return res, firstErr
}

// Run refreshes once, then on the configured schedule until ctx ends. The
// base-times file, if any, is watched for changes.
func (a *App) Run(ctx context.Context) error {
	if a.fileTimes != nil {
		go func() {
			if err := a.fileTimes.Watch(ctx); err != nil {
				appLog.Error("base times watch stopped", err)
			}
		}()
	}

	job := func(ctx context.Context) error {
		res, err := a.Refresh(ctx)
		appLog.Info("refresh finished", "events", res.Import.Events, "days_scanned", len(res.Scans))
		return err
	}
	sched := scan.NewScheduler(ctx, a.Location)
	if err := sched.Add("refresh", a.Config.RefreshCron, job); err != nil {
		return err
	}
	go sched.Run("refresh", job)
	sched.Start()
	<-ctx.Done()
	sched.Stop()
	return nil
}
