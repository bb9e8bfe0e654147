package scan

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"quietcal/internal/apperr"
	appLog "quietcal/internal/log"
)

// Job is one unit of scheduled work.
type Job func(ctx context.Context) error

// Scheduler runs jobs on a cron schedule. A run that is still going when the
// next tick fires is skipped rather than stacked.
type Scheduler struct {
	c   *cron.Cron
	ctx context.Context

	mu      sync.Mutex
	running map[string]bool
}

// NewScheduler evaluates schedules in loc.
func NewScheduler(ctx context.Context, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		c:       cron.New(cron.WithLocation(loc)),
		ctx:     ctx,
		running: make(map[string]bool),
	}
}

// Add registers job under name with a standard five-field spec.
func (s *Scheduler) Add(name, spec string, job Job) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return apperr.Validation("scan.schedule", "bad cron spec %q: %v", spec, err)
	}
	_, err := s.c.AddFunc(spec, func() { s.Run(name, job) })
	return err
}

// Run executes job now unless a previous run of name is in flight.
func (s *Scheduler) Run(name string, job Job) {
	s.mu.Lock()
	if s.running[name] {
		s.mu.Unlock()
		appLog.Warn("scheduler: previous run still in progress, skipping", "job", name)
		return
	}
	s.running[name] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, name)
		s.mu.Unlock()
	}()

	began := time.Now()
	if err := job(s.ctx); err != nil {
		appLog.Error("scheduler: job failed", err, "job", name)
		return
	}
	appLog.Info("scheduler: job done", "job", name, "took", time.Since(began).Round(time.Millisecond).String())
}

func (s *Scheduler) Start() { s.c.Start() }

// Stop stops the schedule and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}
