// Package scheduler runs Empathibot's periodic outreach on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BTreeMap/Empathibot/internal/checkin"
)

// Default cadences for the outreach jobs.
const (
	DefaultCheckInCron  = "0 10 * * *"
	DefaultFollowUpCron = "0 */4 * * *"
	// DefaultJobTimeout bounds a single run of a scheduled job.
	DefaultJobTimeout = 30 * time.Minute
)

// Job names registered by RegisterOutreach.
const (
	JobDailyCheckIns  = "daily-check-ins"
	JobCrisisFollowUp = "crisis-follow-ups"
)

// Scheduler provides cron-based job scheduling with named jobs.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field parser (min, hour, dom, month, dow) plus @every/@daily descriptors
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c, entries: make(map[string]cron.EntryID)}
}

// AddJob schedules task under name using the provided cron expression,
// replacing any job already registered under that name. It returns an error
// if the expression is invalid.
func (s *Scheduler) AddJob(name, expr string, task func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(expr, task)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	slog.Debug("Scheduler.AddJob: job scheduled", "name", name, "expr", expr)
	return nil
}

// RemoveJob unschedules name. It reports whether the job existed.
func (s *Scheduler) RemoveJob(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return false
	}
	s.cron.Remove(id)
	delete(s.entries, name)
	return true
}

// Next returns the next activation time of name.
func (s *Scheduler) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

// Jobs returns the registered job names in sorted order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// OutreachRunner is the work driven by the outreach jobs.
type OutreachRunner interface {
	RunDailyCheckIns(ctx context.Context) (checkin.Result, error)
	RunCrisisFollowUps(ctx context.Context) (checkin.Result, error)
}

// RegisterOutreach schedules the daily check-in and crisis follow-up runs.
// Each run gets its own context derived from parent and bounded by timeout.
func RegisterOutreach(parent context.Context, s *Scheduler, runner OutreachRunner, checkInExpr, followUpExpr string, timeout time.Duration) error {
	if checkInExpr == "" {
		checkInExpr = DefaultCheckInCron
	}
	if followUpExpr == "" {
		followUpExpr = DefaultFollowUpCron
	}
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	job := func(name string, run func(context.Context) (checkin.Result, error)) func() {
		return func() {
			ctx, cancel := context.WithTimeout(parent, timeout)
			defer cancel()
			res, err := run(ctx)
			if err != nil {
				slog.Error("scheduler: outreach run failed", "job", name, "error", err)
				return
			}
			slog.Info("scheduler: outreach run finished", "job", name, "eligible", res.Eligible, "sent", res.Sent)
		}
	}
	if err := s.AddJob(JobDailyCheckIns, checkInExpr, job(JobDailyCheckIns, runner.RunDailyCheckIns)); err != nil {
		return err
	}
	if err := s.AddJob(JobCrisisFollowUp, followUpExpr, job(JobCrisisFollowUp, runner.RunCrisisFollowUps)); err != nil {
		s.RemoveJob(JobDailyCheckIns)
		return err
	}
	return nil
}
