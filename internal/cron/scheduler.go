// Package cron runs the periodic consolidation check on a cron
// schedule, so long-lived processes fold pending turns into the story
// without caller nudges.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultExpr checks for due consolidation every half hour.
const DefaultExpr = "*/30 * * * *"

// Job is the work fired when the schedule comes due.
type Job func(ctx context.Context)

// Config holds the dependencies for the scheduler.
type Config struct {
	// Expr is the 5-field cron expression; empty uses DefaultExpr.
	Expr   string
	Job    Job
	Logger *slog.Logger

	// Interval is how often the loop checks whether the schedule is
	// due; defaults to 1 minute if zero.
	Interval time.Duration
}

// Scheduler fires its job at each cron boundary. The first fire waits
// for the boundary after Start; the startup work itself belongs to the
// caller.
type Scheduler struct {
	expr     string
	job      Job
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	nextRun time.Time
	lastRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the expression and builds a scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	expr := cfg.Expr
	if expr == "" {
		expr = DefaultExpr
	}
	if _, err := cronParser.Parse(expr); err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		expr:     expr,
		job:      cfg.Job,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.nextRun, _ = NextRunTime(s.expr, s.now())
	next := s.nextRun
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("consolidation scheduler started",
		"expr", s.expr,
		"next_run", next.Format(time.RFC3339))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("consolidation scheduler stopped")
}

// NextRun reports when the job fires next.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// LastRun reports when the job last fired, zero before the first fire.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires the job when the schedule is due and advances the next
// run past it.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	due := !s.nextRun.After(now)
	if due {
		s.lastRun = now
		s.nextRun, _ = NextRunTime(s.expr, now)
	}
	next := s.nextRun
	s.mu.Unlock()

	if !due {
		return
	}
	s.logger.Info("consolidation check fired", "next_run", next.Format(time.RFC3339))
	if s.job != nil {
		s.job(ctx)
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
