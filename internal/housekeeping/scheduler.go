// Package housekeeping runs periodic maintenance: expired session sweeps,
// audit retention and limiter pruning.
package housekeeping

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// JobObserver receives job outcomes.
type JobObserver interface {
	ObserveJob(job string, err error)
}

// JobFunc is one run of a job.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule string
	run      JobFunc
}

// Config configures a Scheduler.
type Config struct {
	Location *time.Location // default UTC
	Observer JobObserver    // optional
	Logger   *slog.Logger
}

// Scheduler runs named jobs on cron schedules. A job still running when its
// next tick arrives is skipped, not overlapped.
type Scheduler struct {
	cron     *cron.Cron
	observer JobObserver
	logger   *slog.Logger

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]job
}

func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	cl := cronLogger{cfg.Logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		observer: cfg.Observer,
		logger:   cfg.Logger,
		ctx:      context.Background(),
		jobs:     make(map[string]job),
	}
}

// Add registers a job. schedule is a five-field cron expression or a descriptor
// such as "@every 5m".
func (s *Scheduler) Add(name, schedule string, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("job %q already registered", name)
	}
	j := job{name: name, schedule: schedule, run: fn}
	if _, err := s.cron.AddFunc(schedule, func() { s.runJob(j) }); err != nil {
		return fmt.Errorf("schedule job %q (%s): %w", name, schedule, err)
	}
	s.jobs[name] = j
	return nil
}

// Every is Add with a fixed interval.
func (s *Scheduler) Every(name string, interval time.Duration, fn JobFunc) error {
	return s.Add(name, "@every "+interval.String(), fn)
}

// Jobs lists registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// RunNow runs a job synchronously outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(ctx, j)
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("housekeeping started", "jobs", s.Jobs())

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("housekeeping stopped")
	return nil
}

func (s *Scheduler) runJob(j job) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.execute(ctx, j)
}

func (s *Scheduler) execute(ctx context.Context, j job) error {
	start := time.Now()
	err := j.run(ctx)
	if err != nil {
		s.logger.Error("housekeeping job failed", "job", j.name, "error", err, "duration", time.Since(start))
	} else {
		s.logger.Debug("housekeeping job done", "job", j.name, "duration", time.Since(start))
	}
	if s.observer != nil {
		s.observer.ObserveJob(j.name, err)
	}
	return err
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append([]any{"error", err}, keysAndValues...)...)
}
