// Package scheduler fires the periodic sync jobs on cron expressions in a
// fixed time zone.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/m3rciful/taxibot/core/logger"
	"github.com/m3rciful/taxibot/internal/model"
	"github.com/m3rciful/taxibot/internal/queue"
	"github.com/m3rciful/taxibot/internal/reconcile"
)

// Job names.
const (
	JobDailySync     = "daily_sync"
	JobInactiveCheck = "inactive_check"
	JobRecentSweep   = "recent_sweep"
	JobFullSweep     = "full_sweep"
)

// Off disables a job.
const Off = "off"

var errSyncFailed = errors.New("driver sync failed")

// Enqueuer accepts background tasks.
type Enqueuer interface {
	Enqueue(t queue.Task)
}

// Syncer runs reconciliation work.
type Syncer interface {
	SyncDriver(ctx context.Context, telegramID int64) bool
	FullSweep(ctx context.Context, opts reconcile.SweepOptions) reconcile.Result
	RecentSweep(ctx context.Context, days int, opts reconcile.SweepOptions) reconcile.Result
}

// Drivers lists local drivers for fan-out jobs.
type Drivers interface {
	ListSyncableDrivers(ctx context.Context) ([]model.Driver, error)
	InactiveDrivers(ctx context.Context, since time.Time) ([]model.Driver, error)
}

// Prompter asks an inactive driver whether they need help.
type Prompter interface {
	SendInactivePrompt(ctx context.Context, d model.Driver) error
}

// Specs holds one cron expression per job. Empty or Off disables a job.
type Specs struct {
	DailySync     string
	InactiveCheck string
	RecentSweep   string
	FullSweep     string
}

// Options configures a Scheduler.
type Options struct {
	Location *time.Location
	Specs    Specs

	RecentWindowDays int
	InactiveDays     int

	Queue    Enqueuer
	Engine   Syncer
	Drivers  Drivers
	Prompter Prompter

	Now func() time.Time
}

// Scheduler owns the cron runner and the job bodies.
type Scheduler struct {
	cron *cron.Cron
	opts Options

	mu      sync.Mutex
	baseCtx context.Context
	entries map[string]cron.EntryID
}

// Entry describes a registered job.
type Entry struct {
	Name string
	Next time.Time
}

// New validates the specs and registers the enabled jobs.
func New(opts Options) (*Scheduler, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RecentWindowDays <= 0 {
		opts.RecentWindowDays = 1
	}
	if opts.InactiveDays <= 0 {
		opts.InactiveDays = 7
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	cl := cronLogger{}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		opts:    opts,
		baseCtx: context.Background(),
		entries: make(map[string]cron.EntryID),
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{JobDailySync, opts.Specs.DailySync, s.DailySync},
		{JobInactiveCheck, opts.Specs.InactiveCheck, s.InactiveCheck},
		{JobRecentSweep, opts.Specs.RecentSweep, func(ctx context.Context) { s.EnqueueRecentSweep(ctx, 0) }},
		{JobFullSweep, opts.Specs.FullSweep, s.EnqueueFullSweep},
	}
	for _, j := range jobs {
		spec := strings.TrimSpace(j.spec)
		if spec == "" || strings.EqualFold(spec, Off) {
			continue
		}
		id, err := s.cron.AddFunc(spec, s.wrap(j.name, j.run))
		if err != nil {
			return nil, fmt.Errorf("scheduler: %s %q: %w", j.name, spec, err)
		}
		s.entries[j.name] = id
	}
	return s, nil
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = context.WithoutCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	for _, e := range s.Entries() {
		logger.Info(ctx, logger.CompScheduler, "scheduler.job",
			slog.String("status", "ok"),
			slog.String("job", e.Name),
			slog.Time("next", e.Next),
		)
	}
}

// Stop halts scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		logger.Info(ctx, logger.CompScheduler, "scheduler.stop", slog.String("status", "ok"))
		return nil
	case <-ctx.Done():
		logger.Warn(ctx, logger.CompScheduler, "scheduler.stop", slog.String("status", "fail"), logger.Err(ctx.Err()))
		return ctx.Err()
	}
}

// Entries lists the enabled jobs with their next fire time.
func (s *Scheduler) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, name := range []string{JobDailySync, JobInactiveCheck, JobRecentSweep, JobFullSweep} {
		id, ok := s.entries[name]
		if !ok {
			continue
		}
		out = append(out, Entry{Name: name, Next: s.cron.Entry(id).Next})
	}
	return out
}

func (s *Scheduler) wrap(name string, run func(context.Context)) func() {
	return func() {
		s.mu.Lock()
		ctx := logger.WithJob(s.baseCtx, name)
		s.mu.Unlock()

		start := time.Now()
		logger.Info(ctx, logger.CompScheduler, "scheduler.fire", slog.String("status", "ok"))
		run(ctx)
		logger.Info(ctx, logger.CompScheduler, "scheduler.done",
			slog.String("status", "ok"),
			slog.Duration("took", logger.Took(start)),
		)
	}
}

// DailySync enqueues one single-driver sync per linked driver.
func (s *Scheduler) DailySync(ctx context.Context) {
	drivers, err := s.opts.Drivers.ListSyncableDrivers(ctx)
	if err != nil {
		logger.Error(ctx, logger.CompScheduler, "scheduler.daily_sync",
			slog.String("status", "fail"),
			logger.Err(err),
		)
		return
	}
	for _, d := range drivers {
		s.EnqueueDriverSync(d.TelegramID)
	}
	logger.Info(ctx, logger.CompScheduler, "scheduler.daily_sync",
		slog.String("status", "ok"),
		slog.Int("drivers", len(drivers)),
	)
}

// EnqueueDriverSync queues a single-driver sync.
func (s *Scheduler) EnqueueDriverSync(telegramID int64) {
	s.opts.Queue.Enqueue(queue.Task{
		Name: "sync_driver",
		Run: func(ctx context.Context) error {
			if !s.opts.Engine.SyncDriver(ctx, telegramID) {
				return fmt.Errorf("driver %d: %w", telegramID, errSyncFailed)
			}
			return nil
		},
	})
}

// InactiveCheck prompts every driver without a trip in the configured
// window. Drivers are messaged one after another.
func (s *Scheduler) InactiveCheck(ctx context.Context) {
	since := s.opts.Now().Add(-time.Duration(s.opts.InactiveDays) * 24 * time.Hour)
	drivers, err := s.opts.Drivers.InactiveDrivers(ctx, since)
	if err != nil {
		logger.Error(ctx, logger.CompScheduler, "scheduler.inactive_check",
			slog.String("status", "fail"),
			logger.Err(err),
		)
		return
	}
	sent, failed := 0, 0
	for _, d := range drivers {
		if err := ctx.Err(); err != nil {
			break
		}
		if err := s.opts.Prompter.SendInactivePrompt(ctx, d); err != nil {
			failed++
			logger.Warn(ctx, logger.CompScheduler, "scheduler.inactive_prompt",
				slog.String("status", "fail"),
				slog.Int64("driver_id", d.TelegramID),
				logger.Err(err),
			)
			continue
		}
		sent++
	}
	status := "ok"
	if failed > 0 {
		status = "partial"
	}
	logger.Info(ctx, logger.CompScheduler, "scheduler.inactive_check",
		slog.String("status", status),
		slog.Int("drivers", len(drivers)),
		slog.Int("sent", sent),
		slog.Int("failed", failed),
	)
}

// EnqueueRecentSweep queues a notifying recent sweep. days <= 0 uses the
// configured window.
func (s *Scheduler) EnqueueRecentSweep(_ context.Context, days int) {
	if days <= 0 {
		days = s.opts.RecentWindowDays
	}
	s.opts.Queue.Enqueue(queue.Task{
		Name: "recent_sweep",
		Run: func(ctx context.Context) error {
			return s.opts.Engine.RecentSweep(ctx, days, reconcile.SweepOptions{Notify: true}).Err
		},
	})
}

// EnqueueFullSweep queues a notifying full sweep.
func (s *Scheduler) EnqueueFullSweep(_ context.Context) {
	s.opts.Queue.Enqueue(queue.Task{
		Name: "full_sweep",
		Run: func(ctx context.Context) error {
			return s.opts.Engine.FullSweep(ctx, reconcile.SweepOptions{Notify: true}).Err
		},
	})
}

// cronLogger routes cron's own messages through the structured logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debug(context.Background(), logger.CompScheduler, "scheduler.cron",
		slog.String("status", "ok"),
		slog.String("msg", msg),
		slog.Group("cron", keysAndValues...),
	)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Error(context.Background(), logger.CompScheduler, "scheduler.cron",
		slog.String("status", "fail"),
		slog.String("msg", msg),
		slog.Group("cron", keysAndValues...),
		logger.Err(err),
	)
}
