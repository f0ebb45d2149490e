// Package app wires the sync subsystem to the Telegram runtime and owns
// the lifecycle of its background services.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/m3rciful/taxibot/core/logger"
	tg "github.com/m3rciful/taxibot/core/telegram"
	tghelpers "github.com/m3rciful/taxibot/core/telegram/helpers"
	"github.com/m3rciful/taxibot/core/telegram/router"
	"github.com/m3rciful/taxibot/core/telegram/state"
	"github.com/m3rciful/taxibot/internal/config"
	"github.com/m3rciful/taxibot/internal/fleet"
	"github.com/m3rciful/taxibot/internal/messenger"
	"github.com/m3rciful/taxibot/internal/metrics"
	"github.com/m3rciful/taxibot/internal/model"
	"github.com/m3rciful/taxibot/internal/queue"
	"github.com/m3rciful/taxibot/internal/reconcile"
	"github.com/m3rciful/taxibot/internal/scheduler"
	"github.com/m3rciful/taxibot/internal/storage"

	tele "gopkg.in/telebot.v4"
)

const (
	sessionSweepInterval = time.Minute
	startAbortTimeout    = 5 * time.Second
)

// App holds the constructed components. Background services start in the
// Telegram OnStart hook and stop in OnStop.
type App struct {
	cfg *config.Config
	db  *sqlx.DB

	store     *storage.Store
	metrics   *metrics.Metrics
	fleet     *fleet.Client
	engine    *reconcile.Engine
	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	messenger *messenger.Messenger
	sessions  *state.MemoryManager
	handlers  *Handlers

	metricsSrv  *metrics.Server
	stopJanitor context.CancelFunc
}

// New builds every component from cfg on top of an open database pool.
func New(cfg *config.Config, db *sqlx.DB) (*App, error) {
	if cfg == nil || db == nil {
		return nil, errors.New("app: config and database are required")
	}
	loc, err := time.LoadLocation(cfg.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("app: timezone: %w", err)
	}

	a := &App{
		cfg:      cfg,
		db:       db,
		store:    storage.New(db),
		metrics:  metrics.New(),
		sessions: state.NewMemoryManager(cfg.Sync.SessionTTL),
	}
	a.messenger = messenger.New(a.store, a.store, cfg.Sync.InactiveDays)
	a.fleet = fleet.New(fleet.Options{
		BaseURL: cfg.Fleet.BaseURL,
		Credentials: fleet.Credentials{
			ParkID:   cfg.Fleet.ParkID,
			ClientID: cfg.Fleet.ClientID,
			APIKey:   cfg.Fleet.APIKey,
		},
		Overrides:         a.credentialOverrides,
		PageLimit:         cfg.Fleet.PageLimit,
		MaxRetries:        cfg.Fleet.MaxRetries,
		Timeout:           cfg.Fleet.Timeout,
		RequestsPerSecond: cfg.Fleet.RequestsPerSecond,
		Capabilities:      fleet.Capabilities{Balances: cfg.Fleet.Balances, Orders: cfg.Fleet.Orders},
		Observer:          a.metrics,
	})
	a.engine = reconcile.New(reconcile.Options{
		Fleet:     a.fleet,
		Store:     a.store,
		Notifier:  a.messenger,
		Observer:  a.metrics,
		PageDelay: cfg.Sync.PageDelay,
	})
	a.queue = queue.New(queue.Options{
		Concurrency: cfg.Sync.QueueConcurrency,
		Delay:       cfg.Sync.QueueDelay,
		Observer:    a.metrics,
	})
	a.scheduler, err = scheduler.New(scheduler.Options{
		Location: loc,
		Specs: scheduler.Specs{
			DailySync:     cfg.Schedule.DailySync,
			InactiveCheck: cfg.Schedule.InactiveCheck,
			RecentSweep:   cfg.Schedule.RecentSweep,
			FullSweep:     cfg.Schedule.FullSweep,
		},
		RecentWindowDays: cfg.Sync.RecentWindowDays,
		InactiveDays:     cfg.Sync.InactiveDays,
		Queue:            a.queue,
		Engine:           a.engine,
		Drivers:          a.store,
		Prompter:         a.messenger,
	})
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.handlers = &Handlers{
		Store:          a.store,
		Syncer:         a.engine,
		Jobs:           a.scheduler,
		Queue:          a.queue,
		Messenger:      a.messenger,
		Sessions:       a.sessions,
		IsAdmin:        cfg.Telegram.IsAdmin,
		ManualCooldown: cfg.Sync.ManualCooldown,
		RecentDays:     cfg.Sync.RecentWindowDays,
		InactiveDays:   cfg.Sync.InactiveDays,
		Location:       loc,
	}
	return a, nil
}

// credentialOverrides reads fleet credentials stored as settings; set
// values replace the configured ones.
func (a *App) credentialOverrides(ctx context.Context) fleet.Credentials {
	all, err := a.store.Settings(ctx)
	if err != nil {
		logger.Warn(ctx, logger.CompFleet, "fleet.credentials", slog.String("status", "fail"), logger.Err(err))
		return fleet.Credentials{}
	}
	return fleet.Credentials{
		ParkID:   all[model.SettingFleetParkID],
		ClientID: all[model.SettingFleetClientID],
		APIKey:   all[model.SettingFleetAPIKey],
	}
}

// TelegramRunOptions assembles the registry, routes and lifecycle hooks.
func (a *App) TelegramRunOptions() (tg.RunOptions, error) {
	reg := tg.NewRegistry()
	if err := a.handlers.Register(reg); err != nil {
		return tg.RunOptions{}, err
	}
	routes := router.Routes(reg, router.Options{
		IsAdmin:       a.cfg.Telegram.IsAdmin,
		Denied:        func(c tele.Context) error { return tghelpers.SendText(c, "⛔️ Not authorized.") },
		Conversations: a.sessions,
	})
	return tg.RunOptions{
		Config:   &a.cfg.Config,
		Registry: reg,
		Routes:   routes,
		Observe:  a.metrics.ObserveUpdate,
		OnStart:  a.start,
		OnStop:   a.stop,
	}, nil
}

func (a *App) start(ctx context.Context, rt tg.Runtime) error {
	a.messenger.Bind(rt.Bot, rt.Outbox)
	a.metrics.TrackOutbox(rt.Outbox)

	srv, err := a.metrics.Listen(ctx, a.cfg.Metrics.Listen)
	if err != nil {
		return fmt.Errorf("app: metrics listen: %w", err)
	}
	a.metricsSrv = srv

	if err := a.queue.Start(ctx); err != nil {
		// The runtime skips OnStop when OnStart fails, so release the listener here.
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startAbortTimeout)
		defer cancel()
		return errors.Join(fmt.Errorf("app: start queue: %w", err), srv.Shutdown(stopCtx))
	}
	a.scheduler.Start(ctx)

	janitorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.stopJanitor = cancel
	go a.sessions.Run(janitorCtx, sessionSweepInterval)
	return nil
}

// stop halts the scheduler before the queue so no new work is enqueued,
// then closes the database.
func (a *App) stop(ctx context.Context, _ tg.Runtime) error {
	if a.stopJanitor != nil {
		a.stopJanitor()
	}

	var g errgroup.Group
	g.Go(func() error { return a.scheduler.Stop(ctx) })
	g.Go(func() error { return a.metricsSrv.Shutdown(ctx) })
	err := g.Wait()

	err = errors.Join(err, a.queue.Stop(ctx))
	if cerr := a.db.Close(); cerr != nil {
		err = errors.Join(err, fmt.Errorf("app: close database: %w", cerr))
	}
	return err
}
