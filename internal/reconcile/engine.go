// Package reconcile copies fleet driver profiles onto local driver records,
// either in paginated sweeps or for a single driver.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/taxibot/core/logger"
	"github.com/m3rciful/taxibot/internal/fleet"
	"github.com/m3rciful/taxibot/internal/model"
	"github.com/m3rciful/taxibot/internal/storage"
)

// Sweep modes.
const (
	ModeFull   = "full"
	ModeRecent = "recent"
)

const (
	defaultPageDelay    = 500 * time.Millisecond
	defaultOrdersWindow = 7 * 24 * time.Hour
)

// Fleet is the subset of the fleet client the engine needs.
type Fleet interface {
	PageLimit() int
	Capabilities() fleet.Capabilities
	BeginSweep(ctx context.Context) (func(), error)
	FetchPage(ctx context.Context, q fleet.Query) (fleet.Page, error)
	FetchDriver(ctx context.Context, driverID string) (fleet.Profile, error)
	GetBalance(ctx context.Context, driverID string) (float64, error)
	RecentOrders(ctx context.Context, driverID string, since time.Time) ([]fleet.Order, error)
}

// Store is the persistence the engine reads and updates.
type Store interface {
	DriverByTelegramID(ctx context.Context, telegramID int64) (model.Driver, error)
	DriverByFleetID(ctx context.Context, fleetID string) (model.Driver, error)
	ApplySync(ctx context.Context, telegramID int64, u model.SyncUpdate) error
	CountDrivers(ctx context.Context) (int, error)
}

// Notifier delivers sweep summaries to the operators' channel.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Observer receives sweep and single-sync outcomes.
type Observer interface {
	ObserveSweep(r Result)
	ObserveSingleSync(ok bool, took time.Duration)
}

// Options configures an Engine.
type Options struct {
	Fleet    Fleet
	Store    Store
	Notifier Notifier
	Observer Observer

	// PageDelay is the pause between sweep pages.
	PageDelay time.Duration
	// OrdersWindow bounds the order lookup of a single-driver sync.
	OrdersWindow time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Engine runs sweeps and single-driver syncs.
type Engine struct {
	fleet        Fleet
	store        Store
	notifier     Notifier
	observer     Observer
	pageDelay    time.Duration
	ordersWindow time.Duration
	now          func() time.Time
	sleep        func(ctx context.Context, d time.Duration) error
}

// New builds an Engine. Fleet and Store are required.
func New(opts Options) *Engine {
	if opts.PageDelay <= 0 {
		opts.PageDelay = defaultPageDelay
	}
	if opts.OrdersWindow <= 0 {
		opts.OrdersWindow = defaultOrdersWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	return &Engine{
		fleet:        opts.Fleet,
		store:        opts.Store,
		notifier:     opts.Notifier,
		observer:     opts.Observer,
		pageDelay:    opts.PageDelay,
		ordersWindow: opts.OrdersWindow,
		now:          opts.Now,
		sleep:        opts.Sleep,
	}
}

// SweepOptions tunes a single sweep run.
type SweepOptions struct {
	// Notify sends a summary to the notification channel when done.
	Notify bool
}

// Result summarizes one sweep. Partial progress is kept when Err is set.
type Result struct {
	RunID     string
	Mode      string
	Days      int
	Seen      int
	Updated   int
	Unmatched int
	Skipped   int
	Failed    int
	Pages     int
	Aborted   bool
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// FullSweep walks every fleet page and reconciles matching local drivers.
func (e *Engine) FullSweep(ctx context.Context, opts SweepOptions) Result {
	return e.sweep(ctx, ModeFull, 0, opts)
}

// RecentSweep reconciles only profiles created within the last days days.
// Paging stops after the first page that reaches past the cutoff.
func (e *Engine) RecentSweep(ctx context.Context, days int, opts SweepOptions) Result {
	if days <= 0 {
		days = 1
	}
	return e.sweep(ctx, ModeRecent, days, opts)
}

func (e *Engine) sweep(ctx context.Context, mode string, days int, opts SweepOptions) Result {
	res := Result{
		RunID:     uuid.NewString(),
		Mode:      mode,
		Days:      days,
		StartedAt: e.now(),
	}
	ctx = logger.WithRunID(ctx, res.RunID)

	release, err := e.fleet.BeginSweep(ctx)
	if err != nil {
		res.Err = err
		res.Aborted = true
		e.finish(ctx, &res, opts)
		return res
	}
	defer release()

	logger.Info(ctx, logger.CompSync, "sync.sweep_start",
		slog.String("mode", mode),
		slog.Int("days", days),
	)

	var cutoff time.Time
	if mode == ModeRecent {
		cutoff = res.StartedAt.Add(-time.Duration(days) * 24 * time.Hour)
	}

	limit := e.fleet.PageLimit()
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			res.Err = err
			res.Aborted = true
			break
		}
		page, err := e.fleet.FetchPage(ctx, fleet.Query{Offset: offset, Limit: limit})
		if err != nil {
			res.Err = err
			res.Aborted = true
			logger.Error(ctx, logger.CompSync, "sync.page",
				slog.String("status", logger.Status(err)),
				slog.String("mode", mode),
				slog.Int("offset", offset),
				logger.Err(err),
			)
			break
		}
		res.Pages++
		if page.Received == 0 {
			break
		}

		for _, p := range page.Profiles {
			res.Seen++
			if mode == ModeRecent && (p.CreatedAt == nil || p.CreatedAt.Before(cutoff)) {
				res.Skipped++
				continue
			}
			e.reconcile(ctx, p, &res)
		}
		offset += page.Received

		if page.Short() {
			break
		}
		if mode == ModeRecent && page.OldestCreated != nil && page.OldestCreated.Before(cutoff) {
			break
		}
		if err := e.sleep(ctx, e.pageDelay); err != nil {
			res.Err = err
			res.Aborted = true
			break
		}
	}

	e.finish(ctx, &res, opts)
	return res
}

func (e *Engine) reconcile(ctx context.Context, p fleet.Profile, res *Result) {
	d, err := e.store.DriverByFleetID(ctx, p.DriverID)
	if errors.Is(err, storage.ErrNotFound) {
		res.Unmatched++
		return
	}
	if err != nil {
		res.Failed++
		logger.Warn(ctx, logger.CompSync, "sync.lookup",
			slog.String("status", "fail"),
			slog.String("fleet_driver_id", p.DriverID),
			logger.Err(err),
		)
		return
	}
	u := model.SyncUpdate{
		Name:       p.Name,
		Callsign:   p.Callsign,
		CarModel:   p.CarModel,
		Balance:    p.Balance,
		LastTripAt: p.LastTransaction,
		IsActive:   true,
		SyncedAt:   e.now().UTC(),
	}
	if err := e.store.ApplySync(ctx, d.TelegramID, u); err != nil {
		res.Failed++
		logger.Warn(ctx, logger.CompSync, "sync.apply",
			slog.String("status", "fail"),
			slog.Int64("driver_id", d.TelegramID),
			slog.String("fleet_driver_id", p.DriverID),
			logger.Err(err),
		)
		return
	}
	res.Updated++
}

func (e *Engine) finish(ctx context.Context, res *Result, opts SweepOptions) {
	res.Duration = logger.RoundMS(e.now().Sub(res.StartedAt))

	status := "ok"
	switch {
	case res.Err != nil && res.Pages == 0:
		status = logger.Status(res.Err)
	case res.Err != nil:
		status = "partial"
	}
	logger.Info(ctx, logger.CompSync, "sync.sweep_done",
		slog.String("status", status),
		slog.String("mode", res.Mode),
		slog.Int("pages", res.Pages),
		slog.Int("seen", res.Seen),
		slog.Int("updated", res.Updated),
		slog.Int("unmatched", res.Unmatched),
		slog.Int("skipped", res.Skipped),
		slog.Duration("took", res.Duration),
		logger.Err(res.Err),
	)

	if e.observer != nil {
		e.observer.ObserveSweep(*res)
	}
	if !opts.Notify || e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, e.summary(ctx, *res)); err != nil {
		logger.Warn(ctx, logger.CompSync, "sync.notify",
			slog.String("status", "fail"),
			logger.Err(err),
		)
	}
}

func (e *Engine) summary(ctx context.Context, r Result) string {
	secs := r.Duration.Seconds()
	text := ""
	switch r.Mode {
	case ModeRecent:
		total, err := e.store.CountDrivers(ctx)
		if err != nil {
			logger.Warn(ctx, logger.CompSync, "sync.count_drivers", slog.String("status", "fail"), logger.Err(err))
		}
		text = fmt.Sprintf("Recent sync (%d d): %d drivers updated in %.1fs. Drivers in database: %d.",
			r.Days, r.Updated, secs, total)
	default:
		text = fmt.Sprintf("Full sync: %d drivers updated in %.1fs (%d fleet profiles, %d unmatched).",
			r.Updated, secs, r.Seen, r.Unmatched)
	}
	if r.Err != nil {
		text += " Stopped early: " + errorReason(r.Err) + "."
	}
	return text
}

func errorReason(err error) string {
	var apiErr *fleet.APIError
	switch {
	case fleet.IsRateLimited(err):
		return "fleet API rate limit"
	case errors.As(err, &apiErr):
		return fmt.Sprintf("fleet API status %d", apiErr.StatusCode)
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "fleet API error"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
