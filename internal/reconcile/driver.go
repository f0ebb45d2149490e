package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/m3rciful/taxibot/core/logger"
	"github.com/m3rciful/taxibot/internal/fleet"
	"github.com/m3rciful/taxibot/internal/model"
)

// SyncDriver refreshes one driver straight from the fleet API and stamps
// both sync timestamps. It reports true only when the local row was updated;
// every failure, panics included, is logged and reported as false.
func (e *Engine) SyncDriver(ctx context.Context, telegramID int64) (ok bool) {
	start := e.now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, logger.CompSync, "sync.driver",
				slog.String("status", "fail"),
				slog.Int64("driver_id", telegramID),
				slog.String("panic", fmt.Sprint(r)),
			)
			ok = false
		}
		if e.observer != nil {
			e.observer.ObserveSingleSync(ok, e.now().Sub(start))
		}
	}()

	err := e.syncDriver(ctx, telegramID)
	attrs := []slog.Attr{
		slog.String("status", logger.Status(err)),
		slog.Int64("driver_id", telegramID),
		slog.Duration("took", logger.RoundMS(e.now().Sub(start))),
	}
	if err != nil {
		attrs = append(attrs, logger.Err(err))
		logger.Warn(ctx, logger.CompSync, "sync.driver", attrs...)
		return false
	}
	logger.Info(ctx, logger.CompSync, "sync.driver", attrs...)
	return true
}

var errNotLinked = errors.New("driver has no fleet id")

func (e *Engine) syncDriver(ctx context.Context, telegramID int64) error {
	d, err := e.store.DriverByTelegramID(ctx, telegramID)
	if err != nil {
		return fmt.Errorf("load driver: %w", err)
	}
	fleetID := d.FleetID()
	if fleetID == "" {
		return errNotLinked
	}

	p, err := e.fleet.FetchDriver(ctx, fleetID)
	if err != nil {
		return fmt.Errorf("fetch profile %s: %w", fleetID, err)
	}

	now := e.now().UTC()
	u := model.SyncUpdate{
		Name:       p.Name,
		Callsign:   p.Callsign,
		CarModel:   p.CarModel,
		Balance:    p.Balance,
		LastTripAt: p.LastTransaction,
		IsActive:   true,
		SyncedAt:   now,
		Manual:     true,
	}

	caps := e.fleet.Capabilities()
	if caps.Balances {
		balance, err := e.fleet.GetBalance(ctx, fleetID)
		if err != nil {
			return fmt.Errorf("fetch balance %s: %w", fleetID, err)
		}
		u.Balance = balance
	}
	if caps.Orders {
		orders, err := e.fleet.RecentOrders(ctx, fleetID, now.Add(-e.ordersWindow))
		if err != nil {
			return fmt.Errorf("fetch orders %s: %w", fleetID, err)
		}
		if last, found := fleet.LatestOrder(orders); found {
			u.LastTripAt = last.EndedAt
			u.LastTripSum = last.Price
		}
	}

	if err := e.store.ApplySync(ctx, telegramID, u); err != nil {
		return fmt.Errorf("apply sync: %w", err)
	}
	return nil
}
