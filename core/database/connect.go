package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/m3rciful/taxibot/core/logger"
)

const (
	pingTimeout  = 5 * time.Second
	pingInterval = 2 * time.Second
)

// Connect opens the pool and pings until the server answers, giving up
// after cfg.WaitTimeout. Containers often start before Postgres accepts
// connections.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	start := time.Now()
	attrs := []slog.Attr{
		slog.String("host", cfg.Host),
		slog.String("port", cfg.Port),
		slog.String("db", cfg.Name),
	}

	db, err := sqlx.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections)
	db.SetConnMaxIdleTime(5 * time.Minute)

	deadline := start.Add(cfg.WaitTimeout)
	for attempt := 1; ; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			logger.Info(ctx, logger.CompDB, "db.connect", append(attrs,
				slog.String("status", "ok"),
				slog.Int("attempts", attempt),
				slog.Int("pool_open", cfg.MaxConnections),
				slog.Duration("duration", logger.Took(start)),
			)...)
			return db, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			_ = db.Close()
			logger.Error(ctx, logger.CompDB, "db.connect", append(attrs,
				slog.String("status", "fail"),
				slog.Int("attempts", attempt),
				slog.Duration("duration", logger.Took(start)),
				logger.Err(err),
			)...)
			return nil, fmt.Errorf("db connect after %d attempts: %w", attempt, err)
		}
		logger.Debug(ctx, logger.CompDB, "db.wait",
			slog.String("status", "retry"),
			slog.Int("attempts", attempt),
			logger.Err(err),
		)
		select {
		case <-ctx.Done():
		case <-time.After(pingInterval):
		}
	}
}
