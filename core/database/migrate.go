package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/taxibot/core/logger"
)

// RunMigrations applies every pending up migration found in src over the
// already open pool.
func RunMigrations(ctx context.Context, db *sqlx.DB, src fs.FS) error {
	if src == nil {
		return errors.New("migrate: no migration source")
	}
	source, err := iofs.New(src, ".")
	if err != nil {
		return fmt.Errorf("migrate: source: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate: driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}
	defer m.Close()

	from, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		from = 0
	case err != nil:
		return fmt.Errorf("migrate: version: %w", err)
	case dirty:
		return fmt.Errorf("migrate: schema version %d is dirty, fix it manually", from)
	}

	start := time.Now()
	upErr := m.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		logger.Error(ctx, logger.CompMigrate, "db.migrate",
			slog.String("status", "fail"),
			slog.Uint64("from_ver", uint64(from)),
			slog.Duration("duration", logger.Took(start)),
			logger.Err(upErr),
		)
		return fmt.Errorf("migrate: up: %w", upErr)
	}

	to, _, err := m.Version()
	if err != nil {
		to = from
	}
	applied := appliedBetween(src, from, to)
	attrs := []slog.Attr{
		slog.String("status", "ok"),
		slog.Uint64("from_ver", uint64(from)),
		slog.Uint64("to_ver", uint64(to)),
		slog.Int("files", len(applied)),
		slog.Duration("duration", logger.Took(start)),
	}
	if preview, cut := logger.Preview(applied, 6); preview != "" {
		attrs = append(attrs, slog.String("files_preview", preview), slog.Bool("files_truncated", cut))
	}
	logger.Info(ctx, logger.CompMigrate, "db.migrate", attrs...)
	return nil
}

// appliedBetween lists the up files with from < version <= to, in order.
func appliedBetween(src fs.FS, from, to uint) []string {
	names, err := fs.Glob(src, "*.up.sql")
	if err != nil {
		return nil
	}
	var out []string
	for _, name := range names {
		prefix, _, _ := strings.Cut(name, "_")
		v, err := strconv.ParseUint(prefix, 10, 64)
		if err != nil {
			continue
		}
		if v > uint64(from) && v <= uint64(to) {
			out = append(out, name)
		}
	}
	return out
}
