package bootstrap

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/taxibot/core/config"
	coredatabase "github.com/m3rciful/taxibot/core/database"
)

func mockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return sqlx.NewDb(db, "postgres"), mock
}

func noLogger(*coreconfig.Config) error { return nil }

func TestRunConnectsThenMigrates(t *testing.T) {
	db, mock := mockDB(t)
	embedded := fstest.MapFS{"000001_init.up.sql": {Data: []byte("select 1;")}}
	var order []string

	res, err := Run(context.Background(), Options{
		Config:     &coreconfig.Config{},
		Database:   coredatabase.Config{Name: "taxibot"},
		Migrations: embedded,
		LoggerInit: noLogger,
		Connect: func(_ context.Context, cfg coredatabase.Config) (*sqlx.DB, error) {
			order = append(order, "connect:"+cfg.Name)
			return db, nil
		},
		Migrate: func(_ context.Context, got *sqlx.DB, src fs.FS) error {
			assert.Same(t, db, got)
			assert.Equal(t, embedded, src)
			order = append(order, "migrate")
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"connect:taxibot", "migrate"}, order)
	assert.Same(t, db, res.DB)

	mock.ExpectClose()
	require.NoError(t, res.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunClosesDBWhenMigrationsFail(t *testing.T) {
	db, mock := mockDB(t)
	mock.ExpectClose()

	_, err := Run(context.Background(), Options{
		Config:     &coreconfig.Config{},
		LoggerInit: noLogger,
		Connect:    func(context.Context, coredatabase.Config) (*sqlx.DB, error) { return db, nil },
		Migrate:    func(context.Context, *sqlx.DB, fs.FS) error { return errors.New("dirty version 1") },
	})
	require.ErrorContains(t, err, "bootstrap: migrations")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStopsOnLoggerFailure(t *testing.T) {
	connected := false
	_, err := Run(context.Background(), Options{
		Config:     &coreconfig.Config{},
		LoggerInit: func(*coreconfig.Config) error { return errors.New("no log dir") },
		Connect: func(context.Context, coredatabase.Config) (*sqlx.DB, error) {
			connected = true
			return nil, nil
		},
	})
	require.ErrorContains(t, err, "bootstrap: logger")
	assert.False(t, connected)

	_, err = Run(context.Background(), Options{})
	require.Error(t, err)
	assert.Nil(t, (*Result)(nil).Close())
}
