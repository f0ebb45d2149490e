package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/taxibot/internal/model"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "postgres")), mock
}

var driverCols = []string{"id", "telegram_id", "fleet_driver_id", "name", "callsign", "car_model", "balance",
	"last_trip_at", "last_trip_sum", "is_active", "last_sync_at", "last_manual_sync_at", "created_at", "updated_at"}

func TestDriverByFleetID(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM drivers WHERE fleet_driver_id = $1")).
		WithArgs("Y1").
		WillReturnRows(sqlmock.NewRows(driverCols).
			AddRow(1, 42, "Y1", "Ali Valiev", "777", "Chevrolet Cobalt", 150000.5, now, 0.0, true, nil, nil, now, now))

	d, err := s.DriverByFleetID(context.Background(), "Y1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), d.TelegramID)
	assert.Equal(t, "Y1", d.FleetID())
	assert.Equal(t, 150000.5, d.Balance)
	require.NotNil(t, d.LastTripAt)
	assert.Nil(t, d.LastSyncAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDriverByTelegramIDNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM drivers WHERE telegram_id = $1")).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.DriverByTelegramID(context.Background(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplySync(t *testing.T) {
	s, mock := newMock(t)
	synced := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	u := model.SyncUpdate{Name: "Ali", Balance: 10, IsActive: true, SyncedAt: synced, Manual: true}

	mock.ExpectExec(regexp.QuoteMeta("UPDATE drivers SET")).
		WithArgs(int64(42), "Ali", "", "", 10.0, nil, 0.0, true, synced, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.ApplySync(context.Background(), 42, u))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE drivers SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.ApplySync(context.Background(), 43, u), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDriverDuplicate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO drivers")).
		WithArgs(int64(42), "Y1").
		WillReturnError(&pq.Error{Code: uniqueViolation})

	_, err := s.CreateDriver(context.Background(), 42, "Y1")
	assert.ErrorIs(t, err, ErrDuplicateFleetID)
}

func TestCountAndInactive(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM drivers")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))
	n, err := s.CountDrivers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17, n)

	since := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FROM drivers WHERE (last_trip_at IS NULL OR last_trip_at < $1) ORDER BY id")).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows(driverCols).
			AddRow(2, 50, "Y2", "", "", "", 0.0, nil, 0.0, true, nil, nil, since, since))
	list, err := s.InactiveDrivers(context.Background(), since)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, int64(50), list[0].TelegramID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDriversFilters(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	row := func() *sqlmock.Rows {
		return sqlmock.NewRows(driverCols).AddRow(1, 42, "Y1", "Ali", "777", "", 0.0, nil, 0.0, true, nil, nil, now, now)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM drivers ORDER BY id")).WillReturnRows(row())
	all, err := s.ListDrivers(context.Background(), DriverFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	mock.ExpectQuery(regexp.QuoteMeta("FROM drivers WHERE is_active ORDER BY id")).WillReturnRows(row())
	active, err := s.ActiveDrivers(context.Background())
	require.NoError(t, err)
	assert.Len(t, active, 1)

	mock.ExpectQuery(regexp.QuoteMeta("FROM drivers WHERE fleet_driver_id IS NOT NULL ORDER BY id")).WillReturnRows(row())
	linked, err := s.ListSyncableDrivers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Y1", linked[0].FleetID())

	mock.ExpectQuery(regexp.QuoteMeta(
		"WHERE fleet_driver_id IS NOT NULL AND is_active AND (last_trip_at IS NULL OR last_trip_at < $1) ORDER BY id")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(driverCols))
	none, err := s.ListDrivers(context.Background(), DriverFilter{Linked: true, Active: true, NoTripSince: &now})
	require.NoError(t, err)
	assert.Empty(t, none)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserCounts(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(30))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM users WHERE registration_status = $1")).
		WithArgs(model.RegistrationPending).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	users, err := s.CountUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 30, users)
	pending, err := s.CountPendingRegistrations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, pending)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetRegistrationStatus(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET registration_status = $2 WHERE telegram_id = $1")).
		WithArgs(int64(42), model.RegistrationApproved).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetRegistrationStatus(context.Background(), 42, model.RegistrationApproved))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET registration_status")).
		WithArgs(int64(7), model.RegistrationRejected).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.SetRegistrationStatus(context.Background(), 7, model.RegistrationRejected), ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSettings(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT value FROM settings")).
		WithArgs(model.SettingUpdateChannel).
		WillReturnError(sql.ErrNoRows)
	_, ok, err := s.Setting(context.Background(), model.SettingUpdateChannel)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO settings")).
		WithArgs(model.SettingUpdateChannel, "-100123").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SetSetting(context.Background(), model.SettingUpdateChannel, "-100123"))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key, value FROM settings")).
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow(model.SettingFleetParkID, "park").
			AddRow(model.SettingUpdateChannel, "-100123"))
	all, err := s.Settings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{model.SettingFleetParkID: "park", model.SettingUpdateChannel: "-100123"}, all)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUserLanguageDefaults(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT language FROM users")).
		WithArgs(int64(5)).
		WillReturnError(sql.ErrNoRows)
	lang, err := s.UserLanguage(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, model.LangUz, lang)
}

func TestLogAction(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO admin_actions")).
		WithArgs(int64(1), model.ActionSyncFull, int64(0), "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, s.LogAction(context.Background(), model.AdminAction{AdminID: 1, ActionType: model.ActionSyncFull}))
	require.NoError(t, mock.ExpectationsWereMet())
}
