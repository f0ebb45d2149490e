// Package storage persists drivers, users, settings and the admin audit log
// in PostgreSQL.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/m3rciful/taxibot/internal/model"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("storage: not found")
	// ErrDuplicateFleetID is returned when a unique constraint rejects a write.
	ErrDuplicateFleetID = errors.New("storage: duplicate")
)

const uniqueViolation = "23505"

// Store is the sqlx-backed repository.
type Store struct {
	db *sqlx.DB
}

// New wraps an open connection pool.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

const driverColumns = `id, telegram_id, fleet_driver_id, name, callsign, car_model, balance,
	last_trip_at, last_trip_sum, is_active, last_sync_at, last_manual_sync_at, created_at, updated_at`

// DriverByTelegramID loads the driver linked to a Telegram user.
func (s *Store) DriverByTelegramID(ctx context.Context, telegramID int64) (model.Driver, error) {
	var d model.Driver
	err := s.db.GetContext(ctx, &d, `SELECT `+driverColumns+` FROM drivers WHERE telegram_id = $1`, telegramID)
	return d, wrapGet(err, "driver by telegram id")
}

// DriverByFleetID loads the driver with the given external id.
func (s *Store) DriverByFleetID(ctx context.Context, fleetID string) (model.Driver, error) {
	var d model.Driver
	err := s.db.GetContext(ctx, &d, `SELECT `+driverColumns+` FROM drivers WHERE fleet_driver_id = $1`, fleetID)
	return d, wrapGet(err, "driver by fleet id")
}

// DriverFilter narrows ListDrivers. The zero value lists every driver.
type DriverFilter struct {
	// Linked keeps drivers with a fleet id.
	Linked bool
	// Active keeps drivers flagged active.
	Active bool
	// NoTripSince keeps drivers whose last trip is older than the time or
	// who never made one.
	NoTripSince *time.Time
}

func (f DriverFilter) where() (string, []any) {
	var conds []string
	var args []any
	if f.Linked {
		conds = append(conds, "fleet_driver_id IS NOT NULL")
	}
	if f.Active {
		conds = append(conds, "is_active")
	}
	if f.NoTripSince != nil {
		args = append(args, *f.NoTripSince)
		conds = append(conds, fmt.Sprintf("(last_trip_at IS NULL OR last_trip_at < $%d)", len(args)))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListDrivers returns the drivers matching f ordered by id.
func (s *Store) ListDrivers(ctx context.Context, f DriverFilter) ([]model.Driver, error) {
	where, args := f.where()
	var out []model.Driver
	err := s.db.SelectContext(ctx, &out, `SELECT `+driverColumns+` FROM drivers`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list drivers: %w", err)
	}
	return out, nil
}

// ListSyncableDrivers returns every driver linked to a fleet profile.
func (s *Store) ListSyncableDrivers(ctx context.Context) ([]model.Driver, error) {
	return s.ListDrivers(ctx, DriverFilter{Linked: true})
}

// ActiveDrivers returns drivers flagged active.
func (s *Store) ActiveDrivers(ctx context.Context) ([]model.Driver, error) {
	return s.ListDrivers(ctx, DriverFilter{Active: true})
}

// InactiveDrivers returns drivers whose last trip is older than since or who
// never made one.
func (s *Store) InactiveDrivers(ctx context.Context, since time.Time) ([]model.Driver, error) {
	return s.ListDrivers(ctx, DriverFilter{NoTripSince: &since})
}

// CountDrivers returns the number of local drivers.
func (s *Store) CountDrivers(ctx context.Context) (int, error) {
	return s.count(ctx, "count drivers", `SELECT COUNT(*) FROM drivers`)
}

// CountUsers returns the number of known Telegram users.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	return s.count(ctx, "count users", `SELECT COUNT(*) FROM users`)
}

// CountPendingRegistrations returns users still waiting for a decision.
func (s *Store) CountPendingRegistrations(ctx context.Context) (int, error) {
	return s.count(ctx, "count pending registrations",
		`SELECT COUNT(*) FROM users WHERE registration_status = $1`, model.RegistrationPending)
}

func (s *Store) count(ctx context.Context, what, query string, args ...any) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, query, args...); err != nil {
		return 0, fmt.Errorf("storage: %s: %w", what, err)
	}
	return n, nil
}

// ApplySync overwrites the synced attributes of a driver in one statement.
func (s *Store) ApplySync(ctx context.Context, telegramID int64, u model.SyncUpdate) error {
	var manual *time.Time
	if u.Manual {
		manual = &u.SyncedAt
	}
	res, err := s.db.ExecContext(ctx, `UPDATE drivers SET
		name = $2, callsign = $3, car_model = $4, balance = $5,
		last_trip_at = $6, last_trip_sum = $7, is_active = $8,
		last_sync_at = $9, last_manual_sync_at = COALESCE($10, last_manual_sync_at),
		updated_at = $9
		WHERE telegram_id = $1`,
		telegramID, u.Name, u.Callsign, u.CarModel, u.Balance,
		u.LastTripAt, u.LastTripSum, u.IsActive, u.SyncedAt, manual)
	if err != nil {
		return fmt.Errorf("storage: apply sync: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: apply sync: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateDriver inserts a driver on registration approval.
func (s *Store) CreateDriver(ctx context.Context, telegramID int64, fleetID string) (model.Driver, error) {
	var d model.Driver
	err := s.db.GetContext(ctx, &d,
		`INSERT INTO drivers (telegram_id, fleet_driver_id) VALUES ($1, $2) RETURNING `+driverColumns,
		telegramID, fleetID)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Driver{}, fmt.Errorf("storage: create driver %d: %w", telegramID, ErrDuplicateFleetID)
		}
		return model.Driver{}, fmt.Errorf("storage: create driver: %w", err)
	}
	return d, nil
}

// EnsureUser inserts a user if unknown and returns the stored row.
func (s *Store) EnsureUser(ctx context.Context, telegramID int64, language string) (model.User, error) {
	if language != model.LangRu {
		language = model.LangUz
	}
	var u model.User
	err := s.db.GetContext(ctx, &u, `INSERT INTO users (telegram_id, language) VALUES ($1, $2)
		ON CONFLICT (telegram_id) DO UPDATE SET telegram_id = EXCLUDED.telegram_id
		RETURNING telegram_id, phone, language, role, registration_status, created_at`,
		telegramID, language)
	if err != nil {
		return model.User{}, fmt.Errorf("storage: ensure user: %w", err)
	}
	return u, nil
}

// SetRegistrationStatus records an admin decision on a user's registration.
func (s *Store) SetRegistrationStatus(ctx context.Context, telegramID int64, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET registration_status = $2 WHERE telegram_id = $1`,
		telegramID, status)
	if err != nil {
		return fmt.Errorf("storage: set registration status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: set registration status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UserLanguage returns the preferred language, defaulting to Uzbek.
func (s *Store) UserLanguage(ctx context.Context, telegramID int64) (string, error) {
	var lang string
	err := s.db.GetContext(ctx, &lang, `SELECT language FROM users WHERE telegram_id = $1`, telegramID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LangUz, nil
	}
	if err != nil {
		return model.LangUz, fmt.Errorf("storage: user language: %w", err)
	}
	if lang == "" {
		lang = model.LangUz
	}
	return lang, nil
}

// Setting returns a setting value and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, `SELECT value FROM settings WHERE key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: setting %s: %w", key, err)
	}
	return v, true, nil
}

// SetSetting upserts a setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("storage: set setting %s: %w", key, err)
	}
	return nil
}

// Settings returns all stored settings.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("storage: list settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("storage: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// LogAction appends an admin audit entry.
func (s *Store) LogAction(ctx context.Context, a model.AdminAction) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO admin_actions (admin_id, action_type, target_id, reason)
		VALUES (:admin_id, :action_type, :target_id, :reason)`, a)
	if err != nil {
		return fmt.Errorf("storage: log action: %w", err)
	}
	return nil
}

func wrapGet(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	}
	return fmt.Errorf("storage: %s: %w", what, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
