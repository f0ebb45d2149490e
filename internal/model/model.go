// Package model holds the persisted entities of the bot.
package model

import "time"

// Driver is the local record of a fleet driver. Rows are created when an
// admin approves a registration and are only mutated by sync afterwards.
type Driver struct {
	ID            int64   `db:"id"`
	TelegramID    int64   `db:"telegram_id"`
	FleetDriverID *string `db:"fleet_driver_id"`

	Name     string `db:"name"`
	Callsign string `db:"callsign"`
	CarModel string `db:"car_model"`

	Balance     float64    `db:"balance"`
	LastTripAt  *time.Time `db:"last_trip_at"`
	LastTripSum float64    `db:"last_trip_sum"`
	IsActive    bool       `db:"is_active"`

	LastSyncAt       *time.Time `db:"last_sync_at"`
	LastManualSyncAt *time.Time `db:"last_manual_sync_at"`
	CreatedAt        time.Time  `db:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at"`
}

// FleetID returns the external id or "" when the driver is not linked yet.
func (d Driver) FleetID() string {
	if d.FleetDriverID == nil {
		return ""
	}
	return *d.FleetDriverID
}

// SyncUpdate carries the attributes a sync overwrites on a driver.
type SyncUpdate struct {
	Name        string
	Callsign    string
	CarModel    string
	Balance     float64
	LastTripAt  *time.Time
	LastTripSum float64
	IsActive    bool
	SyncedAt    time.Time
	// Manual also stamps last_manual_sync_at.
	Manual bool
}

// Languages supported by the bot.
const (
	LangUz = "uz"
	LangRu = "ru"
)

// User is a Telegram user known to the bot.
type User struct {
	TelegramID         int64     `db:"telegram_id"`
	Phone              string    `db:"phone"`
	Language           string    `db:"language"`
	Role               string    `db:"role"`
	RegistrationStatus string    `db:"registration_status"`
	CreatedAt          time.Time `db:"created_at"`
}

// Registration statuses of a user.
const (
	RegistrationPending  = "pending"
	RegistrationApproved = "approved"
	RegistrationRejected = "rejected"
)

// AdminAction is an append-only audit entry.
type AdminAction struct {
	AdminID    int64  `db:"admin_id"`
	ActionType string `db:"action_type"`
	TargetID   int64  `db:"target_id"`
	Reason     string `db:"reason"`
}

// Admin action types.
const (
	ActionApprove    = "approve"
	ActionReject     = "reject"
	ActionSetSetting = "set_setting"
	ActionSyncFull   = "sync_full"
	ActionSyncRecent = "sync_recent"
)

// Setting keys stored in the settings table.
const (
	SettingUpdateChannel = "update_info_channel_id"
	SettingAdminGroup    = "admin_group_id"
	SettingFleetAPIKey   = "fleet_api_key"
	SettingFleetClientID = "fleet_client_id"
	SettingFleetParkID   = "fleet_park_id"
)

// SettingKeys lists the keys admins may edit.
var SettingKeys = []string{
	SettingUpdateChannel,
	SettingAdminGroup,
	SettingFleetAPIKey,
	SettingFleetClientID,
	SettingFleetParkID,
}

// Secret reports whether the setting value must be masked when displayed.
func Secret(key string) bool {
	return key == SettingFleetAPIKey
}
