// Package config loads the bot configuration: the shared core sections plus
// database, fleet API, sync, schedule and metrics settings.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	coreconfig "github.com/m3rciful/taxibot/core/config"
	coredatabase "github.com/m3rciful/taxibot/core/database"
)

// FleetConfig configures the fleet API client.
type FleetConfig struct {
	BaseURL  string `yaml:"base_url" envconfig:"FLEET_BASE_URL"`
	ParkID   string `yaml:"park_id" envconfig:"FLEET_PARK_ID"`
	ClientID string `yaml:"client_id" envconfig:"FLEET_CLIENT_ID"`
	APIKey   string `yaml:"api_key" envconfig:"FLEET_API_KEY"`

	PageLimit         int           `yaml:"page_limit" envconfig:"FLEET_PAGE_LIMIT"`
	MaxRetries        int           `yaml:"max_retries" envconfig:"FLEET_MAX_RETRIES"`
	Timeout           time.Duration `yaml:"timeout" envconfig:"FLEET_TIMEOUT"`
	RequestsPerSecond float64       `yaml:"requests_per_second" envconfig:"FLEET_REQUESTS_PER_SECOND"`

	// Balances and Orders switch on the extended endpoints.
	Balances bool `yaml:"balances" envconfig:"FLEET_BALANCES"`
	Orders   bool `yaml:"orders" envconfig:"FLEET_ORDERS"`
}

// SyncConfig tunes sweeps, the task queue and manual refreshes.
type SyncConfig struct {
	PageDelay        time.Duration `yaml:"page_delay" envconfig:"SYNC_PAGE_DELAY"`
	QueueConcurrency int           `yaml:"queue_concurrency" envconfig:"SYNC_QUEUE_CONCURRENCY"`
	QueueDelay       time.Duration `yaml:"queue_delay" envconfig:"SYNC_QUEUE_DELAY"`
	ManualCooldown   time.Duration `yaml:"manual_cooldown" envconfig:"SYNC_MANUAL_COOLDOWN"`
	RecentWindowDays int           `yaml:"recent_window_days" envconfig:"SYNC_RECENT_WINDOW_DAYS"`
	InactiveDays     int           `yaml:"inactive_days" envconfig:"SYNC_INACTIVE_DAYS"`
	SessionTTL       time.Duration `yaml:"session_ttl" envconfig:"SYNC_SESSION_TTL"`
}

// ScheduleConfig holds cron expressions. Empty selects the default,
// ScheduleOff disables the job.
type ScheduleConfig struct {
	Timezone      string `yaml:"timezone" envconfig:"SCHEDULE_TIMEZONE"`
	DailySync     string `yaml:"daily_sync" envconfig:"SCHEDULE_DAILY_SYNC"`
	InactiveCheck string `yaml:"inactive_check" envconfig:"SCHEDULE_INACTIVE_CHECK"`
	RecentSweep   string `yaml:"recent_sweep" envconfig:"SCHEDULE_RECENT_SWEEP"`
	FullSweep     string `yaml:"full_sweep" envconfig:"SCHEDULE_FULL_SWEEP"`
}

// ScheduleOff disables a scheduled job.
const ScheduleOff = "off"

// MetricsConfig configures the Prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen" envconfig:"METRICS_LISTEN"`
}

// Config is the full bot configuration.
type Config struct {
	coreconfig.Config `yaml:",inline"`

	Database coredatabase.Config `yaml:"database"`
	Fleet    FleetConfig         `yaml:"fleet"`
	Sync     SyncConfig          `yaml:"sync"`
	Schedule ScheduleConfig      `yaml:"schedule"`
	Metrics  MetricsConfig       `yaml:"metrics"`
}

// CoreConfig exposes the embedded core configuration.
func (c *Config) CoreConfig() *coreconfig.Config {
	if c == nil {
		return nil
	}
	return &c.Config
}

// Load reads path, overlays the environment and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := coreconfig.Decode(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize fills defaults and validates every section.
func (c *Config) Normalize() error {
	if err := coreconfig.Normalize(&c.Config); err != nil {
		return err
	}
	c.Database.ApplyDefaults()
	if strings.TrimSpace(c.Database.Name) == "" {
		return fmt.Errorf("database.name is required")
	}
	c.applyDefaults()

	base := strings.TrimRight(strings.TrimSpace(c.Fleet.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("fleet.base_url %q must be an absolute URL", c.Fleet.BaseURL)
	}
	c.Fleet.BaseURL = base

	switch {
	case c.Fleet.PageLimit > 1000:
		return fmt.Errorf("fleet.page_limit must be <= 1000")
	case c.Fleet.MaxRetries < 0:
		return fmt.Errorf("fleet.max_retries must be >= 0")
	case c.Fleet.RequestsPerSecond < 0:
		return fmt.Errorf("fleet.requests_per_second must be >= 0")
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule.timezone %q: %w", c.Schedule.Timezone, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Fleet.BaseURL == "" {
		c.Fleet.BaseURL = "https://fleet-api.taxi.yandex.net/v1"
	}
	if c.Fleet.PageLimit <= 0 {
		c.Fleet.PageLimit = 1000
	}
	if c.Fleet.MaxRetries == 0 {
		c.Fleet.MaxRetries = 6
	}
	if c.Fleet.Timeout <= 0 {
		c.Fleet.Timeout = 40 * time.Second
	}

	if c.Sync.PageDelay <= 0 {
		c.Sync.PageDelay = 500 * time.Millisecond
	}
	if c.Sync.QueueConcurrency <= 0 {
		c.Sync.QueueConcurrency = 5
	}
	if c.Sync.QueueDelay <= 0 {
		c.Sync.QueueDelay = 500 * time.Millisecond
	}
	if c.Sync.ManualCooldown <= 0 {
		c.Sync.ManualCooldown = time.Hour
	}
	if c.Sync.RecentWindowDays <= 0 {
		c.Sync.RecentWindowDays = 1
	}
	if c.Sync.InactiveDays <= 0 {
		c.Sync.InactiveDays = 7
	}
	if c.Sync.SessionTTL <= 0 {
		c.Sync.SessionTTL = 10 * time.Minute
	}

	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "Asia/Tashkent"
	}
	if c.Schedule.DailySync == "" {
		c.Schedule.DailySync = "0 0 * * *"
	}
	if c.Schedule.InactiveCheck == "" {
		c.Schedule.InactiveCheck = "0 10 * * *"
	}
	if c.Schedule.RecentSweep == "" {
		c.Schedule.RecentSweep = "*/15 * * * *"
	}
	if c.Schedule.FullSweep == "" {
		c.Schedule.FullSweep = ScheduleOff
	}
}
