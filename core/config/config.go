// Package config holds the configuration sections shared by every bot built
// on core: Telegram transport, webhook, logging and update rate limiting.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Telegram run modes.
const (
	RunModeWebhook  = "webhook"
	RunModeLongpoll = "longpoll"
)

// Update kinds accepted by RateLimitConfig.ExcludeUpdates.
const (
	UpdateCallback = "callback"
	UpdateMessage  = "message"
)

// TelegramConfig holds bot transport settings.
type TelegramConfig struct {
	Token string `yaml:"token" envconfig:"BOT_TOKEN"`
	// AdminIDs lists Telegram users allowed to run admin commands.
	AdminIDs []int64 `yaml:"admin_ids" envconfig:"TELEGRAM_ADMIN_IDS"`
	RunMode  string  `yaml:"run_mode" envconfig:"TELEGRAM_RUN_MODE"`
	// LongPollTimeoutSeconds of 0 selects the poller default.
	LongPollTimeoutSeconds int `yaml:"longpoll_timeout_seconds" envconfig:"TELEGRAM_LONGPOLL_TIMEOUT_SECONDS"`
}

// IsAdmin reports whether the user id belongs to a configured admin.
func (t TelegramConfig) IsAdmin(userID int64) bool {
	return userID != 0 && slices.Contains(t.AdminIDs, userID)
}

// WebhookConfig is required in webhook mode only.
type WebhookConfig struct {
	URL    string `yaml:"url" envconfig:"WEBHOOK_URL"`
	Listen string `yaml:"listen" envconfig:"WEBHOOK_LISTEN"`
	Port   int    `yaml:"port" envconfig:"WEBHOOK_PORT"`
}

// LoggingConfig selects log level, format and sinks.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"LOG_FORMAT"`
	// Profile is "debug", "dev" or "prod".
	Profile string `yaml:"profile" envconfig:"LOG_PROFILE"`
	Dir     string `yaml:"dir" envconfig:"LOG_DIR"`
	File    string `yaml:"file" envconfig:"LOG_FILE"`
	// KeyOrder overrides the leading keys of every line.
	KeyOrder []string `yaml:"key_order" envconfig:"LOG_KEY_ORDER"`
	// DebugEvery keeps one per-update debug line out of N; 0 means 50.
	DebugEvery int `yaml:"debug_every" envconfig:"LOG_DEBUG_EVERY"`
}

// RateLimitConfig throttles incoming updates per user.
type RateLimitConfig struct {
	IntervalMS     int      `yaml:"interval_ms" envconfig:"RATE_LIMIT_INTERVAL_MS"`
	ExcludeUpdates []string `yaml:"exclude_updates" envconfig:"RATE_LIMIT_EXCLUDE_UPDATES"`
}

// Config aggregates the configuration that belongs to the reusable core.
type Config struct {
	Telegram  TelegramConfig  `yaml:"telegram"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Decode reads a YAML file into dst and overlays environment variables.
// dst must be a pointer to a struct carrying yaml and envconfig tags.
func Decode(path string, dst any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := envconfig.Process("", dst); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

// Normalize validates required fields and fills defaults.
func Normalize(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	return errors.Join(
		cfg.normalizeTelegram(),
		cfg.normalizeRateLimit(),
	)
}

func (c *Config) normalizeTelegram() error {
	t := &c.Telegram
	if strings.TrimSpace(t.Token) == "" {
		return errors.New("telegram.token is required")
	}

	admins := make([]int64, 0, len(t.AdminIDs))
	for _, id := range t.AdminIDs {
		if id > 0 && !slices.Contains(admins, id) {
			admins = append(admins, id)
		}
	}
	t.AdminIDs = admins

	mode := strings.ToLower(strings.TrimSpace(t.RunMode))
	if mode == "" || mode == "polling" {
		mode = RunModeLongpoll
	}
	t.RunMode = mode

	switch mode {
	case RunModeLongpoll:
		if t.LongPollTimeoutSeconds < 0 {
			return errors.New("telegram.longpoll_timeout_seconds must be >= 0")
		}
		return nil
	case RunModeWebhook:
		var errs []error
		if strings.TrimSpace(c.Webhook.URL) == "" {
			errs = append(errs, errors.New("webhook.url is required in webhook mode"))
		}
		if strings.TrimSpace(c.Webhook.Listen) == "" {
			errs = append(errs, errors.New("webhook.listen is required in webhook mode"))
		}
		if c.Webhook.Port <= 0 {
			errs = append(errs, errors.New("webhook.port must be > 0 in webhook mode"))
		}
		return errors.Join(errs...)
	}
	return fmt.Errorf("telegram.run_mode %q: want %s or %s", mode, RunModeLongpoll, RunModeWebhook)
}

func (c *Config) normalizeRateLimit() error {
	if c.RateLimit.IntervalMS < 0 {
		return errors.New("rate_limit.interval_ms must be >= 0")
	}
	kinds := c.RateLimit.ExcludeUpdates[:0]
	for _, v := range c.RateLimit.ExcludeUpdates {
		kind := strings.ToLower(strings.TrimSpace(v))
		switch kind {
		case "":
			continue
		case UpdateCallback, UpdateMessage:
			kinds = append(kinds, kind)
		default:
			return fmt.Errorf("rate_limit.exclude_updates: unknown update kind %q", v)
		}
	}
	c.RateLimit.ExcludeUpdates = kinds
	return nil
}
