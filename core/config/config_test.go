package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaultsToLongpoll(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{Token: "t", AdminIDs: []int64{5, 0, 5, 7}, RunMode: "Polling"}}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, RunModeLongpoll, cfg.Telegram.RunMode)
	assert.Equal(t, []int64{5, 7}, cfg.Telegram.AdminIDs)
	assert.True(t, cfg.Telegram.IsAdmin(7))
	assert.False(t, cfg.Telegram.IsAdmin(0))
}

func TestNormalizeWebhookReportsEveryMissingField(t *testing.T) {
	cfg := &Config{Telegram: TelegramConfig{Token: "t", RunMode: RunModeWebhook}}
	err := Normalize(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook.url")
	assert.Contains(t, err.Error(), "webhook.listen")
	assert.Contains(t, err.Error(), "webhook.port")
}

func TestNormalizeRateLimitKinds(t *testing.T) {
	cfg := &Config{
		Telegram:  TelegramConfig{Token: "t"},
		RateLimit: RateLimitConfig{ExcludeUpdates: []string{" Callback", "", "message"}},
	}
	require.NoError(t, Normalize(cfg))
	assert.Equal(t, []string{UpdateCallback, UpdateMessage}, cfg.RateLimit.ExcludeUpdates)

	cfg.RateLimit.ExcludeUpdates = []string{"poll"}
	assert.ErrorContains(t, Normalize(cfg), "unknown update kind")
}

func TestNormalizeRequiresToken(t *testing.T) {
	assert.ErrorContains(t, Normalize(&Config{}), "telegram.token")
	assert.Error(t, Normalize(nil))
}
