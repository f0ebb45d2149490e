package telegram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/taxibot/core/config"
	"github.com/m3rciful/taxibot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

func TestNewPollerByMode(t *testing.T) {
	cfg := &coreconfig.Config{}
	cfg.Telegram.RunMode = coreconfig.RunModeLongpoll
	lp, ok := newPoller(cfg).(*tele.LongPoller)
	require.True(t, ok)
	assert.Equal(t, defaultPollTimeout, lp.Timeout)
	assert.Equal(t, []string{"message", "callback_query"}, lp.AllowedUpdates)

	cfg.Telegram.LongPollTimeoutSeconds = 25
	assert.Equal(t, 25*time.Second, newPoller(cfg).(*tele.LongPoller).Timeout)

	cfg.Telegram.RunMode = coreconfig.RunModeWebhook
	cfg.Webhook = coreconfig.WebhookConfig{Listen: "0.0.0.0", Port: 8443, URL: "https://bot.example.com/hook"}
	wh, ok := newPoller(cfg).(*tele.Webhook)
	require.True(t, ok)
	assert.Equal(t, "0.0.0.0:8443", wh.Listen)
	assert.Equal(t, "https://bot.example.com/hook", wh.Endpoint.PublicURL)
}

func TestRunRequiresConfig(t *testing.T) {
	assert.Error(t, Run(context.Background(), RunOptions{}))
}

func TestChainOrder(t *testing.T) {
	cfg := &coreconfig.Config{}
	out := sender.New(sender.Options{Workers: 1})
	defer out.Close()

	var order []string
	mws := chain(cfg, out, RunOptions{Observe: func(kind string, err error) { order = append(order, "observed:"+kind) }})
	require.Len(t, mws, 5)

	h := func(tele.Context) error {
		order = append(order, "handler")
		return nil
	}
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	c := &stubCtx{store: map[string]interface{}{}}
	require.NoError(t, h(c))
	assert.Equal(t, []string{"handler", "observed:message"}, order)
	assert.NotNil(t, c.store["taxibot.outbox"])
}

type stubCtx struct {
	tele.Context
	store map[string]interface{}
}

func (s *stubCtx) Sender() *tele.User          { return &tele.User{ID: 3} }
func (s *stubCtx) Chat() *tele.Chat            { return &tele.Chat{ID: 3} }
func (s *stubCtx) Update() tele.Update         { return tele.Update{ID: 1, Message: &tele.Message{}} }
func (s *stubCtx) Callback() *tele.Callback    { return nil }
func (s *stubCtx) Text() string                { return "" }
func (s *stubCtx) Get(k string) interface{}    { return s.store[k] }
func (s *stubCtx) Set(k string, v interface{}) { s.store[k] = v }
