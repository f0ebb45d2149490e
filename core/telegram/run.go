// Package telegram runs a telebot bot: it builds the poller, installs the
// shared middleware chain, binds routes and drives lifecycle hooks.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coreconfig "github.com/m3rciful/taxibot/core/config"
	"github.com/m3rciful/taxibot/core/httpclient"
	"github.com/m3rciful/taxibot/core/logger"
	tghelpers "github.com/m3rciful/taxibot/core/telegram/helpers"
	"github.com/m3rciful/taxibot/core/telegram/middleware"
	"github.com/m3rciful/taxibot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

const (
	defaultPollTimeout = 10 * time.Second
	defaultStopTimeout = 30 * time.Second
)

// Route binds a handler to a telebot endpoint such as "/start" or tele.OnText.
type Route struct {
	Endpoint interface{}
	Handler  tele.HandlerFunc
}

// Runtime is what lifecycle hooks get to work with.
type Runtime struct {
	Bot      *tele.Bot
	Outbox   *sender.Outbox
	Registry *Registry
}

// RunOptions configures Run.
type RunOptions struct {
	Config   *coreconfig.Config
	Registry *Registry
	Outbox   sender.Options
	Routes   []Route

	// Observe receives the kind of every update and its handler error.
	Observe func(kind string, err error)
	// OnLimited answers updates dropped by the rate limiter.
	OnLimited tele.HandlerFunc

	OnStart func(ctx context.Context, rt Runtime) error
	// OnStop runs after polling ends with a fresh context bounded by StopTimeout.
	OnStop      func(ctx context.Context, rt Runtime) error
	StopTimeout time.Duration
}

// Run starts the bot and blocks until ctx is cancelled or the poller exits.
// Cancellation is a normal shutdown and is not reported as an error.
func Run(ctx context.Context, opts RunOptions) error {
	if opts.Config == nil {
		return errors.New("telegram: nil config")
	}
	cfg := opts.Config
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	start := time.Now()
	poller := newPoller(cfg)
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Telegram.Token,
		Poller:  poller,
		Client:  httpclient.New(httpclient.Options{RetryAttempts: 3}),
		OnError: onError,
	})
	if err != nil {
		return fmt.Errorf("telegram: new bot: %w", err)
	}
	announce(ctx, bot, poller, logger.Took(start))

	outbox := sender.New(opts.Outbox)
	rt := Runtime{Bot: bot, Outbox: outbox, Registry: reg}

	bot.Use(chain(cfg, outbox, opts)...)
	for _, r := range opts.Routes {
		if r.Endpoint != nil && r.Handler != nil {
			bot.Handle(r.Endpoint, r.Handler)
		}
	}
	publishMenu(ctx, bot, reg, cfg.Telegram.AdminIDs)

	if opts.OnStart != nil {
		if err := opts.OnStart(ctx, rt); err != nil {
			outbox.Close()
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		bot.Start()
	}()
	select {
	case <-ctx.Done():
		bot.Stop()
		<-done
	case <-done:
	}

	var stopErr error
	if opts.OnStop != nil {
		timeout := opts.StopTimeout
		if timeout <= 0 {
			timeout = defaultStopTimeout
		}
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		stopErr = opts.OnStop(stopCtx, rt)
		cancel()
	}
	outbox.Close()
	return stopErr
}

// chain lists the global middlewares, outermost first.
func chain(cfg *coreconfig.Config, outbox *sender.Outbox, opts RunOptions) []tele.MiddlewareFunc {
	return []tele.MiddlewareFunc{
		middleware.Recover,
		middleware.Trace,
		middleware.RateLimit(middleware.RateLimitOptions{
			Interval:  time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond,
			Exclude:   cfg.RateLimit.ExcludeUpdates,
			OnLimited: opts.OnLimited,
		}),
		middleware.Outbox(outbox),
		middleware.Observe(opts.Observe),
	}
}

func newPoller(cfg *coreconfig.Config) tele.Poller {
	if cfg.Telegram.RunMode == coreconfig.RunModeWebhook {
		return &tele.Webhook{
			Listen:   fmt.Sprintf("%s:%d", cfg.Webhook.Listen, cfg.Webhook.Port),
			Endpoint: &tele.WebhookEndpoint{PublicURL: cfg.Webhook.URL},
		}
	}
	return &tele.LongPoller{
		Timeout:        pollTimeout(cfg.Telegram.LongPollTimeoutSeconds),
		AllowedUpdates: []string{"message", "callback_query"},
	}
}

func pollTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return defaultPollTimeout
	}
	return time.Duration(seconds) * time.Second
}

// announce logs the transport mode. Long polling first drops any webhook
// left by an earlier deployment, since getUpdates fails while one is set.
func announce(ctx context.Context, bot *tele.Bot, poller tele.Poller, took time.Duration) {
	switch p := poller.(type) {
	case *tele.Webhook:
		logger.Info(ctx, logger.CompTG, "bot.mode",
			slog.String("status", "ok"),
			slog.String("mode", coreconfig.RunModeWebhook),
			slog.String("listen", p.Listen),
			slog.String("public_url", p.Endpoint.PublicURL),
			slog.Duration("duration", took),
		)
	case *tele.LongPoller:
		status := "ok"
		var attrs []slog.Attr
		if err := bot.RemoveWebhook(); err != nil {
			status = "partial"
			attrs = append(attrs, slog.String("cause", "delete_webhook"), logger.Err(err))
		}
		logger.Info(ctx, logger.CompTG, "bot.mode", append([]slog.Attr{
			slog.String("status", status),
			slog.String("mode", coreconfig.RunModeLongpoll),
			slog.Duration("poll_timeout", p.Timeout),
			slog.Duration("duration", took),
		}, attrs...)...)
	}
}

// onError receives errors telebot could not hand to anybody else. Handler
// errors are already reported by the route summary, so only poller level
// failures log above debug.
func onError(err error, c tele.Context) {
	if c == nil {
		logger.Error(logger.Background(), logger.CompTG, "bot.error",
			slog.String("status", "fail"),
			logger.Err(err),
		)
		return
	}
	logger.Debug(tghelpers.BuildContext(c), logger.CompTG, "bot.error",
		slog.String("status", "fail"),
		logger.Err(err),
	)
}
