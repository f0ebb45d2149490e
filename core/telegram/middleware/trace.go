// Package middleware holds the update middlewares shared by the bot routes.
package middleware

import (
	"log/slog"

	"github.com/m3rciful/taxibot/core/logger"
	"github.com/m3rciful/taxibot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/taxibot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Trace attaches the update context to c so handlers log with the same
// request id, and writes a sampled update.received debug line.
func Trace(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.UpdateContext(logger.Background(), c)
		tghelpers.Attach(c, ctx)
		if logger.SampleUpdate() {
			logger.Debug(ctx, logger.CompTG, "update.received", receivedAttrs(c)...)
		}
		return next(c)
	}
}

func receivedAttrs(c tele.Context) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("status", "ok"),
		slog.String("kind", UpdateKind(c.Update())),
	}
	if ch := c.Chat(); ch != nil {
		attrs = append(attrs, slog.String("chat_type", string(ch.Type)))
	}
	if u := c.Sender(); u != nil {
		if u.Username != "" {
			attrs = append(attrs, slog.String("username", logger.SanitizeLimit(u.Username, 64)))
		}
		if u.LanguageCode != "" {
			attrs = append(attrs, slog.String("lang", u.LanguageCode))
		}
	}
	if cb := c.Callback(); cb != nil {
		unique, payload := callbacks.Parse(cb)
		attrs = append(attrs,
			slog.String("cb_key", logger.SanitizeLimit(unique, 128)),
			slog.String("payload", logger.SanitizeLimit(payload, 256)),
		)
	} else if text := c.Text(); text != "" {
		attrs = append(attrs, slog.String("payload", logger.SanitizeLimit(text, 256)))
	}
	return attrs
}

// Outbox routes replies sent with helpers.SendText through p.
func Outbox(p tghelpers.Poster) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			tghelpers.BindOutbox(c, p)
			return next(c)
		}
	}
}

// UpdateKind classifies an update as callback, message or other.
func UpdateKind(upd tele.Update) string {
	switch {
	case upd.Callback != nil:
		return "callback"
	case upd.Message != nil:
		return "message"
	}
	return "other"
}
