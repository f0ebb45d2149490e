// Package helpers bridges tele.Context to the logging context and the
// outbound queue.
package helpers

import (
	"context"

	"github.com/m3rciful/taxibot/core/logger"

	tele "gopkg.in/telebot.v4"
)

const (
	ctxKey    = "taxibot.ctx"
	outboxKey = "taxibot.outbox"
)

// UpdateContext derives from parent a context tagged with the request id
// and the update, user and chat ids of c.
func UpdateContext(parent context.Context, c tele.Context) context.Context {
	var userID, chatID int64
	if u := c.Sender(); u != nil {
		userID = u.ID
	}
	if ch := c.Chat(); ch != nil {
		chatID = ch.ID
	}
	updateID := c.Update().ID
	ctx := logger.WithRID(parent, logger.BuildRID(updateID, chatID, userID))
	return logger.WithUpdateMeta(ctx, updateID, userID, chatID)
}

// Attach stores ctx on c for later BuildContext calls.
func Attach(c tele.Context, ctx context.Context) {
	if c != nil && ctx != nil {
		c.Set(ctxKey, ctx)
	}
}

// BuildContext returns the context attached to c, creating and attaching
// one on first use.
func BuildContext(c tele.Context) context.Context {
	if ctx, ok := c.Get(ctxKey).(context.Context); ok && ctx != nil {
		return ctx
	}
	ctx := UpdateContext(logger.Background(), c)
	Attach(c, ctx)
	return ctx
}

// WithHandler tags the context of c with the handler name.
func WithHandler(c tele.Context, name string) context.Context {
	ctx := BuildContext(c)
	if name == "" {
		return ctx
	}
	ctx = logger.WithHandler(ctx, name)
	Attach(c, ctx)
	return ctx
}
