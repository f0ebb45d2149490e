package helpers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/m3rciful/taxibot/core/logger"
	"github.com/m3rciful/taxibot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Poster queues outbound jobs.
type Poster interface {
	Post(ctx context.Context, j sender.Job) error
}

// BindOutbox makes replies sent through c go via p.
func BindOutbox(c tele.Context, p Poster) {
	if p != nil {
		c.Set(outboxKey, p)
	}
}

// SendText replies with plain text. With an outbox bound the reply is
// queued; a full or closed outbox falls back to a direct send.
func SendText(c tele.Context, text string, opts ...interface{}) error {
	p, _ := c.Get(outboxKey).(Poster)
	if p == nil {
		return c.Send(text, opts...)
	}
	ctx := BuildContext(c)
	var chat int64
	if ch := c.Chat(); ch != nil {
		chat = ch.ID
	}
	err := p.Post(ctx, sender.Job{
		Kind: "reply",
		Chat: chat,
		Run:  func(context.Context) error { return c.Send(text, opts...) },
	})
	if errors.Is(err, sender.ErrFull) || errors.Is(err, sender.ErrClosed) {
		logger.Warn(ctx, logger.CompTGSender, "send.direct",
			slog.String("status", "retry"),
			logger.Err(err),
		)
		return c.Send(text, opts...)
	}
	return err
}
