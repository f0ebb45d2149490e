package router

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/m3rciful/taxibot/core/logger"
	tghelpers "github.com/m3rciful/taxibot/core/telegram/helpers"
	"github.com/m3rciful/taxibot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// summarize runs h and writes one handler.handled line for it. A nil h
// is logged as skipped.
func summarize(c tele.Context, name string, h tele.HandlerFunc, extra ...slog.Attr) error {
	start := time.Now()
	ctx := tghelpers.WithHandler(c, name)

	var err error
	status, outcome := "skip", "ok"
	if h != nil {
		err = h(c)
		status = logger.Status(err)
		if err != nil {
			outcome = "fail"
		}
	}

	msgs, kb := middleware.Replies(c)
	attrs := []slog.Attr{
		slog.String("status", status),
		slog.String("outcome", outcome),
		slog.Int("messages", msgs),
		slog.Bool("kb", kb),
		slog.Duration("duration", logger.Took(start)),
	}
	if err != nil {
		attrs = append(attrs, logger.Err(err), slog.String("err_code", errCode(err)))
	}
	logger.Info(ctx, logger.CompTG, "handler.handled", append(attrs, extra...)...)
	return err
}

// errCode names the error for grouping: its Code() when it has one,
// otherwise the dynamic type of the innermost wrapped error.
func errCode(err error) string {
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		if code := strings.TrimSpace(coded.Code()); code != "" {
			return strings.ToUpper(strings.ReplaceAll(code, " ", "_"))
		}
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			break
		}
		err = next
	}
	name := fmt.Sprintf("%T", err)
	name = name[strings.LastIndex(name, ".")+1:]
	return strings.ToUpper(strings.TrimPrefix(name, "*"))
}
