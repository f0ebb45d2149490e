// Package router binds a telegram.Registry to bot endpoints.
package router

import (
	"log/slog"
	"strings"

	"github.com/m3rciful/taxibot/core/logger"
	tg "github.com/m3rciful/taxibot/core/telegram"
	"github.com/m3rciful/taxibot/core/telegram/callbacks"
	"github.com/m3rciful/taxibot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// Conversations is the session store consulted before plain text routing.
type Conversations interface {
	InProgress(userID int64) bool
	ManagerHandler(c tele.Context) error
}

// Options configures Routes.
type Options struct {
	IsAdmin func(userID int64) bool
	// Denied answers non-admins calling an admin command.
	Denied        tele.HandlerFunc
	Conversations Conversations
}

// Routes returns one route per command plus the callback and text routes.
// Text is offered to a running conversation first, then matched against
// commands typed without a slash, then handed to the registry fallback.
func Routes(reg *tg.Registry, opts Options) []tg.Route {
	gate := middleware.AdminOnly(opts.IsAdmin, opts.Denied)
	cmds := reg.Commands()
	routes := make([]tg.Route, 0, len(cmds)+2)
	for _, cmd := range cmds {
		h := named(handlerName(cmd.Name), cmd.Handler)
		if cmd.Access == tg.Admin {
			h = gate(h)
		}
		routes = append(routes, tg.Route{Endpoint: cmd.Name, Handler: h})
	}
	routes = append(routes,
		tg.Route{Endpoint: tele.OnCallback, Handler: callbackHandler(reg)},
		tg.Route{Endpoint: tele.OnText, Handler: textHandler(reg, gate, opts.Conversations)},
	)

	logger.Info(logger.Background(), logger.CompTGWire, "routes.bound",
		slog.String("status", "ok"),
		slog.Int("commands", len(cmds)),
		slog.Int("routes", len(routes)),
	)
	return routes
}

func callbackHandler(reg *tg.Registry) tele.HandlerFunc {
	return func(c tele.Context) error {
		unique, _ := callbacks.Parse(c.Callback())
		name := "callback." + handlerName(unique)
		h, ok := reg.CallbackFor(unique)
		if !ok {
			return summarize(c, name, reg.CallbackNotFound(), slog.String("reason", "not_found"))
		}
		_ = c.Respond()
		return summarize(c, name, h)
	}
}

func textHandler(reg *tg.Registry, gate tele.MiddlewareFunc, conv Conversations) tele.HandlerFunc {
	return func(c tele.Context) error {
		if u := c.Sender(); u != nil && conv != nil && conv.InProgress(u.ID) {
			return summarize(c, "conversation", conv.ManagerHandler)
		}
		if cmd, ok := reg.Find(c.Text()); ok {
			h := cmd.Handler
			if cmd.Access == tg.Admin {
				h = gate(h)
			}
			return summarize(c, handlerName(cmd.Name), h)
		}
		if fb := reg.TextFallback(); fb != nil {
			return summarize(c, "fallback", fb)
		}
		return summarize(c, "unknown_text", nil)
	}
}

func named(name string, h tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error { return summarize(c, name, h) }
}

func handlerName(s string) string {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "/"))
	if s == "" {
		return "unknown"
	}
	return strings.ReplaceAll(s, " ", "_")
}
