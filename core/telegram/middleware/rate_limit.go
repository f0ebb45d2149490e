package middleware

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/m3rciful/taxibot/core/logger"
	tghelpers "github.com/m3rciful/taxibot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// maxTracked bounds the per-user limiter map before idle entries are swept.
const maxTracked = 10_000

// RateLimitOptions configures RateLimit.
type RateLimitOptions struct {
	// Interval is the minimum spacing between two updates of one user.
	Interval time.Duration
	// Exclude lists update kinds (see UpdateKind) that are never limited.
	Exclude []string
	// OnLimited runs for dropped updates, for example to answer a callback.
	OnLimited tele.HandlerFunc
}

type userLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimit drops updates of a user arriving faster than one per Interval.
// A non-positive Interval disables limiting.
func RateLimit(opts RateLimitOptions) tele.MiddlewareFunc {
	if opts.Interval <= 0 {
		return func(next tele.HandlerFunc) tele.HandlerFunc { return next }
	}
	var (
		mu    sync.Mutex
		users = make(map[int64]*userLimiter)
	)
	allow := func(id int64, now time.Time) bool {
		mu.Lock()
		defer mu.Unlock()
		if len(users) >= maxTracked {
			for uid, ul := range users {
				if now.Sub(ul.seen) > opts.Interval {
					delete(users, uid)
				}
			}
		}
		ul, ok := users[id]
		if !ok {
			ul = &userLimiter{lim: rate.NewLimiter(rate.Every(opts.Interval), 1)}
			users[id] = ul
		}
		ul.seen = now
		return ul.lim.AllowN(now, 1)
	}

	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			u := c.Sender()
			if u == nil {
				return next(c)
			}
			kind := UpdateKind(c.Update())
			for _, ex := range opts.Exclude {
				if ex == kind {
					return next(c)
				}
			}
			if allow(u.ID, time.Now()) {
				return next(c)
			}
			logger.Warn(tghelpers.BuildContext(c), logger.CompTG, "update.limited",
				slog.String("status", "rate_limited"),
				slog.String("kind", kind),
			)
			if opts.OnLimited != nil {
				return opts.OnLimited(c)
			}
			return nil
		}
	}
}
