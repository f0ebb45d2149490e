package middleware

import (
	"sync/atomic"

	tele "gopkg.in/telebot.v4"
)

const repliesKey = "taxibot.replies"

// replies counts what a handler sent back.
type replies struct {
	n        atomic.Int32
	keyboard atomic.Bool
}

type countingContext struct {
	tele.Context
	r *replies
}

func (c countingContext) count(err error, opts []interface{}) error {
	if err != nil {
		return err
	}
	c.r.n.Add(1)
	for _, o := range opts {
		switch v := o.(type) {
		case *tele.ReplyMarkup:
			c.r.keyboard.Store(v != nil)
		case *tele.SendOptions:
			if v != nil && v.ReplyMarkup != nil {
				c.r.keyboard.Store(true)
			}
		}
	}
	return nil
}

func (c countingContext) Send(what interface{}, opts ...interface{}) error {
	return c.count(c.Context.Send(what, opts...), opts)
}

func (c countingContext) Reply(what interface{}, opts ...interface{}) error {
	return c.count(c.Context.Reply(what, opts...), opts)
}

func (c countingContext) Edit(what interface{}, opts ...interface{}) error {
	return c.count(c.Context.Edit(what, opts...), opts)
}

// Observe counts replies for the handler summary and reports every update
// kind with its handler error to fn, which may be nil.
func Observe(fn func(kind string, err error)) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			r := &replies{}
			c.Set(repliesKey, r)
			err := next(countingContext{Context: c, r: r})
			if fn != nil {
				fn(UpdateKind(c.Update()), err)
			}
			return err
		}
	}
}

// Replies reports how many messages the handler sent and whether any of
// them carried a keyboard.
func Replies(c tele.Context) (int, bool) {
	r, ok := c.Get(repliesKey).(*replies)
	if !ok {
		return 0, false
	}
	return int(r.n.Load()), r.keyboard.Load()
}
