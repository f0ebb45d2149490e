package middleware

import tele "gopkg.in/telebot.v4"

// AdminOnly passes updates from users accepted by isAdmin and hands every
// other one to reject, which may be nil. A nil isAdmin accepts nobody.
func AdminOnly(isAdmin func(userID int64) bool, reject tele.HandlerFunc) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if u := c.Sender(); u != nil && isAdmin != nil && isAdmin(u.ID) {
				return next(c)
			}
			if reject == nil {
				return nil
			}
			return reject(c)
		}
	}
}
