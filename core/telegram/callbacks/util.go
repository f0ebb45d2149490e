// Package callbacks decodes inline button data.
package callbacks

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Parse returns the unique key and payload of cb. Telebot fills Unique for
// buttons built with it; raw data has the form "\f<unique>|<payload>".
func Parse(cb *tele.Callback) (unique, payload string) {
	if cb == nil {
		return "", ""
	}
	if cb.Unique != "" {
		return cb.Unique, cb.Data
	}
	unique, payload, _ = strings.Cut(strings.TrimPrefix(cb.Data, "\f"), "|")
	return strings.TrimSpace(unique), payload
}

// Key returns the unique key of the callback in c.
func Key(c tele.Context) string {
	unique, _ := Parse(c.Callback())
	return unique
}

// Payload returns the payload of the callback in c.
func Payload(c tele.Context) string {
	_, payload := Parse(c.Callback())
	return payload
}
