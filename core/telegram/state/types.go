package state

import (
	"time"

	tele "gopkg.in/telebot.v4"
)

// State names a step of a conversation. The zero step is StateIdle.
type State string

// StateIdle means the user is not in a conversation.
const StateIdle State = "idle"

// Session is one user's conversation: the current step plus values
// collected by earlier steps.
type Session struct {
	State   State
	Values  map[string]any
	Expires time.Time
}

// Manager tracks conversations and routes free text to the handler of the
// sender's current step.
type Manager interface {
	SetState(userID int64, st State)
	GetState(userID int64) State
	InProgress(userID int64) bool

	SetTemp(userID int64, key string, value any)
	GetTemp(userID int64, key string) (any, bool)
	GetTempString(userID int64, key string) (string, bool)
	Clear(userID int64)

	Handle(st State, h tele.HandlerFunc)
	ManagerHandler(c tele.Context) error
}
