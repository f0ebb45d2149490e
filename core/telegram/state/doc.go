// Package state keeps short-lived per-user conversation state for Telegram
// bots. Sessions expire after a TTL so abandoned dialogs never linger.
package state
