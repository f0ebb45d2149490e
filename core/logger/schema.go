package logger

import (
	"log/slog"
	"slices"
	"strings"
)

// Status values every component logs with. Anything else is passed through
// unchanged so typos stay visible in the output.
var statuses = []string{"ok", "fail", "skip", "retry", "rate_limited", "cancelled", "partial"}

// Outcomes summarize a handled update. Unknown outcomes are dropped.
var outcomes = []string{"ok", "fail", "cancelled", "rate_limited"}

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return "DEBUG"
	case l < slog.LevelWarn:
		return "INFO"
	case l < slog.LevelError:
		return "WARN"
	}
	return "ERROR"
}

func checkEnums(fields map[string]any) {
	if s, ok := fields["status"].(string); ok {
		fields["status"] = strings.ToLower(strings.TrimSpace(s))
	}
	if o, ok := fields["outcome"].(string); ok {
		o = strings.ToLower(strings.TrimSpace(o))
		if !slices.Contains(outcomes, o) {
			delete(fields, "outcome")
			return
		}
		fields["outcome"] = o
	}
}

// defaultKeyOrder puts correlation and sync counters ahead of everything
// else so lines about one sweep or one update read the same way.
var defaultKeyOrder = []string{
	"ts", "level", "component", "event", "status",
	"rid", "rid_full", "run_id", "job", "ts_unix_nano",
	"update_id", "user_id", "chat_id", "chat_type", "handler",
	"mode", "outcome", "duration_ms",
	"driver_id", "fleet_driver_id",
	"offset", "limit", "received", "seen", "updated", "unmatched", "skipped", "pages", "drivers",
	"queue_len", "active",
	"http_code", "retry", "delay_ms",
	"messages", "kb", "cb_key", "payload", "lang", "username",
	"listen", "public_url", "db", "host", "port",
	"err", "err_code", "cause", "retryable", "attempts", "backoff_ms",
}

// IsStatus reports whether s is one of the shared status values.
func IsStatus(s string) bool {
	return slices.Contains(statuses, s)
}
