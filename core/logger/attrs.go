package logger

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

const maxErrLen = 512

// Status maps a result error onto the status enum: nil is ok, context
// cancellation is cancelled, anything else fail.
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "fail"
}

// Err is the "err" attribute, sanitized and cut to a bounded length.
func Err(err error) slog.Attr {
	msg := ""
	if err != nil {
		msg = SanitizeLimit(err.Error(), maxErrLen)
	}
	return slog.String("err", msg)
}

// RoundMS rounds d to whole milliseconds; negative values become zero.
func RoundMS(d time.Duration) time.Duration {
	return max(d, 0).Round(time.Millisecond)
}

// Took is the rounded time elapsed since start.
func Took(start time.Time) time.Duration { return RoundMS(time.Since(start)) }

// Preview joins at most limit values with ", " and reports whether some
// were left out.
func Preview(values []string, limit int) (string, bool) {
	limit = max(limit, 0)
	if len(values) <= limit {
		return strings.Join(values, ", "), false
	}
	return strings.Join(values[:limit], ", "), true
}
