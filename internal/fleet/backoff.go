package fleet

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxBackoff = 60 * time.Second

// BackoffDelay returns how long to wait before retry number retry (0-based)
// after a 429. A usable Retry-After header wins; otherwise the delay is
// min(60s, 1.5^retry) plus 0.25s*(retry+1) of spacing.
func BackoffDelay(retry int, retryAfter string) time.Duration {
	if d, ok := parseRetryAfter(retryAfter, time.Now()); ok {
		return d
	}
	if retry < 0 {
		retry = 0
	}
	exp := math.Min(maxBackoff.Seconds(), math.Pow(1.5, float64(retry)))
	return time.Duration((exp + 0.25*float64(retry+1)) * float64(time.Second))
}

// parseRetryAfter accepts delta seconds (integer or decimal) or an HTTP date.
func parseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
