package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// retrying repeats a round trip after transient transport errors. Requests
// with a body are repeated only when the body can be rewound via GetBody.
type retrying struct {
	next    http.RoundTripper
	extra   int
	backoff time.Duration
}

func (t *retrying) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	for try := 1; err != nil && try <= t.extra && ShouldRetry(err); try++ {
		if req.Body != nil && req.GetBody == nil {
			break
		}
		if werr := wait(req.Context(), t.backoff*time.Duration(try)); werr != nil {
			return nil, werr
		}
		again := req.Clone(req.Context())
		if req.GetBody != nil {
			if again.Body, err = req.GetBody(); err != nil {
				return nil, err
			}
		}
		resp, err = t.next.RoundTrip(again)
	}
	return resp, err
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldRetry reports whether err is a transient transport failure: a dial
// error or a timeout, possibly wrapped. Cancellation never is.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
