package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

func TestShouldRetry(t *testing.T) {
	dial := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	read := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset")}

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"wrapped cancel", fmt.Errorf("fleet: %w", context.Canceled), false},
		{"plain", errors.New("bad request"), false},
		{"dial", dial, true},
		{"read reset", read, false},
		{"timeout", timeoutErr{}, true},
		{"url wrapping dial", &url.Error{Op: "Post", URL: "http://x", Err: dial}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ShouldRetry(tc.err))
		})
	}
}

func TestRetryTransportRetriesDialFailures(t *testing.T) {
	calls := 0
	client := New(Options{
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
		Base: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}
			}
			return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Request: r}, nil
		}),
	})

	req, err := http.NewRequest(http.MethodPost, "http://fleet.test/v1/parks/driver-profiles/list", strings.NewReader(`{"limit":1}`))
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, calls)
}

func TestRetryTransportGivesUpOnPermanentErrors(t *testing.T) {
	calls := 0
	client := New(Options{
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) {
			calls++
			return nil, errors.New("tls: bad certificate")
		}),
	})
	_, err := client.Get("http://fleet.test/")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestNewWithoutRetryUsesBase(t *testing.T) {
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusTeapot, Body: http.NoBody, Request: r}, nil
	})
	client := New(Options{Base: base})
	assert.Equal(t, defaultClientTimeout, client.Timeout)
	_, ok := client.Transport.(*retrying)
	assert.False(t, ok)
}
