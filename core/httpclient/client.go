// Package httpclient builds the *http.Client shared by the Telegram
// transport and the fleet API client.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

// Options configures New. Zero values take defaults.
type Options struct {
	Timeout         time.Duration
	ResponseTimeout time.Duration
	// RetryAttempts is the number of extra tries after a transient transport
	// failure. Responses are returned as is, whatever their status.
	RetryAttempts int
	RetryBackoff  time.Duration
	// Base replaces the pooled transport, mostly in tests.
	Base http.RoundTripper
}

const (
	defaultClientTimeout   = 30 * time.Second
	defaultResponseTimeout = 5 * time.Second
	defaultRetryBackoff    = 2 * time.Second
)

// New returns a client over a pooled transport, wrapped with transport
// level retries when RetryAttempts is positive.
func New(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	rt := opts.Base
	if rt == nil {
		rt = pooled(opts.ResponseTimeout)
	}
	if opts.RetryAttempts > 0 {
		backoff := opts.RetryBackoff
		if backoff <= 0 {
			backoff = defaultRetryBackoff
		}
		rt = &retrying{next: rt, extra: opts.RetryAttempts, backoff: backoff}
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}

func pooled(responseTimeout time.Duration) *http.Transport {
	if responseTimeout <= 0 {
		responseTimeout = defaultResponseTimeout
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: responseTimeout,
		ExpectContinueTimeout: time.Second,
	}
}
