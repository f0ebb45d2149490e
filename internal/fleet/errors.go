package fleet

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited is returned once a request keeps receiving 429 after
	// the retry budget is spent.
	ErrRateLimited = errors.New("fleet: rate limit retries exhausted")
	// ErrUnsupported is returned by extended endpoints the client was not
	// configured to use.
	ErrUnsupported = errors.New("fleet: capability not enabled")
	// ErrNotFound is returned when a single-driver lookup matches nothing.
	ErrNotFound = errors.New("fleet: driver not found")
	// ErrNoCredentials is returned when park, client or key is missing.
	ErrNoCredentials = errors.New("fleet: credentials not configured")
)

// APIError is a non-2xx, non-429 response from the fleet API.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fleet: %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Code implements the handler summary error code convention.
func (e *APIError) Code() string {
	return fmt.Sprintf("FLEET_HTTP_%d", e.StatusCode)
}
