package kumo

import (
	"errors"
	"fmt"
)

// Domain-specific errors for cloud API operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAuth is returned when the cloud rejects our credentials or token.
	// The client has already performed its single refresh-and-retry by the
	// time callers see this, so it is terminal for the operation.
	ErrAuth = errors.New("kumo: authentication failed")

	// ErrConnection is returned for network failures, timeouts and 5xx
	// responses. Transient; callers retry with backoff.
	ErrConnection = errors.New("kumo: connection error")

	// ErrRateLimited is returned when the cloud responds 429 even after the
	// client's own retries. Callers treat it like a connection error but
	// should extend their backoff.
	ErrRateLimited = errors.New("kumo: rate limited by server")

	// ErrNoToken is returned when an authorised call is made before any
	// login has succeeded and no stored token pair is available.
	ErrNoToken = errors.New("kumo: no auth token available")
)

// APIError carries the HTTP status of an unexpected cloud response.
// It wraps one of the sentinel errors above so errors.Is still works.
type APIError struct {
	StatusCode int
	Endpoint   string
	Sentinel   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kumo: %s returned HTTP %d", e.Endpoint, e.StatusCode)
}

// Unwrap allows errors.Is(err, ErrAuth) etc. to match through APIError.
func (e *APIError) Unwrap() error {
	return e.Sentinel
}

// classifyStatus maps an HTTP status code to the sentinel error for its class.
func classifyStatus(status int) error {
	switch {
	case status == 401 || status == 403:
		return ErrAuth
	case status == 429:
		return ErrRateLimited
	default:
		return ErrConnection
	}
}
