package coordinator

import (
	"errors"
	"fmt"
)

// Domain-specific errors for coordinator operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrUnknownDevice is returned when an operation targets a serial
	// the coordinator has not discovered.
	ErrUnknownDevice = errors.New("coordinator: unknown device")

	// ErrNoSite is returned when site discovery finds no usable site.
	ErrNoSite = errors.New("coordinator: no site available")

	// ErrAmbiguousSite is returned when the account has multiple sites
	// and none is pinned in configuration.
	ErrAmbiguousSite = errors.New("coordinator: multiple sites, set cloud.site_id")
)

// ValidationError reports a command rejected before any network call.
type ValidationError struct {
	Attribute string
	Message   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid command attribute %q: %s", e.Attribute, e.Message)
}
