package relay

import (
	"errors"
	"fmt"
)

// Sentinel errors for common relay failures.
// Use errors.Is() to check against these.
var (
	ErrNoRoute  = errors.New("no upstream route")
	ErrUpstream = errors.New("upstream unavailable")
)

// RelayError is a structured error carrying the failing operation and the
// negotiation outcome it failed for. Supports unwrapping.
type RelayError struct {
	Op      string // "route" or "dial"
	Outcome string // outcome description, for logs
	Err     error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Outcome, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// NewRouteError reports that no upstream is configured for an outcome.
func NewRouteError(outcome string) *RelayError {
	return &RelayError{Op: "route", Outcome: outcome, Err: ErrNoRoute}
}

// NewDialError reports a failed connection attempt to addr.
func NewDialError(outcome, addr string, err error) *RelayError {
	return &RelayError{
		Op:      "dial",
		Outcome: outcome,
		Err:     fmt.Errorf("%w: %s: %v", ErrUpstream, addr, err),
	}
}
