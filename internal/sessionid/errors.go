package sessionid

import (
	"errors"
	"fmt"
)

var (
	// ErrIDStateUnknown is returned in strict mode when the backend could not
	// say whether an id is in use.
	ErrIDStateUnknown = errors.New("sessionid: id state unknown")

	// ErrNotStarted is logged by key operations issued before Start.
	ErrNotStarted = errors.New("sessionid: manager not started")

	// ErrIDExhausted is returned when no unused id was found.
	ErrIDExhausted = errors.New("sessionid: could not allocate an unused id")
)

// ConfigurationError reports a missing or invalid setting found at Start.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sessionid: invalid configuration: %s: %s", e.Field, e.Reason)
}

// LifecycleError reports a failed Start or Stop.
type LifecycleError struct {
	Op  string
	Err error
}

func (e *LifecycleError) Error() string {
	return fmt.Sprintf("sessionid: %s: %v", e.Op, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }
