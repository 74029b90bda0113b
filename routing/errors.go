package routing

import (
	"errors"
	"fmt"
)

// ErrNoDestination matches any *NoDestinationError
var ErrNoDestination = errors.New("routing: no destination")

// NoDestinationError is returned for a command that has no configured
// receiving endpoint
type NoDestinationError struct {
	TypeName string
}

func (e *NoDestinationError) Error() string {
	return fmt.Sprintf("command %q has no destination endpoint", e.TypeName)
}

func (e *NoDestinationError) Is(target error) bool {
	return target == ErrNoDestination
}

// TopologyError reports an inconsistent topology at startup
type TopologyError struct {
	TypeName string
	Reason   string
	Err      error
}

func (e *TopologyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("topology: %s: %s: %v", e.TypeName, e.Reason, e.Err)
	}
	return fmt.Sprintf("topology: %s: %s", e.TypeName, e.Reason)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}
