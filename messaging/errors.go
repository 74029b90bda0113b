package messaging

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable marks sends that exhausted their retries
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrTransportRejected marks sends the broker refused permanently
	ErrTransportRejected = errors.New("transport rejected message")
	// ErrDispatchCanceled marks sends abandoned before reaching the broker
	ErrDispatchCanceled = errors.New("dispatch canceled")
	// ErrHandleTimeout is reported when a handler outlives its deadline
	ErrHandleTimeout = errors.New("handler timed out")
	// ErrNoHandler is reported for messages no handler is registered for
	ErrNoHandler = errors.New("no handler registered")
	// ErrInProgress is returned while another consumer holds a message's
	// inbox claim
	ErrInProgress = errors.New("message is being processed elsewhere")
)

// DispatchErrorKind classifies a failed dispatch
type DispatchErrorKind int

const (
	TransportUnavailable DispatchErrorKind = iota + 1
	TransportRejected
	DispatchCanceled
)

func (k DispatchErrorKind) String() string {
	switch k {
	case TransportUnavailable:
		return "transport_unavailable"
	case TransportRejected:
		return "transport_rejected"
	case DispatchCanceled:
		return "dispatch_canceled"
	default:
		return "unknown"
	}
}

// DispatchError is returned by Gateway.Publish when a validated message
// could not be handed to the broker
type DispatchError struct {
	Kind      DispatchErrorKind
	TypeName  string
	MessageID string
	Attempts  int
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s (%s) failed after %d attempt(s): %s: %v",
		e.TypeName, e.MessageID, e.Attempts, e.Kind, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind
func (e *DispatchError) Is(target error) bool {
	switch target {
	case ErrTransportUnavailable:
		return e.Kind == TransportUnavailable
	case ErrTransportRejected:
		return e.Kind == TransportRejected
	case ErrDispatchCanceled:
		return e.Kind == DispatchCanceled
	}
	return false
}

// NoHandlerError is returned when a dispatcher has no handler for a type
type NoHandlerError struct {
	TypeName string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.TypeName)
}

func (e *NoHandlerError) Is(target error) bool {
	return target == ErrNoHandler
}
