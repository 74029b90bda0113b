package contracts

import (
	"fmt"
	"strings"
)

// Kind is the declared category of a message type
type Kind int

const (
	KindUnspecified Kind = iota
	KindCommand
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindCommand:
		return "command"
	case KindEvent:
		return "event"
	default:
		return "unspecified"
	}
}

// Valid reports whether k is Command or Event
func (k Kind) Valid() bool {
	return k == KindCommand || k == KindEvent
}

// ParseKind parses "command" or "event", case-insensitively
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "command":
		return KindCommand, nil
	case "event":
		return KindEvent, nil
	}
	return KindUnspecified, fmt.Errorf("unknown message kind %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

const (
	commandsSegment = "Commands"
	eventsSegment   = "Events"
)

// KindFromNamespace derives a kind from a dotted type name whose namespace
// contains exactly one "Commands" or "Events" segment, for example
// "AcmeTickets.PublicContracts.Events.Fulfillment.FulfillmentCompleted".
// Any other shape fails closed.
func KindFromNamespace(typeName string) (Kind, error) {
	segments := strings.Split(typeName, ".")
	if len(segments) < 2 {
		return KindUnspecified, &UnclassifiableMessageError{TypeName: typeName, Reason: "type name has no namespace"}
	}

	var commands, events bool
	for _, seg := range segments[:len(segments)-1] {
		switch seg {
		case commandsSegment:
			commands = true
		case eventsSegment:
			events = true
		}
	}

	switch {
	case commands && events:
		return KindUnspecified, &UnclassifiableMessageError{TypeName: typeName, Reason: "namespace names both commands and events"}
	case commands:
		return KindCommand, nil
	case events:
		return KindEvent, nil
	}
	return KindUnspecified, &UnclassifiableMessageError{TypeName: typeName, Reason: "namespace names neither commands nor events"}
}
