package contracts

import (
	"time"

	"github.com/AcmeTickets/Platform/schema"
)

// Value is a named field value
type Value = schema.Value

// F is shorthand for building a field value
func F(name string, value any) Value {
	return Value{Name: name, Value: value}
}

// Message is an immutable typed message. The zero Message is not valid.
//
// Kind is KindUnspecified until the message is bound to its contract by
// Registry.Bind; callers never set it themselves.
type Message struct {
	id            string
	typeName      string
	kind          Kind
	fields        []Value
	correlationID string
	timestamp     time.Time
}

// NewMessage creates an unbound message. The identifier is assigned when the
// message is dispatched unless WithID is used.
func NewMessage(typeName string, fields ...Value) Message {
	return Message{
		typeName: typeName,
		fields:   cloneValues(fields),
	}
}

// ID returns the message identifier, empty until assigned
func (m Message) ID() string { return m.id }

// TypeName returns the contract type name
func (m Message) TypeName() string { return m.typeName }

// Kind returns the contract kind of a bound message
func (m Message) Kind() Kind { return m.kind }

// CorrelationID returns the correlation identifier, if any
func (m Message) CorrelationID() string { return m.correlationID }

// Timestamp returns the creation time stamped at dispatch
func (m Message) Timestamp() time.Time { return m.timestamp }

// Fields returns a copy of the field values in order
func (m Message) Fields() []Value { return cloneValues(m.fields) }

// Field returns the value of the named field
func (m Message) Field(name string) (any, bool) {
	for _, f := range m.fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// StringField returns the named field as a string, or "" when absent or not a string
func (m Message) StringField(name string) string {
	v, _ := m.Field(name)
	s, _ := v.(string)
	return s
}

// WithID returns a copy carrying the given identifier
func (m Message) WithID(id string) Message {
	m.id = id
	m.fields = cloneValues(m.fields)
	return m
}

// WithCorrelationID returns a copy carrying the given correlation identifier
func (m Message) WithCorrelationID(id string) Message {
	m.correlationID = id
	m.fields = cloneValues(m.fields)
	return m
}

// WithTimestamp returns a copy carrying the given timestamp
func (m Message) WithTimestamp(ts time.Time) Message {
	m.timestamp = ts
	m.fields = cloneValues(m.fields)
	return m
}

func cloneValues(values []Value) []Value {
	if values == nil {
		return nil
	}
	out := make([]Value, len(values))
	copy(out, values)
	return out
}
