// Package serialization converts bound messages to and from transport envelopes.
//
// Bodies are JSON objects whose keys follow the contract's schema order.
// Decoding tolerates body keys the local schema does not know, so that an
// older consumer keeps accepting messages after an additive evolution.
package serialization

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/schema"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Binder validates a message against its registered contract
type Binder interface {
	Lookup(typeName string) (contracts.Contract, error)
	Bind(msg contracts.Message) (contracts.Message, contracts.Contract, error)
}

// Codec encodes and decodes envelopes using the contract registry
type Codec struct {
	registry Binder
}

// NewCodec creates a codec over registry
func NewCodec(registry Binder) *Codec {
	return &Codec{registry: registry}
}

// Encode wraps a bound message with an assigned identifier in an envelope
func (c *Codec) Encode(msg contracts.Message) (*contracts.Envelope, error) {
	if msg.ID() == "" {
		return nil, fmt.Errorf("encode %s: message has no id", msg.TypeName())
	}
	if !msg.Kind().Valid() {
		return nil, &contracts.UnclassifiableMessageError{TypeName: msg.TypeName(), Reason: "message is not bound to a contract"}
	}

	body, err := encodeBody(msg.Fields())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.TypeName(), err)
	}

	ts := msg.Timestamp()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return &contracts.Envelope{
		ID:            msg.ID(),
		Type:          msg.TypeName(),
		Kind:          msg.Kind(),
		Timestamp:     ts,
		CorrelationID: msg.CorrelationID(),
		Body:          body,
	}, nil
}

// Decode rebuilds a bound message from an envelope. Unknown types fail with
// *contracts.UnknownContractError, malformed bodies with
// *contracts.SchemaViolationError.
func (c *Codec) Decode(env *contracts.Envelope) (contracts.Message, error) {
	contract, err := c.registry.Lookup(env.Type)
	if err != nil {
		return contracts.Message{}, err
	}

	values, err := decodeBody(contract.Fields, env.Body)
	if err != nil {
		return contracts.Message{}, &contracts.SchemaViolationError{TypeName: env.Type, Err: err}
	}

	msg := contracts.NewMessage(env.Type, values...).
		WithID(env.ID).
		WithCorrelationID(env.CorrelationID).
		WithTimestamp(env.Timestamp)

	bound, _, err := c.registry.Bind(msg)
	if err != nil {
		return contracts.Message{}, err
	}
	return bound, nil
}

// Marshal serializes an envelope for brokers that carry a single payload
func Marshal(env *contracts.Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Unmarshal parses data produced by Marshal
func Unmarshal(data []byte) (*contracts.Envelope, error) {
	var env contracts.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("unmarshal envelope: id and type are required")
	}
	return &env, nil
}

func encodeBody(values []contracts.Value) ([]byte, error) {
	stream := json.BorrowStream(nil)
	defer json.ReturnStream(stream)

	stream.WriteObjectStart()
	for i, v := range values {
		if i > 0 {
			stream.WriteMore()
		}
		stream.WriteObjectField(v.Name)
		switch x := v.Value.(type) {
		case uuid.UUID:
			stream.WriteString(x.String())
		case time.Time:
			stream.WriteString(x.UTC().Format(time.RFC3339Nano))
		default:
			stream.WriteVal(x)
		}
	}
	stream.WriteObjectEnd()

	if stream.Error != nil {
		return nil, stream.Error
	}
	return append([]byte(nil), stream.Buffer()...), nil
}

func decodeBody(fields schema.Fields, body []byte) ([]contracts.Value, error) {
	raw := make(map[string]jsoniter.RawMessage)
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}

	values := make([]contracts.Value, 0, len(fields))
	for _, field := range fields {
		data, ok := raw[field.Name]
		if !ok || string(data) == "null" {
			continue
		}
		v, err := decodeValue(field.Type, data)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field.Name, err)
		}
		values = append(values, contracts.F(field.Name, v))
	}
	return values, nil
}

func decodeValue(t schema.FieldType, data []byte) (any, error) {
	switch t {
	case schema.TypeInt:
		var n int64
		err := json.Unmarshal(data, &n)
		return n, err
	case schema.TypeFloat:
		var f float64
		err := json.Unmarshal(data, &f)
		return f, err
	case schema.TypeBool:
		var b bool
		err := json.Unmarshal(data, &b)
		return b, err
	default:
		var s string
		err := json.Unmarshal(data, &s)
		return s, err
	}
}
