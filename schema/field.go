package schema

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FieldType is the wire type of a contract field
type FieldType int

const (
	TypeUnknown FieldType = iota
	TypeString
	TypeInt
	TypeFloat
	TypeBool
	TypeUUID
	TypeTime
)

var fieldTypeNames = map[FieldType]string{
	TypeString: "string",
	TypeInt:    "int",
	TypeFloat:  "float",
	TypeBool:   "bool",
	TypeUUID:   "uuid",
	TypeTime:   "time",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseFieldType parses the textual form used in topology files
func ParseFieldType(s string) (FieldType, error) {
	for t, name := range fieldTypeNames {
		if strings.EqualFold(name, s) {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("unknown field type %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *FieldType) UnmarshalText(text []byte) error {
	parsed, err := ParseFieldType(string(text))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (t FieldType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Coerce converts v to the canonical Go representation of the type:
// string, int64, float64, bool, uuid.UUID or time.Time.
func (t FieldType) Coerce(v any) (any, error) {
	switch t {
	case TypeString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case TypeInt:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int8:
			return int64(n), nil
		case int16:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		case uint8:
			return int64(n), nil
		case uint16:
			return int64(n), nil
		case uint32:
			return int64(n), nil
		case uint:
			if uint64(n) <= math.MaxInt64 {
				return int64(n), nil
			}
		case uint64:
			if n <= math.MaxInt64 {
				return int64(n), nil
			}
		case float64:
			// float64(math.MaxInt64) rounds up to 2^63, which is out of range
			if n == math.Trunc(n) && n >= math.MinInt64 && n < math.MaxInt64 {
				return int64(n), nil
			}
		}
	case TypeFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeUUID:
		switch id := v.(type) {
		case uuid.UUID:
			return id, nil
		case string:
			parsed, err := uuid.Parse(id)
			if err != nil {
				return nil, fmt.Errorf("invalid uuid: %w", err)
			}
			return parsed, nil
		}
	case TypeTime:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC(), nil
		case string:
			parsed, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, fmt.Errorf("invalid time: %w", err)
			}
			return parsed.UTC(), nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}

// Field defines one named, typed slot of a contract
type Field struct {
	Name     string    `yaml:"name"`
	Type     FieldType `yaml:"type"`
	Required bool      `yaml:"required"`
	// Rules are validator tags applied to present string and numeric values.
	Rules string `yaml:"rules,omitempty"`
}

// Fields is an ordered field schema
type Fields []Field

// Index returns the position of the named field or -1
func (f Fields) Index(name string) int {
	for i, field := range f {
		if field.Name == name {
			return i
		}
	}
	return -1
}

// Names returns the field names in schema order
func (f Fields) Names() []string {
	names := make([]string, len(f))
	for i, field := range f {
		names[i] = field.Name
	}
	return names
}

// Clone returns a copy that shares nothing with f
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	copy(out, f)
	return out
}

// Check reports structural problems in the schema itself
func (f Fields) Check() error {
	seen := make(map[string]struct{}, len(f))
	for i, field := range f {
		if field.Name == "" {
			return fmt.Errorf("field %d: name is empty", i)
		}
		if _, dup := seen[field.Name]; dup {
			return fmt.Errorf("field %q declared twice", field.Name)
		}
		if field.Type == TypeUnknown {
			return fmt.Errorf("field %q: type is not set", field.Name)
		}
		seen[field.Name] = struct{}{}
	}
	return nil
}

// CheckEvolution returns nil when next is an additive evolution of prev:
// every existing field keeps its position, type and requiredness, and every
// new field is optional and appended.
func CheckEvolution(prev, next Fields) error {
	if len(next) < len(prev) {
		return fmt.Errorf("field %q removed", prev[len(next)].Name)
	}
	for i, old := range prev {
		cur := next[i]
		switch {
		case cur.Name != old.Name:
			return fmt.Errorf("field %d renamed or reordered: %q -> %q", i, old.Name, cur.Name)
		case cur.Type != old.Type:
			return fmt.Errorf("field %q changed type: %s -> %s", old.Name, old.Type, cur.Type)
		case cur.Required != old.Required:
			return fmt.Errorf("field %q changed requiredness", old.Name)
		}
	}
	for _, added := range next[len(prev):] {
		if added.Required {
			return fmt.Errorf("new field %q must be optional", added.Name)
		}
	}
	return nil
}
