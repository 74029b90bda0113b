package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Value is a named field value as carried by a message
type Value struct {
	Name  string
	Value any
}

// ValidationResult represents the result of message validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface for ValidationError
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// Error codes reported in ValidationError.Code
const (
	CodeUnknownField = "UNKNOWN_FIELD"
	CodeDuplicate    = "DUPLICATE_FIELD"
	CodeRequired     = "REQUIRED"
	CodeType         = "TYPE_MISMATCH"
	CodeRule         = "RULE_FAILED"
)

// Summary joins all errors into one line
func (r ValidationResult) Summary() string {
	parts := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		parts[i] = e.Field + ": " + e.Message
	}
	return strings.Join(parts, "; ")
}

// Validator checks field values against a schema
type Validator struct {
	rules *validator.Validate
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{rules: validator.New(validator.WithRequiredStructEnabled())}
}

// Normalize validates values against fields and returns them coerced to
// canonical types, in schema order. Absent optional fields are omitted.
func (v *Validator) Normalize(fields Fields, values []Value) ([]Value, ValidationResult) {
	result := ValidationResult{Valid: true}
	fail := func(field, code, format string, args ...any) {
		result.Valid = false
		result.Errors = append(result.Errors, ValidationError{
			Field:   field,
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		})
	}

	provided := make(map[string]any, len(values))
	for _, val := range values {
		if fields.Index(val.Name) < 0 {
			fail(val.Name, CodeUnknownField, "field is not part of the contract")
			continue
		}
		if _, dup := provided[val.Name]; dup {
			fail(val.Name, CodeDuplicate, "field set more than once")
			continue
		}
		provided[val.Name] = val.Value
	}

	out := make([]Value, 0, len(fields))
	for _, field := range fields {
		raw, ok := provided[field.Name]
		if !ok || raw == nil {
			if field.Required {
				fail(field.Name, CodeRequired, "field is required")
			}
			continue
		}

		coerced, err := field.Type.Coerce(raw)
		if err != nil {
			fail(field.Name, CodeType, "%v", err)
			continue
		}
		if field.Required && isZero(coerced) {
			fail(field.Name, CodeRequired, "field is required")
			continue
		}
		if field.Rules != "" && applyRules(field.Type) {
			if err := v.rules.Var(coerced, field.Rules); err != nil {
				fail(field.Name, CodeRule, "violates %q", field.Rules)
				continue
			}
		}
		out = append(out, Value{Name: field.Name, Value: coerced})
	}

	if !result.Valid {
		return nil, result
	}
	return out, result
}

func applyRules(t FieldType) bool {
	return t == TypeString || t == TypeInt || t == TypeFloat
}

func isZero(v any) bool {
	switch x := v.(type) {
	case uuid.UUID:
		return x == uuid.Nil
	case time.Time:
		return x.IsZero()
	case string:
		return x == ""
	}
	return false
}
