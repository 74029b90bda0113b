package contracts

import (
	"errors"
	"fmt"

	"github.com/AcmeTickets/Platform/schema"
)

var (
	// ErrUnknownContract matches any *UnknownContractError
	ErrUnknownContract = errors.New("contracts: unknown contract")
	// ErrDuplicateContract matches any *DuplicateContractError
	ErrDuplicateContract = errors.New("contracts: duplicate contract")
	// ErrUnclassifiable matches any *UnclassifiableMessageError
	ErrUnclassifiable = errors.New("contracts: unclassifiable message")
	// ErrSchemaViolation matches any *SchemaViolationError
	ErrSchemaViolation = errors.New("contracts: schema violation")
)

// UnknownContractError is returned for a type name that was never registered
type UnknownContractError struct {
	TypeName string
}

func (e *UnknownContractError) Error() string {
	return fmt.Sprintf("unknown contract %q", e.TypeName)
}

func (e *UnknownContractError) Is(target error) bool {
	return target == ErrUnknownContract
}

// DuplicateContractError is returned when a registration conflicts with an
// earlier one for the same type name
type DuplicateContractError struct {
	TypeName string
	Reason   string
}

func (e *DuplicateContractError) Error() string {
	return fmt.Sprintf("duplicate contract %q: %s", e.TypeName, e.Reason)
}

func (e *DuplicateContractError) Is(target error) bool {
	return target == ErrDuplicateContract
}

// UnclassifiableMessageError is returned when a type name carries no valid
// command/event category
type UnclassifiableMessageError struct {
	TypeName string
	Reason   string
}

func (e *UnclassifiableMessageError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("message %q cannot be classified as command or event", e.TypeName)
	}
	return fmt.Sprintf("message %q cannot be classified as command or event: %s", e.TypeName, e.Reason)
}

func (e *UnclassifiableMessageError) Is(target error) bool {
	return target == ErrUnclassifiable
}

// SchemaViolationError is returned when message fields do not satisfy the
// registered schema. It is never worth retrying.
type SchemaViolationError struct {
	TypeName string
	Result   schema.ValidationResult
	Err      error
}

func (e *SchemaViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema violation in %q: %v", e.TypeName, e.Err)
	}
	return fmt.Sprintf("schema violation in %q: %s", e.TypeName, e.Result.Summary())
}

func (e *SchemaViolationError) Unwrap() error {
	return e.Err
}

func (e *SchemaViolationError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// IsRetryable lets the retry machinery treat schema faults as permanent
func (e *SchemaViolationError) IsRetryable() bool {
	return false
}
