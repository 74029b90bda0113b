package contracts

import (
	"errors"
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	"github.com/AcmeTickets/Platform/schema"
)

// Contract is the registered shape of one message type
type Contract struct {
	TypeName string
	Kind     Kind
	Fields   schema.Fields
	Version  string
}

// Registration is one entry fed to a RegistryBuilder
type Registration struct {
	TypeName string
	Kind     Kind
	Fields   schema.Fields
	Version  string
}

// RegisterOption customizes a single registration
type RegisterOption func(*Registration)

// WithVersion tags the registration with a semantic version
func WithVersion(version string) RegisterOption {
	return func(r *Registration) {
		r.Version = version
	}
}

// RegistryBuilder collects registrations at startup. It is not safe for
// concurrent use; build the registry once and share the result.
type RegistryBuilder struct {
	order     []string
	contracts map[string]Contract
}

// NewRegistryBuilder creates an empty builder
func NewRegistryBuilder() *RegistryBuilder {
	return &RegistryBuilder{contracts: make(map[string]Contract)}
}

// Register adds a contract. Registering a known type name again is allowed
// only as an additive evolution of the same kind; the evolved schema replaces
// the earlier one.
func (b *RegistryBuilder) Register(typeName string, kind Kind, fields schema.Fields, opts ...RegisterOption) error {
	reg := Registration{TypeName: typeName, Kind: kind, Fields: fields}
	for _, opt := range opts {
		opt(&reg)
	}
	return b.add(reg)
}

// RegisterAll registers each entry in order, stopping at the first failure
func (b *RegistryBuilder) RegisterAll(regs ...Registration) error {
	for _, reg := range regs {
		if err := b.add(reg); err != nil {
			return err
		}
	}
	return nil
}

func (b *RegistryBuilder) add(reg Registration) error {
	if reg.TypeName == "" {
		return errors.New("contracts: type name is required")
	}
	if !reg.Kind.Valid() {
		return &UnclassifiableMessageError{TypeName: reg.TypeName, Reason: "registered without a command or event kind"}
	}
	if err := reg.Fields.Check(); err != nil {
		return fmt.Errorf("contracts: %s: %w", reg.TypeName, err)
	}
	if reg.Version != "" {
		if _, err := semver.NewVersion(reg.Version); err != nil {
			return fmt.Errorf("contracts: %s: invalid version %q: %w", reg.TypeName, reg.Version, err)
		}
	}

	next := Contract{
		TypeName: reg.TypeName,
		Kind:     reg.Kind,
		Fields:   reg.Fields.Clone(),
		Version:  reg.Version,
	}

	prev, exists := b.contracts[reg.TypeName]
	if !exists {
		b.order = append(b.order, reg.TypeName)
		b.contracts[reg.TypeName] = next
		return nil
	}

	if prev.Kind != next.Kind {
		return &DuplicateContractError{
			TypeName: reg.TypeName,
			Reason:   fmt.Sprintf("already registered as %s, not %s", prev.Kind, next.Kind),
		}
	}
	if err := schema.CheckEvolution(prev.Fields, next.Fields); err != nil {
		return &DuplicateContractError{TypeName: reg.TypeName, Reason: err.Error()}
	}
	if prev.Version != "" && next.Version != "" {
		// both parsed above
		pv := semver.MustParse(prev.Version)
		nv := semver.MustParse(next.Version)
		if nv.LessThan(pv) {
			return &DuplicateContractError{
				TypeName: reg.TypeName,
				Reason:   fmt.Sprintf("version %s is older than registered %s", nv, pv),
			}
		}
	}
	if next.Version == "" {
		next.Version = prev.Version
	}
	b.contracts[reg.TypeName] = next
	return nil
}

// Build returns an immutable registry of everything registered so far
func (b *RegistryBuilder) Build() *Registry {
	r := &Registry{
		contracts: make(map[string]Contract, len(b.contracts)),
		order:     append([]string(nil), b.order...),
		validator: schema.NewValidator(),
	}
	for name, c := range b.contracts {
		c.Fields = c.Fields.Clone()
		r.contracts[name] = c
	}
	return r
}

// Registry maps type names to contracts. It is never modified after Build,
// so lookups take no locks.
type Registry struct {
	contracts map[string]Contract
	order     []string
	validator *schema.Validator
}

// Lookup returns the contract registered for typeName
func (r *Registry) Lookup(typeName string) (Contract, error) {
	c, ok := r.contracts[typeName]
	if !ok {
		return Contract{}, &UnknownContractError{TypeName: typeName}
	}
	c.Fields = c.Fields.Clone()
	return c, nil
}

// Contracts returns all contracts in registration order
func (r *Registry) Contracts() []Contract {
	out := make([]Contract, 0, len(r.order))
	for _, name := range r.order {
		c := r.contracts[name]
		c.Fields = c.Fields.Clone()
		out = append(out, c)
	}
	return out
}

// TypeNames returns all registered type names, sorted
func (r *Registry) TypeNames() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Bind validates msg against its contract and returns a copy whose kind is
// taken from the contract and whose fields are coerced into schema order.
func (r *Registry) Bind(msg Message) (Message, Contract, error) {
	c, ok := r.contracts[msg.typeName]
	if !ok {
		return Message{}, Contract{}, &UnknownContractError{TypeName: msg.typeName}
	}

	values, result := r.validator.Normalize(c.Fields, msg.fields)
	if !result.Valid {
		return Message{}, c, &SchemaViolationError{TypeName: c.TypeName, Result: result}
	}

	bound := msg
	bound.kind = c.Kind
	bound.fields = values
	return bound, c, nil
}
