package routing

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/schema"
)

// Route sends a command type to its one receiving endpoint
type Route struct {
	TypeName    string `yaml:"type"`
	Destination string `yaml:"destination"`
}

// Subscription declares that an endpoint receives an event type
type Subscription struct {
	Endpoint string `yaml:"endpoint"`
	TypeName string `yaml:"type"`
}

// ContractSpec declares a contract in a topology file. Kind may be omitted
// when the type name follows the Commands/Events namespace convention.
type ContractSpec struct {
	TypeName string        `yaml:"type"`
	Kind     string        `yaml:"kind,omitempty"`
	Version  string        `yaml:"version,omitempty"`
	Fields   schema.Fields `yaml:"fields"`
}

// Topology is the static routing table loaded at startup
type Topology struct {
	Contracts     []ContractSpec `yaml:"contracts,omitempty"`
	Routes        []Route        `yaml:"routes"`
	Subscriptions []Subscription `yaml:"subscriptions"`
}

// LoadTopology reads a YAML topology file
func LoadTopology(path string) (Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("read topology: %w", err)
	}
	return ParseTopology(data)
}

// ParseTopology decodes a YAML topology document, rejecting unknown keys
func ParseTopology(data []byte) (Topology, error) {
	var topo Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&topo); err != nil {
		return Topology{}, fmt.Errorf("parse topology: %w", err)
	}
	return topo, nil
}

// Merge returns t with other's entries appended
func (t Topology) Merge(other Topology) Topology {
	return Topology{
		Contracts:     append(append([]ContractSpec(nil), t.Contracts...), other.Contracts...),
		Routes:        append(append([]Route(nil), t.Routes...), other.Routes...),
		Subscriptions: append(append([]Subscription(nil), t.Subscriptions...), other.Subscriptions...),
	}
}

// Registrations converts the declared contracts into registry entries
func (t Topology) Registrations() ([]contracts.Registration, error) {
	regs := make([]contracts.Registration, 0, len(t.Contracts))
	for _, spec := range t.Contracts {
		var (
			kind contracts.Kind
			err  error
		)
		if spec.Kind != "" {
			kind, err = contracts.ParseKind(spec.Kind)
		} else {
			kind, err = contracts.KindFromNamespace(spec.TypeName)
		}
		if err != nil {
			return nil, &TopologyError{TypeName: spec.TypeName, Reason: "cannot determine kind", Err: err}
		}
		regs = append(regs, contracts.Registration{
			TypeName: spec.TypeName,
			Kind:     kind,
			Fields:   spec.Fields,
			Version:  spec.Version,
		})
	}
	return regs, nil
}
