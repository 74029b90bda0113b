package routing

import (
	"sort"

	"github.com/AcmeTickets/Platform/contracts"
)

// ContractLookup resolves a type name to its registered contract
type ContractLookup interface {
	Lookup(typeName string) (contracts.Contract, error)
}

// Classification is the dispatch-time view of a message type. Destination is
// set for commands only; events are published to their topic and producers
// never see who subscribes.
type Classification struct {
	TypeName    string
	Kind        contracts.Kind
	Destination string
}

// Topic returns the name events are published under
func (c Classification) Topic() string {
	return c.TypeName
}

// Resolver classifies message types. It is immutable after NewResolver and
// safe for concurrent use.
type Resolver struct {
	lookup      ContractLookup
	routes      map[string]string
	subscribers map[string][]string
	endpoints   []string
}

// NewResolver validates topo against the registry and builds a resolver.
// Every route must name a registered command with exactly one destination,
// and every subscription a registered event.
func NewResolver(lookup ContractLookup, topo Topology) (*Resolver, error) {
	r := &Resolver{
		lookup:      lookup,
		routes:      make(map[string]string, len(topo.Routes)),
		subscribers: make(map[string][]string),
	}
	endpoints := make(map[string]struct{})

	for _, route := range topo.Routes {
		c, err := lookup.Lookup(route.TypeName)
		if err != nil {
			return nil, &TopologyError{TypeName: route.TypeName, Reason: "route for unregistered type", Err: err}
		}
		if c.Kind != contracts.KindCommand {
			return nil, &TopologyError{TypeName: route.TypeName, Reason: "only commands can be routed to a destination"}
		}
		if route.Destination == "" {
			return nil, &TopologyError{TypeName: route.TypeName, Reason: "route has an empty destination"}
		}
		if existing, dup := r.routes[route.TypeName]; dup && existing != route.Destination {
			return nil, &TopologyError{TypeName: route.TypeName, Reason: "command routed to more than one destination"}
		}
		r.routes[route.TypeName] = route.Destination
		endpoints[route.Destination] = struct{}{}
	}

	seen := make(map[Subscription]struct{})
	for _, sub := range topo.Subscriptions {
		c, err := lookup.Lookup(sub.TypeName)
		if err != nil {
			return nil, &TopologyError{TypeName: sub.TypeName, Reason: "subscription to unregistered type", Err: err}
		}
		if c.Kind != contracts.KindEvent {
			return nil, &TopologyError{TypeName: sub.TypeName, Reason: "only events can be subscribed to"}
		}
		if sub.Endpoint == "" {
			return nil, &TopologyError{TypeName: sub.TypeName, Reason: "subscription has an empty endpoint"}
		}
		if _, dup := seen[sub]; dup {
			continue
		}
		seen[sub] = struct{}{}
		r.subscribers[sub.TypeName] = append(r.subscribers[sub.TypeName], sub.Endpoint)
		endpoints[sub.Endpoint] = struct{}{}
	}

	for typeName := range r.subscribers {
		sort.Strings(r.subscribers[typeName])
	}
	for ep := range endpoints {
		r.endpoints = append(r.endpoints, ep)
	}
	sort.Strings(r.endpoints)
	return r, nil
}

// Classify returns the kind and, for commands, the destination of typeName.
// The result depends only on the contract's declared kind and the static
// routing table.
func (r *Resolver) Classify(typeName string) (Classification, error) {
	c, err := r.lookup.Lookup(typeName)
	if err != nil {
		return Classification{}, err
	}

	switch c.Kind {
	case contracts.KindCommand:
		dest, ok := r.routes[typeName]
		if !ok {
			return Classification{}, &NoDestinationError{TypeName: typeName}
		}
		return Classification{TypeName: typeName, Kind: c.Kind, Destination: dest}, nil
	case contracts.KindEvent:
		return Classification{TypeName: typeName, Kind: c.Kind}, nil
	}
	return Classification{}, &contracts.UnclassifiableMessageError{TypeName: typeName}
}

// Subscribers lists the endpoints subscribed to an event type. Transports use
// it to declare fan-out topology; it plays no part in publishing.
func (r *Resolver) Subscribers(typeName string) []string {
	return append([]string(nil), r.subscribers[typeName]...)
}

// Endpoints lists every endpoint named by a route or subscription
func (r *Resolver) Endpoints() []string {
	return append([]string(nil), r.endpoints...)
}

// CommandsFor lists the command types routed to endpoint
func (r *Resolver) CommandsFor(endpoint string) []string {
	var out []string
	for typeName, dest := range r.routes {
		if dest == endpoint {
			out = append(out, typeName)
		}
	}
	sort.Strings(out)
	return out
}

// EventsFor lists the event types endpoint subscribes to
func (r *Resolver) EventsFor(endpoint string) []string {
	var out []string
	for typeName, eps := range r.subscribers {
		for _, ep := range eps {
			if ep == endpoint {
				out = append(out, typeName)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}
