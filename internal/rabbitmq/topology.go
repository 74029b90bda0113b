package rabbitmq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange names used by the platform
const (
	CommandsExchange   = "acmetickets.commands"
	EventsExchange     = "acmetickets.events"
	DeadLetterExchange = "acmetickets.dlx"

	deadLetterSuffix = ".deadletter"
)

// DeadLetterQueue returns the dead-letter queue name of an endpoint queue
func DeadLetterQueue(endpoint string) string {
	return endpoint + deadLetterSuffix
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name      string
	Type      string
	Durable   bool
	Arguments amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name      string
	Durable   bool
	Arguments amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is a set of declarations applied in order: exchanges, queues,
// bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// EndpointBinding lists what one endpoint queue receives
type EndpointBinding struct {
	Endpoint string
	Commands []string
	Events   []string
}

// BuildTopology lays out the broker objects for endpoints. Commands are
// routed by destination endpoint on a direct exchange, events by type name
// on a topic exchange. Every endpoint queue dead-letters into its own
// durable queue through the shared DLX.
func BuildTopology(endpoints []EndpointBinding) Topology {
	topo := Topology{
		Exchanges: []ExchangeDeclaration{
			{Name: CommandsExchange, Type: amqp.ExchangeDirect, Durable: true},
			{Name: EventsExchange, Type: amqp.ExchangeTopic, Durable: true},
			{Name: DeadLetterExchange, Type: amqp.ExchangeDirect, Durable: true},
		},
	}

	for _, ep := range endpoints {
		dlq := DeadLetterQueue(ep.Endpoint)
		topo.Queues = append(topo.Queues,
			QueueDeclaration{Name: dlq, Durable: true},
			QueueDeclaration{
				Name:    ep.Endpoint,
				Durable: true,
				Arguments: amqp.Table{
					"x-dead-letter-exchange":    DeadLetterExchange,
					"x-dead-letter-routing-key": dlq,
				},
			},
		)
		topo.Bindings = append(topo.Bindings,
			Binding{Queue: dlq, Exchange: DeadLetterExchange, RoutingKey: dlq},
		)
		if len(ep.Commands) > 0 {
			topo.Bindings = append(topo.Bindings,
				Binding{Queue: ep.Endpoint, Exchange: CommandsExchange, RoutingKey: ep.Endpoint})
		}
		for _, typeName := range ep.Events {
			topo.Bindings = append(topo.Bindings,
				Binding{Queue: ep.Endpoint, Exchange: EventsExchange, RoutingKey: typeName})
		}
	}
	return topo
}

// TopologyManager declares topology over pooled channels
type TopologyManager struct {
	pool *ChannelPool
}

// NewTopologyManager creates a topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareTopology declares every exchange, queue and binding of topology.
// Declarations are idempotent on the broker.
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		for _, ex := range topology.Exchanges {
			if err := ch.ExchangeDeclare(ex.Name, ex.Type, ex.Durable, false, false, false, ex.Arguments); err != nil {
				return &TopologyError{Component: "exchange", Name: ex.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, q := range topology.Queues {
			if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, q.Arguments); err != nil {
				return &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		for _, b := range topology.Bindings {
			if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
				return &TopologyError{Component: "binding", Name: b.Queue + "<-" + b.Exchange + ":" + b.RoutingKey, Op: "declare", Err: err, Timestamp: time.Now()}
			}
		}
		return nil
	})
}

// Peek reads up to max messages from queue without consuming them; every
// message read is requeued before Peek returns
func (tm *TopologyManager) Peek(ctx context.Context, queue string, max int) ([]amqp.Delivery, error) {
	var out []amqp.Delivery
	err := tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		defer func() {
			for _, d := range out {
				_ = d.Nack(false, true)
			}
		}()
		for len(out) < max {
			d, ok, err := ch.Get(queue, false)
			if err != nil {
				return &TopologyError{Component: "queue", Name: queue, Op: "get from", Err: err, Timestamp: time.Now()}
			}
			if !ok {
				return nil
			}
			out = append(out, d)
		}
		return nil
	})
	return out, err
}
