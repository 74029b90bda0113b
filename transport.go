package platform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AcmeTickets/Platform/config"
	"github.com/AcmeTickets/Platform/internal/rabbitmq"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
	"github.com/AcmeTickets/Platform/routing"
	"github.com/AcmeTickets/Platform/transports/kafka"
	"github.com/AcmeTickets/Platform/transports/memory"
	natstransport "github.com/AcmeTickets/Platform/transports/nats"
	rabbitmqtransport "github.com/AcmeTickets/Platform/transports/rabbitmq"
	"github.com/AcmeTickets/Platform/transports/redisstream"
)

// Transport is what the client needs from a broker binding
type Transport interface {
	messaging.Transport
	messaging.Receiver
}

type pinger interface {
	Ping(ctx context.Context) error
}

type deadLetterReader interface {
	DeadLetters(ctx context.Context, endpoint string, max int) ([]reliability.FailedMessage, error)
}

type endpointDeclarer interface {
	Declare(ctx context.Context, endpoints ...string) error
}

func openTransport(ctx context.Context, cfg *config.Configuration, resolver *routing.Resolver, logger *slog.Logger) (Transport, error) {
	switch cfg.Transport {
	case config.TransportRabbitMQ:
		return rabbitmqtransport.New(ctx, cfg.RabbitMQ.URL,
			rabbitmqtransport.WithLogger(logger),
			rabbitmqtransport.WithConnectionName(cfg.ServiceName),
			rabbitmqtransport.WithChannelPoolSize(cfg.RabbitMQ.PoolSize),
			rabbitmqtransport.WithPrefetch(cfg.RabbitMQ.PrefetchCount),
			rabbitmqtransport.WithConcurrency(cfg.Handle.Concurrency))
	case config.TransportNATS:
		return natstransport.New(ctx, natstransport.Config{URL: cfg.NATS.URL, Name: cfg.ServiceName}, resolver,
			natstransport.WithLogger(logger),
			natstransport.WithStream(cfg.NATS.Stream),
			natstransport.WithAckWait(cfg.Handle.Budget()))
	case config.TransportKafka:
		return kafka.New(ctx, kafka.Config{Brokers: cfg.Kafka.Brokers, ClientID: cfg.ServiceName}, resolver,
			kafka.WithLogger(logger),
			kafka.WithRedeliveryBackoff(cfg.Handle.InitialBackoff, cfg.Handle.MaxBackoff))
	case config.TransportRedis:
		return redisstream.New(ctx, cfg.Redis.URL, resolver,
			redisstream.WithLogger(logger),
			redisstream.WithConcurrency(cfg.Handle.Concurrency),
			redisstream.WithClaim(cfg.Handle.Budget(), claimInterval(cfg.Handle.Budget())))
	case config.TransportMemory:
		return memory.New(resolver), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// claimInterval is how often a redis consumer looks for entries abandoned by
// a crashed replica
func claimInterval(minIdle time.Duration) time.Duration {
	return min(max(minIdle/4, time.Second), 30*time.Second)
}

func declareTopology(ctx context.Context, t Transport, endpoints []string, resolver *routing.Resolver) error {
	switch d := t.(type) {
	case *rabbitmqtransport.Transport:
		bindings := make([]rabbitmq.EndpointBinding, 0, len(endpoints))
		for _, e := range endpoints {
			bindings = append(bindings, rabbitmq.EndpointBinding{
				Endpoint: e,
				Commands: resolver.CommandsFor(e),
				Events:   resolver.EventsFor(e),
			})
		}
		return d.Declare(ctx, bindings)
	case endpointDeclarer:
		return d.Declare(ctx, endpoints...)
	default:
		return nil
	}
}
