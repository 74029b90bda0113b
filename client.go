// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package platform wires the AcmeTickets integration layer together from
// configuration: contracts, routing, the configured transport, the dispatch
// gateway and endpoint processors with their inbox, journal and metrics.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/AcmeTickets/Platform/config"
	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/health"
	"github.com/AcmeTickets/Platform/inbox"
	"github.com/AcmeTickets/Platform/interceptors"
	"github.com/AcmeTickets/Platform/internal/journal"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
	"github.com/AcmeTickets/Platform/monitor"
	"github.com/AcmeTickets/Platform/routing"
	"github.com/AcmeTickets/Platform/serialization"
)

const tracerName = "github.com/AcmeTickets/Platform"

// Client provides the main entry point of the platform
type Client struct {
	cfg         *config.Configuration
	topology    routing.Topology
	registry    *contracts.Registry
	resolver    *routing.Resolver
	codec       *serialization.Codec
	transport   Transport
	deadLetters messaging.DeadLetterChannel
	gateway     *messaging.Gateway
	journal     journal.Journal
	inbox       messaging.Inbox
	metrics     messaging.MetricsCollector
	handled     interceptors.MetricsCollector
	breakers    breakerRecorder
	handlerCB   *reliability.CircuitBreaker
	gatherer    prometheus.Gatherer
	health      *health.Registry
	closers     []func() error
	logger      *slog.Logger
}

type clientConfig struct {
	logger    *slog.Logger
	transport Transport
	registry  *prometheus.Registry
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransport uses t instead of connecting the configured transport
func WithTransport(t Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = t
	}
}

// WithPrometheusRegistry registers metrics with reg instead of a private
// registry
func WithPrometheusRegistry(reg *prometheus.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registry = reg
	}
}

// NewClient builds a client from cfg, connecting the configured transport
// and backing stores
func NewClient(ctx context.Context, cfg *config.Configuration, options ...ClientOption) (*Client, error) {
	opts := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(opts)
	}

	c := &Client{cfg: cfg, logger: opts.logger}
	if err := c.init(ctx, opts); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) init(ctx context.Context, opts *clientConfig) error {
	topo := public.DefaultTopology()
	if c.cfg.TopologyFile != "" {
		fromFile, err := routing.LoadTopology(c.cfg.TopologyFile)
		if err != nil {
			return err
		}
		topo = topo.Merge(fromFile)
	}
	c.topology = topo

	extra, err := topo.Registrations()
	if err != nil {
		return err
	}
	if c.registry, err = public.NewRegistry(extra...); err != nil {
		return fmt.Errorf("failed to build contract registry: %w", err)
	}
	if c.resolver, err = routing.NewResolver(c.registry, topo); err != nil {
		return err
	}
	c.codec = serialization.NewCodec(c.registry)

	c.health = health.NewRegistry(c.cfg.ServiceName)
	c.health.Register(health.NewRuntimeChecker(10000, 50000))

	reg := opts.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c.gatherer = reg
	c.metrics, c.handled, c.breakers = noMetrics{}, noMetrics{}, noMetrics{}
	if c.cfg.Metrics.Enabled {
		collector := monitor.NewPrometheusCollector(reg)
		c.metrics, c.handled, c.breakers = collector, collector, collector
	}
	if c.cfg.Handle.BreakerThreshold > 0 {
		c.handlerCB = c.newBreaker("handler", c.cfg.Handle.BreakerThreshold, c.cfg.Handle.BreakerOpenTimeout)
	}

	if err := c.openJournal(ctx); err != nil {
		return err
	}
	if err := c.openInbox(ctx); err != nil {
		return err
	}

	c.transport = opts.transport
	if c.transport == nil {
		t, err := openTransport(ctx, c.cfg, c.resolver, c.logger)
		if err != nil {
			return fmt.Errorf("failed to open %s transport: %w", c.cfg.Transport, err)
		}
		c.transport = t
	}
	if p, ok := c.transport.(pinger); ok {
		c.health.Register(health.NewPingChecker("transport:"+c.cfg.Transport, true, p.Ping))
	}

	if dl, ok := c.transport.(messaging.DeadLetterChannel); ok {
		c.deadLetters = dl
	} else {
		store := reliability.NewInMemoryDeadLetterStore()
		c.deadLetters = store
		c.health.Register(health.NewDeadLetterChecker(store, c.cfg.Endpoint, 100))
	}

	gatewayOpts := []messaging.GatewayOption{
		messaging.WithGatewayLogger(c.logger),
		messaging.WithRetryPolicy(reliability.NewExponentialBackoff(
			c.cfg.Send.InitialBackoff, c.cfg.Send.MaxBackoff, 2, c.cfg.Send.MaxAttempts)),
		messaging.WithSendTimeout(c.cfg.Send.Timeout),
		messaging.WithGatewayJournal(c.journal),
		messaging.WithGatewayMetrics(c.metrics),
	}
	if c.cfg.Send.BreakerThreshold > 0 {
		cb := c.newBreaker("gateway", c.cfg.Send.BreakerThreshold, c.cfg.Send.BreakerOpenTimeout)
		gatewayOpts = append(gatewayOpts, messaging.WithCircuitBreaker(cb))
	}
	c.gateway = messaging.NewGateway(c.registry, c.resolver, c.transport, gatewayOpts...)
	return nil
}

func (c *Client) newBreaker(name string, threshold int, openFor time.Duration) *reliability.CircuitBreaker {
	c.breakers.RecordBreakerState(name, int(reliability.StateClosed))
	return reliability.NewCircuitBreaker(
		reliability.WithName(name),
		reliability.WithFailureThreshold(threshold),
		reliability.WithOpenTimeout(openFor),
		reliability.WithStateListener(func(name string, from, to reliability.State) {
			c.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			c.breakers.RecordBreakerState(name, int(to))
		}),
	)
}

func (c *Client) openJournal(ctx context.Context) error {
	switch c.cfg.Journal.Backend {
	case "postgres":
		pool, err := pgxpool.New(ctx, c.cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("failed to open postgres pool: %w", err)
		}
		c.closers = append(c.closers, func() error { pool.Close(); return nil })
		c.health.Register(health.NewPingChecker("postgres", false, pool.Ping))

		pj := journal.NewPostgresJournal(pool,
			journal.WithTableName(c.cfg.Journal.Table),
			journal.WithLogger(c.logger))
		if err := pj.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("failed to prepare journal table: %w", err)
		}
		c.journal = pj
	default:
		c.journal = journal.NewInMemoryJournal()
	}
	return nil
}

func (c *Client) openInbox(ctx context.Context) error {
	switch c.cfg.Inbox.Backend {
	case "redis":
		redisOpts, err := redis.ParseURL(c.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		c.closers = append(c.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		c.health.Register(health.NewPingChecker("inbox:redis", true, func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		c.inbox = inbox.NewRedisInbox(client, inbox.WithRedisRetention(c.cfg.Inbox.Retention))
	default:
		c.inbox = inbox.NewMemoryInbox(inbox.WithRetention(c.cfg.Inbox.Retention))
	}
	return nil
}

// Publish hands msg to the gateway
func (c *Client) Publish(ctx context.Context, msg contracts.Message) (messaging.Receipt, error) {
	return c.gateway.Publish(ctx, msg)
}

// NewProcessor builds a processor for endpoint using the configured inbox,
// journal, dead-letter channel and handle policy. options are applied last.
//
// Messages of types that are not routed to endpoint are dead-lettered
// without reaching handler.
func (c *Client) NewProcessor(endpoint string, handler messaging.Handler, options ...messaging.ProcessorOption) *messaging.Processor {
	if routed := c.routedTypes(endpoint); len(routed) > 0 {
		handler = interceptors.NewChain(interceptors.NewFilteringInterceptor(
			interceptors.NewMessageTypeFilter(routed...), interceptors.SkipAsPoison, c.logger,
		)).Wrap(handler)
	}

	base := []messaging.ProcessorOption{
		messaging.WithProcessorLogger(c.logger),
		messaging.WithProcessorRetryPolicy(reliability.NewExponentialBackoff(
			c.cfg.Handle.InitialBackoff, c.cfg.Handle.MaxBackoff, 2, c.cfg.Handle.MaxAttempts)),
		messaging.WithHandleTimeout(c.cfg.Handle.Timeout),
		messaging.WithClaimTTL(c.cfg.Handle.Budget()),
		messaging.WithInbox(c.inbox),
		messaging.WithDeadLetterChannel(c.deadLetters),
		messaging.WithJournal(c.journal),
		messaging.WithProcessorMetrics(c.metrics),
	}
	return messaging.NewProcessor(endpoint, c.codec, handler, append(base, options...)...)
}

func (c *Client) routedTypes(endpoint string) []string {
	return append(c.resolver.CommandsFor(endpoint), c.resolver.EventsFor(endpoint)...)
}

// HandlerMiddleware is the interceptor chain the message host installs in its
// dispatcher. Messages that no longer match their registered schema are
// poison. With HANDLE_BREAKER_THRESHOLD set, a run of retried results stops
// handler calls for a while.
func (c *Client) HandlerMiddleware() messaging.MiddlewareFunc {
	b := interceptors.NewBuilder(c.logger).
		WithLogging().
		WithMetrics(c.handled).
		WithTracing(otel.Tracer(tracerName)).
		WithValidation(interceptors.RegistryValidator(c.registry))
	if c.handlerCB != nil {
		b = b.WithCircuitBreaker(c.handlerCB)
	}
	return b.Build().Middleware()
}

// Run feeds the processor's endpoint into it until ctx is done
func (c *Client) Run(ctx context.Context, p *messaging.Processor) error {
	c.logger.Info("receiving", "endpoint", p.Endpoint(), "transport", c.cfg.Transport)
	err := c.transport.Receive(ctx, p.Endpoint(), p.Deliver)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// DeclareTopology declares the broker objects every known endpoint needs
func (c *Client) DeclareTopology(ctx context.Context) error {
	return declareTopology(ctx, c.transport, c.Endpoints(), c.resolver)
}

// DeadLetters returns up to limit dead-lettered records of endpoint
func (c *Client) DeadLetters(ctx context.Context, endpoint string, limit int) ([]reliability.FailedMessage, error) {
	switch dl := c.deadLetters.(type) {
	case deadLetterReader:
		return dl.DeadLetters(ctx, endpoint, limit)
	case reliability.DeadLetterStore:
		return dl.List(ctx, reliability.DeadLetterFilter{Endpoint: endpoint, MaxResults: limit})
	default:
		return nil, fmt.Errorf("transport %s cannot list dead letters", c.cfg.Transport)
	}
}

// Endpoints returns the endpoints known from routing plus the configured one
func (c *Client) Endpoints() []string {
	endpoints := c.resolver.Endpoints()
	for _, e := range endpoints {
		if e == c.cfg.Endpoint {
			return endpoints
		}
	}
	return append(endpoints, c.cfg.Endpoint)
}

// Gateway returns the dispatch gateway
func (c *Client) Gateway() *messaging.Gateway {
	return c.gateway
}

// Registry returns the contract registry
func (c *Client) Registry() *contracts.Registry {
	return c.registry
}

// Resolver returns the classification resolver
func (c *Client) Resolver() *routing.Resolver {
	return c.resolver
}

// Topology returns the merged routing topology
func (c *Client) Topology() routing.Topology {
	return c.topology
}

// Journal returns the delivery attempt journal
func (c *Client) Journal() journal.Journal {
	return c.journal
}

// Health returns the health check registry
func (c *Client) Health() *health.Registry {
	return c.health
}

// MetricsHandler serves the client's metrics
func (c *Client) MetricsHandler() http.Handler {
	return monitor.Handler(c.gatherer)
}

// HealthHandler serves the health report
func (c *Client) HealthHandler() http.Handler {
	return health.Handler(c.health, 5*time.Second)
}

// Close closes the transport and backing stores
func (c *Client) Close() error {
	var errs []error
	if c.transport != nil {
		errs = append(errs, c.transport.Close())
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	c.closers = nil
	return errors.Join(errs...)
}

type breakerRecorder interface {
	RecordBreakerState(name string, state int)
}

type noMetrics struct{}

func (noMetrics) RecordBreakerState(string, int) {}

func (noMetrics) RecordPublish(string, contracts.Kind, int, time.Duration, error) {}

func (noMetrics) RecordAttempt(string, string, journal.Outcome, time.Duration) {}

func (noMetrics) RecordDeadLetter(string, string) {}

func (noMetrics) RecordDuplicate(string, string) {}

func (noMetrics) IncrementMessageCount(string) {}

func (noMetrics) RecordProcessingTime(string, time.Duration) {}

func (noMetrics) IncrementErrorCount(string, string) {}
