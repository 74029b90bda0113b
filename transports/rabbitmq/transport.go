// Package rabbitmq implements the messaging transport over RabbitMQ.
//
// Commands are published to a direct exchange keyed by destination endpoint
// with the mandatory flag, so a command no queue is bound for fails instead
// of vanishing. Events go to a topic exchange keyed by type name; an event
// with no subscriber is accepted and dropped by the broker.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/rabbitmq"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
	"github.com/AcmeTickets/Platform/serialization"
)

const contentType = "application/json"

// Header keys added to dead-lettered messages
const (
	HeaderAttempts  = "x-attempts"
	HeaderPermanent = "x-permanent"
)

type publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error
}

type consumer interface {
	Consume(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
}

type topologyManager interface {
	DeclareTopology(ctx context.Context, topology rabbitmq.Topology) error
	Peek(ctx context.Context, queue string, max int) ([]amqp.Delivery, error)
}

// Transport implements messaging.Transport, messaging.Receiver and
// messaging.DeadLetterChannel
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher publisher
	consumer  consumer
	topology  topologyManager
	resub     *reliability.ExponentialBackoff
	logger    *slog.Logger
}

type config struct {
	connectionName string
	connectTimeout time.Duration
	poolSize       int
	confirmTimeout time.Duration
	prefetch       int
	concurrency    int
	resubInitial   time.Duration
	resubMax       time.Duration
	logger         *slog.Logger
	connOpts       []rabbitmq.ConnectionOption
}

// Option configures the transport
type Option func(*config)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithConnectionName names the AMQP connection
func WithConnectionName(name string) Option {
	return func(c *config) {
		c.connectionName = name
	}
}

// WithChannelPoolSize caps the publishing channels
func WithChannelPoolSize(n int) Option {
	return func(c *config) {
		c.poolSize = n
	}
}

// WithConfirmTimeout bounds the wait for publisher confirms
func WithConfirmTimeout(d time.Duration) Option {
	return func(c *config) {
		c.confirmTimeout = d
	}
}

// WithPrefetch sets the consumer QoS
func WithPrefetch(n int) Option {
	return func(c *config) {
		c.prefetch = n
	}
}

// WithConcurrency sets how many deliveries a Receive loop handles at once
func WithConcurrency(n int) Option {
	return func(c *config) {
		c.concurrency = n
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(c *config) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

// New connects to url and returns a transport. Topology is not declared;
// call Declare or run the topology command first.
func New(ctx context.Context, url string, options ...Option) (*Transport, error) {
	cfg := &config{
		connectionName: "acmetickets",
		connectTimeout: 30 * time.Second,
		poolSize:       10,
		confirmTimeout: 5 * time.Second,
		prefetch:       10,
		concurrency:    1,
		resubInitial:   time.Second,
		resubMax:       30 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.logger),
		rabbitmq.WithDialer(rabbitmq.DialAMQP(cfg.connectionName, cfg.connectTimeout)),
	}, cfg.connOpts...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(manager, rabbitmq.WithMaxSize(cfg.poolSize))
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		manager: manager,
		pool:    pool,
		publisher: rabbitmq.NewPublisher(pool,
			rabbitmq.WithConfirmTimeout(cfg.confirmTimeout),
			rabbitmq.WithPublisherLogger(cfg.logger)),
		consumer: rabbitmq.NewConsumer(manager,
			rabbitmq.WithPrefetchCount(cfg.prefetch),
			rabbitmq.WithConcurrency(cfg.concurrency),
			rabbitmq.WithConsumerTag(cfg.connectionName),
			rabbitmq.WithConsumerLogger(cfg.logger)),
		topology: rabbitmq.NewTopologyManager(pool),
		resub:    reliability.NewExponentialBackoff(cfg.resubInitial, cfg.resubMax, 2, 0),
		logger:   cfg.logger,
	}, nil
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	msg, err := toPublishing(env)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, rabbitmq.CommandsExchange, destination, true, msg)
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, env *contracts.Envelope) error {
	msg, err := toPublishing(env)
	if err != nil {
		return err
	}
	return t.publisher.Publish(ctx, rabbitmq.EventsExchange, topic, false, msg)
}

// Receive implements messaging.Receiver. A lost subscription is re-established
// with backoff until ctx is done. Bodies that are not envelopes are rejected
// into the endpoint's dead-letter queue.
func (t *Transport) Receive(ctx context.Context, endpoint string, fn messaging.DeliveryFunc) error {
	handler := func(ctx context.Context, d amqp.Delivery) error {
		env, err := serialization.Unmarshal(d.Body)
		if err != nil {
			t.logger.Error("undecodable delivery",
				"endpoint", endpoint,
				"messageId", d.MessageId,
				"error", err)
			return fmt.Errorf("%w: %v", rabbitmq.ErrRejectDelivery, err)
		}
		return fn(ctx, env)
	}

	for attempt := 1; ; attempt++ {
		err := t.consumer.Consume(ctx, endpoint, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := t.resub.NextDelay(attempt)
		t.logger.Warn("subscription lost, resubscribing",
			"endpoint", endpoint,
			"error", err,
			"attempt", attempt,
			"nextRetryIn", delay)
		if err := reliability.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// DeadLetter implements messaging.DeadLetterChannel by publishing the record
// to the endpoint's dead-letter queue
func (t *Transport) DeadLetter(ctx context.Context, msg reliability.FailedMessage) error {
	body, err := serialization.MarshalFailed(msg)
	if err != nil {
		return err
	}
	headers := amqp.Table{
		contracts.HeaderMessageID:     msg.MessageID,
		contracts.HeaderMessageType:   msg.TypeName,
		contracts.HeaderEndpoint:      msg.Endpoint,
		contracts.HeaderDeadLetterErr: msg.Reason,
		HeaderAttempts:                int32(msg.Attempts),
		HeaderPermanent:               msg.Permanent,
	}
	return t.publisher.Publish(ctx, rabbitmq.DeadLetterExchange, rabbitmq.DeadLetterQueue(msg.Endpoint), true, amqp.Publishing{
		ContentType:  contentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID,
		Type:         msg.TypeName,
		Timestamp:    msg.FailedAt,
		Headers:      headers,
		Body:         body,
	})
}

// DeadLetters reads up to max records from the endpoint's dead-letter queue
// without removing them
func (t *Transport) DeadLetters(ctx context.Context, endpoint string, max int) ([]reliability.FailedMessage, error) {
	deliveries, err := t.topology.Peek(ctx, rabbitmq.DeadLetterQueue(endpoint), max)
	if err != nil {
		return nil, err
	}
	out := make([]reliability.FailedMessage, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, fromDeadLetter(endpoint, d))
	}
	return out, nil
}

// Declare declares exchanges, endpoint queues and dead-letter queues
func (t *Transport) Declare(ctx context.Context, endpoints []rabbitmq.EndpointBinding) error {
	return t.topology.DeclareTopology(ctx, rabbitmq.BuildTopology(endpoints))
}

// Ping reports whether the broker connection is up
func (t *Transport) Ping(context.Context) error {
	if t.manager == nil || !t.manager.IsConnected() {
		return rabbitmq.ErrConnectionNotReady
	}
	return nil
}

// Close closes the channel pool and the connection
func (t *Transport) Close() error {
	var errs []error
	if t.pool != nil {
		errs = append(errs, t.pool.Close())
	}
	if t.manager != nil {
		errs = append(errs, t.manager.Close())
	}
	return errors.Join(errs...)
}

func toPublishing(env *contracts.Envelope) (amqp.Publishing, error) {
	body, err := serialization.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, reliability.Permanent(fmt.Errorf("marshal envelope: %w", err))
	}
	headers := amqp.Table{}
	for k, v := range env.TransportHeaders() {
		headers[k] = v
	}
	return amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.ID,
		Type:          env.Type,
		CorrelationId: env.CorrelationID,
		Timestamp:     env.Timestamp,
		Headers:       headers,
		Body:          body,
	}, nil
}

// fromDeadLetter reads a record written by DeadLetter, or describes a
// delivery the broker dead-lettered after a consumer rejected it
func fromDeadLetter(endpoint string, d amqp.Delivery) reliability.FailedMessage {
	if msg, err := serialization.UnmarshalFailed(d.Body); err == nil {
		return msg
	}
	reason := "rejected by consumer"
	if r, ok := d.Headers[contracts.HeaderDeadLetterErr].(string); ok {
		reason = r
	}
	msg := reliability.FailedMessage{
		MessageID: d.MessageId,
		TypeName:  d.Type,
		Endpoint:  endpoint,
		Reason:    reason,
		Permanent: true,
		FailedAt:  d.Timestamp,
	}
	if env, err := serialization.Unmarshal(d.Body); err == nil {
		msg.Envelope = env
	}
	return msg
}
