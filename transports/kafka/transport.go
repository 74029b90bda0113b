// Package kafka implements the messaging transport over Kafka with franz-go.
//
// Commands go to the topic acmetickets.commands.<endpoint> and events to
// acmetickets.events.<type>, keyed by message id. The producer waits for all
// in-sync replicas, so a nil error from Send or Publish means the record is
// durable. Each endpoint consumes its topics in its own consumer group and
// commits an offset only once the record is settled.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
	"github.com/AcmeTickets/Platform/serialization"
)

const (
	topicPrefix      = "acmetickets"
	commandsTopic    = topicPrefix + ".commands."
	eventsTopic      = topicPrefix + ".events."
	deadLetterTopic  = topicPrefix + ".deadletter."
	consumerGroupFmt = topicPrefix + ".%s"
)

var (
	// ErrProduceFailed wraps errors returned by the producer
	ErrProduceFailed = errors.New("kafka: produce failed")
	// ErrConsumerClosed is returned when the consumer client was closed
	ErrConsumerClosed = errors.New("kafka: consumer closed")
)

// CommandTopic is the topic commands for endpoint are produced to
func CommandTopic(endpoint string) string { return commandsTopic + endpoint }

// EventTopic is the topic events of typeName are produced to
func EventTopic(typeName string) string { return eventsTopic + typeName }

// DeadLetterTopic is the topic dead-letter records of endpoint go to
func DeadLetterTopic(endpoint string) string { return deadLetterTopic + endpoint }

// ConsumerGroup is the group an endpoint consumes in
func ConsumerGroup(endpoint string) string { return fmt.Sprintf(consumerGroupFmt, endpoint) }

// Producer is the subset of *kgo.Client used to produce
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Ping(ctx context.Context) error
	Close()
}

// Poller is the subset of *kgo.Client used to read records
type Poller interface {
	PollFetches(ctx context.Context) kgo.Fetches
	Close()
}

// GroupConsumer is the subset of *kgo.Client used by a consumer group member
type GroupConsumer interface {
	Poller
	MarkCommitRecords(rs ...*kgo.Record)
	CommitMarkedOffsets(ctx context.Context) error
}

// ConsumerFactory opens a consumer group member for endpoint reading topics
type ConsumerFactory func(endpoint string, topics []string) (GroupConsumer, error)

// ReaderFactory opens a group-less reader of topic starting at its beginning
type ReaderFactory func(topic string) (Poller, error)

// SubscriptionLookup returns the event types an endpoint subscribes to
type SubscriptionLookup interface {
	EventsFor(endpoint string) []string
}

// Config holds the broker settings
type Config struct {
	Brokers  []string
	ClientID string
}

// Transport implements messaging.Transport, messaging.Receiver and
// messaging.DeadLetterChannel
type Transport struct {
	producer      Producer
	consumers     ConsumerFactory
	readers       ReaderFactory
	subscriptions SubscriptionLookup
	retry         *reliability.ExponentialBackoff
	resub         *reliability.ExponentialBackoff
	readTimeout   time.Duration
	logger        *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithRedeliveryBackoff sets the delay between attempts to settle a record
// that was not acknowledged
func WithRedeliveryBackoff(initial, max time.Duration) Option {
	return func(t *Transport) {
		t.retry = reliability.NewExponentialBackoff(initial, max, 2, 0)
	}
}

// WithReaderFactory overrides how dead-letter topics are read
func WithReaderFactory(f ReaderFactory) Option {
	return func(t *Transport) {
		t.readers = f
	}
}

// New creates the producer client and returns a transport whose consumers
// connect to the same brokers
func New(ctx context.Context, cfg Config, subscriptions SubscriptionLookup, opts ...Option) (*Transport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no seed brokers")
	}
	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.AllowAutoTopicCreation(),
	}
	if cfg.ClientID != "" {
		base = append(base, kgo.ClientID(cfg.ClientID))
	}
	with := func(extra ...kgo.Opt) []kgo.Opt {
		return append(slices.Clip(base), extra...)
	}

	producer, err := kgo.NewClient(with(kgo.RequiredAcks(kgo.AllISRAcks()))...)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to reach brokers: %w", err)
	}

	consumers := func(endpoint string, topics []string) (GroupConsumer, error) {
		return kgo.NewClient(with(
			kgo.ConsumerGroup(ConsumerGroup(endpoint)),
			kgo.ConsumeTopics(topics...),
			kgo.AutoCommitMarks(),
			kgo.FetchMaxWait(time.Second),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		)...)
	}
	readers := func(topic string) (Poller, error) {
		return kgo.NewClient(with(
			kgo.ConsumeTopics(topic),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			kgo.FetchMaxWait(time.Second),
		)...)
	}

	return NewWithClients(producer, consumers, subscriptions, append([]Option{WithReaderFactory(readers)}, opts...)...), nil
}

// NewWithClients builds a transport over an existing producer and consumer
// factory
func NewWithClients(producer Producer, consumers ConsumerFactory, subscriptions SubscriptionLookup, opts ...Option) *Transport {
	t := &Transport{
		producer:      producer,
		consumers:     consumers,
		subscriptions: subscriptions,
		retry:         reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, 0),
		resub:         reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 0),
		readTimeout:   2 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	return t.produce(ctx, CommandTopic(destination), env)
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, env *contracts.Envelope) error {
	return t.produce(ctx, EventTopic(topic), env)
}

func (t *Transport) produce(ctx context.Context, topic string, env *contracts.Envelope) error {
	body, err := serialization.Marshal(env)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("marshal envelope: %w", err))
	}
	record := &kgo.Record{
		Topic:     topic,
		Key:       []byte(env.ID),
		Value:     body,
		Timestamp: env.Timestamp,
		Headers:   toHeaders(env.TransportHeaders()),
	}
	return t.produceRecord(ctx, record)
}

func (t *Transport) produceRecord(ctx context.Context, record *kgo.Record) error {
	if err := t.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("produce to %s: %w", record.Topic, errors.Join(ErrProduceFailed, err))
	}
	return nil
}

// Receive implements messaging.Receiver. Records of a partition are handled
// in order; a record that is not settled is retried in place with backoff
// before the next one is read.
func (t *Transport) Receive(ctx context.Context, endpoint string, fn messaging.DeliveryFunc) error {
	for attempt := 1; ; attempt++ {
		err := t.consume(ctx, endpoint, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := t.resub.NextDelay(attempt)
		t.logger.Warn("consumer lost, rejoining group",
			"endpoint", endpoint,
			"error", err,
			"attempt", attempt,
			"nextRetryIn", delay)
		if err := reliability.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (t *Transport) consume(ctx context.Context, endpoint string, fn messaging.DeliveryFunc) error {
	client, err := t.consumers(endpoint, t.topics(endpoint))
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer client.Close()

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if fetches.IsClientClosed() {
			return ErrConsumerClosed
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			t.logger.Warn("fetch failed", "topic", topic, "partition", partition, "error", err)
		})

		stopped := false
		fetches.EachRecord(func(r *kgo.Record) {
			if stopped {
				return
			}
			if err := t.settle(ctx, endpoint, r, fn); err != nil {
				stopped = true
				return
			}
			client.MarkCommitRecords(r)
		})
		if err := client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("failed to commit offsets", "endpoint", endpoint, "error", err)
		}
		if stopped {
			return ctx.Err()
		}
	}
}

// settle hands r to fn until it is acknowledged; it only fails when ctx ends
func (t *Transport) settle(ctx context.Context, endpoint string, r *kgo.Record, fn messaging.DeliveryFunc) error {
	env, err := serialization.Unmarshal(r.Value)
	if err != nil {
		t.logger.Error("undecodable record",
			"endpoint", endpoint,
			"topic", r.Topic,
			"offset", r.Offset,
			"error", err)
		return t.retryUntil(ctx, func() error {
			return t.DeadLetter(ctx, reliability.FailedMessage{
				MessageID: string(r.Key),
				TypeName:  header(r, contracts.HeaderMessageType),
				Endpoint:  endpoint,
				Reason:    err.Error(),
				Attempts:  1,
				Permanent: true,
				FailedAt:  time.Now(),
			})
		})
	}
	return t.retryUntil(ctx, func() error { return fn(ctx, env) })
}

func (t *Transport) retryUntil(ctx context.Context, op func() error) error {
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := t.retry.NextDelay(attempt)
		t.logger.Debug("record not settled, retrying", "error", err, "attempt", attempt, "nextRetryIn", delay)
		if err := reliability.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// DeadLetter implements messaging.DeadLetterChannel
func (t *Transport) DeadLetter(ctx context.Context, failed reliability.FailedMessage) error {
	body, err := serialization.MarshalFailed(failed)
	if err != nil {
		return err
	}
	return t.produceRecord(ctx, &kgo.Record{
		Topic: DeadLetterTopic(failed.Endpoint),
		Key:   []byte(failed.MessageID),
		Value: body,
		Headers: toHeaders(map[string]string{
			contracts.HeaderMessageID:     failed.MessageID,
			contracts.HeaderMessageType:   failed.TypeName,
			contracts.HeaderEndpoint:      failed.Endpoint,
			contracts.HeaderDeadLetterErr: failed.Reason,
		}),
	})
}

// DeadLetters reads up to max records from the start of the endpoint's
// dead-letter topic. Reading stops when max is reached or no record arrives
// within the read timeout.
func (t *Transport) DeadLetters(ctx context.Context, endpoint string, max int) ([]reliability.FailedMessage, error) {
	if t.readers == nil {
		return nil, errors.New("kafka: dead-letter reader not configured")
	}
	reader, err := t.readers(DeadLetterTopic(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter reader: %w", err)
	}
	defer reader.Close()

	var out []reliability.FailedMessage
	for len(out) < max {
		pollCtx, cancel := context.WithTimeout(ctx, t.readTimeout)
		fetches := reader.PollFetches(pollCtx)
		cancel()
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		n := 0
		fetches.EachRecord(func(r *kgo.Record) {
			n++
			if len(out) >= max {
				return
			}
			failed, err := serialization.UnmarshalFailed(r.Value)
			if err != nil {
				t.logger.Warn("skipping unreadable dead-letter record", "endpoint", endpoint, "offset", r.Offset, "error", err)
				return
			}
			out = append(out, failed)
		})
		if n == 0 {
			break
		}
	}
	return out, nil
}

// Declare is a no-op; topics are created by the brokers on first use and
// consumer groups when a member joins
func (t *Transport) Declare(context.Context, ...string) error { return nil }

// Ping checks that a broker answers
func (t *Transport) Ping(ctx context.Context) error {
	return t.producer.Ping(ctx)
}

// Close closes the producer
func (t *Transport) Close() error {
	t.producer.Close()
	return nil
}

func (t *Transport) topics(endpoint string) []string {
	topics := []string{CommandTopic(endpoint)}
	if t.subscriptions != nil {
		for _, typeName := range t.subscriptions.EventsFor(endpoint) {
			topics = append(topics, EventTopic(typeName))
		}
	}
	return topics
}

func toHeaders(h map[string]string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(h))
	for k, v := range h {
		out = append(out, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return out
}

func header(r *kgo.Record, key string) string {
	for _, h := range r.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
