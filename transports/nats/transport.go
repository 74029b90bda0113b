// Package nats implements the messaging transport over NATS JetStream.
//
// All traffic lives in one stream. Commands are published on
// acmetickets.commands.<endpoint>, events on acmetickets.events.<type> and
// dead-letter records on acmetickets.deadletter.<endpoint>. Every publish
// carries the message id as Nats-Msg-Id so the stream drops duplicates inside
// its window, and is only accepted once the stream returns a PubAck.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
	"github.com/AcmeTickets/Platform/serialization"
)

// DefaultStream is the stream holding every subject of the platform
const DefaultStream = "ACMETICKETS"

const (
	subjectPrefix     = "acmetickets"
	commandsSubject   = subjectPrefix + ".commands."
	eventsSubject     = subjectPrefix + ".events."
	deadLetterSubject = subjectPrefix + ".deadletter."
)

var (
	// ErrNotConnected is returned by Ping while the connection is down
	ErrNotConnected = errors.New("nats: not connected")
	// ErrPublishFailed wraps errors returned while waiting for a PubAck
	ErrPublishFailed = errors.New("nats: publish failed")
	// ErrNoStream is returned when no stream captures the subject
	ErrNoStream = errors.New("nats: no stream for subject")
)

// CommandSubject is the subject commands for endpoint are published on
func CommandSubject(endpoint string) string { return commandsSubject + endpoint }

// EventSubject is the subject events of typeName are published on
func EventSubject(typeName string) string { return eventsSubject + typeName }

// DeadLetterSubject is the subject dead-letter records of endpoint go to
func DeadLetterSubject(endpoint string) string { return deadLetterSubject + endpoint }

// DurableName turns an endpoint name into a valid consumer name
func DurableName(endpoint string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(endpoint)
}

// SubscriptionLookup returns the event types an endpoint subscribes to
type SubscriptionLookup interface {
	EventsFor(endpoint string) []string
}

// JetStream is the subset of jetstream.JetStream the transport uses
type JetStream interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateOrUpdateConsumer(ctx context.Context, stream string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	OrderedConsumer(ctx context.Context, stream string, cfg jetstream.OrderedConsumerConfig) (jetstream.Consumer, error)
}

// Conn is the subset of *nats.Conn the transport uses
type Conn interface {
	IsConnected() bool
	Drain() error
}

// Config holds connection settings
type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
}

// Transport implements messaging.Transport, messaging.Receiver and
// messaging.DeadLetterChannel
type Transport struct {
	conn          Conn
	js            JetStream
	subscriptions SubscriptionLookup
	stream        string
	duplicates    time.Duration
	maxAge        time.Duration
	ackWait       time.Duration
	maxAckPending int
	batch         int
	redelivery    time.Duration
	resub         *reliability.ExponentialBackoff
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

// WithStream overrides the stream name
func WithStream(name string) Option {
	return func(t *Transport) {
		t.stream = name
	}
}

// WithDuplicateWindow sets how long the stream remembers message ids
func WithDuplicateWindow(d time.Duration) Option {
	return func(t *Transport) {
		t.duplicates = d
	}
}

// WithMaxAge bounds how long the stream keeps messages
func WithMaxAge(d time.Duration) Option {
	return func(t *Transport) {
		t.maxAge = d
	}
}

// WithAckWait sets how long the server waits for an ack before redelivering
func WithAckWait(d time.Duration) Option {
	return func(t *Transport) {
		t.ackWait = d
	}
}

// WithMaxAckPending bounds unacknowledged deliveries per endpoint
func WithMaxAckPending(n int) Option {
	return func(t *Transport) {
		t.maxAckPending = n
	}
}

// WithRedeliveryDelay sets the delay requested when a delivery is not
// settled
func WithRedeliveryDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.redelivery = d
	}
}

// New connects to NATS, ensures the stream and returns a transport
func New(ctx context.Context, cfg Config, subscriptions SubscriptionLookup, opts ...Option) (*Transport, error) {
	natsOpts := []nats.Option{nats.MaxReconnects(-1)}
	if cfg.Name != "" {
		natsOpts = append(natsOpts, nats.Name(cfg.Name))
	}
	if cfg.ConnTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(cfg.ConnTimeout))
	}
	if cfg.MaxReconnects != 0 {
		natsOpts = append(natsOpts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to open jetstream: %w", err)
	}

	t := NewWithJetStream(nc, js, subscriptions, opts...)
	if err := t.Declare(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

// NewWithJetStream builds a transport over an existing connection
func NewWithJetStream(conn Conn, js JetStream, subscriptions SubscriptionLookup, opts ...Option) *Transport {
	t := &Transport{
		conn:          conn,
		js:            js,
		subscriptions: subscriptions,
		stream:        DefaultStream,
		duplicates:    2 * time.Minute,
		ackWait:       30 * time.Second,
		maxAckPending: 256,
		batch:         64,
		redelivery:    time.Second,
		resub:         reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 0),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Declare creates or updates the stream and, for each endpoint given, its
// durable consumer
func (t *Transport) Declare(ctx context.Context, endpoints ...string) error {
	_, err := t.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       t.stream,
		Subjects:   []string{subjectPrefix + ".>"},
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: t.duplicates,
		MaxAge:     t.maxAge,
	})
	if err != nil {
		return fmt.Errorf("failed to declare stream %s: %w", t.stream, err)
	}
	for _, endpoint := range endpoints {
		if _, err := t.js.CreateOrUpdateConsumer(ctx, t.stream, t.consumerConfig(endpoint)); err != nil {
			return fmt.Errorf("failed to declare consumer for %s: %w", endpoint, err)
		}
	}
	return nil
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	return t.publish(ctx, CommandSubject(destination), env)
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, env *contracts.Envelope) error {
	return t.publish(ctx, EventSubject(topic), env)
}

func (t *Transport) publish(ctx context.Context, subject string, env *contracts.Envelope) error {
	body, err := serialization.Marshal(env)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("marshal envelope: %w", err))
	}
	msg := nats.NewMsg(subject)
	msg.Data = body
	for k, v := range env.TransportHeaders() {
		msg.Header.Set(k, v)
	}
	return t.publishMsg(ctx, msg, env.ID)
}

func (t *Transport) publishMsg(ctx context.Context, msg *nats.Msg, msgID string) error {
	ack, err := t.js.PublishMsg(ctx, msg, jetstream.WithMsgID(msgID))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, jetstream.ErrNoStreamResponse) || errors.Is(err, nats.ErrNoResponders) {
			return errors.Join(ErrNoStream, ErrPublishFailed, err)
		}
		return errors.Join(ErrPublishFailed, err)
	}
	if ack.Duplicate {
		t.logger.Debug("duplicate publish dropped by stream",
			"subject", msg.Subject,
			"messageId", msgID,
			"sequence", ack.Sequence)
	}
	return nil
}

// Receive implements messaging.Receiver. The endpoint's durable consumer is
// (re)created on every subscription so new event subscriptions are picked up.
func (t *Transport) Receive(ctx context.Context, endpoint string, fn messaging.DeliveryFunc) error {
	for attempt := 1; ; attempt++ {
		err := t.consume(ctx, endpoint, fn)
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

func (t *Transport) consume(ctx context.Context, endpoint string, fn messaging.DeliveryFunc) error {
	cons, err := t.js.CreateOrUpdateConsumer(ctx, t.stream, t.consumerConfig(endpoint))
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	iter, err := cons.Messages(jetstream.PullMaxMessages(t.batch))
	if err != nil {
		return fmt.Errorf("failed to open message iterator: %w", err)
	}
	defer iter.Stop()
	stop := context.AfterFunc(ctx, iter.Stop)
	defer stop()

	for {
		msg, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		t.handle(ctx, endpoint, msg, fn)
	}
}

func (t *Transport) handle(ctx context.Context, endpoint string, msg jetstream.Msg, fn messaging.DeliveryFunc) {
	env, err := serialization.Unmarshal(msg.Data())
	if err != nil {
		t.logger.Error("undecodable delivery",
			"endpoint", endpoint,
			"subject", msg.Subject(),
			"error", err)
		t.terminate(ctx, endpoint, msg, err)
		return
	}

	if err := fn(ctx, env); err != nil {
		if nakErr := msg.NakWithDelay(t.redelivery); nakErr != nil {
			t.logger.Warn("failed to nak delivery", "messageId", env.ID, "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		t.logger.Warn("failed to ack delivery", "messageId", env.ID, "error", err)
	}
}

// terminate dead-letters a delivery that can never be decoded and stops its
// redelivery
func (t *Transport) terminate(ctx context.Context, endpoint string, msg jetstream.Msg, cause error) {
	failed := reliability.FailedMessage{
		MessageID: msg.Headers().Get(contracts.HeaderMessageID),
		TypeName:  msg.Headers().Get(contracts.HeaderMessageType),
		Endpoint:  endpoint,
		Reason:    cause.Error(),
		Attempts:  1,
		Permanent: true,
		FailedAt:  time.Now(),
	}
	if failed.MessageID == "" {
		failed.MessageID = msg.Headers().Get(nats.MsgIdHdr)
	}
	if meta, err := msg.Metadata(); err == nil {
		failed.Attempts = int(meta.NumDelivered)
		if failed.MessageID == "" {
			failed.MessageID = fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream)
		}
	}
	if err := t.DeadLetter(ctx, failed); err != nil {
		t.logger.Error("failed to dead-letter undecodable delivery", "endpoint", endpoint, "error", err)
		_ = msg.NakWithDelay(t.redelivery)
		return
	}
	if err := msg.Term(); err != nil {
		t.logger.Warn("failed to terminate delivery", "endpoint", endpoint, "error", err)
	}
}

// DeadLetter implements messaging.DeadLetterChannel
func (t *Transport) DeadLetter(ctx context.Context, failed reliability.FailedMessage) error {
	body, err := serialization.MarshalFailed(failed)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(DeadLetterSubject(failed.Endpoint))
	msg.Data = body
	msg.Header.Set(contracts.HeaderMessageID, failed.MessageID)
	msg.Header.Set(contracts.HeaderMessageType, failed.TypeName)
	msg.Header.Set(contracts.HeaderEndpoint, failed.Endpoint)
	msg.Header.Set(contracts.HeaderDeadLetterErr, failed.Reason)
	return t.publishMsg(ctx, msg, "deadletter:"+failed.Endpoint+":"+failed.MessageID)
}

// DeadLetters reads up to max dead-letter records of endpoint from the start
// of the stream without consuming them
func (t *Transport) DeadLetters(ctx context.Context, endpoint string, max int) ([]reliability.FailedMessage, error) {
	cons, err := t.js.OrderedConsumer(ctx, t.stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{DeadLetterSubject(endpoint)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create dead-letter reader: %w", err)
	}
	batch, err := cons.FetchNoWait(max)
	if err != nil {
		return nil, err
	}

	var out []reliability.FailedMessage
	for msg := range batch.Messages() {
		failed, err := serialization.UnmarshalFailed(msg.Data())
		if err != nil {
			t.logger.Warn("skipping unreadable dead-letter record", "endpoint", endpoint, "error", err)
			continue
		}
		out = append(out, failed)
	}
	if err := batch.Error(); err != nil {
		return out, err
	}
	return out, nil
}

// Ping reports whether the connection is up
func (t *Transport) Ping(context.Context) error {
	if t.conn == nil || !t.conn.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Close drains the connection
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Drain()
}

func (t *Transport) consumerConfig(endpoint string) jetstream.ConsumerConfig {
	subjects := []string{CommandSubject(endpoint)}
	if t.subscriptions != nil {
		for _, typeName := range t.subscriptions.EventsFor(endpoint) {
			subjects = append(subjects, EventSubject(typeName))
		}
	}
	return jetstream.ConsumerConfig{
		Durable:        DurableName(endpoint),
		FilterSubjects: subjects,
		AckPolicy:      jetstream.AckExplicitPolicy,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		AckWait:        t.ackWait,
		MaxAckPending:  t.maxAckPending,
	}
}
