package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/journal"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/routing"
	"github.com/AcmeTickets/Platform/serialization"
)

const tracerName = "github.com/AcmeTickets/Platform/messaging"

// Classifier maps a type name to its dispatch classification
type Classifier interface {
	Classify(typeName string) (routing.Classification, error)
}

// Receipt describes a message the broker has durably accepted
type Receipt struct {
	MessageID   string
	TypeName    string
	Kind        contracts.Kind
	Destination string
	Topic       string
	Attempts    int
	AcceptedAt  time.Time
}

// Gateway is the single outbound path for commands and events. It is safe
// for concurrent use.
type Gateway struct {
	registry    serialization.Binder
	classifier  Classifier
	codec       *serialization.Codec
	transport   Transport
	policy      reliability.RetryPolicy
	breaker     *reliability.CircuitBreaker
	sendTimeout time.Duration
	journal     journal.Journal
	metrics     MetricsCollector
	tracer      trace.Tracer
	newID       func() (string, error)
	now         func() time.Time
	logger      *slog.Logger
}

// GatewayOption configures the Gateway
type GatewayOption func(*Gateway)

// WithGatewayLogger sets the logger
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithRetryPolicy sets the policy for transient send failures
func WithRetryPolicy(policy reliability.RetryPolicy) GatewayOption {
	return func(g *Gateway) {
		g.policy = policy
	}
}

// WithCircuitBreaker guards transport calls with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) GatewayOption {
	return func(g *Gateway) {
		g.breaker = cb
	}
}

// WithSendTimeout bounds each individual transport call
func WithSendTimeout(timeout time.Duration) GatewayOption {
	return func(g *Gateway) {
		g.sendTimeout = timeout
	}
}

// WithGatewayJournal records every send attempt in j
func WithGatewayJournal(j journal.Journal) GatewayOption {
	return func(g *Gateway) {
		g.journal = j
	}
}

// WithGatewayMetrics sets the metrics collector
func WithGatewayMetrics(m MetricsCollector) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithGatewayTracer overrides the tracer taken from the global provider
func WithGatewayTracer(t trace.Tracer) GatewayOption {
	return func(g *Gateway) {
		g.tracer = t
	}
}

// WithIDGenerator replaces the UUIDv7 message id generator
func WithIDGenerator(fn func() (string, error)) GatewayOption {
	return func(g *Gateway) {
		g.newID = fn
	}
}

// NewGateway creates a gateway over transport. registry binds and validates
// messages; classifier decides where they go.
func NewGateway(registry serialization.Binder, classifier Classifier, transport Transport, options ...GatewayOption) *Gateway {
	g := &Gateway{
		registry:    registry,
		classifier:  classifier,
		codec:       serialization.NewCodec(registry),
		transport:   transport,
		policy:      reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 5),
		sendTimeout: 10 * time.Second,
		journal:     journal.Discard,
		metrics:     noopMetrics{},
		tracer:      otel.Tracer(tracerName),
		newID:       newMessageID,
		now:         time.Now,
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(g)
	}

	return g
}

func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Publish validates msg, assigns its MessageId when missing and hands it to
// the transport: commands to their destination, events to their topic.
//
// Unknown types, schema violations and unroutable commands fail before any
// transport call. Once the first send has started, cancellation of ctx no
// longer interrupts the retry loop; a message either reaches the broker or
// fails with a *DispatchError of kind TransportUnavailable. The same
// MessageId is reused across attempts.
func (g *Gateway) Publish(ctx context.Context, msg contracts.Message) (Receipt, error) {
	ctx, span := g.tracer.Start(ctx, "publish "+msg.TypeName(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(attribute.String("messaging.message.type", msg.TypeName())),
	)
	defer span.End()

	start := g.now()
	receipt, err := g.publish(ctx, msg)

	g.metrics.RecordPublish(msg.TypeName(), receipt.Kind, receipt.Attempts, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return receipt, err
	}

	span.SetAttributes(
		attribute.String("messaging.message.id", receipt.MessageID),
		attribute.Int("messaging.attempts", receipt.Attempts),
	)
	return receipt, nil
}

func (g *Gateway) publish(ctx context.Context, msg contracts.Message) (Receipt, error) {
	bound, _, err := g.registry.Bind(msg)
	if err != nil {
		return Receipt{TypeName: msg.TypeName()}, err
	}

	class, err := g.classifier.Classify(bound.TypeName())
	if err != nil {
		return Receipt{TypeName: bound.TypeName(), Kind: bound.Kind()}, err
	}

	if bound.ID() == "" {
		id, err := g.newID()
		if err != nil {
			return Receipt{TypeName: bound.TypeName(), Kind: bound.Kind()}, fmt.Errorf("assign message id: %w", err)
		}
		bound = bound.WithID(id)
	}
	if bound.Timestamp().IsZero() {
		bound = bound.WithTimestamp(g.now().UTC())
	}

	receipt := Receipt{
		MessageID:   bound.ID(),
		TypeName:    bound.TypeName(),
		Kind:        class.Kind,
		Destination: class.Destination,
	}
	if class.Kind == contracts.KindEvent {
		receipt.Topic = class.Topic()
	}

	env, err := g.codec.Encode(bound)
	if err != nil {
		return receipt, err
	}

	if err := ctx.Err(); err != nil {
		return receipt, &DispatchError{
			Kind:      DispatchCanceled,
			TypeName:  receipt.TypeName,
			MessageID: receipt.MessageID,
			Err:       err,
		}
	}

	// From here on the caller's cancellation is ignored; each attempt is
	// bounded by sendTimeout instead.
	sendCtx := context.WithoutCancel(ctx)

	attempts, err := reliability.Retry(sendCtx, g.policy, func(attempt int) error {
		return g.attempt(sendCtx, class, env, attempt)
	})
	receipt.Attempts = attempts

	if err != nil {
		kind := TransportUnavailable
		if reliability.IsPermanent(err) {
			kind = TransportRejected
		}
		g.logger.Error("failed to publish message",
			"messageId", receipt.MessageID,
			"messageType", receipt.TypeName,
			"attempts", attempts,
			"error", err,
		)
		return receipt, &DispatchError{
			Kind:      kind,
			TypeName:  receipt.TypeName,
			MessageID: receipt.MessageID,
			Attempts:  attempts,
			Err:       err,
		}
	}

	receipt.AcceptedAt = g.now()
	g.logger.Debug("message published successfully",
		"messageId", receipt.MessageID,
		"messageType", receipt.TypeName,
		"kind", receipt.Kind.String(),
		"attempts", attempts,
	)
	return receipt, nil
}

func (g *Gateway) attempt(ctx context.Context, class routing.Classification, env *contracts.Envelope, attempt int) error {
	actx, cancel := context.WithTimeout(ctx, g.sendTimeout)
	defer cancel()

	start := time.Now()
	send := func(ctx context.Context) error {
		if class.Kind == contracts.KindCommand {
			return g.transport.Send(ctx, class.Destination, env)
		}
		return g.transport.Publish(ctx, class.Topic(), env)
	}

	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(actx, send)
	} else {
		err = send(actx)
	}

	record := journal.Attempt{
		MessageID: env.ID,
		TypeName:  env.Type,
		Endpoint:  class.Destination,
		Number:    attempt,
		Outcome:   journal.OutcomeDelivered,
		Duration:  time.Since(start),
	}
	if record.Endpoint == "" {
		record.Endpoint = class.Topic()
	}
	if err != nil {
		record.Outcome = journal.OutcomeHandlerFailed
		record.Error = err.Error()
		g.logger.Warn("send attempt failed",
			"messageId", env.ID,
			"messageType", env.Type,
			"attempt", attempt,
			"error", err,
		)
	}
	if jerr := g.journal.Record(ctx, record); jerr != nil {
		g.logger.Warn("failed to journal send attempt", "messageId", env.ID, "error", jerr)
	}

	return err
}
