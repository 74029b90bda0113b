package interceptors

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
)

// Logging logs the outcome of every handler invocation. Only failed
// invocations are logged above debug level.
type Logging struct {
	logger *slog.Logger
}

func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

func (i *Logging) Intercept(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result {
	start := time.Now()
	res := next.Handle(ctx, msg)

	attrs := []any{
		"messageId", msg.ID(),
		"messageType", msg.TypeName(),
		"correlationId", msg.CorrelationID(),
		"disposition", res.Disposition.String(),
		"duration", time.Since(start),
	}
	switch res.Disposition {
	case messaging.DispositionAck:
		i.logger.DebugContext(ctx, "message handled", attrs...)
	case messaging.DispositionRetry:
		i.logger.WarnContext(ctx, "message handling failed", append(attrs, "error", res.Err)...)
	default:
		i.logger.ErrorContext(ctx, "message rejected", append(attrs, "error", res.Err)...)
	}
	return res
}

func (i *Logging) Name() string { return "logging" }

// MetricsCollector receives handler counts and timings
type MetricsCollector interface {
	IncrementMessageCount(messageType string)
	RecordProcessingTime(messageType string, duration time.Duration)
	IncrementErrorCount(messageType string, errorType string)
}

// Metrics reports every invocation to a MetricsCollector. Non-ack results
// are counted as errors under their disposition.
type Metrics struct {
	collector MetricsCollector
}

func NewMetrics(collector MetricsCollector) *Metrics {
	return &Metrics{collector: collector}
}

func (i *Metrics) Intercept(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result {
	typeName := msg.TypeName()
	i.collector.IncrementMessageCount(typeName)

	start := time.Now()
	res := next.Handle(ctx, msg)
	i.collector.RecordProcessingTime(typeName, time.Since(start))

	if res.Disposition != messaging.DispositionAck {
		i.collector.IncrementErrorCount(typeName, res.Disposition.String())
	}
	return res
}

func (i *Metrics) Name() string { return "metrics" }

// Tracing opens an internal span around the handler
type Tracing struct {
	tracer trace.Tracer
}

func NewTracing(tracer trace.Tracer) *Tracing {
	return &Tracing{tracer: tracer}
}

func (i *Tracing) Intercept(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result {
	ctx, span := i.tracer.Start(ctx, "handle "+msg.TypeName(),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("messaging.message.id", msg.ID()),
			attribute.String("messaging.message.type", msg.TypeName()),
			attribute.String("messaging.message.conversation_id", msg.CorrelationID()),
		),
	)
	defer span.End()

	res := next.Handle(ctx, msg)
	span.SetAttributes(attribute.String("messaging.disposition", res.Disposition.String()))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (i *Tracing) Name() string { return "tracing" }

// Validator checks a message before it reaches its handler
type Validator interface {
	Validate(ctx context.Context, msg contracts.Message) error
}

// ValidatorFunc adapts a function to Validator
type ValidatorFunc func(ctx context.Context, msg contracts.Message) error

func (f ValidatorFunc) Validate(ctx context.Context, msg contracts.Message) error {
	return f(ctx, msg)
}

// Binder is satisfied by *contracts.Registry
type Binder interface {
	Bind(msg contracts.Message) (contracts.Message, contracts.Contract, error)
}

// RegistryValidator re-checks messages against their registered schema
func RegistryValidator(b Binder) Validator {
	return ValidatorFunc(func(_ context.Context, msg contracts.Message) error {
		_, _, err := b.Bind(msg)
		return err
	})
}

// Validation rejects invalid messages as poison without calling the handler
type Validation struct {
	validator Validator
}

func NewValidation(validator Validator) *Validation {
	return &Validation{validator: validator}
}

func (i *Validation) Intercept(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result {
	if err := i.validator.Validate(ctx, msg); err != nil {
		return messaging.PoisonDiscard(fmt.Errorf("invalid %s: %w", msg.TypeName(), err))
	}
	return next.Handle(ctx, msg)
}

func (i *Validation) Name() string { return "validation" }

// CircuitBreaker stops calling a failing handler dependency while the
// circuit is open; rejected calls are retried. Only retry results count as
// failures.
type CircuitBreaker struct {
	cb *reliability.CircuitBreaker
}

func NewCircuitBreaker(cb *reliability.CircuitBreaker) *CircuitBreaker {
	return &CircuitBreaker{cb: cb}
}

func (i *CircuitBreaker) Intercept(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result {
	var res messaging.Result
	err := i.cb.Execute(ctx, func(ctx context.Context) error {
		res = next.Handle(ctx, msg)
		if res.Disposition == messaging.DispositionRetry {
			return res.Err
		}
		return nil
	})
	if err != nil && res.Disposition == 0 {
		return messaging.Retry(err)
	}
	return res
}

func (i *CircuitBreaker) Name() string { return "circuit-breaker" }
