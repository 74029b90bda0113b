package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/inbox"
	"github.com/AcmeTickets/Platform/internal/journal"
	"github.com/AcmeTickets/Platform/internal/reliability"
)

// State is where a delivery stands in the processor
type State int

const (
	StateReceived State = iota
	StateProcessing
	StateDelivered
	StateFailedRetryable
	StateFailedPermanent
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateProcessing:
		return "processing"
	case StateDelivered:
		return "delivered"
	case StateFailedRetryable:
		return "failed_retryable"
	case StateFailedPermanent:
		return "failed_permanent"
	default:
		return "unknown"
	}
}

// Decoder turns an envelope into a bound message
type Decoder interface {
	Decode(env *contracts.Envelope) (contracts.Message, error)
}

// Processor runs one endpoint's handler over received envelopes
type Processor struct {
	endpoint      string
	decoder       Decoder
	handler       Handler
	policy        reliability.RetryPolicy
	handleTimeout time.Duration
	claimTTL      time.Duration
	inbox         Inbox
	deadLetters   DeadLetterChannel
	journal       journal.Journal
	metrics       MetricsCollector
	tracer        trace.Tracer
	locks         *keyedLock
	logger        *slog.Logger
}

// ProcessorOption configures the Processor
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithProcessorRetryPolicy sets the attempt ceiling and the delay between
// handler attempts
func WithProcessorRetryPolicy(policy reliability.RetryPolicy) ProcessorOption {
	return func(p *Processor) {
		p.policy = policy
	}
}

// WithHandleTimeout bounds each handler invocation
func WithHandleTimeout(timeout time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.handleTimeout = timeout
	}
}

// WithClaimTTL sets how long an inbox claim outlives a crashed consumer. It
// should cover the whole retry budget of one delivery.
func WithClaimTTL(ttl time.Duration) ProcessorOption {
	return func(p *Processor) {
		p.claimTTL = ttl
	}
}

// WithInbox sets the store of completed message ids
func WithInbox(in Inbox) ProcessorOption {
	return func(p *Processor) {
		p.inbox = in
	}
}

// WithDeadLetterChannel sets where failed messages go
func WithDeadLetterChannel(ch DeadLetterChannel) ProcessorOption {
	return func(p *Processor) {
		p.deadLetters = ch
	}
}

// WithJournal records every handler attempt in j
func WithJournal(j journal.Journal) ProcessorOption {
	return func(p *Processor) {
		p.journal = j
	}
}

// WithProcessorMetrics sets the metrics collector
func WithProcessorMetrics(m MetricsCollector) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithProcessorTracer overrides the tracer taken from the global provider
func WithProcessorTracer(t trace.Tracer) ProcessorOption {
	return func(p *Processor) {
		p.tracer = t
	}
}

// NewProcessor creates a processor for endpoint
func NewProcessor(endpoint string, decoder Decoder, handler Handler, options ...ProcessorOption) *Processor {
	p := &Processor{
		endpoint:      endpoint,
		decoder:       decoder,
		handler:       handler,
		policy:        reliability.NewExponentialBackoff(200*time.Millisecond, 10*time.Second, 2.0, 5),
		handleTimeout: 30 * time.Second,
		claimTTL:      5 * time.Minute,
		inbox:         inbox.NewMemoryInbox(),
		deadLetters:   reliability.NewInMemoryDeadLetterStore(),
		journal:       journal.NewInMemoryJournal(),
		metrics:       noopMetrics{},
		tracer:        otel.Tracer(tracerName),
		locks:         newKeyedLock(),
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Endpoint returns the endpoint this processor serves
func (p *Processor) Endpoint() string {
	return p.endpoint
}

// Deliver adapts Process to a Receiver callback. Deliveries that reached a
// final state are acknowledged; anything else is handed back for
// redelivery.
func (p *Processor) Deliver(ctx context.Context, env *contracts.Envelope) error {
	_, err := p.Process(ctx, env)
	return err
}

// Process runs the handler for env until it is delivered, discarded or the
// retry policy gives up. Deliveries sharing a MessageId never run
// concurrently, and a MessageId already completed at this endpoint is
// acknowledged without invoking the handler.
//
// A non-nil error means the final state could not be recorded and the
// broker should redeliver.
func (p *Processor) Process(ctx context.Context, env *contracts.Envelope) (state State, err error) {
	if env.ID == "" {
		return p.discardUndecodable(ctx, env, errors.New("envelope has no message id"))
	}

	unlock, err := p.locks.lock(ctx, env.ID)
	if err != nil {
		return StateReceived, err
	}

	// pending yields the result of a handler that outlived its timeout.
	// Until it returns, the key and any inbox claim stay held.
	var (
		pending <-chan Result
		claimed bool
	)
	defer func() {
		release := func() {
			if claimed && err != nil {
				p.releaseClaim(ctx, env.ID)
			}
			unlock()
		}
		if pending == nil {
			release()
			return
		}
		go func(ch <-chan Result) {
			<-ch
			release()
		}(pending)
	}()

	done, err := p.inbox.Completed(ctx, p.endpoint, env.ID)
	if err != nil {
		return StateReceived, fmt.Errorf("check inbox for %s: %w", env.ID, err)
	}
	if done {
		p.logger.Debug("skipping duplicate delivery",
			"endpoint", p.endpoint,
			"messageId", env.ID,
			"messageType", env.Type,
		)
		p.metrics.RecordDuplicate(p.endpoint, env.Type)
		return StateDelivered, nil
	}

	if claimer, ok := p.inbox.(Claimer); ok {
		claimed, err = claimer.Claim(ctx, p.endpoint, env.ID, p.claimTTL)
		if err != nil {
			return StateReceived, fmt.Errorf("claim %s: %w", env.ID, err)
		}
		if !claimed {
			p.logger.Debug("message claimed by another consumer",
				"endpoint", p.endpoint,
				"messageId", env.ID,
			)
			return StateFailedRetryable, ErrInProgress
		}
	}

	msg, err := p.decoder.Decode(env)
	if err != nil {
		return p.discardUndecodable(ctx, env, err)
	}

	for attempt := 1; ; attempt++ {
		if pending != nil {
			select {
			case <-pending:
				pending = nil
			case <-ctx.Done():
				return StateFailedRetryable, ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			return StateFailedRetryable, err
		}

		start := time.Now()
		var result Result
		result, pending = p.invoke(ctx, msg, attempt)
		duration := time.Since(start)

		switch result.Disposition {
		case DispositionAck:
			p.record(ctx, msg, attempt, journal.OutcomeDelivered, nil, duration)
			if err := p.inbox.MarkCompleted(ctx, p.endpoint, msg.ID()); err != nil {
				p.logger.Warn("failed to mark message completed",
					"endpoint", p.endpoint,
					"messageId", msg.ID(),
					"error", err,
				)
			}
			return StateDelivered, nil

		case DispositionPoisonDiscard:
			p.record(ctx, msg, attempt, journal.OutcomePoisonDiscarded, result.Err, duration)
			return p.deadLetter(ctx, env, attempt, true, result.Err)
		}

		if err := ctx.Err(); err != nil {
			p.record(ctx, msg, attempt, journal.OutcomeHandlerFailed, result.Err, duration)
			return StateFailedRetryable, err
		}

		retry, delay := p.policy.ShouldRetry(attempt, reliability.Transient(result.Err))
		if !retry {
			p.record(ctx, msg, attempt, journal.OutcomePoisonDiscarded, result.Err, duration)
			return p.deadLetter(ctx, env, attempt, false,
				fmt.Errorf("max attempts (%d) exceeded: %w", attempt, result.Err))
		}

		p.record(ctx, msg, attempt, journal.OutcomeHandlerFailed, result.Err, duration)
		p.logger.Warn("handler attempt failed, retrying",
			"endpoint", p.endpoint,
			"messageId", msg.ID(),
			"messageType", msg.TypeName(),
			"attempt", attempt,
			"delay", delay,
			"error", result.Err,
		)

		if err := reliability.Sleep(ctx, delay); err != nil {
			return StateFailedRetryable, err
		}
	}
}

// releaseClaim gives up the inbox claim of a delivery that will be
// redelivered. It runs after ctx may have ended.
func (p *Processor) releaseClaim(ctx context.Context, messageID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.inbox.(Claimer).Release(ctx, p.endpoint, messageID); err != nil {
		p.logger.Warn("failed to release inbox claim",
			"endpoint", p.endpoint,
			"messageId", messageID,
			"error", err,
		)
	}
}

// invoke runs the handler once under the handle timeout. When the timeout
// fires first, the returned channel yields the abandoned invocation's
// result once it finishes.
func (p *Processor) invoke(ctx context.Context, msg contracts.Message, attempt int) (Result, <-chan Result) {
	ctx, span := p.tracer.Start(ctx, "process "+msg.TypeName(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", p.endpoint),
			attribute.String("messaging.message.id", msg.ID()),
			attribute.String("messaging.message.type", msg.TypeName()),
			attribute.Int("messaging.attempt", attempt),
		),
	)
	defer span.End()

	hctx, cancel := context.WithTimeout(ctx, p.handleTimeout)
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("handler panicked",
					"endpoint", p.endpoint,
					"messageId", msg.ID(),
					"panic", r,
				)
				done <- panicResult(r)
			}
		}()
		done <- p.handler.Handle(hctx, msg).normalize()
	}()

	var result Result
	var pending <-chan Result
	select {
	case result = <-done:
	case <-hctx.Done():
		result = Retry(fmt.Errorf("%w after %s: %w", ErrHandleTimeout, p.handleTimeout, hctx.Err()))
		pending = done
	}

	span.SetAttributes(attribute.String("messaging.disposition", result.Disposition.String()))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
	}
	return result, pending
}

func (p *Processor) discardUndecodable(ctx context.Context, env *contracts.Envelope, cause error) (State, error) {
	p.logger.Error("discarding undecodable message",
		"endpoint", p.endpoint,
		"messageId", env.ID,
		"messageType", env.Type,
		"error", cause,
	)
	if err := p.journal.Record(ctx, journal.Attempt{
		MessageID: env.ID,
		TypeName:  env.Type,
		Endpoint:  p.endpoint,
		Number:    1,
		Outcome:   journal.OutcomePoisonDiscarded,
		Error:     cause.Error(),
	}); err != nil {
		p.logger.Warn("failed to journal attempt", "messageId", env.ID, "error", err)
	}
	p.metrics.RecordAttempt(p.endpoint, env.Type, journal.OutcomePoisonDiscarded, 0)
	return p.deadLetter(ctx, env, 1, true, cause)
}

func (p *Processor) deadLetter(ctx context.Context, env *contracts.Envelope, attempts int, permanent bool, cause error) (State, error) {
	failed := reliability.FailedMessage{
		MessageID: env.ID,
		TypeName:  env.Type,
		Endpoint:  p.endpoint,
		Reason:    cause.Error(),
		Attempts:  attempts,
		Permanent: permanent,
		FailedAt:  time.Now().UTC(),
		Envelope:  env,
	}
	if err := p.deadLetters.DeadLetter(ctx, failed); err != nil {
		p.logger.Error("failed to dead-letter message",
			"endpoint", p.endpoint,
			"messageId", env.ID,
			"error", err,
		)
		return StateFailedPermanent, fmt.Errorf("dead-letter %s: %w", env.ID, err)
	}

	p.metrics.RecordDeadLetter(p.endpoint, env.Type)
	p.logger.Warn("message moved to dead-letter channel",
		"endpoint", p.endpoint,
		"messageId", env.ID,
		"messageType", env.Type,
		"attempts", attempts,
		"reason", failed.Reason,
	)

	if env.ID != "" {
		if err := p.inbox.MarkCompleted(ctx, p.endpoint, env.ID); err != nil {
			p.logger.Warn("failed to mark message completed", "messageId", env.ID, "error", err)
		}
	}
	return StateFailedPermanent, nil
}

func (p *Processor) record(ctx context.Context, msg contracts.Message, attempt int, outcome journal.Outcome, cause error, duration time.Duration) {
	a := journal.Attempt{
		MessageID: msg.ID(),
		TypeName:  msg.TypeName(),
		Endpoint:  p.endpoint,
		Number:    attempt,
		Outcome:   outcome,
		Duration:  duration,
	}
	if cause != nil {
		a.Error = cause.Error()
	}
	if err := p.journal.Record(ctx, a); err != nil {
		p.logger.Warn("failed to journal attempt", "messageId", msg.ID(), "error", err)
	}
	p.metrics.RecordAttempt(p.endpoint, msg.TypeName(), outcome, duration)
}
