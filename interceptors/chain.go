package interceptors

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
)

// Interceptor wraps one handler invocation. It must call next exactly once
// unless it settles the message itself.
type Interceptor interface {
	Intercept(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result
	Name() string
}

// Func turns a function into a named Interceptor
func Func(name string, fn func(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result) Interceptor {
	return funcInterceptor{name: name, fn: fn}
}

type funcInterceptor struct {
	name string
	fn   func(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result
}

func (f funcInterceptor) Intercept(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result {
	return f.fn(ctx, msg, next)
}

func (f funcInterceptor) Name() string { return f.name }

// Chain runs interceptors in the order they were added, the handler last
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends interceptor to the chain
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Names returns the interceptor names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.interceptors))
	for i, interceptor := range c.interceptors {
		names[i] = interceptor.Name()
	}
	return names
}

// Handle runs msg through the chain and into handler
func (c *Chain) Handle(ctx context.Context, msg contracts.Message, handler messaging.Handler) messaging.Result {
	return c.Wrap(handler).Handle(ctx, msg)
}

// Wrap returns handler with the chain in front of it
func (c *Chain) Wrap(handler messaging.Handler) messaging.Handler {
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor, next := c.interceptors[i], handler
		handler = messaging.HandlerFunc(func(ctx context.Context, msg contracts.Message) messaging.Result {
			return interceptor.Intercept(ctx, msg, next)
		})
	}
	return handler
}

// Middleware exposes the chain as dispatcher middleware
func (c *Chain) Middleware() messaging.MiddlewareFunc {
	return func(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result {
		return c.Handle(ctx, msg, next)
	}
}

// Builder assembles the usual chain. Interceptors run in the order of the
// With calls.
type Builder struct {
	chain  *Chain
	logger *slog.Logger
}

// NewBuilder creates a builder whose logging interceptors use logger
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{chain: NewChain(), logger: logger}
}

func (b *Builder) WithLogging() *Builder {
	b.chain.Add(NewLogging(b.logger))
	return b
}

func (b *Builder) WithMetrics(collector MetricsCollector) *Builder {
	b.chain.Add(NewMetrics(collector))
	return b
}

func (b *Builder) WithTracing(tracer trace.Tracer) *Builder {
	b.chain.Add(NewTracing(tracer))
	return b
}

func (b *Builder) WithValidation(validator Validator) *Builder {
	b.chain.Add(NewValidation(validator))
	return b
}

func (b *Builder) WithCircuitBreaker(cb *reliability.CircuitBreaker) *Builder {
	b.chain.Add(NewCircuitBreaker(cb))
	return b
}

func (b *Builder) WithFilter(filter MessageFilter, skip SkipBehavior) *Builder {
	b.chain.Add(NewFilteringInterceptor(filter, skip, b.logger))
	return b
}

func (b *Builder) With(interceptor Interceptor) *Builder {
	b.chain.Add(interceptor)
	return b
}

// Build returns the assembled chain
func (b *Builder) Build() *Chain {
	return b.chain
}
