package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AcmeTickets/Platform/contracts"
)

// MiddlewareFunc wraps a handler invocation
type MiddlewareFunc func(ctx context.Context, msg contracts.Message, next Handler) Result

// MessageDispatcher routes messages to the handler registered for their type
// name. It is itself a Handler, so a Processor can run it directly.
type MessageDispatcher struct {
	handlers   map[string]Handler
	mu         sync.RWMutex
	logger     *slog.Logger
	middleware []MiddlewareFunc
}

// DispatcherOption configures the MessageDispatcher
type DispatcherOption func(*MessageDispatcher)

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.logger = logger
	}
}

// WithMiddleware adds middleware to the dispatcher. The first middleware is
// the outermost.
func WithMiddleware(middleware ...MiddlewareFunc) DispatcherOption {
	return func(d *MessageDispatcher) {
		d.middleware = append(d.middleware, middleware...)
	}
}

// NewMessageDispatcher creates a new message dispatcher
func NewMessageDispatcher(options ...DispatcherOption) *MessageDispatcher {
	d := &MessageDispatcher{
		handlers: make(map[string]Handler),
		logger:   slog.Default(),
	}

	for _, opt := range options {
		opt(d)
	}

	return d
}

// RegisterHandler registers the handler for typeName. Each type has at most
// one handler per dispatcher.
func (d *MessageDispatcher) RegisterHandler(typeName string, handler Handler) error {
	if typeName == "" {
		return fmt.Errorf("typeName cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[typeName]; exists {
		return fmt.Errorf("handler already registered for %s", typeName)
	}
	d.handlers[typeName] = handler

	d.logger.Info("registered message handler", "messageType", typeName)
	return nil
}

// RegisterHandlerFunc registers an error-returning function as a handler
func (d *MessageDispatcher) RegisterHandlerFunc(typeName string, fn func(ctx context.Context, msg contracts.Message) error) error {
	return d.RegisterHandler(typeName, ErrorHandler(fn))
}

// TypeNames returns the registered type names in sorted order
func (d *MessageDispatcher) TypeNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handle implements Handler. Messages without a handler are poison.
func (d *MessageDispatcher) Handle(ctx context.Context, msg contracts.Message) Result {
	d.mu.RLock()
	handler, ok := d.handlers[msg.TypeName()]
	d.mu.RUnlock()

	if !ok {
		d.logger.Warn("no handler for message",
			"messageId", msg.ID(),
			"messageType", msg.TypeName(),
		)
		return PoisonDiscard(&NoHandlerError{TypeName: msg.TypeName()})
	}

	for i := len(d.middleware) - 1; i >= 0; i-- {
		mw := d.middleware[i]
		next := handler
		handler = HandlerFunc(func(ctx context.Context, msg contracts.Message) Result {
			return mw(ctx, msg, next)
		})
	}

	return handler.Handle(ctx, msg)
}
