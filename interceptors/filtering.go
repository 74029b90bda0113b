package interceptors

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/messaging"
)

// MessageFilter defines the interface for message filtering
type MessageFilter interface {
	// ShouldProcess returns true if the message should be processed
	ShouldProcess(ctx context.Context, msg contracts.Message) (bool, error)
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg contracts.Message) (bool, error)

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg contracts.Message) (bool, error) {
	return f(ctx, msg)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently acknowledges the message without handling it
	SkipSilently SkipBehavior = iota
	// SkipWithLog acknowledges the message and logs the skip
	SkipWithLog
	// SkipAsPoison moves the message to the dead-letter channel
	SkipAsPoison
)

// FilteringInterceptor filters messages based on conditions
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
	logger       *slog.Logger
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior, logger *slog.Logger) *FilteringInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteringInterceptor{
		filter:       filter,
		skipBehavior: skipBehavior,
		logger:       logger,
	}
}

// Intercept implements Interceptor. A failing filter asks for a retry.
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg contracts.Message, next messaging.Handler) messaging.Result {
	shouldProcess, err := i.filter.ShouldProcess(ctx, msg)
	if err != nil {
		return messaging.Retry(fmt.Errorf("filter error: %w", err))
	}

	if !shouldProcess {
		switch i.skipBehavior {
		case SkipAsPoison:
			return messaging.PoisonDiscard(fmt.Errorf("message filtered: type=%s, id=%s", msg.TypeName(), msg.ID()))
		case SkipWithLog:
			i.logger.Info("message skipped by filter",
				"messageId", msg.ID(),
				"messageType", msg.TypeName(),
			)
		}
		return messaging.Ack()
	}

	return next.Handle(ctx, msg)
}

func (i *FilteringInterceptor) Name() string { return "filter" }

// CompositeFilter passes a message only if every filter does
type CompositeFilter struct {
	filters []MessageFilter
}

// NewCompositeFilter creates a new composite filter
func NewCompositeFilter(filters ...MessageFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// ShouldProcess implements MessageFilter
func (f *CompositeFilter) ShouldProcess(ctx context.Context, msg contracts.Message) (bool, error) {
	for _, filter := range f.filters {
		ok, err := filter.ShouldProcess(ctx, msg)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// MessageTypeFilter passes only the listed type names
type MessageTypeFilter struct {
	allowedTypes map[string]bool
}

// NewMessageTypeFilter creates a new message type filter
func NewMessageTypeFilter(allowedTypes ...string) *MessageTypeFilter {
	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[t] = true
	}
	return &MessageTypeFilter{allowedTypes: allowed}
}

// ShouldProcess implements MessageFilter
func (f *MessageTypeFilter) ShouldProcess(_ context.Context, msg contracts.Message) (bool, error) {
	return f.allowedTypes[msg.TypeName()], nil
}

// KindFilter passes only messages of one kind
type KindFilter struct {
	kind contracts.Kind
}

// NewKindFilter creates a filter for kind
func NewKindFilter(kind contracts.Kind) *KindFilter {
	return &KindFilter{kind: kind}
}

// ShouldProcess implements MessageFilter
func (f *KindFilter) ShouldProcess(_ context.Context, msg contracts.Message) (bool, error) {
	return msg.Kind() == f.kind, nil
}
