package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/messaging"
)

func TestFilteringInterceptor(t *testing.T) {
	ctx := context.Background()
	onlyTickets := NewMessageTypeFilter(public.TicketRequested)

	t.Run("passes matching messages", func(t *testing.T) {
		handler := new(mockHandler)
		handler.On("Handle", ctx, mock.Anything).Return(messaging.Ack())

		res := NewFilteringInterceptor(onlyTickets, SkipSilently, nil).Intercept(ctx, ticketRequested(), handler)

		assert.Equal(t, messaging.DispositionAck, res.Disposition)
		handler.AssertExpectations(t)
	})

	t.Run("acknowledges skipped messages", func(t *testing.T) {
		handler := new(mockHandler)

		res := NewFilteringInterceptor(onlyTickets, SkipWithLog, nil).
			Intercept(ctx, public.NewFulfillmentCompleted("O-1", true), handler)

		assert.Equal(t, messaging.DispositionAck, res.Disposition)
		handler.AssertNotCalled(t, "Handle", mock.Anything, mock.Anything)
	})

	t.Run("can treat skipped messages as poison", func(t *testing.T) {
		res := NewFilteringInterceptor(onlyTickets, SkipAsPoison, nil).
			Intercept(ctx, public.NewFulfillmentCompleted("O-1", true), new(mockHandler))

		assert.Equal(t, messaging.DispositionPoisonDiscard, res.Disposition)
	})

	t.Run("filter errors are retried", func(t *testing.T) {
		broken := MessageFilterFunc(func(context.Context, contracts.Message) (bool, error) {
			return false, errors.New("lookup failed")
		})

		res := NewFilteringInterceptor(broken, SkipSilently, nil).Intercept(ctx, ticketRequested(), new(mockHandler))

		assert.Equal(t, messaging.DispositionRetry, res.Disposition)
	})
}

func TestCompositeFilter(t *testing.T) {
	ctx := context.Background()
	registry, err := public.NewRegistry()
	assert.NoError(t, err)
	bound, _, err := registry.Bind(ticketRequested())
	assert.NoError(t, err)

	filter := NewCompositeFilter(NewKindFilter(contracts.KindEvent), NewMessageTypeFilter(public.TicketRequested))
	ok, err := filter.ShouldProcess(ctx, bound)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, _ = NewKindFilter(contracts.KindCommand).ShouldProcess(ctx, bound)
	assert.False(t, ok)
}
