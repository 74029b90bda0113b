package messaging_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/internal/journal"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
	"github.com/AcmeTickets/Platform/routing"
	"github.com/AcmeTickets/Platform/schema"
	"github.com/AcmeTickets/Platform/transports/memory"
)

const unroutedCommand = "AcmeTickets.Contracts.Public.Platform.Commands.ArchiveEvent"

type fixture struct {
	registry  *contracts.Registry
	resolver  *routing.Resolver
	transport *memory.Transport
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	registry, err := public.NewRegistry(contracts.Registration{
		TypeName: unroutedCommand,
		Kind:     contracts.KindCommand,
		Fields:   schema.Fields{{Name: "EventId", Type: schema.TypeUUID, Required: true}},
	})
	require.NoError(t, err)

	resolver, err := routing.NewResolver(registry, public.DefaultTopology())
	require.NoError(t, err)

	return fixture{
		registry:  registry,
		resolver:  resolver,
		transport: memory.New(resolver),
	}
}

func (f fixture) gateway(opts ...messaging.GatewayOption) *messaging.Gateway {
	opts = append([]messaging.GatewayOption{
		messaging.WithRetryPolicy(reliability.NewFixedDelay(0, 3)),
	}, opts...)
	return messaging.NewGateway(f.registry, f.resolver, f.transport, opts...)
}

func addEvent() contracts.Message {
	return public.NewAddEvent(uuid.New(), "Summer Festival", time.Date(2026, 7, 1, 18, 0, 0, 0, time.UTC))
}

func TestGatewayPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("sends commands to their destination", func(t *testing.T) {
		f := newFixture(t)

		receipt, err := f.gateway().Publish(ctx, addEvent())

		require.NoError(t, err)
		assert.NotEmpty(t, receipt.MessageID)
		assert.Equal(t, contracts.KindCommand, receipt.Kind)
		assert.Equal(t, public.EventManagementEndpoint, receipt.Destination)
		assert.Equal(t, 1, receipt.Attempts)
		assert.Equal(t, 1, f.transport.Pending(public.EventManagementEndpoint))

		calls := f.transport.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, "send", calls[0].Method)
		assert.Equal(t, receipt.MessageID, calls[0].MessageID)
	})

	t.Run("publishes events to their topic", func(t *testing.T) {
		f := newFixture(t)

		receipt, err := f.gateway().Publish(ctx, public.NewTicketRequested("T-1", "U-1"))

		require.NoError(t, err)
		assert.Equal(t, contracts.KindEvent, receipt.Kind)
		assert.Equal(t, public.TicketRequested, receipt.Topic)
		assert.Empty(t, receipt.Destination)
		assert.Equal(t, 1, f.transport.Pending(public.PlatformEndpoint))
		assert.Equal(t, "publish", f.transport.Calls()[0].Method)
	})

	t.Run("keeps a caller supplied id", func(t *testing.T) {
		f := newFixture(t)

		receipt, err := f.gateway().Publish(ctx, addEvent().WithID("order-42"))

		require.NoError(t, err)
		assert.Equal(t, "order-42", receipt.MessageID)
	})

	t.Run("assigns time ordered ids", func(t *testing.T) {
		f := newFixture(t)

		receipt, err := f.gateway().Publish(ctx, addEvent())
		require.NoError(t, err)

		id, err := uuid.Parse(receipt.MessageID)
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), id.Version())
	})
}

func TestGatewayRejectsBeforeTransport(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		msg    contracts.Message
		target error
	}{
		{
			name:   "unknown contract",
			msg:    contracts.NewMessage("GhostCommand"),
			target: contracts.ErrUnknownContract,
		},
		{
			name:   "schema violation",
			msg:    contracts.NewMessage(public.AddEvent, contracts.F("EventId", uuid.New())),
			target: contracts.ErrSchemaViolation,
		},
		{
			name:   "command without route",
			msg:    contracts.NewMessage(unroutedCommand, contracts.F("EventId", uuid.New())),
			target: routing.ErrNoDestination,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			_, err := f.gateway().Publish(ctx, tt.msg)

			assert.ErrorIs(t, err, tt.target)
			assert.Empty(t, f.transport.Calls())
		})
	}

	t.Run("unknown contract error names the type", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.gateway().Publish(ctx, contracts.NewMessage("GhostCommand"))

		var unknown *contracts.UnknownContractError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "GhostCommand", unknown.TypeName)
	})
}

func TestGatewayRetries(t *testing.T) {
	ctx := context.Background()
	unavailable := errors.New("connection refused")

	t.Run("reuses the message id across attempts", func(t *testing.T) {
		f := newFixture(t)
		f.transport.FailNext(unavailable, unavailable)
		j := journal.NewInMemoryJournal()

		receipt, err := f.gateway(messaging.WithGatewayJournal(j)).Publish(ctx, addEvent())

		require.NoError(t, err)
		assert.Equal(t, 3, receipt.Attempts)

		calls := f.transport.Calls()
		require.Len(t, calls, 3)
		for _, c := range calls {
			assert.Equal(t, receipt.MessageID, c.MessageID)
		}

		attempts, err := j.ByMessageID(ctx, receipt.MessageID)
		require.NoError(t, err)
		require.Len(t, attempts, 3)
		assert.Equal(t, journal.OutcomeHandlerFailed, attempts[0].Outcome)
		assert.Equal(t, journal.OutcomeHandlerFailed, attempts[1].Outcome)
		assert.Equal(t, journal.OutcomeDelivered, attempts[2].Outcome)
	})

	t.Run("reports transport unavailable at the ceiling", func(t *testing.T) {
		f := newFixture(t)
		f.transport.FailNext(unavailable, unavailable, unavailable, unavailable)

		_, err := f.gateway().Publish(ctx, addEvent())

		var dispatchErr *messaging.DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		assert.Equal(t, messaging.TransportUnavailable, dispatchErr.Kind)
		assert.Equal(t, 3, dispatchErr.Attempts)
		assert.ErrorIs(t, err, messaging.ErrTransportUnavailable)
		assert.ErrorIs(t, err, unavailable)
		assert.Len(t, f.transport.Calls(), 3)
	})

	t.Run("does not retry permanent rejections", func(t *testing.T) {
		f := newFixture(t)
		f.transport.FailNext(reliability.Permanent(errors.New("access refused")))

		_, err := f.gateway().Publish(ctx, addEvent())

		assert.ErrorIs(t, err, messaging.ErrTransportRejected)
		assert.Len(t, f.transport.Calls(), 1)
	})

	t.Run("stops when the circuit opens", func(t *testing.T) {
		f := newFixture(t)
		f.transport.FailNext(unavailable, unavailable, unavailable)
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(2))

		_, err := f.gateway(messaging.WithCircuitBreaker(cb)).Publish(ctx, addEvent())

		assert.ErrorIs(t, err, messaging.ErrTransportUnavailable)
		assert.ErrorIs(t, err, reliability.ErrCircuitOpen)
		assert.Len(t, f.transport.Calls(), 2)
		assert.Equal(t, reliability.StateOpen, cb.State())
	})
}

// cancelingTransport cancels the caller's context during the first send
type cancelingTransport struct {
	*memory.Transport
	cancel context.CancelFunc
	failed bool
}

func (c *cancelingTransport) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	if !c.failed {
		c.failed = true
		c.cancel()
		return errors.New("channel closed")
	}
	return c.Transport.Send(ctx, destination, env)
}

func TestGatewayCancellation(t *testing.T) {
	t.Run("canceled before the first send", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.gateway().Publish(ctx, addEvent())

		assert.ErrorIs(t, err, messaging.ErrDispatchCanceled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, f.transport.Calls())
	})

	t.Run("canceled after the first send keeps retrying", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		tr := &cancelingTransport{Transport: f.transport, cancel: cancel}

		gw := messaging.NewGateway(f.registry, f.resolver, tr,
			messaging.WithRetryPolicy(reliability.NewFixedDelay(time.Millisecond, 3)))
		receipt, err := gw.Publish(ctx, addEvent())

		require.NoError(t, err)
		assert.Equal(t, 2, receipt.Attempts)
		assert.Equal(t, 1, f.transport.Pending(public.EventManagementEndpoint))
	})
}
