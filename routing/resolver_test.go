package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/routing"
)

func newResolver(t *testing.T, topo routing.Topology) *routing.Resolver {
	t.Helper()
	registry, err := public.NewRegistry()
	require.NoError(t, err)
	resolver, err := routing.NewResolver(registry, topo)
	require.NoError(t, err)
	return resolver
}

func TestResolverClassify(t *testing.T) {
	resolver := newResolver(t, public.DefaultTopology())

	t.Run("command resolves to its single destination", func(t *testing.T) {
		c, err := resolver.Classify(public.AddEvent)

		require.NoError(t, err)
		assert.Equal(t, contracts.KindCommand, c.Kind)
		assert.Equal(t, "EventManagement.Message", c.Destination)
	})

	t.Run("event exposes no destination", func(t *testing.T) {
		c, err := resolver.Classify(public.FulfillmentCompleted)

		require.NoError(t, err)
		assert.Equal(t, contracts.KindEvent, c.Kind)
		assert.Empty(t, c.Destination)
		assert.Equal(t, public.FulfillmentCompleted, c.Topic())
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := resolver.Classify("GhostCommand")

		assert.ErrorIs(t, err, contracts.ErrUnknownContract)
	})

	t.Run("same input same output", func(t *testing.T) {
		first, err1 := resolver.Classify(public.AddEvent)
		second, err2 := resolver.Classify(public.AddEvent)

		assert.NoError(t, err1)
		assert.NoError(t, err2)
		assert.Equal(t, first, second)
	})
}

func TestResolverNoDestination(t *testing.T) {
	resolver := newResolver(t, routing.Topology{})

	_, err := resolver.Classify(public.AddEvent)

	var noDest *routing.NoDestinationError
	require.ErrorAs(t, err, &noDest)
	assert.Equal(t, public.AddEvent, noDest.TypeName)
}

func TestResolverTopologyValidation(t *testing.T) {
	registry, err := public.NewRegistry()
	require.NoError(t, err)

	tests := []struct {
		name string
		topo routing.Topology
	}{
		{"route for an event", routing.Topology{Routes: []routing.Route{{TypeName: public.TicketRequested, Destination: "X"}}}},
		{"route for an unknown type", routing.Topology{Routes: []routing.Route{{TypeName: "Ghost", Destination: "X"}}}},
		{"two destinations", routing.Topology{Routes: []routing.Route{
			{TypeName: public.AddEvent, Destination: "A"},
			{TypeName: public.AddEvent, Destination: "B"},
		}}},
		{"empty destination", routing.Topology{Routes: []routing.Route{{TypeName: public.AddEvent}}}},
		{"subscription to a command", routing.Topology{Subscriptions: []routing.Subscription{{Endpoint: "A", TypeName: public.AddEvent}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := routing.NewResolver(registry, tt.topo)

			var topoErr *routing.TopologyError
			assert.ErrorAs(t, err, &topoErr)
		})
	}
}

func TestResolverSubscribers(t *testing.T) {
	topo := public.DefaultTopology()
	topo.Subscriptions = append(topo.Subscriptions,
		routing.Subscription{Endpoint: "Fulfillment.Message", TypeName: public.FulfillmentCompleted},
		routing.Subscription{Endpoint: "Platform.Message", TypeName: public.FulfillmentCompleted},
	)
	resolver := newResolver(t, topo)

	assert.Equal(t, []string{"Fulfillment.Message", "Platform.Message"}, resolver.Subscribers(public.FulfillmentCompleted))
	assert.Empty(t, resolver.Subscribers(public.AddEvent))
	assert.Equal(t, []string{public.AddEvent}, resolver.CommandsFor(public.EventManagementEndpoint))
	assert.Len(t, resolver.EventsFor(public.PlatformEndpoint), 4)
	assert.Equal(t, []string{"EventManagement.Message", "Fulfillment.Message", "Platform.Message"}, resolver.Endpoints())
}

func TestParseTopology(t *testing.T) {
	doc := []byte(`
contracts:
  - type: AcmeTickets.Inventory.Commands.AdjustStock
    fields:
      - name: ProductId
        type: string
        required: true
      - name: Quantity
        type: int
routes:
  - type: AcmeTickets.Inventory.Commands.AdjustStock
    destination: Inventory.Message
subscriptions:
  - endpoint: Inventory.Message
    type: AcmeTickets.PublicContracts.Events.Fulfillment.FulfillmentCompleted
`)

	topo, err := routing.ParseTopology(doc)
	require.NoError(t, err)

	regs, err := topo.Registrations()
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, contracts.KindCommand, regs[0].Kind)
	assert.Equal(t, []string{"ProductId", "Quantity"}, regs[0].Fields.Names())

	registry, err := public.NewRegistry(regs...)
	require.NoError(t, err)
	resolver, err := routing.NewResolver(registry, public.DefaultTopology().Merge(topo))
	require.NoError(t, err)

	c, err := resolver.Classify("AcmeTickets.Inventory.Commands.AdjustStock")
	require.NoError(t, err)
	assert.Equal(t, "Inventory.Message", c.Destination)

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := routing.ParseTopology([]byte("routs: []\n"))
		assert.Error(t, err)
	})

	t.Run("unclassifiable contract", func(t *testing.T) {
		topo, err := routing.ParseTopology([]byte("contracts:\n  - type: Misc.Thing\n"))
		require.NoError(t, err)

		_, err = topo.Registrations()
		assert.ErrorIs(t, err, contracts.ErrUnclassifiable)
	})
}
