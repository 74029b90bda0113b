// Package public holds the contracts AcmeTickets services exchange in
// production, together with their default routing.
package public

import (
	"time"

	"github.com/google/uuid"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/routing"
	"github.com/AcmeTickets/Platform/schema"
)

// Endpoint names
const (
	APIEndpoint             = "EventManagement.Api"
	EventManagementEndpoint = "EventManagement.Message"
	PlatformEndpoint        = "Platform.Message"
)

// Type names
const (
	AddEvent             = "AcmeTickets.Contracts.Public.Platform.Commands.AddEvent"
	TicketRequested      = "AcmeTickets.PublicContracts.Events.EventManagement.TicketRequested"
	FraudCheckCompleted  = "AcmeTickets.PublicContracts.Events.FraudProtections.FraudCheckCompleted"
	InventoryAdjusted    = "AcmeTickets.PublicContracts.Events.Inventory.InventoryAdjusted"
	FulfillmentCompleted = "AcmeTickets.PublicContracts.Events.Fulfillment.FulfillmentCompleted"
)

// Registrations returns every public contract in registration order
func Registrations() []contracts.Registration {
	return []contracts.Registration{
		{
			TypeName: AddEvent,
			Kind:     contracts.KindCommand,
			Version:  "1.0.0",
			Fields: schema.Fields{
				{Name: "EventId", Type: schema.TypeUUID, Required: true},
				{Name: "EventName", Type: schema.TypeString, Required: true, Rules: "max=200"},
				{Name: "EventDate", Type: schema.TypeTime, Required: true},
			},
		},
		{
			TypeName: TicketRequested,
			Kind:     contracts.KindEvent,
			Version:  "1.0.0",
			Fields: schema.Fields{
				{Name: "TicketId", Type: schema.TypeString, Required: true},
				{Name: "UserId", Type: schema.TypeString, Required: true},
			},
		},
		{
			TypeName: FraudCheckCompleted,
			Kind:     contracts.KindEvent,
			Version:  "1.0.0",
			Fields: schema.Fields{
				{Name: "TransactionId", Type: schema.TypeString, Required: true},
				{Name: "IsFraudulent", Type: schema.TypeBool},
			},
		},
		{
			TypeName: InventoryAdjusted,
			Kind:     contracts.KindEvent,
			Version:  "1.0.0",
			Fields: schema.Fields{
				{Name: "ProductId", Type: schema.TypeString, Required: true},
				{Name: "Quantity", Type: schema.TypeInt},
			},
		},
		{
			TypeName: FulfillmentCompleted,
			Kind:     contracts.KindEvent,
			Version:  "1.0.0",
			Fields: schema.Fields{
				{Name: "OrderId", Type: schema.TypeString, Required: true},
				{Name: "Success", Type: schema.TypeBool},
			},
		},
	}
}

// DefaultTopology routes AddEvent to event management and subscribes the
// platform host to every public event
func DefaultTopology() routing.Topology {
	return routing.Topology{
		Routes: []routing.Route{
			{TypeName: AddEvent, Destination: EventManagementEndpoint},
		},
		Subscriptions: []routing.Subscription{
			{Endpoint: PlatformEndpoint, TypeName: TicketRequested},
			{Endpoint: PlatformEndpoint, TypeName: FraudCheckCompleted},
			{Endpoint: PlatformEndpoint, TypeName: InventoryAdjusted},
			{Endpoint: PlatformEndpoint, TypeName: FulfillmentCompleted},
		},
	}
}

// NewRegistry builds a registry holding the public contracts plus extra
func NewRegistry(extra ...contracts.Registration) (*contracts.Registry, error) {
	b := contracts.NewRegistryBuilder()
	if err := b.RegisterAll(Registrations()...); err != nil {
		return nil, err
	}
	if err := b.RegisterAll(extra...); err != nil {
		return nil, err
	}
	return b.Build(), nil
}

// NewAddEvent builds an AddEvent command
func NewAddEvent(eventID uuid.UUID, name string, date time.Time) contracts.Message {
	return contracts.NewMessage(AddEvent,
		contracts.F("EventId", eventID),
		contracts.F("EventName", name),
		contracts.F("EventDate", date),
	)
}

// NewTicketRequested builds a TicketRequested event
func NewTicketRequested(ticketID, userID string) contracts.Message {
	return contracts.NewMessage(TicketRequested,
		contracts.F("TicketId", ticketID),
		contracts.F("UserId", userID),
	)
}

// NewFraudCheckCompleted builds a FraudCheckCompleted event
func NewFraudCheckCompleted(transactionID string, fraudulent bool) contracts.Message {
	return contracts.NewMessage(FraudCheckCompleted,
		contracts.F("TransactionId", transactionID),
		contracts.F("IsFraudulent", fraudulent),
	)
}

// NewInventoryAdjusted builds an InventoryAdjusted event
func NewInventoryAdjusted(productID string, quantity int) contracts.Message {
	return contracts.NewMessage(InventoryAdjusted,
		contracts.F("ProductId", productID),
		contracts.F("Quantity", quantity),
	)
}

// NewFulfillmentCompleted builds a FulfillmentCompleted event
func NewFulfillmentCompleted(orderID string, success bool) contracts.Message {
	return contracts.NewMessage(FulfillmentCompleted,
		contracts.F("OrderId", orderID),
		contracts.F("Success", success),
	)
}
