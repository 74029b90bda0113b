// Package contracts defines the messages exchanged between AcmeTickets services
// and the registry of their contracts.
//
// A message is either a Command (one logical receiver) or an Event (any number
// of subscribers). The kind is declared once, when the contract is registered,
// and is never inferred from payload or naming at dispatch time.
//
//	b := contracts.NewRegistryBuilder()
//	if err := b.Register("AcmeTickets.Contracts.Public.Platform.Commands.AddEvent", contracts.KindCommand, fields); err != nil {
//		return err
//	}
//	registry := b.Build()
//
// A Registry is immutable once built and safe for concurrent lookups.
package contracts
