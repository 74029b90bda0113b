// Package schema describes the ordered field layout of a message contract and
// validates field values against it.
//
// A schema is a list of Field definitions. Order matters: it is the order in
// which fields are written to the wire. Schemas may only evolve additively, by
// appending optional fields (see CheckEvolution).
//
// Field rules use go-playground/validator tags, for example:
//
//	schema.Fields{
//		{Name: "EventId", Type: schema.TypeUUID, Required: true},
//		{Name: "EventName", Type: schema.TypeString, Required: true, Rules: "max=200"},
//	}
package schema
