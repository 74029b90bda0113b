// Package journal records delivery attempts per message and endpoint.
package journal

import (
	"context"
	"time"
)

// Outcome is the result of one delivery attempt
type Outcome string

const (
	OutcomeDelivered       Outcome = "delivered"
	OutcomeHandlerFailed   Outcome = "handler_failed"
	OutcomePoisonDiscarded Outcome = "poison_discarded"
)

// Attempt is one delivery attempt of a message at an endpoint. Attempts are
// append-only.
type Attempt struct {
	ID        string        `json:"id"`
	MessageID string        `json:"messageId"`
	TypeName  string        `json:"typeName"`
	Endpoint  string        `json:"endpoint"`
	Number    int           `json:"attempt"`
	Outcome   Outcome       `json:"outcome"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	At        time.Time     `json:"at"`
}

// Journal stores delivery attempts
type Journal interface {
	// Record appends an attempt
	Record(ctx context.Context, attempt Attempt) error
	// ByMessageID returns the attempts of a message in recording order
	ByMessageID(ctx context.Context, messageID string) ([]Attempt, error)
	// Purge removes attempts recorded before cutoff and returns how many
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// Discard is a Journal that keeps nothing
var Discard Journal = discard{}

type discard struct{}

func (discard) Record(context.Context, Attempt) error { return nil }

func (discard) ByMessageID(context.Context, string) ([]Attempt, error) { return nil, nil }

func (discard) Purge(context.Context, time.Time) (int, error) { return 0, nil }
