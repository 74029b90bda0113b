package messaging

import (
	"context"
	"time"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/journal"
	"github.com/AcmeTickets/Platform/internal/reliability"
)

// Transport hands envelopes to a broker. Both methods return only once the
// broker has durably accepted the envelope or the attempt has failed.
type Transport interface {
	// Send delivers a command to exactly one destination endpoint
	Send(ctx context.Context, destination string, env *contracts.Envelope) error
	// Publish fans an event out to every subscriber of topic
	Publish(ctx context.Context, topic string, env *contracts.Envelope) error
	Close() error
}

// DeliveryFunc consumes one received envelope. A nil error acknowledges the
// delivery; any error asks the broker to redeliver it later.
type DeliveryFunc func(ctx context.Context, env *contracts.Envelope) error

// Receiver pulls envelopes addressed to an endpoint
type Receiver interface {
	// Receive blocks, passing deliveries for endpoint to fn until ctx is
	// done or the subscription fails
	Receive(ctx context.Context, endpoint string, fn DeliveryFunc) error
}

// DeadLetterChannel accepts messages that will not be processed again
type DeadLetterChannel interface {
	DeadLetter(ctx context.Context, msg reliability.FailedMessage) error
}

// Inbox remembers message ids an endpoint has completed
type Inbox interface {
	Completed(ctx context.Context, endpoint, messageID string) (bool, error)
	MarkCompleted(ctx context.Context, endpoint, messageID string) error
}

// Claimer is implemented by inboxes shared between replicas of an endpoint.
// Claim atomically marks messageID as in progress for ttl and reports false
// when another consumer holds the claim or the message is completed.
// Release drops an unfinished claim so a redelivery can take it.
type Claimer interface {
	Claim(ctx context.Context, endpoint, messageID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, endpoint, messageID string) error
}

// MetricsCollector receives gateway and processor measurements
type MetricsCollector interface {
	RecordPublish(typeName string, kind contracts.Kind, attempts int, duration time.Duration, err error)
	RecordAttempt(endpoint, typeName string, outcome journal.Outcome, duration time.Duration)
	RecordDeadLetter(endpoint, typeName string)
	RecordDuplicate(endpoint, typeName string)
}

type noopMetrics struct{}

func (noopMetrics) RecordPublish(string, contracts.Kind, int, time.Duration, error) {}

func (noopMetrics) RecordAttempt(string, string, journal.Outcome, time.Duration) {}

func (noopMetrics) RecordDeadLetter(string, string) {}

func (noopMetrics) RecordDuplicate(string, string) {}
