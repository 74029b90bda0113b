package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AcmeTickets/Platform/internal/reliability"
)

var (
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout  = errors.New("rabbitmq: connection timeout")

	ErrChannelPoolClosed    = errors.New("rabbitmq: channel pool is closed")
	ErrChannelPoolExhausted = errors.New("rabbitmq: channel pool exhausted")

	ErrPublishNacked      = errors.New("rabbitmq: publish nacked by broker")
	ErrPublishUnroutable  = errors.New("rabbitmq: publish returned unroutable")
	ErrConfirmTimeout     = errors.New("rabbitmq: timeout waiting for publish confirm")
	ErrConfirmChannelGone = errors.New("rabbitmq: confirm channel closed")

	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled by broker")

	// ErrRejectDelivery makes the consumer reject a delivery without requeue,
	// routing it to the queue's dead-letter exchange
	ErrRejectDelivery = errors.New("rabbitmq: reject delivery")

	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError is a dial or reconnect failure
type ConnectionError struct {
	Op        string
	URL       string
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq connection error: %s %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError is a failure to open or use a channel
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError is a publish the broker did not confirm
type PublishError struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Mandatory  bool
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: message %s to %s/%s (mandatory=%v): %v",
		e.MessageID, e.Exchange, e.RoutingKey, e.Mandatory, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// IsRetryable reports unroutable publishes and broker access errors as
// permanent
func (e *PublishError) IsRetryable() bool {
	return IsRetryable(e.Err)
}

// ConsumerError is a failure to start or keep consuming a queue
type ConsumerError struct {
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError is a failed exchange, queue or binding declaration
type TopologyError struct {
	Component string
	Name      string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// IsRetryable classifies broker errors. Unroutable publishes, access refusals
// and precondition failures do not get better on retry; everything else,
// connection loss included, may.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrPublishUnroutable), errors.Is(err, ErrInvalidConfiguration):
		return false
	case reliability.IsPermanent(err):
		return false
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused, amqp.NotFound, amqp.PreconditionFailed, amqp.NotAllowed:
			return false
		}
	}
	return true
}

// SanitizeURL hides the password of an AMQP URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
