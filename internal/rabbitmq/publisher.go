package rabbitmq

import (
	"context"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes one message at a time per pooled channel and returns
// once the broker has confirmed it
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for the broker's confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over pool
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg and waits for the confirm. With mandatory set a message
// no queue is bound for fails with ErrPublishUnroutable. The publisher does
// not retry; callers own the retry policy.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, mandatory bool, msg amqp.Publishing) error {
	fail := func(err error) error {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			MessageID:  msg.MessageId,
			Mandatory:  mandatory,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}

	if err := ch.PublishWithContext(ctx, exchange, routingKey, mandatory, false, msg); err != nil {
		p.pool.Discard(ch)
		return fail(err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case ret, ok := <-ch.returns:
			if !ok {
				p.pool.Discard(ch)
				return fail(ErrConfirmChannelGone)
			}
			// the broker sends basic.return ahead of the confirm
			returned = &ret

		case confirm, ok := <-ch.confirms:
			if !ok {
				p.pool.Discard(ch)
				return fail(ErrConfirmChannelGone)
			}
			if returned == nil {
				select {
				case ret, ok := <-ch.returns:
					if ok {
						returned = &ret
					}
				default:
				}
			}
			p.pool.Put(ch)
			if returned != nil {
				p.logger.Warn("message returned by broker",
					"messageId", msg.MessageId,
					"exchange", exchange,
					"routingKey", routingKey,
					"reply", returned.ReplyText)
				return fail(ErrPublishUnroutable)
			}
			if !confirm.Ack {
				return fail(ErrPublishNacked)
			}
			return nil

		case <-timer.C:
			p.pool.Discard(ch)
			return fail(ErrConfirmTimeout)

		case <-ctx.Done():
			p.pool.Discard(ch)
			return fail(ctx.Err())
		}
	}
}
