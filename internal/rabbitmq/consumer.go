package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. nil acks it, ErrRejectDelivery
// dead-letters it through the queue's DLX, any other error requeues it.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes queues on dedicated channels
type Consumer struct {
	opener        ChannelOpener
	prefetchCount int
	concurrency   int
	consumerTag   string
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the channel QoS
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConcurrency sets how many deliveries are handled at once
func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) {
		c.concurrency = n
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer opening channels from opener
func NewConsumer(opener ChannelOpener, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		opener:        opener,
		prefetchCount: 10,
		concurrency:   1,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.prefetchCount < c.concurrency {
		c.prefetchCount = c.concurrency
	}
	return c
}

// Consume blocks until ctx is done or the broker ends the subscription.
// It returns ctx.Err() on cancellation and a *ConsumerError otherwise.
func (c *Consumer) Consume(ctx context.Context, queue string, handler DeliveryHandler) error {
	fail := func(op string, err error) error {
		return &ConsumerError{Queue: queue, ConsumerTag: c.consumerTag, Op: op, Err: err, Timestamp: time.Now()}
	}

	ch, err := c.opener.Channel()
	if err != nil {
		return fail("open channel", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return fail("qos", err)
	}
	deliveries, err := ch.Consume(queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return fail("consume", err)
	}

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"prefetchCount", c.prefetchCount,
		"concurrency", c.concurrency)

	var (
		wg     sync.WaitGroup
		closed = make(chan struct{})
		once   sync.Once
	)
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						once.Do(func() { close(closed) })
						return
					}
					c.handle(ctx, queue, d, handler)
				}
			}
		}()
	}
	wg.Wait()

	select {
	case <-closed:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("delivery channel closed", "queue", queue)
		return fail("consume", ErrConsumerCancelled)
	default:
		return ctx.Err()
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, d amqp.Delivery, handler DeliveryHandler) {
	err := handler(ctx, d)

	var settleErr error
	switch {
	case err == nil:
		settleErr = d.Ack(false)
	case errors.Is(err, ErrRejectDelivery):
		c.logger.Warn("rejecting delivery", "queue", queue, "messageId", d.MessageId, "error", err)
		settleErr = d.Nack(false, false)
	default:
		c.logger.Debug("requeueing delivery", "queue", queue, "messageId", d.MessageId, "error", err)
		settleErr = d.Nack(false, true)
	}
	if settleErr != nil {
		c.logger.Error("failed to settle delivery",
			"error", settleErr,
			"queue", queue,
			"messageId", d.MessageId)
	}
}
