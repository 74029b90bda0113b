// Package memory is an in-process transport for tests and single-binary
// deployments. Every accepted envelope is immediately durable for the
// lifetime of the process.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/messaging"
)

// ErrClosed is returned after Close
var ErrClosed = errors.New("memory transport closed")

// SubscriberLookup returns the endpoints subscribed to an event type
type SubscriberLookup interface {
	Subscribers(typeName string) []string
}

// Call is one Send or Publish invocation, successful or not
type Call struct {
	Method    string
	Target    string
	MessageID string
	Err       error
}

// Transport keeps one queue per endpoint
type Transport struct {
	mu          sync.Mutex
	subscribers SubscriberLookup
	queues      map[string]chan *contracts.Envelope
	failures    []error
	calls       []Call
	buffer      int
	redelivery  time.Duration
	closed      bool
	done        chan struct{}
}

// Option configures the Transport
type Option func(*Transport)

// WithBuffer sets the per-endpoint queue capacity
func WithBuffer(n int) Option {
	return func(t *Transport) {
		t.buffer = n
	}
}

// WithRedeliveryDelay sets how long a rejected delivery waits before it is
// queued again
func WithRedeliveryDelay(d time.Duration) Option {
	return func(t *Transport) {
		t.redelivery = d
	}
}

// New creates a transport fanning events out through subscribers
func New(subscribers SubscriberLookup, opts ...Option) *Transport {
	t := &Transport{
		subscribers: subscribers,
		queues:      make(map[string]chan *contracts.Envelope),
		buffer:      1024,
		redelivery:  10 * time.Millisecond,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FailNext makes the next len(errs) calls fail with errs in order
func (t *Transport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures = append(t.failures, errs...)
}

// Calls returns every Send and Publish call made so far
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	if err := t.begin(ctx, "send", destination, env); err != nil {
		return err
	}
	return t.enqueue(ctx, destination, env)
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, env *contracts.Envelope) error {
	if err := t.begin(ctx, "publish", topic, env); err != nil {
		return err
	}
	var subscribers []string
	if t.subscribers != nil {
		subscribers = t.subscribers.Subscribers(topic)
	}
	for _, endpoint := range subscribers {
		if err := t.enqueue(ctx, endpoint, env); err != nil {
			return err
		}
	}
	return nil
}

// Inject queues env for endpoint as if a broker had delivered it
func (t *Transport) Inject(ctx context.Context, endpoint string, env *contracts.Envelope) error {
	return t.enqueue(ctx, endpoint, env)
}

// Pending returns the number of queued envelopes for endpoint
func (t *Transport) Pending(endpoint string) int {
	return len(t.queue(endpoint))
}

// Receive implements messaging.Receiver. Deliveries fn rejects are queued
// again after the redelivery delay.
func (t *Transport) Receive(ctx context.Context, endpoint string, fn messaging.DeliveryFunc) error {
	q := t.queue(endpoint)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		case env := <-q:
			if err := fn(ctx, env); err != nil {
				go t.requeue(endpoint, env)
			}
		}
	}
}

// Close stops every Receive loop
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

func (t *Transport) begin(ctx context.Context, method, target string, env *contracts.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	call := Call{Method: method, Target: target, MessageID: env.ID}
	switch {
	case t.closed:
		call.Err = ErrClosed
	case ctx.Err() != nil:
		call.Err = ctx.Err()
	case len(t.failures) > 0:
		call.Err = t.failures[0]
		t.failures = t.failures[1:]
	}
	t.calls = append(t.calls, call)
	return call.Err
}

func (t *Transport) queue(endpoint string) chan *contracts.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[endpoint]
	if !ok {
		q = make(chan *contracts.Envelope, t.buffer)
		t.queues[endpoint] = q
	}
	return q
}

func (t *Transport) enqueue(ctx context.Context, endpoint string, env *contracts.Envelope) error {
	select {
	case t.queue(endpoint) <- clone(env):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transport) requeue(endpoint string, env *contracts.Envelope) {
	select {
	case <-time.After(t.redelivery):
	case <-t.done:
		return
	}
	select {
	case t.queue(endpoint) <- env:
	case <-t.done:
	}
}

func clone(env *contracts.Envelope) *contracts.Envelope {
	c := *env
	if env.Headers != nil {
		c.Headers = make(map[string]string, len(env.Headers))
		for k, v := range env.Headers {
			c.Headers[k] = v
		}
	}
	c.Body = append([]byte(nil), env.Body...)
	return &c
}
