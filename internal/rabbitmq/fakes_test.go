package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

type published struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing
}

// fakeChannel records calls and lets a test script broker responses
type fakeChannel struct {
	mu         sync.Mutex
	closed     bool
	confirm    bool
	confirms   chan amqp.Confirmation
	returns    chan amqp.Return
	published  []published
	onPublish  func(c *fakeChannel, p published)
	deliveries chan amqp.Delivery
	queue      []amqp.Delivery
	declared   []string
	failOn     string
	tag        uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{deliveries: make(chan amqp.Delivery, 16)}
}

func (c *fakeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeChannel) Confirm(bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirm = true
	return nil
}

func (c *fakeChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = ch
	return ch
}

func (c *fakeChannel) NotifyReturn(ch chan amqp.Return) chan amqp.Return {
	c.returns = ch
	return ch
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, mandatory, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	p := published{Exchange: exchange, RoutingKey: key, Mandatory: mandatory, Msg: msg}
	c.published = append(c.published, p)
	c.tag++
	fn := c.onPublish
	c.mu.Unlock()

	if fn != nil {
		fn(c, p)
	}
	return nil
}

func (c *fakeChannel) ack(ok bool) {
	c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: ok}
}

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return c.deliveries, nil
}

func (c *fakeChannel) Get(string, bool) (amqp.Delivery, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := c.queue[0]
	c.queue = c.queue[1:]
	return d, true, nil
}

func (c *fakeChannel) declare(kind, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOn == name {
		c.closed = true
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"}
	}
	c.declared = append(c.declared, kind+":"+name)
	return nil
}

func (c *fakeChannel) ExchangeDeclare(name, _ string, _, _, _, _ bool, _ amqp.Table) error {
	return c.declare("exchange", name)
}

func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, c.declare("queue", name)
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	return c.declare("binding", exchange+"->"+name+":"+key)
}

func (c *fakeChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fakeOpener hands out scripted channels
type fakeOpener struct {
	mu       sync.Mutex
	channels []*fakeChannel
	opened   int
	err      error
	next     func() *fakeChannel
}

func (o *fakeOpener) Channel() (Channel, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	var ch *fakeChannel
	if o.next != nil {
		ch = o.next()
	} else {
		ch = newFakeChannel()
	}
	o.channels = append(o.channels, ch)
	o.opened++
	return ch, nil
}

type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	return m.Called(tag, multiple).Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	return m.Called(tag, multiple, requeue).Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Called(tag, requeue).Error(0)
}

var errBoom = errors.New("boom")
