package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelOpener opens channels, usually a *ConnectionManager
type ChannelOpener interface {
	Channel() (Channel, error)
}

// PooledChannel is a confirm-mode channel with its confirm and return
// listeners. It is used by one publisher at a time.
type PooledChannel struct {
	Channel
	id       string
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	lastUsed time.Time
}

// ID identifies the channel in logs and errors
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPool hands out confirm-mode channels, opening new ones up to
// maxSize
type ChannelPool struct {
	opener      ChannelOpener
	channels    chan *PooledChannel
	maxSize     int
	waitTimeout time.Duration
	mu          sync.Mutex
	closed      bool
	activeCount int
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum number of open channels
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// WithWaitTimeout bounds how long Get waits for a busy pool
func WithWaitTimeout(timeout time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.waitTimeout = timeout
	}
}

// NewChannelPool creates an empty pool; channels are opened on demand
func NewChannelPool(opener ChannelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if opener == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		opener:      opener,
		maxSize:     10,
		waitTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		opt(pool)
	}
	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}

	pool.channels = make(chan *PooledChannel, pool.maxSize)
	return pool, nil
}

// Get returns an idle channel, opens a new one, or waits for one to be put
// back
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	if cp.isClosed() {
		return nil, ErrChannelPoolClosed
	}

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		default:
		}

		if cp.reserve() {
			ch, err := cp.open()
			if err != nil {
				cp.release()
				return nil, err
			}
			return ch, nil
		}

		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				cp.release()
				continue
			}
			ch.lastUsed = time.Now()
			return ch, nil
		case <-ctx.Done():
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ctx.Err(), Timestamp: time.Now()}
		case <-time.After(cp.waitTimeout):
			return nil, &ChannelError{Op: "get channel", ChannelID: "pool", Err: ErrChannelPoolExhausted, Timestamp: time.Now()}
		}
	}
}

// Put returns ch to the pool. Closed channels are dropped.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}
	if ch.IsClosed() {
		cp.release()
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		_ = ch.Close()
		cp.activeCount--
		return
	}
	select {
	case cp.channels <- ch:
	default:
		_ = ch.Close()
		cp.activeCount--
	}
}

// Discard closes ch instead of returning it, for channels left in an
// unknown confirm state
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch == nil {
		return
	}
	_ = ch.Close()
	cp.release()
}

// Execute runs fn on a pooled channel
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cp.Discard(ch)
			err = fmt.Errorf("panic in channel execution: %v", r)
			return
		}
		cp.Put(ch)
	}()
	return fn(ch)
}

// Size returns the number of open channels, idle or in use
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close closes idle channels; channels in use are closed when put back
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil
	}
	cp.closed = true

	for {
		select {
		case ch := <-cp.channels:
			_ = ch.Close()
			cp.activeCount--
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) open() (*PooledChannel, error) {
	id := uuid.NewString()
	ch, err := cp.opener.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", ChannelID: id, Err: err, Timestamp: time.Now()}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "enable confirms", ChannelID: id, Err: err, Timestamp: time.Now()}
	}

	return &PooledChannel{
		Channel:  ch,
		id:       id,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 1)),
		lastUsed: time.Now(),
	}, nil
}

func (cp *ChannelPool) isClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) reserve() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed || cp.activeCount >= cp.maxSize {
		return false
	}
	cp.activeCount++
	return true
}

func (cp *ChannelPool) release() {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	cp.activeCount--
}
