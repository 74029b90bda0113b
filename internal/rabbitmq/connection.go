package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/AcmeTickets/Platform/internal/reliability"
)

// Channel is the part of *amqp.Channel the package uses
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	IsClosed() bool
	Close() error
}

// Connection is the part of *amqp.Connection the package uses
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens a connection to url
type Dialer func(url string) (Connection, error)

type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialAMQP returns a Dialer for a real broker, naming the connection so it is
// recognisable in the management UI
func DialAMQP(connectionName string, timeout time.Duration) Dialer {
	return func(url string) (Connection, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Dial:       amqp.DefaultDial(timeout),
			Properties: amqp.Table{"connection_name": connectionName},
		})
		if err != nil {
			return nil, err
		}
		return amqpConnection{conn}, nil
	}
}

// ConnectionManager owns one connection and redials it when the broker
// closes it
type ConnectionManager struct {
	url            string
	dial           Dialer
	conn           Connection
	mu             sync.RWMutex
	backoff        *reliability.ExponentialBackoff
	connectTimeout time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// WithReconnectBackoff sets the delay bounds between reconnect attempts.
// Reconnecting never gives up while the manager is open.
func WithReconnectBackoff(initial, max time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = reliability.NewExponentialBackoff(initial, max, 2, 0)
	}
}

// WithConnectTimeout bounds each dial
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a manager for url; call Connect before use
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		backoff:        reliability.NewExponentialBackoff(time.Second, time.Minute, 2, 0),
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	if cm.dial == nil {
		cm.dial = DialAMQP("acmetickets", cm.connectTimeout)
	}
	return cm
}

// Connect dials the broker once; later connection loss is repaired in the
// background
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}
	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))

	go cm.handleReconnect()
	return nil
}

// GetConnection returns the live connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a fresh channel on the live connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close stops reconnecting and closes the connection
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// attach installs conn; callers hold mu
func (cm *ConnectionManager) attach(conn Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notify := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notify:
			if !ok && err == nil {
				// graceful close by us or the broker
				select {
				case <-cm.done:
					return
				default:
				}
			}
			cm.logger.Error("connection closed", "error", err)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials until it succeeds or the manager is closed
func (cm *ConnectionManager) reconnect() bool {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(cm.backoff.NextDelay(attempt - 1)):
			case <-cm.done:
				return false
			}
		}

		cm.logger.Info("attempting to reconnect", "attempt", attempt)
		conn, err := cm.dialContext(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return false
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("successfully reconnected to RabbitMQ",
			"attempts", attempt,
			"duration", time.Since(start))
		return true
	}
}
