// Package redisstream implements the messaging transport over Redis Streams.
//
// Commands are appended to acmetickets:commands:<endpoint> and events to
// acmetickets:events:<type>. An endpoint reads its command stream and the
// streams of the events it subscribes to through one consumer group named
// after the endpoint. Entries that are not acknowledged stay pending and are
// claimed again once they have been idle for the claim interval.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
	"github.com/AcmeTickets/Platform/serialization"
)

const (
	keyPrefix        = "acmetickets"
	fieldEnvelope    = "envelope"
	fieldRecord      = "record"
	fieldMessageID   = "id"
	fieldMessageType = "type"
)

var (
	// ErrAppendFailed wraps errors returned by XADD
	ErrAppendFailed = errors.New("redisstream: append failed")
	// ErrGroupSetup is returned when a consumer group cannot be created
	ErrGroupSetup = errors.New("redisstream: consumer group setup failed")
)

// CommandStream is the stream commands for endpoint are appended to
func CommandStream(endpoint string) string { return keyPrefix + ":commands:" + endpoint }

// EventStream is the stream events of typeName are appended to
func EventStream(typeName string) string { return keyPrefix + ":events:" + typeName }

// DeadLetterStream is the stream dead-letter records of endpoint go to
func DeadLetterStream(endpoint string) string { return keyPrefix + ":deadletter:" + endpoint }

// Client is the subset of *redis.Client the transport uses
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// SubscriptionLookup returns the event types an endpoint subscribes to
type SubscriptionLookup interface {
	EventsFor(endpoint string) []string
}

// Transport implements messaging.Transport, messaging.Receiver and
// messaging.DeadLetterChannel
type Transport struct {
	client        Client
	subscriptions SubscriptionLookup
	maxLen        int64
	batch         int64
	block         time.Duration
	concurrency   int
	claimMinIdle  time.Duration
	claimInterval time.Duration
	ackTimeout    time.Duration
	logger        *slog.Logger
}

// Option configures the transport
type Option func(*Transport)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithMaxLen trims streams to roughly n entries on append; zero disables
// trimming
func WithMaxLen(n int64) Option {
	return func(t *Transport) {
		t.maxLen = n
	}
}

// WithConcurrency sets how many entries a Receive loop handles at once
func WithConcurrency(n int) Option {
	return func(t *Transport) {
		t.concurrency = n
	}
}

// WithBlock sets how long one XREADGROUP waits for entries
func WithBlock(d time.Duration) Option {
	return func(t *Transport) {
		t.block = d
	}
}

// WithClaim sets how long an entry stays pending before another consumer
// claims it, and how often pending entries are checked
func WithClaim(minIdle, interval time.Duration) Option {
	return func(t *Transport) {
		t.claimMinIdle = minIdle
		t.claimInterval = interval
	}
}

// New connects to the Redis server at url and returns a transport
func New(ctx context.Context, url string, subscriptions SubscriptionLookup, opts ...Option) (*Transport, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}
	return NewWithClient(client, subscriptions, opts...), nil
}

// NewWithClient builds a transport over an existing client
func NewWithClient(client Client, subscriptions SubscriptionLookup, opts ...Option) *Transport {
	t := &Transport{
		client:        client,
		subscriptions: subscriptions,
		maxLen:        100000,
		batch:         32,
		block:         5 * time.Second,
		concurrency:   4,
		claimMinIdle:  time.Minute,
		claimInterval: 30 * time.Second,
		ackTimeout:    5 * time.Second,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Send implements messaging.Transport
func (t *Transport) Send(ctx context.Context, destination string, env *contracts.Envelope) error {
	return t.append(ctx, CommandStream(destination), env)
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, topic string, env *contracts.Envelope) error {
	return t.append(ctx, EventStream(topic), env)
}

func (t *Transport) append(ctx context.Context, stream string, env *contracts.Envelope) error {
	body, err := serialization.Marshal(env)
	if err != nil {
		return reliability.Permanent(fmt.Errorf("marshal envelope: %w", err))
	}
	return t.xadd(ctx, stream, map[string]any{
		fieldMessageID:   env.ID,
		fieldMessageType: env.Type,
		fieldEnvelope:    body,
	})
}

func (t *Transport) xadd(ctx context.Context, stream string, values map[string]any) error {
	args := &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: values,
	}
	if t.maxLen > 0 {
		args.MaxLen = t.maxLen
		args.Approx = true
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("append to %s: %w", stream, errors.Join(ErrAppendFailed, err))
	}
	return nil
}

type entry struct {
	stream string
	msg    redis.XMessage
}

// Receive implements messaging.Receiver. It reads new entries with a pool of
// workers and reclaims entries left pending by failed attempts or crashed
// consumers, until ctx is done.
func (t *Transport) Receive(ctx context.Context, endpoint string, fn messaging.DeliveryFunc) error {
	streams := t.streams(endpoint)
	if err := t.ensureGroups(ctx, endpoint, streams); err != nil {
		return err
	}
	consumer := endpoint + "-" + uuid.NewString()

	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := t.concurrency
	if workers < 1 {
		workers = 1
	}
	work := make(chan entry, workers*2)

	var workersWG sync.WaitGroup
	for i := 0; i < workers; i++ {
		workersWG.Add(1)
		go func() {
			defer workersWG.Done()
			for e := range work {
				t.handle(innerCtx, endpoint, e, fn)
			}
		}()
	}

	var claimWG sync.WaitGroup
	if t.claimInterval > 0 && t.claimMinIdle > 0 {
		claimWG.Add(1)
		go func() {
			defer claimWG.Done()
			t.claimLoop(innerCtx, endpoint, consumer, streams, work)
		}()
	}

	t.pollerLoop(innerCtx, endpoint, consumer, streams, work)

	cancel()
	claimWG.Wait()
	close(work)
	workersWG.Wait()
	return ctx.Err()
}

func (t *Transport) pollerLoop(ctx context.Context, endpoint, consumer string, streams []string, work chan<- entry) {
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = ">"
	}
	args := &redis.XReadGroupArgs{
		Group:    endpoint,
		Consumer: consumer,
		Streams:  append(append([]string(nil), streams...), ids...),
		Count:    t.batch,
		Block:    t.block,
	}

	backoff := reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 0)
	failures := 0
	for ctx.Err() == nil {
		res, err := t.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			failures++
			delay := backoff.NextDelay(failures)
			t.logger.Warn("stream read failed",
				"endpoint", endpoint,
				"error", err,
				"nextRetryIn", delay)
			if reliability.Sleep(ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0

		for _, s := range res {
			for _, msg := range s.Messages {
				select {
				case work <- entry{stream: s.Stream, msg: msg}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func (t *Transport) claimLoop(ctx context.Context, endpoint, consumer string, streams []string, work chan<- entry) {
	ticker := time.NewTicker(t.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, stream := range streams {
			if !t.claim(ctx, endpoint, consumer, stream, work) {
				return
			}
		}
	}
}

// claim moves entries idle longer than claimMinIdle to consumer and queues
// them; it returns false once ctx is done
func (t *Transport) claim(ctx context.Context, endpoint, consumer, stream string, work chan<- entry) bool {
	start := "0-0"
	for {
		msgs, next, err := t.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    endpoint,
			Consumer: consumer,
			MinIdle:  t.claimMinIdle,
			Start:    start,
			Count:    t.batch,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			t.logger.Warn("failed to claim pending entries", "stream", stream, "error", err)
			return true
		}
		for _, msg := range msgs {
			select {
			case work <- entry{stream: stream, msg: msg}:
			case <-ctx.Done():
				return false
			}
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return true
		}
		start = next
	}
}

func (t *Transport) handle(ctx context.Context, endpoint string, e entry, fn messaging.DeliveryFunc) {
	env, err := serialization.Unmarshal(asBytes(e.msg.Values[fieldEnvelope]))
	if err != nil {
		t.logger.Error("undecodable stream entry",
			"endpoint", endpoint,
			"stream", e.stream,
			"entryId", e.msg.ID,
			"error", err)
		failed := reliability.FailedMessage{
			MessageID: asString(e.msg.Values[fieldMessageID]),
			TypeName:  asString(e.msg.Values[fieldMessageType]),
			Endpoint:  endpoint,
			Reason:    err.Error(),
			Attempts:  1,
			Permanent: true,
			FailedAt:  time.Now(),
		}
		if failed.MessageID == "" {
			failed.MessageID = e.msg.ID
		}
		if err := t.DeadLetter(ctx, failed); err != nil {
			t.logger.Error("failed to dead-letter undecodable entry", "entryId", e.msg.ID, "error", err)
			return
		}
		t.ack(ctx, endpoint, e)
		return
	}

	if err := fn(ctx, env); err != nil {
		t.logger.Debug("entry left pending", "endpoint", endpoint, "messageId", env.ID, "error", err)
		return
	}
	t.ack(ctx, endpoint, e)
}

func (t *Transport) ack(ctx context.Context, endpoint string, e entry) {
	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.ackTimeout)
	defer cancel()
	if err := t.client.XAck(ackCtx, e.stream, endpoint, e.msg.ID).Err(); err != nil {
		t.logger.Warn("failed to ack entry", "stream", e.stream, "entryId", e.msg.ID, "error", err)
	}
}

// DeadLetter implements messaging.DeadLetterChannel
func (t *Transport) DeadLetter(ctx context.Context, failed reliability.FailedMessage) error {
	record, err := serialization.MarshalFailed(failed)
	if err != nil {
		return err
	}
	return t.xadd(ctx, DeadLetterStream(failed.Endpoint), map[string]any{
		fieldMessageID:   failed.MessageID,
		fieldMessageType: failed.TypeName,
		fieldRecord:      record,
	})
}

// DeadLetters returns up to max records from the endpoint's dead-letter
// stream, oldest first
func (t *Transport) DeadLetters(ctx context.Context, endpoint string, max int) ([]reliability.FailedMessage, error) {
	msgs, err := t.client.XRangeN(ctx, DeadLetterStream(endpoint), "-", "+", int64(max)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]reliability.FailedMessage, 0, len(msgs))
	for _, msg := range msgs {
		failed, err := serialization.UnmarshalFailed(asBytes(msg.Values[fieldRecord]))
		if err != nil {
			t.logger.Warn("skipping unreadable dead-letter record", "endpoint", endpoint, "entryId", msg.ID, "error", err)
			continue
		}
		out = append(out, failed)
	}
	return out, nil
}

// Declare creates the consumer groups of each endpoint given
func (t *Transport) Declare(ctx context.Context, endpoints ...string) error {
	for _, endpoint := range endpoints {
		if err := t.ensureGroups(ctx, endpoint, t.streams(endpoint)); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks the server answers
func (t *Transport) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

// Close closes the client
func (t *Transport) Close() error {
	return t.client.Close()
}

func (t *Transport) ensureGroups(ctx context.Context, endpoint string, streams []string) error {
	for _, stream := range streams {
		err := t.client.XGroupCreateMkStream(ctx, stream, endpoint, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("%w: %s: %v", ErrGroupSetup, stream, err)
		}
	}
	return nil
}

func (t *Transport) streams(endpoint string) []string {
	streams := []string{CommandStream(endpoint)}
	if t.subscriptions != nil {
		for _, typeName := range t.subscriptions.EventsFor(endpoint) {
			streams = append(streams, EventStream(typeName))
		}
	}
	return streams
}

func asBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	default:
		return nil
	}
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
