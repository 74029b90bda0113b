package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/serialization"
)

type mockProducer struct {
	mock.Mock
}

func (m *mockProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	args := m.Called(ctx, rs)
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: args.Error(0)})
	}
	return results
}

func (m *mockProducer) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockProducer) Close() {
	m.Called()
}

type fakeConsumer struct {
	mu      sync.Mutex
	batches []kgo.Fetches
	marked  []*kgo.Record
	commits int
	closed  bool
}

func (c *fakeConsumer) PollFetches(ctx context.Context) kgo.Fetches {
	c.mu.Lock()
	if len(c.batches) > 0 {
		next := c.batches[0]
		c.batches = c.batches[1:]
		c.mu.Unlock()
		return next
	}
	c.mu.Unlock()
	<-ctx.Done()
	return kgo.Fetches{}
}

func (c *fakeConsumer) MarkCommitRecords(rs ...*kgo.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.marked = append(c.marked, rs...)
}

func (c *fakeConsumer) CommitMarkedOffsets(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commits++
	return nil
}

func (c *fakeConsumer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConsumer) Marked() []*kgo.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*kgo.Record(nil), c.marked...)
}

func fetchesOf(topic string, records ...*kgo.Record) kgo.Fetches {
	return kgo.Fetches{{Topics: []kgo.FetchTopic{{
		Topic:      topic,
		Partitions: []kgo.FetchPartition{{Partition: 0, Records: records}},
	}}}}
}

type staticSubscriptions map[string][]string

func (s staticSubscriptions) EventsFor(endpoint string) []string { return s[endpoint] }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnvelope(id string) *contracts.Envelope {
	return &contracts.Envelope{
		ID:        id,
		Type:      "AcmeTickets.Contracts.Public.Platform.Commands.AddEvent",
		Kind:      contracts.KindCommand,
		Timestamp: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Body:      []byte(`{"EventName":"Concert"}`),
	}
}

func TestSendProducesKeyedRecord(t *testing.T) {
	producer := new(mockProducer)
	producer.On("ProduceSync", mock.Anything, mock.MatchedBy(func(rs []*kgo.Record) bool {
		return len(rs) == 1 &&
			rs[0].Topic == "acmetickets.commands.EventManagement.Message" &&
			string(rs[0].Key) == "m-1" &&
			header(rs[0], contracts.HeaderMessageKind) == "command"
	})).Return(nil).Once()

	tr := NewWithClients(producer, nil, nil, WithLogger(discardLogger()))
	err := tr.Send(context.Background(), "EventManagement.Message", testEnvelope("m-1"))

	require.NoError(t, err)
	producer.AssertExpectations(t)
}

func TestPublishProducesToEventTopic(t *testing.T) {
	producer := new(mockProducer)
	producer.On("ProduceSync", mock.Anything, mock.MatchedBy(func(rs []*kgo.Record) bool {
		return rs[0].Topic == "acmetickets.events.AcmeTickets.Events.Inventory.InventoryAdjusted"
	})).Return(nil).Once()

	tr := NewWithClients(producer, nil, nil, WithLogger(discardLogger()))
	err := tr.Publish(context.Background(), "AcmeTickets.Events.Inventory.InventoryAdjusted", testEnvelope("m-2"))

	require.NoError(t, err)
	producer.AssertExpectations(t)
}

func TestProduceErrors(t *testing.T) {
	t.Run("broker error is wrapped and retryable", func(t *testing.T) {
		producer := new(mockProducer)
		producer.On("ProduceSync", mock.Anything, mock.Anything).Return(errors.New("NOT_ENOUGH_REPLICAS"))

		err := NewWithClients(producer, nil, nil).Send(context.Background(), "E", testEnvelope("m-1"))

		assert.ErrorIs(t, err, ErrProduceFailed)
		assert.Contains(t, err.Error(), "acmetickets.commands.E")
		assert.True(t, reliability.IsRetryable(err))
	})

	t.Run("context errors pass through", func(t *testing.T) {
		producer := new(mockProducer)
		producer.On("ProduceSync", mock.Anything, mock.Anything).Return(context.Canceled)

		err := NewWithClients(producer, nil, nil).Send(context.Background(), "E", testEnvelope("m-1"))

		assert.Equal(t, context.Canceled, err)
	})
}

func TestReceiveCommitsSettledRecords(t *testing.T) {
	okBody, err := serialization.Marshal(testEnvelope("ok"))
	require.NoError(t, err)
	retryBody, err := serialization.Marshal(testEnvelope("retry"))
	require.NoError(t, err)

	ok := &kgo.Record{Topic: CommandTopic("E"), Key: []byte("ok"), Value: okBody, Offset: 1}
	retried := &kgo.Record{Topic: CommandTopic("E"), Key: []byte("retry"), Value: retryBody, Offset: 2}
	garbage := &kgo.Record{Topic: CommandTopic("E"), Key: []byte("m-bad"), Value: []byte("nope"), Offset: 3}
	consumer := &fakeConsumer{batches: []kgo.Fetches{fetchesOf(CommandTopic("E"), ok, retried, garbage)}}

	producer := new(mockProducer)
	producer.On("ProduceSync", mock.Anything, mock.MatchedBy(func(rs []*kgo.Record) bool {
		return rs[0].Topic == DeadLetterTopic("E")
	})).Return(nil).Once()

	var gotTopics []string
	factory := func(endpoint string, topics []string) (GroupConsumer, error) {
		gotTopics = topics
		return consumer, nil
	}
	tr := NewWithClients(producer, factory, staticSubscriptions{"E": {"Ev"}},
		WithLogger(discardLogger()),
		WithRedeliveryBackoff(time.Millisecond, time.Millisecond))

	var mu sync.Mutex
	calls := map[string]int{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Receive(ctx, "E", func(_ context.Context, env *contracts.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			calls[env.ID]++
			if env.ID == "retry" && calls[env.ID] < 3 {
				return errors.New("not yet")
			}
			return nil
		})
	}()

	assert.Eventually(t, func() bool { return len(consumer.Marked()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, []string{"acmetickets.commands.E", "acmetickets.events.Ev"}, gotTopics)
	assert.Equal(t, []*kgo.Record{ok, retried, garbage}, consumer.Marked())
	mu.Lock()
	assert.Equal(t, 3, calls["retry"])
	mu.Unlock()
	assert.True(t, consumer.closed)
	producer.AssertExpectations(t)
}

func TestReceiveRejoinsAfterFactoryFailure(t *testing.T) {
	joined := make(chan struct{})
	attempts := 0
	factory := func(string, []string) (GroupConsumer, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("coordinator not available")
		}
		close(joined)
		return &fakeConsumer{}, nil
	}
	tr := NewWithClients(new(mockProducer), factory, nil, WithLogger(discardLogger()))
	tr.resub = reliability.NewExponentialBackoff(time.Millisecond, time.Millisecond, 1, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Receive(ctx, "E", func(context.Context, *contracts.Envelope) error { return nil })
	}()

	select {
	case <-joined:
	case <-time.After(time.Second):
		t.Fatal("consumer did not rejoin")
	}
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDeadLettersReadsTopic(t *testing.T) {
	record, err := serialization.MarshalFailed(reliability.FailedMessage{MessageID: "m-9", Endpoint: "E", Reason: "boom"})
	require.NoError(t, err)

	reader := &fakeConsumer{batches: []kgo.Fetches{
		fetchesOf(DeadLetterTopic("E"), &kgo.Record{Value: record}, &kgo.Record{Value: []byte("x")}),
	}}
	var topic string
	tr := NewWithClients(new(mockProducer), nil, nil,
		WithLogger(discardLogger()),
		WithReaderFactory(func(t string) (Poller, error) {
			topic = t
			return reader, nil
		}))
	tr.readTimeout = 10 * time.Millisecond

	out, err := tr.DeadLetters(context.Background(), "E", 10)

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "m-9", out[0].MessageID)
	assert.Equal(t, "acmetickets.deadletter.E", topic)
	assert.True(t, reader.closed)
}

func TestPingAndClose(t *testing.T) {
	producer := new(mockProducer)
	producer.On("Ping", mock.Anything).Return(errors.New("no brokers")).Once()
	producer.On("Close").Once()

	tr := NewWithClients(producer, nil, nil)

	assert.Error(t, tr.Ping(context.Background()))
	assert.NoError(t, tr.Close())
	producer.AssertExpectations(t)
}
