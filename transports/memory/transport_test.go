package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AcmeTickets/Platform/contracts"
)

type subscribers map[string][]string

func (s subscribers) Subscribers(typeName string) []string { return s[typeName] }

func envelope(id string) *contracts.Envelope {
	return &contracts.Envelope{
		ID:      id,
		Type:    "T",
		Kind:    contracts.KindEvent,
		Headers: map[string]string{"h": "v"},
		Body:    []byte(`{}`),
	}
}

func TestSendQueuesForDestination(t *testing.T) {
	tr := New(nil)
	env := envelope("m-1")

	require.NoError(t, tr.Send(context.Background(), "A", env))
	env.Headers["h"] = "changed"

	assert.Equal(t, 1, tr.Pending("A"))
	assert.Equal(t, 0, tr.Pending("B"))

	ctx, cancel := context.WithCancel(context.Background())
	var got *contracts.Envelope
	err := tr.Receive(ctx, "A", func(_ context.Context, e *contracts.Envelope) error {
		got = e
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, got)
	assert.Equal(t, "v", got.Headers["h"])
}

func TestPublishFansOutToSubscribers(t *testing.T) {
	tr := New(subscribers{"T": {"A", "B"}})

	require.NoError(t, tr.Publish(context.Background(), "T", envelope("m-1")))
	require.NoError(t, tr.Publish(context.Background(), "Unsubscribed", envelope("m-2")))

	assert.Equal(t, 1, tr.Pending("A"))
	assert.Equal(t, 1, tr.Pending("B"))
}

func TestFailNextAndCalls(t *testing.T) {
	tr := New(nil)
	boom := errors.New("boom")
	tr.FailNext(boom)

	assert.ErrorIs(t, tr.Send(context.Background(), "A", envelope("m-1")), boom)
	assert.NoError(t, tr.Send(context.Background(), "A", envelope("m-2")))

	calls := tr.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, Call{Method: "send", Target: "A", MessageID: "m-1", Err: boom}, calls[0])
	assert.NoError(t, calls[1].Err)
	assert.Equal(t, 1, tr.Pending("A"))
}

func TestRejectedDeliveryIsRedelivered(t *testing.T) {
	tr := New(nil, WithRedeliveryDelay(time.Millisecond))
	require.NoError(t, tr.Inject(context.Background(), "A", envelope("m-1")))

	var attempts atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := tr.Receive(ctx, "A", func(context.Context, *contracts.Envelope) error {
		if attempts.Add(1) < 3 {
			return errors.New("not yet")
		}
		cancel()
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestClose(t *testing.T) {
	tr := New(nil)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Send(context.Background(), "A", envelope("m-1")), ErrClosed)
	assert.ErrorIs(t, tr.Receive(context.Background(), "A", nil), ErrClosed)
}
