package reliability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDeadLetterStore(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryDeadLetterStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.DeadLetter(ctx, FailedMessage{MessageID: "m-2", Endpoint: "Platform.Message", FailedAt: base.Add(time.Minute)}))
	require.NoError(t, store.DeadLetter(ctx, FailedMessage{MessageID: "m-1", Endpoint: "Platform.Message", FailedAt: base}))
	require.NoError(t, store.DeadLetter(ctx, FailedMessage{MessageID: "m-3", Endpoint: "EventManagement.Message", FailedAt: base}))

	t.Run("get", func(t *testing.T) {
		msg, err := store.Get(ctx, "m-3")
		require.NoError(t, err)
		assert.Equal(t, "EventManagement.Message", msg.Endpoint)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrDeadLetterNotFound)
	})

	t.Run("list filters by endpoint and orders by time", func(t *testing.T) {
		msgs, err := store.List(ctx, DeadLetterFilter{Endpoint: "Platform.Message"})
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "m-1", msgs[0].MessageID)
		assert.Equal(t, "m-2", msgs[1].MessageID)
	})

	t.Run("list honors since and limit", func(t *testing.T) {
		msgs, err := store.List(ctx, DeadLetterFilter{Since: base.Add(time.Second)})
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		assert.Equal(t, "m-2", msgs[0].MessageID)

		msgs, err = store.List(ctx, DeadLetterFilter{MaxResults: 1})
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "m-1"))
		assert.Equal(t, 2, store.Len())
	})
}
