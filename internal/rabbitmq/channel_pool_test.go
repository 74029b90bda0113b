package rabbitmq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelPool(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects invalid configuration", func(t *testing.T) {
		_, err := NewChannelPool(nil)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)

		_, err = NewChannelPool(&fakeOpener{}, WithMaxSize(0))
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("reuses returned channels and drops closed ones", func(t *testing.T) {
		opener := &fakeOpener{}
		pool, err := NewChannelPool(opener)
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		pool.Put(ch)

		again, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, ch.ID(), again.ID())

		_ = again.Close()
		pool.Put(again)
		assert.Equal(t, 0, pool.Size())

		fresh, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.NotEqual(t, ch.ID(), fresh.ID())
		assert.Equal(t, 2, opener.opened)
	})

	t.Run("waits then fails when exhausted", func(t *testing.T) {
		pool, err := NewChannelPool(&fakeOpener{}, WithMaxSize(1), WithWaitTimeout(20*time.Millisecond))
		require.NoError(t, err)

		_, err = pool.Get(ctx)
		require.NoError(t, err)

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, ErrChannelPoolExhausted)
	})

	t.Run("hands a returned channel to a waiter", func(t *testing.T) {
		pool, err := NewChannelPool(&fakeOpener{}, WithMaxSize(1), WithWaitTimeout(time.Second))
		require.NoError(t, err)

		ch, err := pool.Get(ctx)
		require.NoError(t, err)
		time.AfterFunc(10*time.Millisecond, func() { pool.Put(ch) })

		got, err := pool.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, ch.ID(), got.ID())
	})

	t.Run("surfaces open failures", func(t *testing.T) {
		pool, err := NewChannelPool(&fakeOpener{err: ErrConnectionNotReady})
		require.NoError(t, err)

		_, err = pool.Get(ctx)
		var chErr *ChannelError
		require.ErrorAs(t, err, &chErr)
		assert.ErrorIs(t, err, ErrConnectionNotReady)
		assert.Equal(t, 0, pool.Size())
	})

	t.Run("recovers panics in Execute", func(t *testing.T) {
		pool, err := NewChannelPool(&fakeOpener{})
		require.NoError(t, err)

		err = pool.Execute(ctx, func(*PooledChannel) error { panic("bad channel") })

		assert.ErrorContains(t, err, "bad channel")
		assert.Equal(t, 0, pool.Size())
	})

	t.Run("closed pool refuses Get", func(t *testing.T) {
		pool, err := NewChannelPool(&fakeOpener{})
		require.NoError(t, err)
		require.NoError(t, pool.Close())

		_, err = pool.Get(ctx)
		assert.ErrorIs(t, err, ErrChannelPoolClosed)
	})
}
