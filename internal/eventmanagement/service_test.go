package eventmanagement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
)

type failingStore struct{ err error }

func (s failingStore) Add(context.Context, Event) (bool, error) { return false, s.err }

func (s failingStore) Get(context.Context, uuid.UUID) (Event, bool, error) {
	return Event{}, false, s.err
}

func newDispatcher(t *testing.T, store Store) *messaging.MessageDispatcher {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := messaging.NewMessageDispatcher(messaging.WithDispatcherLogger(logger))
	require.NoError(t, NewService(store, WithLogger(logger)).Register(d))
	return d
}

func TestRegisterCoversPublicContracts(t *testing.T) {
	d := newDispatcher(t, NewMemoryStore())

	var names []string
	for _, reg := range public.Registrations() {
		names = append(names, reg.TypeName)
	}
	assert.ElementsMatch(t, names, d.TypeNames())
}

func TestAddEventIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	d := newDispatcher(t, store)
	id := uuid.New()
	date := time.Date(2025, 9, 1, 19, 30, 0, 0, time.UTC)

	first := public.NewAddEvent(id, "Concert", date).WithID("m-1")
	second := public.NewAddEvent(id, "Renamed", date).WithID("m-2")

	assert.Equal(t, messaging.DispositionAck, d.Handle(context.Background(), first).Disposition)
	assert.Equal(t, messaging.DispositionAck, d.Handle(context.Background(), first).Disposition)
	assert.Equal(t, messaging.DispositionAck, d.Handle(context.Background(), second).Disposition)

	events := store.List()
	require.Len(t, events, 1)
	assert.Equal(t, "Concert", events[0].Name)
	assert.Equal(t, "m-1", events[0].MessageID)

	got, ok, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, got.Date.Equal(date))
}

func TestAddEventFailures(t *testing.T) {
	t.Run("store errors are retried", func(t *testing.T) {
		d := newDispatcher(t, failingStore{err: errors.New("disk full")})

		result := d.Handle(context.Background(), public.NewAddEvent(uuid.New(), "Concert", time.Now()))

		assert.Equal(t, messaging.DispositionRetry, result.Disposition)
	})

	t.Run("malformed fields are poison", func(t *testing.T) {
		d := newDispatcher(t, NewMemoryStore())
		msg := contracts.NewMessage(public.AddEvent,
			contracts.F("EventId", "not-a-uuid"),
			contracts.F("EventName", "Concert"),
		)

		result := d.Handle(context.Background(), msg)

		assert.Equal(t, messaging.DispositionPoisonDiscard, result.Disposition)
		assert.True(t, reliability.IsPermanent(result.Err))
	})
}

func TestEventsAreAcknowledged(t *testing.T) {
	d := newDispatcher(t, NewMemoryStore())

	for _, msg := range []contracts.Message{
		public.NewTicketRequested("t-1", "u-1"),
		public.NewFraudCheckCompleted("tx-1", true),
		public.NewInventoryAdjusted("p-1", -2),
		public.NewFulfillmentCompleted("o-1", true),
	} {
		assert.Equal(t, messaging.DispositionAck, d.Handle(context.Background(), msg).Disposition, msg.TypeName())
	}
}

func TestMemoryStoreListOrdersByDate(t *testing.T) {
	store := NewMemoryStore()
	late := Event{ID: uuid.New(), Date: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	early := Event{ID: uuid.New(), Date: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}

	_, err := store.Add(context.Background(), late)
	require.NoError(t, err)
	_, err = store.Add(context.Background(), early)
	require.NoError(t, err)

	events := store.List()
	require.Len(t, events, 2)
	assert.Equal(t, early.ID, events[0].ID)
}
