// Package eventmanagement holds the message handlers hosted by the platform's
// message endpoint.
package eventmanagement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AcmeTickets/Platform/contracts"
	"github.com/AcmeTickets/Platform/contracts/public"
	"github.com/AcmeTickets/Platform/internal/reliability"
	"github.com/AcmeTickets/Platform/messaging"
)

// Event is a scheduled ticketed event
type Event struct {
	ID        uuid.UUID
	Name      string
	Date      time.Time
	MessageID string
	AddedAt   time.Time
}

// Store persists events. Add reports false when the event already exists.
type Store interface {
	Add(ctx context.Context, e Event) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (Event, bool, error)
}

// MemoryStore keeps events in process memory
type MemoryStore struct {
	mu     sync.RWMutex
	events map[uuid.UUID]Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[uuid.UUID]Event)}
}

func (s *MemoryStore) Add(_ context.Context, e Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return false, nil
	}
	s.events[e.ID] = e
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	return e, ok, nil
}

// List returns the stored events ordered by date
func (s *MemoryStore) List() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

// Service handles AddEvent commands and observes the public events
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Service)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func NewService(store Store, options ...Option) *Service {
	s := &Service{store: store, logger: slog.Default(), now: time.Now}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Register wires the service's handlers into d
func (s *Service) Register(d *messaging.MessageDispatcher) error {
	return errors.Join(
		d.RegisterHandlerFunc(public.AddEvent, s.AddEvent),
		d.RegisterHandlerFunc(public.TicketRequested, s.logEvent("ticket requested", "TicketId", "UserId")),
		d.RegisterHandlerFunc(public.FraudCheckCompleted, s.logEvent("fraud check completed", "TransactionId", "IsFraudulent")),
		d.RegisterHandlerFunc(public.InventoryAdjusted, s.logEvent("inventory adjusted", "ProductId", "Quantity")),
		d.RegisterHandlerFunc(public.FulfillmentCompleted, s.logEvent("fulfillment completed", "OrderId", "Success")),
	)
}

// AddEvent records the event once. Redelivery of the same command, or a
// second command for a known EventId, is acknowledged without change.
func (s *Service) AddEvent(ctx context.Context, msg contracts.Message) error {
	e, err := eventFrom(msg)
	if err != nil {
		return reliability.Permanent(err)
	}
	e.AddedAt = s.now().UTC()

	created, err := s.store.Add(ctx, e)
	if err != nil {
		return fmt.Errorf("store event %s: %w", e.ID, err)
	}
	if !created {
		s.logger.Info("event already added",
			"eventId", e.ID,
			"messageId", msg.ID(),
		)
		return nil
	}
	s.logger.Info("event added",
		"eventId", e.ID,
		"eventName", e.Name,
		"eventDate", e.Date,
		"messageId", msg.ID(),
	)
	return nil
}

func (s *Service) logEvent(what string, fields ...string) func(context.Context, contracts.Message) error {
	return func(_ context.Context, msg contracts.Message) error {
		attrs := []any{"messageId", msg.ID(), "messageType", msg.TypeName()}
		for _, f := range fields {
			v, _ := msg.Field(f)
			attrs = append(attrs, f, v)
		}
		s.logger.Info(what, attrs...)
		return nil
	}
}

func eventFrom(msg contracts.Message) (Event, error) {
	raw, _ := msg.Field("EventId")
	id, ok := raw.(uuid.UUID)
	if !ok {
		return Event{}, fmt.Errorf("EventId has type %T", raw)
	}
	raw, _ = msg.Field("EventDate")
	date, ok := raw.(time.Time)
	if !ok {
		return Event{}, fmt.Errorf("EventDate has type %T", raw)
	}
	return Event{
		ID:        id,
		Name:      msg.StringField("EventName"),
		Date:      date,
		MessageID: msg.ID(),
	}, nil
}
