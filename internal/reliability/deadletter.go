package reliability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AcmeTickets/Platform/contracts"
)

// FailedMessage is a message moved out of normal processing
type FailedMessage struct {
	MessageID string              `json:"messageId"`
	TypeName  string              `json:"typeName"`
	Endpoint  string              `json:"endpoint"`
	Reason    string              `json:"reason"`
	Attempts  int                 `json:"attempts"`
	Permanent bool                `json:"permanent"`
	FailedAt  time.Time           `json:"failedAt"`
	Envelope  *contracts.Envelope `json:"envelope,omitempty"`
}

// DeadLetterFilter filters stored failed messages
type DeadLetterFilter struct {
	Endpoint   string
	Since      time.Time
	MaxResults int
}

// DeadLetterStore keeps failed messages for inspection
type DeadLetterStore interface {
	DeadLetter(ctx context.Context, msg FailedMessage) error
	Get(ctx context.Context, messageID string) (FailedMessage, error)
	List(ctx context.Context, filter DeadLetterFilter) ([]FailedMessage, error)
	Delete(ctx context.Context, messageID string) error
}

// InMemoryDeadLetterStore is a DeadLetterStore backed by a map
type InMemoryDeadLetterStore struct {
	mu       sync.RWMutex
	messages map[string]FailedMessage
}

// NewInMemoryDeadLetterStore creates an empty store
func NewInMemoryDeadLetterStore() *InMemoryDeadLetterStore {
	return &InMemoryDeadLetterStore{messages: make(map[string]FailedMessage)}
}

// DeadLetter stores msg, replacing an earlier record for the same message
func (s *InMemoryDeadLetterStore) DeadLetter(_ context.Context, msg FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.MessageID] = msg
	return nil
}

// Get implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Get(_ context.Context, messageID string) (FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[messageID]
	if !ok {
		return FailedMessage{}, ErrDeadLetterNotFound
	}
	return msg, nil
}

// List returns matching records, oldest first
func (s *InMemoryDeadLetterStore) List(_ context.Context, filter DeadLetterFilter) ([]FailedMessage, error) {
	s.mu.RLock()
	results := make([]FailedMessage, 0, len(s.messages))
	for _, msg := range s.messages {
		if filter.Endpoint != "" && msg.Endpoint != filter.Endpoint {
			continue
		}
		if !filter.Since.IsZero() && msg.FailedAt.Before(filter.Since) {
			continue
		}
		results = append(results, msg)
	}
	s.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].FailedAt.Before(results[j].FailedAt)
	})
	if filter.MaxResults > 0 && len(results) > filter.MaxResults {
		results = results[:filter.MaxResults]
	}
	return results, nil
}

// Delete implements DeadLetterStore
func (s *InMemoryDeadLetterStore) Delete(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.messages, messageID)
	return nil
}

// Len returns the number of stored records
func (s *InMemoryDeadLetterStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
