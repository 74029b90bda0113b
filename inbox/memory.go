package inbox

import (
	"context"
	"sync"
	"time"
)

const defaultRetention = 24 * time.Hour

type key struct {
	endpoint  string
	messageID string
}

// MemoryInbox keeps completed ids in process memory
type MemoryInbox struct {
	mu        sync.Mutex
	entries   map[key]time.Time
	retention time.Duration
	now       func() time.Time
	sweepAt   time.Time
}

// MemoryOption configures the MemoryInbox
type MemoryOption func(*MemoryInbox)

// WithRetention sets how long completed ids are remembered
func WithRetention(d time.Duration) MemoryOption {
	return func(m *MemoryInbox) {
		m.retention = d
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryInbox) {
		m.now = now
	}
}

// NewMemoryInbox creates an empty in-memory inbox
func NewMemoryInbox(opts ...MemoryOption) *MemoryInbox {
	m := &MemoryInbox{
		entries:   make(map[key]time.Time),
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Completed reports whether messageID finished at endpoint within the
// retention window
func (m *MemoryInbox) Completed(_ context.Context, endpoint, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	expires, ok := m.entries[key{endpoint, messageID}]
	if !ok {
		return false, nil
	}
	if m.now().After(expires) {
		delete(m.entries, key{endpoint, messageID})
		return false, nil
	}
	return true, nil
}

// MarkCompleted remembers messageID for endpoint
func (m *MemoryInbox) MarkCompleted(_ context.Context, endpoint, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.entries[key{endpoint, messageID}] = now.Add(m.retention)

	if now.After(m.sweepAt) {
		for k, expires := range m.entries {
			if now.After(expires) {
				delete(m.entries, k)
			}
		}
		m.sweepAt = now.Add(m.retention / 4)
	}
	return nil
}

// Len returns the number of remembered ids, expired ones included until the
// next sweep
func (m *MemoryInbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
