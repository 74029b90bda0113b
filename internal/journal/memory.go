package journal

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stats summarizes the in-memory journal
type Stats struct {
	TotalEntries     int64             `json:"totalEntries"`
	EntriesByOutcome map[Outcome]int64 `json:"entriesByOutcome"`
	LastEntry        time.Time         `json:"lastEntry"`
}

// InMemoryJournal keeps attempts in memory, dropping the oldest share when
// full
type InMemoryJournal struct {
	mu            sync.RWMutex
	entries       []Attempt
	byMessageID   map[string][]int
	maxEntries    int
	rotatePercent float64
	total         int64
	byOutcome     map[Outcome]int64
}

// InMemoryJournalOption configures the in-memory journal
type InMemoryJournalOption func(*InMemoryJournal)

// WithMaxEntries sets the maximum number of entries
func WithMaxEntries(max int) InMemoryJournalOption {
	return func(j *InMemoryJournal) {
		j.maxEntries = max
	}
}

// WithRotatePercent sets the share of entries removed when max is reached
func WithRotatePercent(percent float64) InMemoryJournalOption {
	return func(j *InMemoryJournal) {
		j.rotatePercent = percent
	}
}

// NewInMemoryJournal creates a new in-memory journal
func NewInMemoryJournal(opts ...InMemoryJournalOption) *InMemoryJournal {
	j := &InMemoryJournal{
		byMessageID:   make(map[string][]int),
		byOutcome:     make(map[Outcome]int64),
		maxEntries:    10000,
		rotatePercent: 0.2,
	}

	for _, opt := range opts {
		opt(j)
	}

	return j
}

// Record implements Journal
func (j *InMemoryJournal) Record(_ context.Context, attempt Attempt) error {
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}
	if attempt.At.IsZero() {
		attempt.At = time.Now()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxEntries > 0 && len(j.entries) >= j.maxEntries {
		drop := int(float64(j.maxEntries) * j.rotatePercent)
		if drop < 1 {
			drop = 1
		}
		j.keep(j.entries[drop:])
	}

	j.entries = append(j.entries, attempt)
	j.byMessageID[attempt.MessageID] = append(j.byMessageID[attempt.MessageID], len(j.entries)-1)
	j.total++
	j.byOutcome[attempt.Outcome]++
	return nil
}

// ByMessageID implements Journal
func (j *InMemoryJournal) ByMessageID(_ context.Context, messageID string) ([]Attempt, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	idx := j.byMessageID[messageID]
	out := make([]Attempt, len(idx))
	for i, n := range idx {
		out[i] = j.entries[n]
	}
	return out, nil
}

// Purge implements Journal
func (j *InMemoryJournal) Purge(_ context.Context, cutoff time.Time) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	kept := make([]Attempt, 0, len(j.entries))
	for _, a := range j.entries {
		if !a.At.Before(cutoff) {
			kept = append(kept, a)
		}
	}
	removed := len(j.entries) - len(kept)
	j.keep(kept)
	return removed, nil
}

// Stats returns counters since creation
func (j *InMemoryJournal) Stats() Stats {
	j.mu.RLock()
	defer j.mu.RUnlock()

	byOutcome := make(map[Outcome]int64, len(j.byOutcome))
	for k, v := range j.byOutcome {
		byOutcome[k] = v
	}
	s := Stats{TotalEntries: j.total, EntriesByOutcome: byOutcome}
	if n := len(j.entries); n > 0 {
		s.LastEntry = j.entries[n-1].At
	}
	return s
}

// keep replaces the entries and rebuilds the index; callers hold the lock
func (j *InMemoryJournal) keep(entries []Attempt) {
	j.entries = append([]Attempt(nil), entries...)
	j.byMessageID = make(map[string][]int, len(j.byMessageID))
	for i, a := range j.entries {
		j.byMessageID[a.MessageID] = append(j.byMessageID[a.MessageID], i)
	}
}
