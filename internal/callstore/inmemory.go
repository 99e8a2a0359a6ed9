package callstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("call record not found")

const defaultInMemoryCapacity = 1000

// InMemoryStore keeps the most recent call records in process.
type InMemoryStore struct {
	mu       sync.RWMutex
	capacity int
	order    []string
	records  map[string]Record
}

func NewInMemoryStore(capacity int) *InMemoryStore {
	if capacity <= 0 {
		capacity = defaultInMemoryCapacity
	}
	return &InMemoryStore{capacity: capacity, records: make(map[string]Record)}
}

func (s *InMemoryStore) Start(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if record.Outcome == "" {
		record.Outcome = OutcomeActive
	}
	if _, exists := s.records[record.ID]; !exists {
		s.order = append(s.order, record.ID)
	}
	s.records[record.ID] = record
	for len(s.order) > s.capacity {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *InMemoryStore) Finish(_ context.Context, id, outcome, detail string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	record.Outcome = outcome
	record.Detail = detail
	record.EndedAt = &endedAt
	s.records[id] = record
	return nil
}

// Recent returns up to limit records, newest first.
func (s *InMemoryStore) Recent(_ context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.order) {
		limit = len(s.order)
	}
	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.records[s.order[i]])
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
