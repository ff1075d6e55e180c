package archive

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process archive for local/dev use.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []CallRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) SaveCall(_ context.Context, record CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.EndedAt.IsZero() {
		record.EndedAt = time.Now().UTC()
	}
	s.records = append(s.records, record)
	return nil
}

// Calls returns the archived records in insertion order.
func (s *InMemoryStore) Calls() []CallRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CallRecord(nil), s.records...)
}

func (s *InMemoryStore) Close() error { return nil }
