package keystore

import (
	"context"
	"sync"
)

// Store is the external persistent key store. Load returns ErrNotFound for a
// missing record; the facade treats every Load error the same way.
type Store interface {
	Save(ctx context.Context, category Category, id Identity, rec Record) error
	Load(ctx context.Context, category Category, id Identity) (Record, error)
}

// MemoryStore keeps records for the life of the process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Category]map[string]Record
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Category]map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, category Category, id Identity, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.records[category]
	if !ok {
		bucket = make(map[string]Record)
		s.records[category] = bucket
	}
	bucket[id.Key()] = rec
	return nil
}

func (s *MemoryStore) Load(_ context.Context, category Category, id Identity) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[category][id.Key()]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Len counts records in category.
func (s *MemoryStore) Len(category Category) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[category])
}
