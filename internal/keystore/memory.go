package keystore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory, thread-safe Store. It is primarily useful for
// testing and for one-shot CLI runs that do not persist keys.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, e Entry) (Entry, error) {
	e, err := prepare(e, s.now())
	if err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, saved, err := upsert(s.entries, e)
	if err != nil {
		return Entry{}, err
	}
	s.entries = entries
	return saved, nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, e Entry) (Entry, error) {
	e, err := prepare(e, s.now())
	if err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return e, nil
}

// Lookup implements Store.
func (s *MemoryStore) Lookup(_ context.Context, server, character string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.entries, server, character)
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, server string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return list(s.entries, server), nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := remove(s.entries, id)
	s.entries = entries
	return err
}
