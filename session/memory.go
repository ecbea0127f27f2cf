// Package session provides SessionStore implementations.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/inferpool"
)

// MemoryStore is an in-memory SessionStore.
type MemoryStore struct {
	mu          sync.RWMutex
	assignments map[string]inferpool.Assignment
}

var _ inferpool.SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assignments: make(map[string]inferpool.Assignment),
	}
}

func (s *MemoryStore) Get(_ context.Context, sessionKey string) (inferpool.Assignment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.assignments[sessionKey]
	return a, ok, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, a inferpool.Assignment) (inferpool.Assignment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.assignments[a.SessionKey]; ok {
		return cur, false, nil
	}
	s.assignments[a.SessionKey] = a
	return a, true, nil
}

func (s *MemoryStore) Replace(_ context.Context, expectedProviderID string, a inferpool.Assignment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.assignments[a.SessionKey]
	if !ok || cur.ProviderID != expectedProviderID {
		return false, nil
	}
	s.assignments[a.SessionKey] = a
	return true, nil
}

func (s *MemoryStore) Touch(_ context.Context, sessionKey string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.assignments[sessionKey]; ok && at.After(cur.LastUsedAt) {
		cur.LastUsedAt = at
		s.assignments[sessionKey] = cur
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, sessionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assignments, sessionKey)
	return nil
}

func (s *MemoryStore) DeleteIdle(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for k, a := range s.assignments {
		if a.LastUsedAt.Before(before) {
			delete(s.assignments, k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of live assignments.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assignments)
}
