// Package providerstore provides ProviderStore implementations.
package providerstore

import (
	"bytes"
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/ineyio/inferpool"
)

// MemoryStore is an in-memory ProviderStore. Each provider has its own lock
// so outcome updates for different providers never contend.
type MemoryStore struct {
	mu            sync.RWMutex
	providers     map[string]*entry
	byFingerprint map[string]string
}

type entry struct {
	mu sync.Mutex
	p  inferpool.Provider
}

var _ inferpool.ProviderStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory provider store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		providers:     make(map[string]*entry),
		byFingerprint: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, p inferpool.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byFingerprint[p.Fingerprint]; ok && p.Fingerprint != "" {
		return inferpool.ErrDuplicateProvider
	}
	if _, ok := s.providers[p.ID]; ok {
		return inferpool.ErrDuplicateProvider
	}

	s.providers[p.ID] = &entry{p: clone(p)}
	if p.Fingerprint != "" {
		s.byFingerprint[p.Fingerprint] = p.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (inferpool.Provider, error) {
	e, ok := s.lookup(id)
	if !ok {
		return inferpool.Provider{}, inferpool.ErrProviderNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.p), nil
}

// List returns providers ordered by creation time, then id.
func (s *MemoryStore) List(_ context.Context) ([]inferpool.Provider, error) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.providers))
	for _, e := range s.providers {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]inferpool.Provider, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, clone(e.p))
		e.mu.Unlock()
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) FindByFingerprint(ctx context.Context, fingerprint string) (inferpool.Provider, bool, error) {
	s.mu.RLock()
	id, ok := s.byFingerprint[fingerprint]
	s.mu.RUnlock()
	if !ok {
		return inferpool.Provider{}, false, nil
	}
	p, err := s.Get(ctx, id)
	if err != nil {
		return inferpool.Provider{}, false, err
	}
	return p, true, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*inferpool.Provider) error) (inferpool.Provider, error) {
	e, ok := s.lookup(id)
	if !ok {
		return inferpool.Provider{}, inferpool.ErrProviderNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := clone(e.p)
	if err := fn(&next); err != nil {
		return inferpool.Provider{}, err
	}
	// Identity fields are immutable.
	next.ID = e.p.ID
	next.Fingerprint = e.p.Fingerprint
	next.Owner = e.p.Owner

	e.p = next
	return clone(next), nil
}

func (s *MemoryStore) lookup(id string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.providers[id]
	return e, ok
}

func clone(p inferpool.Provider) inferpool.Provider {
	p.Models = slices.Clone(p.Models)
	p.Credential.Ciphertext = bytes.Clone(p.Credential.Ciphertext)
	p.Credential.Nonce = bytes.Clone(p.Credential.Nonce)
	p.Credential.AuthTag = bytes.Clone(p.Credential.AuthTag)
	return p
}
