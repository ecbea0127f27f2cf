// Package ledger provides LedgerStore implementations.
package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ineyio/inferpool"
)

// MemoryStore is an in-memory LedgerStore.
type MemoryStore struct {
	now func() time.Time

	mu               sync.RWMutex
	transactions     []inferpool.Transaction
	byIdentity       map[string][]int
	idempotency      map[string]string
	balances         map[string]int64
	providerBalances map[string]int64
}

var _ inferpool.LedgerStore = (*MemoryStore)(nil)

// Option configures MemoryStore.
type Option func(*MemoryStore)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory ledger.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		now:              time.Now,
		byIdentity:       make(map[string][]int),
		idempotency:      make(map[string]string),
		balances:         make(map[string]int64),
		providerBalances: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records tx and increments its balances under one lock.
func (s *MemoryStore) Append(_ context.Context, tx inferpool.Transaction) (string, error) {
	tx, err := inferpool.PrepareTransaction(tx, s.now())
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.IdempotencyKey != "" {
		if _, ok := s.idempotency[tx.IdempotencyKey]; ok {
			return "", inferpool.ErrDuplicateTransaction
		}
		s.idempotency[tx.IdempotencyKey] = tx.ID
	}

	s.transactions = append(s.transactions, tx)
	s.byIdentity[tx.Identity] = append(s.byIdentity[tx.Identity], len(s.transactions)-1)
	s.balances[tx.Identity] += tx.Delta
	if tx.ProviderID != "" {
		s.providerBalances[tx.ProviderID] += tx.Delta
	}
	return tx.ID, nil
}

func (s *MemoryStore) Balance(_ context.Context, identity string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[identity], nil
}

func (s *MemoryStore) ProviderBalance(_ context.Context, providerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.providerBalances[providerID], nil
}

func (s *MemoryStore) Transactions(_ context.Context, identity string) ([]inferpool.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.byIdentity[identity]
	out := make([]inferpool.Transaction, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.transactions[i])
	}
	return out, nil
}

// Reconcile recomputes every balance from the transaction log.
func (s *MemoryStore) Reconcile(_ context.Context) ([]inferpool.Drift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identities := make(map[string]int64)
	providers := make(map[string]int64)
	for _, tx := range s.transactions {
		identities[tx.Identity] += tx.Delta
		if tx.ProviderID != "" {
			providers[tx.ProviderID] += tx.Delta
		}
	}

	drifts := compare(inferpool.BalanceIdentity, s.balances, identities)
	drifts = append(drifts, compare(inferpool.BalanceProvider, s.providerBalances, providers)...)
	return drifts, nil
}

func compare(kind string, materialized, computed map[string]int64) []inferpool.Drift {
	keys := make(map[string]struct{}, len(materialized))
	for k := range materialized {
		keys[k] = struct{}{}
	}
	for k := range computed {
		keys[k] = struct{}{}
	}

	var drifts []inferpool.Drift
	for k := range keys {
		if materialized[k] != computed[k] {
			drifts = append(drifts, inferpool.Drift{
				Kind:         kind,
				Key:          k,
				Materialized: materialized[k],
				Computed:     computed[k],
			})
		}
	}
	sort.Slice(drifts, func(i, j int) bool { return drifts[i].Key < drifts[j].Key })
	return drifts
}
