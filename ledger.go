package inferpool

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// TransactionType classifies a ledger transaction.
type TransactionType string

const (
	TxDailyHolding     TransactionType = "daily_holding"
	TxRequestServed    TransactionType = "request_served"
	TxAPIUsage         TransactionType = "api_usage"
	TxManualAdjustment TransactionType = "manual_adjustment"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxDailyHolding, TxRequestServed, TxAPIUsage, TxManualAdjustment:
		return true
	}
	return false
}

// Transaction is an immutable, append-only ledger entry.
type Transaction struct {
	ID             string            `json:"id"`
	Identity       string            `json:"identity"`
	ProviderID     string            `json:"provider_id,omitempty"`
	Delta          int64             `json:"delta"`
	Type           TransactionType   `json:"type"`
	Details        map[string]string `json:"details,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// LedgerStore persists transactions and their materialized balances.
//
// Append inserts the transaction and increments the identity balance (and
// the provider balance when ProviderID is set) in one atomic step. A repeated
// IdempotencyKey fails with ErrDuplicateTransaction and credits nothing.
type LedgerStore interface {
	Append(ctx context.Context, tx Transaction) (string, error)
	Balance(ctx context.Context, identity string) (int64, error)
	ProviderBalance(ctx context.Context, providerID string) (int64, error)

	// Transactions returns an identity's transactions, oldest first.
	Transactions(ctx context.Context, identity string) ([]Transaction, error)

	// Reconcile compares every materialized balance with the sum of its
	// transactions and reports the mismatches.
	Reconcile(ctx context.Context) ([]Drift, error)
}

// Balance kinds reported by Drift.
const (
	BalanceIdentity = "identity"
	BalanceProvider = "provider"
)

// Drift is a materialized balance that disagrees with its transactions.
type Drift struct {
	Kind         string `json:"kind"`
	Key          string `json:"key"`
	Materialized int64  `json:"materialized"`
	Computed     int64  `json:"computed"`
}

func (d Drift) String() string {
	return fmt.Sprintf("%s %s: materialized=%d computed=%d", d.Kind, d.Key, d.Materialized, d.Computed)
}

// PrepareTransaction validates tx and stamps its ID and CreatedAt when they
// are unset. LedgerStore implementations call it before inserting.
func PrepareTransaction(tx Transaction, now time.Time) (Transaction, error) {
	tx.Identity = strings.TrimSpace(tx.Identity)
	if tx.Identity == "" {
		return Transaction{}, &FormatError{Field: "identity", Reason: "required"}
	}
	if !tx.Type.Valid() {
		return Transaction{}, &FormatError{Field: "type", Reason: fmt.Sprintf("unknown transaction type %q", tx.Type)}
	}
	if tx.Delta == 0 {
		return Transaction{}, &FormatError{Field: "delta", Reason: "must not be zero"}
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now.UTC()
	}
	if tx.ID == "" {
		tx.ID = NewTransactionID(tx.CreatedAt)
	}
	if len(tx.Details) > 0 {
		details := make(map[string]string, len(tx.Details))
		for k, v := range tx.Details {
			details[k] = v
		}
		tx.Details = details
	}
	return tx, nil
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.Reader, 0)
)

// NewTransactionID returns a time-ordered ULID. IDs sharing a millisecond
// are strictly increasing.
func NewTransactionID(t time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(t), idEntropy)
	if err != nil {
		// entropy overflow within one millisecond
		id = ulid.MustNew(ulid.Timestamp(t), rand.Reader)
	}
	return id.String()
}
