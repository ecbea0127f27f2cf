// Package postgres provides a PostgreSQL-backed LedgerStore and AuditLog.
//
// Transactions are append-only rows. Balances are materialized in separate
// tables and incremented with an upsert in the same database transaction as
// the insert, so a balance never moves without its transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/inferpool"
)

// Store is a PostgreSQL-backed LedgerStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	now         func() time.Time
}

var _ inferpool.LedgerStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "inferpool_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new PostgreSQL-backed LedgerStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "inferpool_",
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) transactionsTable() string     { return s.tablePrefix + "ledger_transactions" }
func (s *Store) balancesTable() string         { return s.tablePrefix + "ledger_balances" }
func (s *Store) providerBalancesTable() string { return s.tablePrefix + "ledger_provider_balances" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			provider_id TEXT,
			delta BIGINT NOT NULL,
			type TEXT NOT NULL,
			details JSONB,
			idempotency_key TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_identity_idx ON %[1]s (identity, id);
		CREATE TABLE IF NOT EXISTS %[2]s (
			identity TEXT PRIMARY KEY,
			balance BIGINT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS %[3]s (
			provider_id TEXT PRIMARY KEY,
			balance BIGINT NOT NULL
		);
	`, s.transactionsTable(), s.balancesTable(), s.providerBalancesTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("inferpool/postgres: ensure ledger schema: %w", err)
	}
	return nil
}

// Append inserts tx and increments its balances in one database transaction.
func (s *Store) Append(ctx context.Context, tx inferpool.Transaction) (string, error) {
	tx, err := inferpool.PrepareTransaction(tx, s.now())
	if err != nil {
		return "", err
	}

	var details []byte
	if len(tx.Details) > 0 {
		if details, err = json.Marshal(tx.Details); err != nil {
			return "", fmt.Errorf("inferpool/postgres: encode details: %w", err)
		}
	}

	dbtx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("inferpool/postgres: begin tx: %w", err)
	}
	defer dbtx.Rollback(ctx)

	// 1. Insert; an idempotency conflict inserts nothing.
	var id string
	err = dbtx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, identity, provider_id, delta, type, details, idempotency_key, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, ''), $8)
			ON CONFLICT DO NOTHING RETURNING id`, s.transactionsTable()),
		tx.ID, tx.Identity, tx.ProviderID, tx.Delta, string(tx.Type), details, tx.IdempotencyKey, tx.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", inferpool.ErrDuplicateTransaction
	}
	if err != nil {
		return "", fmt.Errorf("inferpool/postgres: insert transaction: %w", err)
	}

	// 2. Materialize balances.
	_, err = dbtx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %[1]s (identity, balance) VALUES ($1, $2)
			ON CONFLICT (identity) DO UPDATE SET balance = %[1]s.balance + EXCLUDED.balance`, s.balancesTable()),
		tx.Identity, tx.Delta,
	)
	if err != nil {
		return "", fmt.Errorf("inferpool/postgres: update balance: %w", err)
	}
	if tx.ProviderID != "" {
		_, err = dbtx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %[1]s (provider_id, balance) VALUES ($1, $2)
				ON CONFLICT (provider_id) DO UPDATE SET balance = %[1]s.balance + EXCLUDED.balance`, s.providerBalancesTable()),
			tx.ProviderID, tx.Delta,
		)
		if err != nil {
			return "", fmt.Errorf("inferpool/postgres: update provider balance: %w", err)
		}
	}

	if err := dbtx.Commit(ctx); err != nil {
		return "", fmt.Errorf("inferpool/postgres: commit: %w", err)
	}
	return id, nil
}

func (s *Store) Balance(ctx context.Context, identity string) (int64, error) {
	return s.balance(ctx, s.balancesTable(), "identity", identity)
}

func (s *Store) ProviderBalance(ctx context.Context, providerID string) (int64, error) {
	return s.balance(ctx, s.providerBalancesTable(), "provider_id", providerID)
}

func (s *Store) balance(ctx context.Context, table, column, key string) (int64, error) {
	var bal int64
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT balance FROM %s WHERE %s = $1`, table, column), key,
	).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("inferpool/postgres: balance: %w", err)
	}
	return bal, nil
}

func (s *Store) Transactions(ctx context.Context, identity string) ([]inferpool.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, identity, COALESCE(provider_id, ''), delta, type, details,
				COALESCE(idempotency_key, ''), created_at
			FROM %s WHERE identity = $1 ORDER BY id`, s.transactionsTable()),
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("inferpool/postgres: list transactions: %w", err)
	}
	defer rows.Close()

	var out []inferpool.Transaction
	for rows.Next() {
		var (
			tx      inferpool.Transaction
			typ     string
			details []byte
		)
		if err := rows.Scan(&tx.ID, &tx.Identity, &tx.ProviderID, &tx.Delta, &typ, &details,
			&tx.IdempotencyKey, &tx.CreatedAt); err != nil {
			return nil, fmt.Errorf("inferpool/postgres: scan transaction: %w", err)
		}
		tx.Type = inferpool.TransactionType(typ)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &tx.Details); err != nil {
				return nil, fmt.Errorf("inferpool/postgres: decode details: %w", err)
			}
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inferpool/postgres: list transactions: %w", err)
	}
	return out, nil
}

// Reconcile compares the materialized balances with the transaction sums in
// one snapshot.
func (s *Store) Reconcile(ctx context.Context) ([]inferpool.Drift, error) {
	dbtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("inferpool/postgres: begin tx: %w", err)
	}
	defer dbtx.Rollback(ctx)

	identities, err := s.drift(ctx, dbtx, inferpool.BalanceIdentity, s.balancesTable(), "identity")
	if err != nil {
		return nil, err
	}
	providers, err := s.drift(ctx, dbtx, inferpool.BalanceProvider, s.providerBalancesTable(), "provider_id")
	if err != nil {
		return nil, err
	}
	return append(identities, providers...), nil
}

func (s *Store) drift(ctx context.Context, dbtx pgx.Tx, kind, table, column string) ([]inferpool.Drift, error) {
	q := fmt.Sprintf(`
		SELECT COALESCE(b.%[3]s, t.%[3]s), COALESCE(b.balance, 0), COALESCE(t.total, 0)
		FROM %[2]s b
		FULL OUTER JOIN (
			SELECT %[3]s, SUM(delta)::BIGINT AS total FROM %[1]s
			WHERE %[3]s IS NOT NULL GROUP BY %[3]s
		) t ON b.%[3]s = t.%[3]s
		WHERE COALESCE(b.balance, 0) <> COALESCE(t.total, 0)
		ORDER BY 1`, s.transactionsTable(), table, column)

	rows, err := dbtx.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("inferpool/postgres: reconcile %s: %w", kind, err)
	}
	defer rows.Close()

	var out []inferpool.Drift
	for rows.Next() {
		d := inferpool.Drift{Kind: kind}
		if err := rows.Scan(&d.Key, &d.Materialized, &d.Computed); err != nil {
			return nil, fmt.Errorf("inferpool/postgres: scan drift: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inferpool/postgres: reconcile %s: %w", kind, err)
	}
	return out, nil
}
