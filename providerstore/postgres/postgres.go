// Package postgres provides a PostgreSQL-backed ProviderStore.
//
// Providers are stored as JSONB documents keyed by id, with the credential
// fingerprint lifted into a unique column so duplicate registrations are
// rejected by the database. Updates lock the row for the duration of the
// read-modify-write.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/inferpool"
)

// Store is a PostgreSQL-backed ProviderStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ inferpool.ProviderStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "inferpool_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed ProviderStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "inferpool_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) table() string { return s.tablePrefix + "providers" }

// EnsureSchema creates the providers table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL UNIQUE,
			doc JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.table())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("inferpool/postgres: ensure provider schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, p inferpool.Provider) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("inferpool/postgres: encode provider: %w", err)
	}

	var id string
	err = s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, fingerprint, doc, created_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING RETURNING id`, s.table()),
		p.ID, p.Fingerprint, doc, p.CreatedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return inferpool.ErrDuplicateProvider
	}
	if err != nil {
		return fmt.Errorf("inferpool/postgres: create provider: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (inferpool.Provider, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1`, s.table()), id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return inferpool.Provider{}, inferpool.ErrProviderNotFound
	}
	if err != nil {
		return inferpool.Provider{}, fmt.Errorf("inferpool/postgres: get provider: %w", err)
	}
	return decode(doc)
}

func (s *Store) List(ctx context.Context) ([]inferpool.Provider, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT doc FROM %s ORDER BY created_at, id`, s.table()))
	if err != nil {
		return nil, fmt.Errorf("inferpool/postgres: list providers: %w", err)
	}
	defer rows.Close()

	var out []inferpool.Provider
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("inferpool/postgres: scan provider: %w", err)
		}
		p, err := decode(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inferpool/postgres: iterate providers: %w", err)
	}
	return out, nil
}

func (s *Store) FindByFingerprint(ctx context.Context, fingerprint string) (inferpool.Provider, bool, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE fingerprint = $1`, s.table()), fingerprint,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return inferpool.Provider{}, false, nil
	}
	if err != nil {
		return inferpool.Provider{}, false, fmt.Errorf("inferpool/postgres: find provider: %w", err)
	}
	p, err := decode(doc)
	if err != nil {
		return inferpool.Provider{}, false, err
	}
	return p, true, nil
}

func (s *Store) Update(ctx context.Context, id string, fn func(*inferpool.Provider) error) (inferpool.Provider, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return inferpool.Provider{}, fmt.Errorf("inferpool/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var doc []byte
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT doc FROM %s WHERE id = $1 FOR UPDATE`, s.table()), id,
	).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return inferpool.Provider{}, inferpool.ErrProviderNotFound
	}
	if err != nil {
		return inferpool.Provider{}, fmt.Errorf("inferpool/postgres: lock provider: %w", err)
	}

	cur, err := decode(doc)
	if err != nil {
		return inferpool.Provider{}, err
	}
	next := cur
	if err := fn(&next); err != nil {
		return inferpool.Provider{}, err
	}
	next.ID = cur.ID
	next.Fingerprint = cur.Fingerprint
	next.Owner = cur.Owner

	out, err := json.Marshal(next)
	if err != nil {
		return inferpool.Provider{}, fmt.Errorf("inferpool/postgres: encode provider: %w", err)
	}
	if _, err := tx.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET doc = $1 WHERE id = $2`, s.table()), out, id,
	); err != nil {
		return inferpool.Provider{}, fmt.Errorf("inferpool/postgres: update provider: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return inferpool.Provider{}, fmt.Errorf("inferpool/postgres: commit: %w", err)
	}
	return next, nil
}

func decode(doc []byte) (inferpool.Provider, error) {
	var p inferpool.Provider
	if err := json.Unmarshal(doc, &p); err != nil {
		return inferpool.Provider{}, fmt.Errorf("inferpool/postgres: decode provider: %w", err)
	}
	return p, nil
}
