// Package postgres provides a PostgreSQL-backed Limiter for inferpool.
//
// One row per identity, class and window holds the window start and count.
// Admission locks the identity's rows with SELECT ... FOR UPDATE, so
// concurrent instances serialize on the same caller only.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/inferpool"
)

// Store is a PostgreSQL-backed Limiter.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
	policy      inferpool.QuotaPolicy
	now         func() time.Time
}

var _ inferpool.Limiter = (*Store)(nil)

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

// New creates a new PostgreSQL-backed Limiter.
func New(pool *pgxpool.Pool, policy inferpool.QuotaPolicy, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "inferpool_",
		policy:      policy,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) countersTable() string { return s.tablePrefix + "quota_counters" }

// EnsureSchema creates the required tables if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			identity TEXT NOT NULL,
			class TEXT NOT NULL,
			window_name TEXT NOT NULL,
			window_start TIMESTAMPTZ,
			count BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (identity, class, window_name)
		);
	`, s.countersTable())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("inferpool/postgres: ensure quota schema: %w", err)
	}
	return nil
}

// Admit atomically checks and increments every window of the class.
func (s *Store) Admit(ctx context.Context, identity string, class inferpool.IdentityClass) (inferpool.Decision, error) {
	windows, err := s.policy.Windows(class)
	if err != nil {
		return inferpool.Decision{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return inferpool.Decision{}, fmt.Errorf("inferpool/postgres: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Make sure every window row exists so it can be locked.
	for _, w := range windows {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`INSERT INTO %s (identity, class, window_name) VALUES ($1, $2, $3)
				ON CONFLICT DO NOTHING`, s.countersTable()),
			identity, string(class), w.Name,
		)
		if err != nil {
			return inferpool.Decision{}, fmt.Errorf("inferpool/postgres: init window %q: %w", w.Name, err)
		}
	}

	// 2. Lock and load.
	states, err := s.load(ctx, tx, identity, class, windows, true)
	if err != nil {
		return inferpool.Decision{}, err
	}

	// 3. Decide and write back.
	decision := inferpool.AdmitWindows(windows, states, s.now().UTC())
	for i, w := range windows {
		_, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE %s SET window_start = $1, count = $2
				WHERE identity = $3 AND class = $4 AND window_name = $5`, s.countersTable()),
			states[i].Start, states[i].Count, identity, string(class), w.Name,
		)
		if err != nil {
			return inferpool.Decision{}, fmt.Errorf("inferpool/postgres: update window %q: %w", w.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return inferpool.Decision{}, fmt.Errorf("inferpool/postgres: commit: %w", err)
	}
	return decision, nil
}

// Remaining returns the admissions left in the tightest window.
func (s *Store) Remaining(ctx context.Context, identity string, class inferpool.IdentityClass) (int64, error) {
	windows, err := s.policy.Windows(class)
	if err != nil {
		return 0, err
	}
	states, err := s.load(ctx, s.pool, identity, class, windows, false)
	if err != nil {
		return 0, err
	}
	return inferpool.RemainingWindows(windows, states, s.now().UTC()), nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) load(ctx context.Context, q querier, identity string, class inferpool.IdentityClass, windows []inferpool.Window, lock bool) ([]inferpool.WindowState, error) {
	sql := fmt.Sprintf(`SELECT window_name, window_start, count FROM %s
		WHERE identity = $1 AND class = $2 ORDER BY window_name`, s.countersTable())
	if lock {
		sql += " FOR UPDATE"
	}

	rows, err := q.Query(ctx, sql, identity, string(class))
	if err != nil {
		return nil, fmt.Errorf("inferpool/postgres: load windows: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]inferpool.WindowState, len(windows))
	for rows.Next() {
		var (
			name  string
			start *time.Time
			count int64
		)
		if err := rows.Scan(&name, &start, &count); err != nil {
			return nil, fmt.Errorf("inferpool/postgres: scan window: %w", err)
		}
		st := inferpool.WindowState{Count: count}
		if start != nil {
			st.Start = *start
		}
		byName[name] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inferpool/postgres: load windows: %w", err)
	}

	states := make([]inferpool.WindowState, len(windows))
	for i, w := range windows {
		states[i] = byName[w.Name]
	}
	return states, nil
}

// Reset removes every counter of an identity.
func (s *Store) Reset(ctx context.Context, identity string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE identity = $1`, s.countersTable()),
		identity,
	)
	if err != nil {
		return fmt.Errorf("inferpool/postgres: reset quota: %w", err)
	}
	return nil
}
