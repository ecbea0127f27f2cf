package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/inferpool"
)

// AuditLog is a PostgreSQL-backed append-only AuditLog.
type AuditLog struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ inferpool.AuditLog = (*AuditLog)(nil)

// NewAuditLog creates a PostgreSQL-backed AuditLog.
func NewAuditLog(pool *pgxpool.Pool, opts ...Option) *AuditLog {
	// Reuse the store options so both share one table prefix.
	s := New(pool, opts...)
	return &AuditLog{pool: pool, tablePrefix: s.tablePrefix}
}

func (l *AuditLog) table() string { return l.tablePrefix + "audit_log" }

// EnsureSchema creates the audit table if it doesn't exist.
func (l *AuditLog) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			operator TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT NOT NULL,
			reason TEXT NOT NULL,
			details JSONB,
			at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS %[1]s_target_idx ON %[1]s (target, at);
	`, l.table())
	if _, err := l.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("inferpool/postgres: ensure audit schema: %w", err)
	}
	return nil
}

func (l *AuditLog) Append(ctx context.Context, rec inferpool.AuditRecord) error {
	var details []byte
	if len(rec.Details) > 0 {
		var err error
		if details, err = json.Marshal(rec.Details); err != nil {
			return fmt.Errorf("inferpool/postgres: encode audit details: %w", err)
		}
	}
	_, err := l.pool.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, operator, action, target, reason, details, at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`, l.table()),
		rec.ID, rec.Operator, rec.Action, rec.Target, rec.Reason, details, rec.At,
	)
	if err != nil {
		return fmt.Errorf("inferpool/postgres: append audit record: %w", err)
	}
	return nil
}

// List returns records for target, or all records when target is empty.
func (l *AuditLog) List(ctx context.Context, target string) ([]inferpool.AuditRecord, error) {
	rows, err := l.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, operator, action, target, reason, details, at FROM %s
			WHERE $1 = '' OR target = $1 ORDER BY at, id`, l.table()),
		target,
	)
	if err != nil {
		return nil, fmt.Errorf("inferpool/postgres: list audit records: %w", err)
	}
	defer rows.Close()

	var out []inferpool.AuditRecord
	for rows.Next() {
		var (
			rec     inferpool.AuditRecord
			details []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Operator, &rec.Action, &rec.Target, &rec.Reason, &details, &rec.At); err != nil {
			return nil, fmt.Errorf("inferpool/postgres: scan audit record: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, fmt.Errorf("inferpool/postgres: decode audit details: %w", err)
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inferpool/postgres: list audit records: %w", err)
	}
	return out, nil
}
