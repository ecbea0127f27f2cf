package inferpool

import (
	"context"
	"sync"
	"time"
)

// Audit actions.
const (
	AuditForceDeactivate = "provider.force_deactivate"
	AuditForceActivate   = "provider.force_activate"
	AuditRiskScore       = "provider.risk_score"
	AuditAdjustment      = "ledger.manual_adjustment"
)

// AuditRecord is an append-only record of an operator action.
type AuditRecord struct {
	ID       string            `json:"id"`
	Operator string            `json:"operator"`
	Action   string            `json:"action"`
	Target   string            `json:"target"`
	Reason   string            `json:"reason"`
	Details  map[string]string `json:"details,omitempty"`
	At       time.Time         `json:"at"`
}

// AuditLog appends operator audit records.
type AuditLog interface {
	Append(ctx context.Context, rec AuditRecord) error
	List(ctx context.Context, target string) ([]AuditRecord, error)
}

// Operators is the set of operator identities verified by the caller's
// identity layer.
type Operators map[string]bool

// NewOperators builds an operator set.
func NewOperators(ids ...string) Operators {
	ops := make(Operators, len(ids))
	for _, id := range ids {
		ops[id] = true
	}
	return ops
}

func (o Operators) check(operator string) error {
	if operator == "" || !o[operator] {
		return ErrNotOperator
	}
	return nil
}

// MemoryAuditLog is an in-memory AuditLog.
type MemoryAuditLog struct {
	mu      sync.RWMutex
	records []AuditRecord
}

var _ AuditLog = (*MemoryAuditLog)(nil)

// NewMemoryAuditLog creates an empty in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Append(_ context.Context, rec AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// List returns records for target, or all records when target is empty.
func (l *MemoryAuditLog) List(_ context.Context, target string) ([]AuditRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []AuditRecord
	for _, r := range l.records {
		if target == "" || r.Target == target {
			out = append(out, r)
		}
	}
	return out, nil
}
