package inferpool

import (
	"context"
	"fmt"
	"time"
)

// HealthSnapshot is the read-only health view of one provider. It never
// carries credential material.
type HealthSnapshot struct {
	ProviderID          string    `json:"provider_id"`
	Owner               string    `json:"owner"`
	Name                string    `json:"name"`
	Active              bool      `json:"active"`
	HealthDisabled      bool      `json:"health_disabled"`
	Suspended           bool      `json:"suspended"`
	SuspendReason       string    `json:"suspend_reason,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	CapacityUnits       int64     `json:"capacity_units"`
	CapabilityScore     float64   `json:"capability_score"`
	RiskScore           float64   `json:"risk_score"`
	LastProbeAt         time.Time `json:"last_probe_at,omitempty"`
}

// Status is the read-only status surface.
type Status struct {
	registry *Registry
	limiter  Limiter
	ledger   LedgerStore
}

// NewStatus creates the status surface.
func NewStatus(registry *Registry, limiter Limiter, ledger LedgerStore) *Status {
	return &Status{registry: registry, limiter: limiter, ledger: ledger}
}

// ActiveProviders returns the number of providers eligible for routing.
func (s *Status) ActiveProviders(ctx context.Context) (int, error) {
	active, err := s.registry.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// Health returns a snapshot per provider, including inactive ones.
func (s *Status) Health(ctx context.Context) ([]HealthSnapshot, error) {
	all, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]HealthSnapshot, 0, len(all))
	for _, p := range all {
		out = append(out, snapshot(p))
	}
	return out, nil
}

// ProviderHealth returns the snapshot of one provider.
func (s *Status) ProviderHealth(ctx context.Context, id string) (HealthSnapshot, error) {
	p, err := s.registry.Get(ctx, id)
	if err != nil {
		return HealthSnapshot{}, err
	}
	return snapshot(p), nil
}

// QuotaRemaining returns the admissions left for an identity.
func (s *Status) QuotaRemaining(ctx context.Context, identity string, class IdentityClass) (int64, error) {
	n, err := s.limiter.Remaining(ctx, identity, class)
	if err != nil {
		return 0, fmt.Errorf("inferpool: quota remaining: %w", err)
	}
	return n, nil
}

// Balance returns an identity's point balance.
func (s *Status) Balance(ctx context.Context, identity string) (int64, error) {
	n, err := s.ledger.Balance(ctx, identity)
	if err != nil {
		return 0, fmt.Errorf("inferpool: balance: %w", err)
	}
	return n, nil
}

// ProviderBalance returns the points credited through a provider.
func (s *Status) ProviderBalance(ctx context.Context, providerID string) (int64, error) {
	n, err := s.ledger.ProviderBalance(ctx, providerID)
	if err != nil {
		return 0, fmt.Errorf("inferpool: provider balance: %w", err)
	}
	return n, nil
}

func snapshot(p Provider) HealthSnapshot {
	return HealthSnapshot{
		ProviderID:          p.ID,
		Owner:               p.Owner,
		Name:                p.Name,
		Active:              p.Active(),
		HealthDisabled:      p.HealthDisabled,
		Suspended:           p.Suspended,
		SuspendReason:       p.SuspendReason,
		ConsecutiveFailures: p.ConsecutiveFailures,
		CapacityUnits:       p.CapacityUnits,
		CapabilityScore:     p.CapabilityScore,
		RiskScore:           p.RiskScore,
		LastProbeAt:         p.LastProbeAt,
	}
}
