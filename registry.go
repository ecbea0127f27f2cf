package inferpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ineyio/inferpool/vault"
)

// DefaultFailureThreshold is the number of consecutive failures after which a
// provider is disabled for health.
const DefaultFailureThreshold = 2

// OutcomeSource tells where an outcome came from.
type OutcomeSource string

const (
	SourceRequest        OutcomeSource = "request"
	SourceProbe          OutcomeSource = "probe"
	SourceInferenceProbe OutcomeSource = "inference_probe"
)

// Outcome is the result of one provider call or probe.
type Outcome struct {
	ProviderID  string
	Source      OutcomeSource
	Success     bool
	Latency     time.Duration
	Err         error
	TotalTokens int64

	// CapacityUnits, when positive, refreshes the provider's capacity.
	CapacityUnits int64

	// Identity and Class are set for request outcomes.
	Identity string
	Class    IdentityClass
}

// OutcomeEvent is emitted after an outcome has been recorded.
type OutcomeEvent struct {
	Outcome
	Provider    Provider
	Deactivated bool
	Recovered   bool
}

// OutcomeListener consumes recorded outcomes. Listeners run synchronously
// after the store update and must not block.
type OutcomeListener func(ctx context.Context, event OutcomeEvent)

// RegisterRequest describes a provider registration.
type RegisterRequest struct {
	Owner      string
	Name       string
	Credential string
}

// Registry holds providers, their sealed credentials and health state.
type Registry struct {
	store     ProviderStore
	vault     *vault.Vault
	prober    Prober
	audit     AuditLog
	operators Operators
	meter     Meter
	logger    *zap.Logger
	rules     CredentialRules
	now       func() time.Time

	failureThreshold     int
	riskSuspendThreshold float64
	probeTimeout         time.Duration

	mu        sync.RWMutex
	listeners []OutcomeListener
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAuditLog sets the audit log for operator actions.
func WithAuditLog(a AuditLog) RegistryOption {
	return func(r *Registry) { r.audit = a }
}

// WithOperators sets the verified operator identities.
func WithOperators(ops Operators) RegistryOption {
	return func(r *Registry) { r.operators = ops }
}

// WithRegistryMeter sets the meter.
func WithRegistryMeter(m Meter) RegistryOption {
	return func(r *Registry) { r.meter = m }
}

// WithRegistryLogger sets the logger.
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithCredentialRules sets the credential format heuristics.
func WithCredentialRules(rules CredentialRules) RegistryOption {
	return func(r *Registry) { r.rules = rules }
}

// WithFailureThreshold overrides DefaultFailureThreshold.
func WithFailureThreshold(n int) RegistryOption {
	return func(r *Registry) { r.failureThreshold = n }
}

// WithRiskSuspendThreshold suspends providers whose risk score reaches t.
// Zero disables automatic suspension.
func WithRiskSuspendThreshold(t float64) RegistryOption {
	return func(r *Registry) { r.riskSuspendThreshold = t }
}

// WithRegistrationProbeTimeout bounds the live probe on Register.
func WithRegistrationProbeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.probeTimeout = d }
}

// WithRegistryClock overrides time.Now.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry.
func NewRegistry(store ProviderStore, v *vault.Vault, prober Prober, opts ...RegistryOption) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("inferpool: registry: provider store is required")
	}
	if v == nil {
		return nil, fmt.Errorf("inferpool: registry: vault is required")
	}
	if prober == nil {
		return nil, fmt.Errorf("inferpool: registry: prober is required")
	}

	r := &Registry{
		store:  store,
		vault:  v,
		prober: prober,
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.audit == nil {
		r.audit = NewMemoryAuditLog()
	}
	if r.meter == nil {
		r.meter = noopMeter{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.failureThreshold <= 0 {
		r.failureThreshold = DefaultFailureThreshold
	}
	if r.probeTimeout <= 0 {
		r.probeTimeout = 30 * time.Second
	}

	return r, nil
}

// OnOutcome registers a listener for recorded outcomes.
func (r *Registry) OnOutcome(l OutcomeListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Register validates, probes and seals a new provider credential.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	owner := strings.TrimSpace(req.Owner)
	name := strings.TrimSpace(req.Name)
	raw := strings.TrimSpace(req.Credential)

	if owner == "" {
		return "", &FormatError{Field: "owner", Reason: "required"}
	}
	if name == "" {
		return "", &FormatError{Field: "name", Reason: "required"}
	}
	if err := validateCredential(raw, r.rules); err != nil {
		return "", err
	}

	fps := r.vault.Fingerprints(raw)
	for _, fp := range fps {
		if _, found, err := r.store.FindByFingerprint(ctx, fp); err != nil {
			return "", fmt.Errorf("inferpool: register: %w", err)
		} else if found {
			return "", ErrDuplicateProvider
		}
	}
	fp := fps[0]

	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	probe, err := r.prober.Probe(probeCtx, raw)
	cancel()
	if err != nil {
		r.logger.Info("provider registration probe failed",
			zap.String("owner", owner),
			zap.String("name", name),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	if probe.CapacityUnits < 0 {
		probe.CapacityUnits = 0
	}

	sealed, err := r.vault.Seal(raw)
	if err != nil {
		return "", fmt.Errorf("inferpool: register: seal credential: %w", err)
	}

	now := r.now()
	p := Provider{
		ID:              uuid.New().String(),
		Owner:           owner,
		Name:            name,
		Credential:      sealed,
		Fingerprint:     fp,
		CapacityUnits:   probe.CapacityUnits,
		Models:          probe.Models,
		CapabilityScore: latencyScore(probe.Latency),
		LastProbeAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.Create(ctx, p); err != nil {
		if errors.Is(err, ErrDuplicateProvider) {
			return "", err
		}
		return "", fmt.Errorf("inferpool: register: %w", err)
	}

	r.logger.Info("provider registered",
		zap.String("provider", p.ID),
		zap.String("owner", owner),
		zap.Int64("capacity_units", p.CapacityUnits),
	)
	return p.ID, nil
}

// Get returns a provider by id.
func (r *Registry) Get(ctx context.Context, id string) (Provider, error) {
	return r.store.Get(ctx, id)
}

// List returns all providers.
func (r *Registry) List(ctx context.Context) ([]Provider, error) {
	return r.store.List(ctx)
}

// ListActive returns providers eligible for routing.
func (r *Registry) ListActive(ctx context.Context) ([]Provider, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, p := range all {
		if p.Active() {
			active = append(active, p)
		}
	}
	return active, nil
}

// Credential opens a provider's sealed credential. Integrity failures are
// logged for operators and reported to callers without detail.
func (r *Registry) Credential(ctx context.Context, id string) (string, error) {
	p, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	plaintext, err := r.vault.Open(p.Credential)
	if err != nil {
		var ie *vault.IntegrityError
		if errors.As(err, &ie) {
			r.logger.Error("provider credential failed integrity check",
				zap.String("provider", id),
				zap.String("scheme", p.Credential.Scheme.String()),
				zap.String("reason", ie.Reason),
			)
		} else {
			r.logger.Error("provider credential could not be opened",
				zap.String("provider", id),
				zap.Error(err),
			)
		}
		return "", ErrCredentialUnavailable
	}
	return plaintext, nil
}

// RecordOutcome applies a call or probe outcome. Failures count towards the
// health threshold; a success resets the counter and lifts a health-only
// deactivation. Suspensions are untouched.
func (r *Registry) RecordOutcome(ctx context.Context, o Outcome) error {
	var deactivated, recovered bool

	p, err := r.store.Update(ctx, o.ProviderID, func(p *Provider) error {
		deactivated, recovered = false, false
		now := r.now()

		if o.Success {
			recovered = p.HealthDisabled
			p.ConsecutiveFailures = 0
			p.HealthDisabled = false
		} else {
			p.ConsecutiveFailures++
			if p.ConsecutiveFailures >= r.failureThreshold && !p.HealthDisabled {
				p.HealthDisabled = true
				deactivated = true
			}
		}

		if o.Source == SourceProbe || o.Source == SourceInferenceProbe {
			p.LastProbeAt = now
			p.CapabilityScore = nextCapabilityScore(p.CapabilityScore, o)
		}
		if o.Success && o.CapacityUnits > 0 {
			p.CapacityUnits = o.CapacityUnits
		}
		p.UpdatedAt = now
		return nil
	})
	if err != nil {
		return fmt.Errorf("inferpool: record outcome: %w", err)
	}

	if deactivated {
		r.logger.Warn("provider disabled for health",
			zap.String("provider", p.ID),
			zap.Int("consecutive_failures", p.ConsecutiveFailures),
			zap.String("source", string(o.Source)),
		)
	}
	if recovered {
		r.logger.Info("provider recovered",
			zap.String("provider", p.ID),
			zap.Bool("suspended", p.Suspended),
		)
	}

	r.meter.OnResult(ResultEvent{
		ProviderID:  p.ID,
		Source:      o.Source,
		Success:     o.Success,
		Duration:    o.Latency,
		TotalTokens: o.TotalTokens,
		Error:       o.Err,
	})

	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()

	event := OutcomeEvent{Outcome: o, Provider: p, Deactivated: deactivated, Recovered: recovered}
	for _, l := range listeners {
		l(ctx, event)
	}
	return nil
}

// ForceDeactivate suspends a provider. Only ForceActivate lifts it.
func (r *Registry) ForceDeactivate(ctx context.Context, operator, id, reason string) error {
	if err := r.checkAdmin(operator, reason); err != nil {
		return err
	}
	_, err := r.store.Update(ctx, id, func(p *Provider) error {
		p.Suspended = true
		p.SuspendReason = reason
		p.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("inferpool: force deactivate: %w", err)
	}
	return r.appendAudit(ctx, operator, AuditForceDeactivate, id, reason, nil)
}

// ForceActivate lifts a suspension and clears health state.
func (r *Registry) ForceActivate(ctx context.Context, operator, id, reason string) error {
	if err := r.checkAdmin(operator, reason); err != nil {
		return err
	}
	_, err := r.store.Update(ctx, id, func(p *Provider) error {
		p.Suspended = false
		p.SuspendReason = ""
		p.HealthDisabled = false
		p.ConsecutiveFailures = 0
		p.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("inferpool: force activate: %w", err)
	}
	return r.appendAudit(ctx, operator, AuditForceActivate, id, reason, nil)
}

// SetRiskScore records an operator-assessed risk score, suspending the
// provider when it reaches the configured threshold.
func (r *Registry) SetRiskScore(ctx context.Context, operator, id string, score float64, reason string) error {
	if err := r.checkAdmin(operator, reason); err != nil {
		return err
	}
	if score < 0 || score > 100 {
		return &FormatError{Field: "risk_score", Reason: "must be between 0 and 100"}
	}

	var suspended bool
	_, err := r.store.Update(ctx, id, func(p *Provider) error {
		p.RiskScore = score
		suspended = false
		if r.riskSuspendThreshold > 0 && score >= r.riskSuspendThreshold && !p.Suspended {
			p.Suspended = true
			p.SuspendReason = "risk: " + reason
			suspended = true
		}
		p.UpdatedAt = r.now()
		return nil
	})
	if err != nil {
		return fmt.Errorf("inferpool: set risk score: %w", err)
	}
	return r.appendAudit(ctx, operator, AuditRiskScore, id, reason, map[string]string{
		"score":     fmt.Sprintf("%.2f", score),
		"suspended": fmt.Sprintf("%t", suspended),
	})
}

// MigrateCredentials re-seals legacy or rotated credentials under the current
// master secret. It returns the number of providers rewritten.
func (r *Registry) MigrateCredentials(ctx context.Context) (int, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return 0, err
	}

	var migrated int
	for _, p := range all {
		rec, changed, err := r.vault.Migrate(p.Credential)
		if err != nil {
			r.logger.Error("credential migration skipped",
				zap.String("provider", p.ID),
				zap.Error(err),
			)
			continue
		}
		if !changed {
			continue
		}
		if _, err := r.store.Update(ctx, p.ID, func(cur *Provider) error {
			cur.Credential = rec
			cur.UpdatedAt = r.now()
			return nil
		}); err != nil {
			return migrated, fmt.Errorf("inferpool: migrate credential %s: %w", p.ID, err)
		}
		migrated++
	}
	return migrated, nil
}

func (r *Registry) checkAdmin(operator, reason string) error {
	if err := r.operators.check(operator); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return &FormatError{Field: "reason", Reason: "required"}
	}
	return nil
}

func (r *Registry) appendAudit(ctx context.Context, operator, action, target, reason string, details map[string]string) error {
	rec := AuditRecord{
		ID:       uuid.New().String(),
		Operator: operator,
		Action:   action,
		Target:   target,
		Reason:   reason,
		Details:  details,
		At:       r.now(),
	}
	if err := r.audit.Append(ctx, rec); err != nil {
		return fmt.Errorf("inferpool: append audit record: %w", err)
	}
	r.logger.Info("operator action",
		zap.String("operator", operator),
		zap.String("action", action),
		zap.String("target", target),
	)
	return nil
}

// latencyScore maps a probe latency to a 0-100 score, losing one point per
// 100ms down to a floor of 50.
func latencyScore(latency time.Duration) float64 {
	penalty := float64(latency.Milliseconds()) / 100
	if penalty > 50 {
		penalty = 50
	}
	return 100 - penalty
}

const capabilityAlpha = 0.3

func nextCapabilityScore(old float64, o Outcome) float64 {
	var sample float64
	if o.Success {
		sample = latencyScore(o.Latency)
	}
	score := (1-capabilityAlpha)*old + capabilityAlpha*sample
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
