package inferpool

import (
	"context"
	"time"

	"github.com/ineyio/inferpool/vault"
)

// Call is the request sent to a provider's inference endpoint.
type Call struct {
	Credential string
	Model      string
	Messages   []Message
}

// CallResult is what the inference endpoint returned.
type CallResult struct {
	Content     string
	TotalTokens int64
	Latency     time.Duration
}

// InferenceFunc performs the remote inference call. Implementations should
// wrap ErrPartialResponse when a response had started streaming before the
// failure, which disables the automatic re-route.
type InferenceFunc func(ctx context.Context, call Call) (CallResult, error)

// ProbeResult describes what a connectivity probe learned about a credential.
type ProbeResult struct {
	CapacityUnits int64
	Models        []string
	Latency       time.Duration
}

// Prober performs the lightweight capability probe used on registration and
// by the health monitor.
type Prober interface {
	Probe(ctx context.Context, credential string) (ProbeResult, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, credential string) (ProbeResult, error)

func (f ProberFunc) Probe(ctx context.Context, credential string) (ProbeResult, error) {
	return f(ctx, credential)
}

// Provider is a registered compute provider. The credential is only held
// sealed.
type Provider struct {
	ID          string       `json:"id"`
	Owner       string       `json:"owner"`
	Name        string       `json:"name"`
	Credential  vault.Record `json:"credential"`
	Fingerprint string       `json:"fingerprint"`

	CapacityUnits int64    `json:"capacity_units"`
	Models        []string `json:"models,omitempty"`

	ConsecutiveFailures int  `json:"consecutive_failures"`
	HealthDisabled      bool `json:"health_disabled"`

	// Suspended is the operator/risk axis. Health recovery never clears it.
	Suspended     bool   `json:"suspended"`
	SuspendReason string `json:"suspend_reason,omitempty"`

	CapabilityScore float64   `json:"capability_score"`
	RiskScore       float64   `json:"risk_score"`
	LastProbeAt     time.Time `json:"last_probe_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Active reports whether the provider is eligible for routing.
func (p Provider) Active() bool {
	return !p.HealthDisabled && !p.Suspended
}

// ProviderStore persists providers. Providers are never deleted.
type ProviderStore interface {
	// Create inserts a provider. It returns ErrDuplicateProvider when another
	// provider holds the same fingerprint.
	Create(ctx context.Context, p Provider) error

	// Get returns ErrProviderNotFound for unknown ids.
	Get(ctx context.Context, id string) (Provider, error)

	// List returns all providers, active or not.
	List(ctx context.Context) ([]Provider, error)

	// FindByFingerprint reports whether a provider holds the fingerprint.
	FindByFingerprint(ctx context.Context, fingerprint string) (Provider, bool, error)

	// Update applies fn to the current provider atomically with respect to
	// other Update calls for the same id, and returns the stored result.
	Update(ctx context.Context, id string, fn func(*Provider) error) (Provider, error)
}
